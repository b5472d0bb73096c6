// Package alerting collapses duplicate alerts behind a storage-arbitrated
// unique index and delivers the survivors to configured sinks with
// per-severity cooldowns and batching.
package alerting

import (
	"context"
	"errors"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lumenobs/lumen/modules/storage"
	"github.com/lumenobs/lumen/pkg/model"
)

var metricDedupeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "lumen",
	Name:      "alert_dedupe_outcomes_total",
	Help:      "Dedupe outcomes, by result.",
}, []string{"outcome"})

// Outcome of a deduplicated insert.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
	OutcomeSkipped Outcome = "skipped"
)

// AlertStore is the storage surface the deduper needs. Implemented by
// storage.AlertRepository; tests use an in-memory fake.
type AlertStore interface {
	UpsertDeduped(ctx context.Context, a model.Alert) (id int64, created, updated bool, err error)
	FindByBuckets(ctx context.Context, service string, typ model.AlertType, buckets []int64) (model.Alert, bool, error)
}

// Result of InsertDeduped. AlertID refers to the surviving row.
type Result struct {
	Outcome Outcome
	AlertID int64
}

// Deduper assigns each alert a coarse time bucket and lets the storage
// unique index arbitrate between concurrent producers.
type Deduper struct {
	cfg    Config
	store  AlertStore
	logger log.Logger
}

func NewDeduper(cfg Config, store AlertStore, logger log.Logger) *Deduper {
	return &Deduper{cfg: cfg, store: store, logger: logger}
}

// Bucket maps a creation time to its dedupe bucket ordinal.
func (d *Deduper) Bucket(at time.Time) int64 {
	return at.Unix() / int64(d.cfg.DedupeWindow.Seconds())
}

// InsertDeduped stores the alert or merges it into the unresolved row
// holding its (service, type, bucket) key. Unique-index races retry with
// exponential backoff; when retries are exhausted, the surviving row is
// looked up across the skew-tolerant bucket range.
func (d *Deduper) InsertDeduped(ctx context.Context, a model.Alert) (Result, error) {
	a.TimeBucket = d.Bucket(a.CreatedAt)

	bo := backoff.New(ctx, backoff.Config{
		MinBackoff: d.cfg.RetryBaseDelay,
		MaxBackoff: d.cfg.RetryBaseDelay * 8,
		MaxRetries: d.cfg.RetryLimit,
	})

	var lastErr error
	for bo.Ongoing() {
		id, created, updated, err := d.store.UpsertDeduped(ctx, a)
		switch {
		case err == nil:
			outcome := OutcomeSkipped
			if created {
				outcome = OutcomeCreated
			} else if updated {
				outcome = OutcomeUpdated
			}
			metricDedupeOutcomes.WithLabelValues(string(outcome)).Inc()
			return Result{Outcome: outcome, AlertID: id}, nil
		case errors.Is(err, storage.ErrConflict):
			lastErr = err
			bo.Wait()
		default:
			return Result{}, err
		}
	}

	// Retries exhausted: another producer owns the row. Find it in the
	// current bucket or within the configured skew on either side.
	buckets := make([]int64, 0, 2*d.cfg.DedupeSkewBuckets+1)
	for off := -d.cfg.DedupeSkewBuckets; off <= d.cfg.DedupeSkewBuckets; off++ {
		buckets = append(buckets, a.TimeBucket+int64(off))
	}
	existing, ok, err := d.store.FindByBuckets(ctx, a.Service, a.Type, buckets)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		level.Warn(d.logger).Log("msg", "dedupe conflict with no surviving row",
			"service", a.Service, "type", a.Type, "bucket", a.TimeBucket, "err", lastErr)
		return Result{}, lastErr
	}
	metricDedupeOutcomes.WithLabelValues(string(OutcomeSkipped)).Inc()
	return Result{Outcome: OutcomeSkipped, AlertID: existing.ID}, nil
}
