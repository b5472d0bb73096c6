package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/grafana/dskit/backoff"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pkgerrors "github.com/pkg/errors"

	"github.com/lumenobs/lumen/pkg/model"
)

// MetricRepository persists windowed metric samples. Partial samples are
// overwritten freely; a finalized row is never downgraded back to partial.
type MetricRepository struct {
	pool       *pgxpool.Pool
	retryLimit int
}

// Upsert writes the samples, retrying transient failures. A finalized
// sample replaces whatever holds its key; a partial sample only lands
// while the stored row is not final.
func (r *MetricRepository) Upsert(ctx context.Context, samples []model.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}

	bo := backoff.New(ctx, backoff.Config{
		MinBackoff: 50 * time.Millisecond,
		MaxBackoff: 500 * time.Millisecond,
		MaxRetries: r.retryLimit,
	})
	var lastErr error
	for bo.Ongoing() {
		batch := &pgx.Batch{}
		for _, s := range samples {
			batch.Queue(`
				INSERT INTO metrics (service, metric_type, value, window_start, window_end, final)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (service, metric_type, window_start) DO UPDATE SET
					value = EXCLUDED.value,
					window_end = EXCLUDED.window_end,
					final = EXCLUDED.final
				WHERE NOT metrics.final`,
				s.Service, string(s.Type), s.Value, s.WindowStart, s.WindowEnd, s.Final)
		}
		err := r.pool.SendBatch(ctx, batch).Close()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return pkgerrors.Wrap(err, "upserting metric samples")
		}
		lastErr = err
		bo.Wait()
	}
	return pkgerrors.Wrap(lastErr, "upserting metric samples")
}

// MetricQuery filters the metrics read endpoint.
type MetricQuery struct {
	Service string
	Type    model.MetricType
	Start   time.Time
	End     time.Time
	Limit   int
}

// Query reads samples newest-window-first.
func (r *MetricRepository) Query(ctx context.Context, q MetricQuery) ([]model.MetricSample, error) {
	sql := `SELECT service, metric_type, value, window_start, window_end, final FROM metrics WHERE TRUE`
	args := []any{}
	if q.Service != "" {
		args = append(args, q.Service)
		sql += ` AND service = $` + strconv.Itoa(len(args))
	}
	if q.Type != "" {
		args = append(args, string(q.Type))
		sql += ` AND metric_type = $` + strconv.Itoa(len(args))
	}
	if !q.Start.IsZero() {
		args = append(args, q.Start)
		sql += ` AND window_start >= $` + strconv.Itoa(len(args))
	}
	if !q.End.IsZero() {
		args = append(args, q.End)
		sql += ` AND window_start <= $` + strconv.Itoa(len(args))
	}
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)
	sql += ` ORDER BY window_start DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "querying metrics")
	}
	defer rows.Close()

	var out []model.MetricSample
	for rows.Next() {
		var s model.MetricSample
		var typ string
		if err := rows.Scan(&s.Service, &typ, &s.Value, &s.WindowStart, &s.WindowEnd, &s.Final); err != nil {
			return nil, pkgerrors.Wrap(err, "scanning metric sample")
		}
		s.Type = model.MetricType(typ)
		out = append(out, s)
	}
	return out, rows.Err()
}
