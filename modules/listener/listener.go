// Package listener delivers every persisted log record to in-process
// handlers exactly once, driven by the storage notification channel
// rather than polling.
package listener

import (
	"context"
	"strconv"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lumenobs/lumen/pkg/model"
)

var (
	metricNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lumen",
		Name:      "listener_notifications_total",
		Help:      "Notifications handled, by status.",
	}, []string{"status"})
	metricReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lumen",
		Name:      "listener_reconnects_total",
		Help:      "Times the notification session was re-established.",
	})
)

// Session is one live subscription to the notification channel. Next
// blocks until a payload arrives or the context ends.
type Session interface {
	Next(ctx context.Context) (payload string, err error)
	Close()
}

// Source opens notification sessions. The pgx implementation lives next
// to the pool; tests supply a fake.
type Source interface {
	Connect(ctx context.Context) (Session, error)
}

// Fetcher reads records for notification handling and catch-up.
// Implemented by storage.LogRepository.
type Fetcher interface {
	GetByID(ctx context.Context, id int64) (model.LogRecord, error)
	Recent(ctx context.Context, n int) ([]model.LogRecord, error)
}

// Handler consumes one record. Handlers run concurrently per record;
// a panicking handler is logged and never takes down the listener.
type Handler func(model.LogRecord)

// Listener owns the notification session and the processed-id window
// that keeps catch-up and live delivery from double-processing.
type Listener struct {
	services.Service

	cfg      Config
	source   Source
	fetcher  Fetcher
	logger   log.Logger
	handlers []Handler

	mtx       sync.Mutex
	processed map[int64]struct{}
	order     []int64
}

func New(cfg Config, source Source, fetcher Fetcher, logger log.Logger) *Listener {
	l := &Listener{
		cfg:       cfg,
		source:    source,
		fetcher:   fetcher,
		logger:    logger,
		processed: make(map[int64]struct{}),
	}
	l.Service = services.NewBasicService(nil, l.running, l.stopping)
	return l
}

// AddHandler registers a handler. Not safe to call after starting.
func (l *Listener) AddHandler(h Handler) {
	l.handlers = append(l.handlers, h)
}

func (l *Listener) running(ctx context.Context) error {
	bo := backoff.New(ctx, backoff.Config{
		MinBackoff: l.cfg.MinReconnect,
		MaxBackoff: l.cfg.MaxReconnect,
	})

	for ctx.Err() == nil {
		session, err := l.source.Connect(ctx)
		if err != nil {
			level.Warn(l.logger).Log("msg", "notification connect failed", "err", err)
			bo.Wait()
			continue
		}
		bo.Reset()

		// recover anything committed while we were not subscribed
		l.catchUp(ctx)

		if err := l.consume(ctx, session); err != nil && ctx.Err() == nil {
			level.Warn(l.logger).Log("msg", "notification session lost", "err", err)
			metricReconnects.Inc()
			bo.Wait()
		}
		session.Close()
	}
	return nil
}

func (l *Listener) stopping(_ error) error {
	level.Info(l.logger).Log("msg", "change listener stopped")
	return nil
}

func (l *Listener) consume(ctx context.Context, session Session) error {
	for {
		payload, err := session.Next(ctx)
		if err != nil {
			return err
		}

		id, err := strconv.ParseInt(payload, 10, 64)
		if err != nil {
			metricNotifications.WithLabelValues("invalid").Inc()
			level.Warn(l.logger).Log("msg", "dropping notification with invalid payload", "payload", payload)
			continue
		}
		if !l.markProcessed(id) {
			metricNotifications.WithLabelValues("duplicate").Inc()
			continue
		}

		rec, err := l.fetcher.GetByID(ctx, id)
		if err != nil {
			// forget the id so a redelivery or catch-up can retry it
			l.forget(id)
			metricNotifications.WithLabelValues("fetch_error").Inc()
			level.Warn(l.logger).Log("msg", "failed to fetch notified record", "id", id, "err", err)
			continue
		}
		metricNotifications.WithLabelValues("ok").Inc()
		l.dispatch(rec)
	}
}

func (l *Listener) catchUp(ctx context.Context) {
	records, err := l.fetcher.Recent(ctx, l.cfg.CatchUpLimit)
	if err != nil {
		level.Warn(l.logger).Log("msg", "catch-up read failed", "err", err)
		return
	}
	replayed := 0
	for _, rec := range records {
		if !l.markProcessed(rec.ID) {
			continue
		}
		replayed++
		l.dispatch(rec)
	}
	if replayed > 0 {
		level.Info(l.logger).Log("msg", "catch-up replayed records", "count", replayed)
	}
}

// MarkSeen claims an id delivered outside the notification path, so the
// notification for it is suppressed as a duplicate. Returns false when
// the id was already processed.
func (l *Listener) MarkSeen(id int64) bool {
	return l.markProcessed(id)
}

// markProcessed records the id, evicting the oldest entries FIFO once the
// window is full. Returns false when the id was already seen.
func (l *Listener) markProcessed(id int64) bool {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if _, ok := l.processed[id]; ok {
		return false
	}
	l.processed[id] = struct{}{}
	l.order = append(l.order, id)
	for len(l.order) > l.cfg.ProcessedLimit {
		delete(l.processed, l.order[0])
		l.order = l.order[1:]
	}
	return true
}

// forget drops an id from the processed window. Used when delivery
// failed after the id was claimed.
func (l *Listener) forget(id int64) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if _, ok := l.processed[id]; !ok {
		return
	}
	delete(l.processed, id)
	for i := len(l.order) - 1; i >= 0; i-- {
		if l.order[i] == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

func (l *Listener) dispatch(rec model.LogRecord) {
	var wg sync.WaitGroup
	for _, h := range l.handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					level.Error(l.logger).Log("msg", "handler panicked", "id", rec.ID, "panic", r)
				}
			}()
			h(rec)
		}(h)
	}
	wg.Wait()
}
