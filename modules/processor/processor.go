// Package processor wires the pipeline together: records arriving over
// the notification channel flow through the aggregator and detector, and
// anything they raise continues through dedupe, dispatch and the event
// bus. The processor also owns the periodic tickers.
package processor

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lumenobs/lumen/modules/aggregator"
	"github.com/lumenobs/lumen/modules/alerting"
	"github.com/lumenobs/lumen/modules/detector"
	"github.com/lumenobs/lumen/modules/listener"
	"github.com/lumenobs/lumen/pkg/clock"
	"github.com/lumenobs/lumen/pkg/eventbus"
	"github.com/lumenobs/lumen/pkg/model"
)

var metricProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "lumen",
	Name:      "processor_logs_total",
	Help:      "Log records run through the pipeline, by origin.",
}, []string{"origin"})

// MetricWriter persists metric samples. Implemented by
// storage.MetricRepository.
type MetricWriter interface {
	Upsert(ctx context.Context, samples []model.MetricSample) error
}

// AlertInserter is the dedupe stage. Implemented by alerting.Deduper.
type AlertInserter interface {
	InsertDeduped(ctx context.Context, a model.Alert) (alerting.Result, error)
}

// AlertSender delivers stored alerts. Implemented by alerting.Dispatcher.
type AlertSender interface {
	Dispatch(ctx context.Context, a model.Alert) error
}

// Janitor sweeps expired rows. Implemented by storage.Store.
type Janitor interface {
	DeleteExpired(ctx context.Context) error
}

// LogSource feeds persisted records into the pipeline. Implemented by
// listener.Listener; nil disables the subservice (tests drive OnLog
// directly).
type LogSource interface {
	services.Service
	AddHandler(listener.Handler)
	MarkSeen(id int64) bool
}

// Processor is the orchestrator service.
type Processor struct {
	services.Service

	cfg      Config
	agg      *aggregator.Aggregator
	det      *detector.Detector
	metrics  MetricWriter
	deduper  AlertInserter
	sender   AlertSender
	resolver alerting.ProjectResolver
	janitor  Janitor
	source   LogSource
	bus      *eventbus.Bus
	clock    clock.Clock
	logger   log.Logger
}

func New(cfg Config, agg *aggregator.Aggregator, det *detector.Detector,
	metrics MetricWriter, deduper AlertInserter, sender AlertSender,
	resolver alerting.ProjectResolver, janitor Janitor, source LogSource,
	bus *eventbus.Bus, clk clock.Clock, logger log.Logger) *Processor {

	p := &Processor{
		cfg:      cfg,
		agg:      agg,
		det:      det,
		metrics:  metrics,
		deduper:  deduper,
		sender:   sender,
		resolver: resolver,
		janitor:  janitor,
		source:   source,
		bus:      bus,
		clock:    clk,
		logger:   logger,
	}
	p.Service = services.NewBasicService(p.starting, p.running, nil)
	return p
}

func (p *Processor) starting(ctx context.Context) error {
	if p.source == nil {
		return nil
	}
	p.source.AddHandler(func(rec model.LogRecord) {
		metricProcessed.WithLabelValues("notification").Inc()
		p.OnLog(rec)
	})
	return services.StartAndAwaitRunning(ctx, p.source)
}

func (p *Processor) running(ctx context.Context) error {
	finalize := time.NewTicker(p.cfg.FinalizeInterval)
	defer finalize.Stop()
	watchdog := time.NewTicker(p.cfg.WatchdogInterval)
	defer watchdog.Stop()
	retention := time.NewTicker(p.cfg.RetentionInterval)
	defer retention.Stop()

	for {
		select {
		case <-finalize.C:
			p.finalizeWindows(ctx)
		case <-watchdog.C:
			p.checkLiveness(ctx)
		case <-retention.C:
			if err := p.janitor.DeleteExpired(ctx); err != nil {
				level.Warn(p.logger).Log("msg", "retention sweep failed", "err", err)
			}
		case <-ctx.Done():
			return p.shutdown()
		}
	}
}

// shutdown stops the log source first so no new records arrive, then
// flushes completed windows under a bounded drain context.
func (p *Processor) shutdown() error {
	if p.source != nil {
		if err := services.StopAndAwaitTerminated(context.Background(), p.source); err != nil {
			level.Warn(p.logger).Log("msg", "stopping log source", "err", err)
		}
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownDrain)
	defer cancel()
	p.finalizeWindows(drainCtx)
	level.Info(p.logger).Log("msg", "processor drained")
	return nil
}

// OnLog is the hot path for one persisted record.
func (p *Processor) OnLog(rec model.LogRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p.bus.Publish(eventbus.Event{
		Channel:   eventbus.ChannelLogs,
		Service:   rec.Service,
		Timestamp: p.clock.Now(),
		Payload:   rec,
	})

	if partials := p.agg.OnLog(rec); len(partials) > 0 {
		if err := p.metrics.Upsert(ctx, partials); err != nil {
			level.Warn(p.logger).Log("msg", "upserting partial samples", "err", err)
		}
		for _, s := range partials {
			p.bus.Publish(eventbus.Event{
				Channel:   eventbus.ChannelMetrics,
				Service:   s.Service,
				Timestamp: p.clock.Now(),
				Payload:   s,
			})
		}
	}

	p.handleAlerts(ctx, p.det.ObserveLog(rec))
}

// OnIngest feeds records persisted by the HTTP ingest path straight into
// the pipeline. Each id is claimed in the source's processed set first,
// so the notification for it arrives as a duplicate and is suppressed.
func (p *Processor) OnIngest(records []model.LogRecord) {
	for _, rec := range records {
		if p.source != nil && !p.source.MarkSeen(rec.ID) {
			continue
		}
		metricProcessed.WithLabelValues("ingest").Inc()
		p.OnLog(rec)
	}
}

func (p *Processor) finalizeWindows(ctx context.Context) {
	now := p.clock.Now()
	finals := p.agg.DrainCompleted(now)
	if len(finals) == 0 {
		return
	}
	if err := p.metrics.Upsert(ctx, finals); err != nil {
		level.Error(p.logger).Log("msg", "upserting finalized samples", "err", err)
	}
	for _, s := range finals {
		p.bus.Publish(eventbus.Event{
			Channel:   eventbus.ChannelMetrics,
			Service:   s.Service,
			Timestamp: now,
			Payload:   s,
		})
	}
	p.handleAlerts(ctx, p.det.EvaluateMetrics(finals))
}

func (p *Processor) checkLiveness(ctx context.Context) {
	p.handleAlerts(ctx, p.det.CheckLiveness(p.clock.Now()))
}

// handleAlerts runs raised alerts through dedupe and, for survivors,
// through the event bus and the dispatcher. Skipped duplicates go
// nowhere.
func (p *Processor) handleAlerts(ctx context.Context, alerts []model.Alert) {
	for _, a := range alerts {
		projectID, _, ok, err := p.resolver.ResolveProject(ctx, a.Service)
		if err != nil {
			level.Warn(p.logger).Log("msg", "resolving project for alert", "service", a.Service, "err", err)
		} else if ok {
			a.ProjectID = projectID
		}

		res, err := p.deduper.InsertDeduped(ctx, a)
		if err != nil {
			level.Error(p.logger).Log("msg", "storing alert", "service", a.Service, "type", a.Type, "err", err)
			continue
		}
		if res.Outcome == alerting.OutcomeSkipped {
			continue
		}
		a.ID = res.AlertID

		p.bus.Publish(eventbus.Event{
			Channel:   eventbus.ChannelAlerts,
			Service:   a.Service,
			Timestamp: p.clock.Now(),
			Payload:   a,
		})
		if err := p.sender.Dispatch(ctx, a); err != nil {
			level.Warn(p.logger).Log("msg", "dispatching alert", "service", a.Service, "type", a.Type, "err", err)
		}
	}
}
