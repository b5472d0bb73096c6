package alerting

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	pkgerrors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lumenobs/lumen/pkg/clock"
	"github.com/lumenobs/lumen/pkg/model"
)

var metricDispatch = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "lumen",
	Name:      "alert_dispatch_total",
	Help:      "Sink delivery attempts, by sink and status.",
}, []string{"sink", "status"})

// DispatchStore is the storage surface the dispatcher needs.
type DispatchStore interface {
	FindRecentUnsent(ctx context.Context, service string, typ model.AlertType, projectID int64, since time.Time) ([]model.Alert, error)
	MarkSent(ctx context.Context, ids []int64, at time.Time) error
}

// ProjectResolver maps a service to its owning project. Implemented by
// storage.APIKeyRepository.
type ProjectResolver interface {
	ResolveProject(ctx context.Context, service string) (projectID int64, ownerEmail string, ok bool, err error)
}

// ChannelLister returns the active channels of a project.
type ChannelLister interface {
	ListActive(ctx context.Context, projectID int64) ([]model.AlertChannel, error)
}

type cooldownKey struct {
	service   string
	typ       model.AlertType
	projectID int64
}

// Dispatcher delivers stored alerts through the project's channels,
// batching bursts within the batch window and enforcing a per-severity
// cooldown per (service, type, project).
type Dispatcher struct {
	cfg      Config
	store    DispatchStore
	resolver ProjectResolver
	channels ChannelLister
	clock    clock.Clock
	logger   log.Logger

	mtx      sync.Mutex
	lastSent map[cooldownKey]time.Time
	sinks    map[string]Sink

	// overridable in tests
	newSink func(c model.AlertChannel) Sink
}

func NewDispatcher(cfg Config, store DispatchStore, resolver ProjectResolver, channels ChannelLister, clk clock.Clock, logger log.Logger) *Dispatcher {
	d := &Dispatcher{
		cfg:      cfg,
		store:    store,
		resolver: resolver,
		channels: channels,
		clock:    clk,
		logger:   logger,
		lastSent: make(map[cooldownKey]time.Time),
		sinks:    make(map[string]Sink),
	}
	d.newSink = d.buildSink
	return d
}

func (d *Dispatcher) buildSink(c model.AlertChannel) Sink {
	switch c.Kind {
	case model.ChannelChat:
		return WithBreaker(NewChatSink(c.Config.WebhookURL), d.cfg.SinkTimeout)
	case model.ChannelEmail:
		if !d.cfg.SMTP.Configured() {
			return nil
		}
		return WithBreaker(NewEmailSink(d.cfg.SMTP, c.Config.Recipient), d.cfg.SinkTimeout)
	}
	return nil
}

// sinkFor caches built sinks so circuit-breaker state survives across
// dispatches to the same target.
func (d *Dispatcher) sinkFor(c model.AlertChannel) Sink {
	key := fmt.Sprintf("%s/%s%s", c.Kind, c.Config.WebhookURL, c.Config.Recipient)
	if s, ok := d.sinks[key]; ok {
		return s
	}
	s := d.newSink(c)
	if s != nil {
		d.sinks[key] = s
	}
	return s
}

// Dispatch delivers the alert, or the batch of recent unsent alerts it
// belongs to. Alerts suppressed by the cooldown stay unsent and ride along
// with the next delivery inside the batch window.
func (d *Dispatcher) Dispatch(ctx context.Context, a model.Alert) error {
	now := d.clock.Now()

	projectID, ownerEmail, ok, err := d.resolver.ResolveProject(ctx, a.Service)
	if err != nil {
		return pkgerrors.Wrap(err, "resolving project")
	}
	if !ok {
		level.Debug(d.logger).Log("msg", "no project for service, using defaults", "service", a.Service)
	}

	key := cooldownKey{service: a.Service, typ: a.Type, projectID: projectID}

	d.mtx.Lock()
	last, seen := d.lastSent[key]
	d.mtx.Unlock()
	if seen && now.Sub(last) < d.cfg.Cooldown(a.Severity) {
		level.Debug(d.logger).Log("msg", "delivery suppressed by cooldown",
			"service", a.Service, "type", a.Type, "severity", a.Severity)
		return nil
	}

	batch, err := d.store.FindRecentUnsent(ctx, a.Service, a.Type, projectID, now.Add(-d.cfg.BatchWindow))
	if err != nil {
		return pkgerrors.Wrap(err, "loading unsent alerts")
	}
	if len(batch) == 0 {
		batch = []model.Alert{a}
	}

	subject, body := format(batch)

	sinks, err := d.activeSinks(ctx, projectID, a.Service, ownerEmail)
	if err != nil {
		return err
	}
	if len(sinks) == 0 {
		level.Warn(d.logger).Log("msg", "no delivery channel for alert",
			"service", a.Service, "type", a.Type, "project", projectID)
		return nil
	}

	var delivered bool
	var errs []string
	for _, s := range sinks {
		if err := s.Send(ctx, subject, body); err != nil {
			metricDispatch.WithLabelValues(s.Name(), "error").Inc()
			level.Warn(d.logger).Log("msg", "sink delivery failed", "sink", s.Name(), "err", err)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		metricDispatch.WithLabelValues(s.Name(), "ok").Inc()
		delivered = true
	}
	if !delivered {
		return pkgerrors.Errorf("all sinks failed: %s", strings.Join(errs, "; "))
	}

	ids := make([]int64, 0, len(batch))
	for _, b := range batch {
		ids = append(ids, b.ID)
	}
	if err := d.store.MarkSent(ctx, ids, now); err != nil {
		return pkgerrors.Wrap(err, "marking alerts sent")
	}

	d.mtx.Lock()
	d.lastSent[key] = now
	d.mtx.Unlock()
	return nil
}

func (d *Dispatcher) activeSinks(ctx context.Context, projectID int64, service, ownerEmail string) ([]Sink, error) {
	var sinks []Sink
	if projectID != 0 {
		channels, err := d.channels.ListActive(ctx, projectID)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "listing alert channels")
		}
		d.mtx.Lock()
		for _, c := range channels {
			if !c.Matches(service) {
				continue
			}
			if s := d.sinkFor(c); s != nil {
				sinks = append(sinks, s)
			}
		}
		d.mtx.Unlock()
	}

	// no configured channel: fall back to emailing the project owner
	if len(sinks) == 0 && ownerEmail != "" && d.cfg.SMTP.Configured() {
		d.mtx.Lock()
		s := d.sinkFor(model.AlertChannel{
			Kind:   model.ChannelEmail,
			Active: true,
			Config: model.ChannelConfig{Recipient: ownerEmail},
		})
		d.mtx.Unlock()
		if s != nil {
			sinks = append(sinks, s)
		}
	}
	return sinks, nil
}

// format renders one alert, or a batched summary when a burst collapsed
// into several rows inside the batch window.
func format(batch []model.Alert) (subject, body string) {
	max := batch[0]
	for _, a := range batch {
		if a.Severity > max.Severity {
			max = a
		}
	}

	if len(batch) == 1 {
		a := batch[0]
		subject = fmt.Sprintf("[%s] %s on %s", a.Severity, a.Type, a.Service)
		body = fmt.Sprintf("%s\n\nraised at %s", a.Message, a.CreatedAt.UTC().Format(time.RFC3339))
		return subject, body
	}

	first, last := batch[0].CreatedAt, batch[0].CreatedAt
	for _, a := range batch {
		if a.CreatedAt.Before(first) {
			first = a.CreatedAt
		}
		if a.CreatedAt.After(last) {
			last = a.CreatedAt
		}
	}

	subject = fmt.Sprintf("[%s] %d x %s on %s", max.Severity, len(batch), max.Type, max.Service)

	var b strings.Builder
	fmt.Fprintf(&b, "%d alerts between %s and %s\n\n",
		len(batch), first.UTC().Format(time.RFC3339), last.UTC().Format(time.RFC3339))
	shown := len(batch)
	if shown > 10 {
		shown = 10
	}
	for _, a := range batch[:shown] {
		fmt.Fprintf(&b, "- [%s] %s\n", a.Severity, a.Message)
	}
	if len(batch) > shown {
		fmt.Fprintf(&b, "... and %d more\n", len(batch)-shown)
	}
	return subject, b.String()
}
