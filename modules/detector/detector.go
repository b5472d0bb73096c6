// Package detector raises anomaly alerts from the log stream and from
// finalized metric samples: a per-service error-rate model, a p95 latency
// threshold, and a service-liveness watchdog.
package detector

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lumenobs/lumen/pkg/clock"
	"github.com/lumenobs/lumen/pkg/model"
)

var metricSignals = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "lumen",
	Name:      "detector_signals_total",
	Help:      "Anomaly signals raised, by alert type.",
}, []string{"type"})

// Detector owns one ErrorRateModel per service plus liveness tracking.
type Detector struct {
	cfg    Config
	clock  clock.Clock
	logger log.Logger

	mtx      sync.Mutex
	models   map[string]*ErrorRateModel
	lastSeen map[string]time.Time
	down     map[string]bool
}

func New(cfg Config, clk clock.Clock, logger log.Logger) *Detector {
	return &Detector{
		cfg:      cfg,
		clock:    clk,
		logger:   logger,
		models:   make(map[string]*ErrorRateModel),
		lastSeen: make(map[string]time.Time),
		down:     make(map[string]bool),
	}
}

// ObserveLog updates liveness and the service's error-rate model, and
// converts any raised signals into ERROR_SPIKE alerts.
func (d *Detector) ObserveLog(l model.LogRecord) []model.Alert {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	d.lastSeen[l.Service] = l.Timestamp
	if d.down[l.Service] {
		delete(d.down, l.Service)
		level.Info(d.logger).Log("msg", "service seen again", "service", l.Service)
	}

	m, ok := d.models[l.Service]
	if !ok {
		m = NewErrorRateModel(d.cfg)
		d.models[l.Service] = m
	}

	signals := m.Observe(l.Timestamp, l.Level.IsError())
	if len(signals) == 0 {
		return nil
	}

	now := d.clock.Now()
	alerts := make([]model.Alert, 0, len(signals))
	for _, s := range signals {
		metricSignals.WithLabelValues(string(model.AlertErrorSpike)).Inc()
		alerts = append(alerts, model.Alert{
			Type:      model.AlertErrorSpike,
			Severity:  model.Severity(s.Severity),
			Message:   fmt.Sprintf("%s: %s", l.Service, s.Message),
			Service:   l.Service,
			CreatedAt: now,
		})
	}
	return alerts
}

// EvaluateMetrics applies the latency threshold to finalized samples.
func (d *Detector) EvaluateMetrics(samples []model.MetricSample) []model.Alert {
	threshold := d.cfg.LatencyThresholdMs
	if threshold <= 0 {
		return nil
	}

	now := d.clock.Now()
	var alerts []model.Alert
	for _, s := range samples {
		if s.Type != model.MetricLatencyP95 || s.Value <= threshold {
			continue
		}
		var sev model.Severity
		switch {
		case s.Value > 3*threshold:
			sev = model.SeverityCritical
		case s.Value > 2*threshold:
			sev = model.SeverityHigh
		default:
			sev = model.SeverityMedium
		}
		metricSignals.WithLabelValues(string(model.AlertHighLatency)).Inc()
		alerts = append(alerts, model.Alert{
			Type:      model.AlertHighLatency,
			Severity:  sev,
			Message:   fmt.Sprintf("%s: p95 latency %.0fms exceeds threshold %.0fms", s.Service, s.Value, threshold),
			Service:   s.Service,
			CreatedAt: now,
		})
	}
	return alerts
}

// CheckLiveness raises SERVICE_DOWN for services silent longer than the
// downtime threshold. Each outage alerts once; the service re-arms when
// it is seen again.
func (d *Detector) CheckLiveness(now time.Time) []model.Alert {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	var alerts []model.Alert
	for service, seen := range d.lastSeen {
		if now.Sub(seen) <= d.cfg.DowntimeThreshold || d.down[service] {
			continue
		}
		d.down[service] = true
		metricSignals.WithLabelValues(string(model.AlertServiceDown)).Inc()
		alerts = append(alerts, model.Alert{
			Type:      model.AlertServiceDown,
			Severity:  model.SeverityHigh,
			Message:   fmt.Sprintf("%s: no logs received for %s", service, now.Sub(seen).Truncate(time.Second)),
			Service:   service,
			CreatedAt: now,
		})
	}
	return alerts
}

// LastSeen reports the newest observed timestamp per service, for tests
// and the services endpoint.
func (d *Detector) LastSeen(service string) (time.Time, bool) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	t, ok := d.lastSeen[service]
	return t, ok
}
