// Package aggregator folds the log stream into tumbling per-service
// windows and emits LOG_COUNT, ERROR_COUNT, LATENCY_P95 and THROUGHPUT
// samples, both partial (open window) and finalized (closed window).
package aggregator

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lumenobs/lumen/pkg/clock"
	"github.com/lumenobs/lumen/pkg/model"
)

var (
	metricOpenWindows = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lumen",
		Name:      "aggregator_open_windows",
		Help:      "Windows currently held in memory.",
	})
	metricFinalizedSamples = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lumen",
		Name:      "aggregator_finalized_samples_total",
		Help:      "Finalized metric samples emitted.",
	})
)

type windowKey struct {
	service     string
	windowStart int64 // unix seconds
}

// windowState accumulates one (service, window) until finalized.
// Latencies are bounded; once full the oldest entry is overwritten.
type windowState struct {
	service     string
	windowStart time.Time
	windowEnd   time.Time

	logCount   int64
	errorCount int64

	latencies []float64
	latHead   int
	latFull   bool
}

func (w *windowState) observeLatency(v float64, max int) {
	if len(w.latencies) < max && !w.latFull {
		w.latencies = append(w.latencies, v)
		if len(w.latencies) == max {
			w.latFull = true
		}
		return
	}
	w.latencies[w.latHead] = v
	w.latHead = (w.latHead + 1) % len(w.latencies)
}

// Aggregator owns all open windows. Operations on one service serialize
// on the shared mutex; the state per key is touched only under it.
type Aggregator struct {
	cfg   Config
	clock clock.Clock

	mtx     sync.Mutex
	windows map[windowKey]*windowState
}

func New(cfg Config, clk clock.Clock) *Aggregator {
	return &Aggregator{
		cfg:     cfg,
		clock:   clk,
		windows: make(map[windowKey]*windowState),
	}
}

// OnLog buckets the record into its tumbling window and returns partial
// samples for that window. Partial samples carry a windowEnd clamped to
// now so downstream consumers see how much of the window has elapsed.
func (a *Aggregator) OnLog(l model.LogRecord) []model.MetricSample {
	w := a.cfg.WindowDuration
	start := l.Timestamp.Truncate(w)
	key := windowKey{service: l.Service, windowStart: start.Unix()}

	a.mtx.Lock()
	defer a.mtx.Unlock()

	state, ok := a.windows[key]
	if !ok {
		state = &windowState{
			service:     l.Service,
			windowStart: start,
			windowEnd:   start.Add(w),
		}
		a.windows[key] = state
		metricOpenWindows.Set(float64(len(a.windows)))
	}

	state.logCount++
	if l.Level.IsError() {
		state.errorCount++
	}
	if lat, ok := l.Metadata.Latency(); ok {
		state.observeLatency(lat, a.cfg.MaxLatencies)
	}

	now := a.clock.Now()
	end := state.windowEnd
	if now.Before(end) {
		end = now
	}
	return a.samples(state, end, false)
}

// DrainCompleted finalizes and drops every window whose end passed the
// grace horizon. Each (service, windowStart) is emitted exactly once
// because the state is deleted in the same critical section.
func (a *Aggregator) DrainCompleted(now time.Time) []model.MetricSample {
	cutoff := now.Add(-a.cfg.Grace)

	a.mtx.Lock()
	defer a.mtx.Unlock()

	var out []model.MetricSample
	for key, state := range a.windows {
		if state.windowEnd.After(cutoff) {
			continue
		}
		out = append(out, a.samples(state, state.windowEnd, true)...)
		delete(a.windows, key)
	}
	metricOpenWindows.Set(float64(len(a.windows)))
	metricFinalizedSamples.Add(float64(len(out)))

	sort.Slice(out, func(i, j int) bool {
		if out[i].Service != out[j].Service {
			return out[i].Service < out[j].Service
		}
		if !out[i].WindowStart.Equal(out[j].WindowStart) {
			return out[i].WindowStart.Before(out[j].WindowStart)
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// OpenWindows reports how many windows are held, for tests and health.
func (a *Aggregator) OpenWindows() int {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return len(a.windows)
}

// samples snapshots one window. LOG_COUNT is always emitted, ERROR_COUNT
// when nonzero, LATENCY_P95 when any latencies were observed, THROUGHPUT
// as logs per second over the full window length.
func (a *Aggregator) samples(state *windowState, end time.Time, final bool) []model.MetricSample {
	base := model.MetricSample{
		Service:     state.service,
		WindowStart: state.windowStart,
		WindowEnd:   end,
		Final:       final,
	}

	out := make([]model.MetricSample, 0, 4)

	s := base
	s.Type = model.MetricLogCount
	s.Value = float64(state.logCount)
	out = append(out, s)

	if state.errorCount > 0 {
		s = base
		s.Type = model.MetricErrorCount
		s.Value = float64(state.errorCount)
		out = append(out, s)
	}

	if len(state.latencies) > 0 {
		s = base
		s.Type = model.MetricLatencyP95
		s.Value = p95(state.latencies)
		out = append(out, s)
	}

	s = base
	s.Type = model.MetricThroughput
	s.Value = float64(state.logCount) / a.cfg.WindowDuration.Seconds()
	out = append(out, s)

	return out
}

// p95 sorts a copy and indexes at floor(0.95 * n). The latency slice is
// bounded at 10k entries so the sort stays cheap.
func p95(latencies []float64) float64 {
	sorted := make([]float64, len(latencies))
	copy(sorted, latencies)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
