package aggregator

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenobs/lumen/pkg/clock"
	"github.com/lumenobs/lumen/pkg/model"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) // minute-aligned

func testConfig() Config {
	return Config{
		WindowDuration: time.Minute,
		Grace:          time.Second,
		MaxLatencies:   10_000,
	}
}

func logAt(service string, ts time.Time, lvl model.Level, md model.Metadata) model.LogRecord {
	return model.LogRecord{
		Timestamp: ts,
		Level:     lvl,
		Service:   service,
		Message:   "m",
		Metadata:  md,
	}
}

func sampleByType(t *testing.T, samples []model.MetricSample, typ model.MetricType) model.MetricSample {
	t.Helper()
	for _, s := range samples {
		if s.Type == typ {
			return s
		}
	}
	t.Fatalf("no %s sample in %v", typ, samples)
	return model.MetricSample{}
}

func hasType(samples []model.MetricSample, typ model.MetricType) bool {
	for _, s := range samples {
		if s.Type == typ {
			return true
		}
	}
	return false
}

func TestErrorCountFinalization(t *testing.T) {
	clk := clock.NewManual(t0)
	agg := New(testConfig(), clk)

	// 10 INFO + 3 ERROR within one window, 5s apart
	ts := t0
	for i := 0; i < 10; i++ {
		agg.OnLog(logAt("svc-a", ts, model.LevelInfo, nil))
		ts = ts.Add(5 * time.Second)
	}
	for i := 0; i < 3; i++ {
		agg.OnLog(logAt("svc-a", ts, model.LevelError, nil))
		ts = ts.Add(2 * time.Second)
	}

	final := agg.DrainCompleted(t0.Add(62 * time.Second))

	require.Equal(t, 13.0, sampleByType(t, final, model.MetricLogCount).Value)
	require.Equal(t, 3.0, sampleByType(t, final, model.MetricErrorCount).Value)
	require.InDelta(t, 13.0/60.0, sampleByType(t, final, model.MetricThroughput).Value, 1e-9)
	require.False(t, hasType(final, model.MetricLatencyP95))

	for _, s := range final {
		assert.True(t, s.Final)
		assert.Equal(t, t0, s.WindowStart)
		assert.Equal(t, t0.Add(time.Minute), s.WindowEnd)
	}

	require.Equal(t, 0, agg.OpenWindows())
}

func TestP95Estimation(t *testing.T) {
	clk := clock.NewManual(t0)
	agg := New(testConfig(), clk)

	for i, lat := range []float64{100, 200, 300, 400, 500} {
		agg.OnLog(logAt("svc-a", t0.Add(time.Duration(i)*time.Second), model.LevelInfo, model.Metadata{"latency": lat}))
	}

	final := agg.DrainCompleted(t0.Add(2 * time.Minute))
	p95 := sampleByType(t, final, model.MetricLatencyP95)
	// index rule: sorted[floor(5*0.95)] = sorted[4] = 500
	require.Equal(t, 500.0, p95.Value)
}

func TestPartialSamples(t *testing.T) {
	clk := clock.NewManual(t0.Add(10 * time.Second))
	agg := New(testConfig(), clk)

	partial := agg.OnLog(logAt("svc-a", t0.Add(5*time.Second), model.LevelError, model.Metadata{"latency": 42.0}))

	require.False(t, partial[0].Final)
	require.Equal(t, 1.0, sampleByType(t, partial, model.MetricLogCount).Value)
	require.Equal(t, 1.0, sampleByType(t, partial, model.MetricErrorCount).Value)
	require.Equal(t, 42.0, sampleByType(t, partial, model.MetricLatencyP95).Value)

	// windowEnd clamps to now while the window is open
	require.Equal(t, t0.Add(10*time.Second), partial[0].WindowEnd)
}

func TestWindowsArePerService(t *testing.T) {
	clk := clock.NewManual(t0)
	agg := New(testConfig(), clk)

	agg.OnLog(logAt("svc-a", t0, model.LevelInfo, nil))
	agg.OnLog(logAt("svc-b", t0, model.LevelInfo, nil))
	agg.OnLog(logAt("svc-b", t0, model.LevelInfo, nil))

	require.Equal(t, 2, agg.OpenWindows())

	final := agg.DrainCompleted(t0.Add(2 * time.Minute))
	byService := map[string]float64{}
	for _, s := range final {
		if s.Type == model.MetricLogCount {
			byService[s.Service] = s.Value
		}
	}
	require.Equal(t, map[string]float64{"svc-a": 1, "svc-b": 2}, byService)
}

func TestDrainRespectsGrace(t *testing.T) {
	clk := clock.NewManual(t0)
	agg := New(testConfig(), clk)

	agg.OnLog(logAt("svc-a", t0, model.LevelInfo, nil))

	// window ends at t0+60s; grace is 1s
	require.Empty(t, agg.DrainCompleted(t0.Add(60*time.Second)))
	require.Empty(t, agg.DrainCompleted(t0.Add(60500*time.Millisecond)))
	require.NotEmpty(t, agg.DrainCompleted(t0.Add(61*time.Second)))
}

// Count conservation: the sum of finalized LOG_COUNT values equals the
// number of input logs for the service, regardless of how the logs fall
// across windows.
func TestLogCountConservation(t *testing.T) {
	clk := clock.NewManual(t0)
	agg := New(testConfig(), clk)

	const n = 500
	ts := t0
	for i := 0; i < n; i++ {
		agg.OnLog(logAt("svc-a", ts, model.LevelInfo, nil))
		ts = ts.Add(1700 * time.Millisecond) // crosses many window boundaries
	}

	final := agg.DrainCompleted(ts.Add(2 * time.Minute))

	var total float64
	seen := map[time.Time]bool{}
	for _, s := range final {
		if s.Type != model.MetricLogCount {
			continue
		}
		require.False(t, seen[s.WindowStart], "window %v finalized twice", s.WindowStart)
		seen[s.WindowStart] = true
		total += s.Value
	}
	require.Equal(t, float64(n), total)

	// nothing left to emit
	require.Empty(t, agg.DrainCompleted(ts.Add(time.Hour)))
}

func TestLatencyBufferIsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLatencies = 100
	clk := clock.NewManual(t0)
	agg := New(cfg, clk)

	// 100 low values then 200 high ones; the lows are overwritten
	for i := 0; i < 100; i++ {
		agg.OnLog(logAt("svc-a", t0, model.LevelInfo, model.Metadata{"latency": 1.0}))
	}
	for i := 0; i < 200; i++ {
		agg.OnLog(logAt("svc-a", t0, model.LevelInfo, model.Metadata{"latency": 1000.0}))
	}

	final := agg.DrainCompleted(t0.Add(2 * time.Minute))
	require.Equal(t, 1000.0, sampleByType(t, final, model.MetricLatencyP95).Value)
}

func TestConcurrentOnLog(t *testing.T) {
	clk := clock.NewManual(t0)
	agg := New(testConfig(), clk)

	done := make(chan struct{})
	for g := 0; g < 8; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 1000; i++ {
				agg.OnLog(logAt(fmt.Sprintf("svc-%d", g%4), t0, model.LevelInfo, nil))
			}
		}(g)
	}
	for g := 0; g < 8; g++ {
		<-done
	}

	final := agg.DrainCompleted(t0.Add(2 * time.Minute))
	var total float64
	for _, s := range final {
		if s.Type == model.MetricLogCount {
			total += s.Value
		}
	}
	require.Equal(t, 8000.0, total)
}
