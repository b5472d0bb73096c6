package processor

import (
	"context"
	"flag"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenobs/lumen/modules/aggregator"
	"github.com/lumenobs/lumen/modules/alerting"
	"github.com/lumenobs/lumen/modules/detector"
	"github.com/lumenobs/lumen/modules/listener"
	"github.com/lumenobs/lumen/pkg/clock"
	"github.com/lumenobs/lumen/pkg/eventbus"
	"github.com/lumenobs/lumen/pkg/model"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

type fakeMetricWriter struct {
	mtx     sync.Mutex
	upserts [][]model.MetricSample
}

func (w *fakeMetricWriter) Upsert(_ context.Context, samples []model.MetricSample) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.upserts = append(w.upserts, samples)
	return nil
}

func (w *fakeMetricWriter) all() []model.MetricSample {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	var out []model.MetricSample
	for _, batch := range w.upserts {
		out = append(out, batch...)
	}
	return out
}

type fakeInserter struct {
	mtx     sync.Mutex
	nextID  int64
	skipped bool
	seen    []model.Alert
}

func (f *fakeInserter) InsertDeduped(_ context.Context, a model.Alert) (alerting.Result, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.seen = append(f.seen, a)
	if f.skipped {
		return alerting.Result{Outcome: alerting.OutcomeSkipped, AlertID: 1}, nil
	}
	f.nextID++
	return alerting.Result{Outcome: alerting.OutcomeCreated, AlertID: f.nextID}, nil
}

type fakeSender struct {
	mtx  sync.Mutex
	sent []model.Alert
}

func (f *fakeSender) Dispatch(_ context.Context, a model.Alert) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.sent = append(f.sent, a)
	return nil
}

func (f *fakeSender) count() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return len(f.sent)
}

type fakeLogSource struct {
	services.Service
	mtx  sync.Mutex
	seen map[int64]struct{}
}

func newFakeLogSource() *fakeLogSource {
	s := &fakeLogSource{seen: map[int64]struct{}{}}
	s.Service = services.NewIdleService(nil, nil)
	return s
}

func (s *fakeLogSource) AddHandler(listener.Handler) {}

func (s *fakeLogSource) MarkSeen(id int64) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, ok := s.seen[id]; ok {
		return false
	}
	s.seen[id] = struct{}{}
	return true
}

type fakeResolver struct{}

func (fakeResolver) ResolveProject(context.Context, string) (int64, string, bool, error) {
	return 7, "owner@example.com", true, nil
}

type fakeJanitor struct{ sweeps int }

func (f *fakeJanitor) DeleteExpired(context.Context) error {
	f.sweeps++
	return nil
}

type testPipeline struct {
	proc     *Processor
	clk      *clock.Manual
	bus      *eventbus.Bus
	metrics  *fakeMetricWriter
	inserter *fakeInserter
	sender   *fakeSender
}

func newTestPipeline(t *testing.T) *testPipeline {
	t.Helper()
	fs := flag.NewFlagSet("", flag.PanicOnError)
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("processor", fs)
	aggCfg := aggregator.Config{}
	aggCfg.RegisterFlagsAndApplyDefaults("aggregator", fs)
	detCfg := detector.Config{}
	detCfg.RegisterFlagsAndApplyDefaults("detector", fs)

	clk := clock.NewManual(t0)
	bus := eventbus.New()
	metrics := &fakeMetricWriter{}
	inserter := &fakeInserter{}
	sender := &fakeSender{}

	proc := New(cfg,
		aggregator.New(aggCfg, clk),
		detector.New(detCfg, clk, log.NewNopLogger()),
		metrics, inserter, sender, fakeResolver{}, &fakeJanitor{},
		nil, bus, clk, log.NewNopLogger())

	return &testPipeline{proc: proc, clk: clk, bus: bus, metrics: metrics, inserter: inserter, sender: sender}
}

func logAt(ts time.Time, md model.Metadata) model.LogRecord {
	return model.LogRecord{
		ID: 1, Timestamp: ts, Level: model.LevelInfo, Service: "pay",
		Message: "m", Metadata: md,
	}
}

func TestOnLogPublishesAndUpsertsPartials(t *testing.T) {
	p := newTestPipeline(t)
	sub := p.bus.Subscribe(eventbus.ChannelLogs, "", 10)
	defer sub.Close()
	metricsSub := p.bus.Subscribe(eventbus.ChannelMetrics, "", 10)
	defer metricsSub.Close()

	p.proc.OnLog(logAt(t0, nil))

	select {
	case ev := <-sub.C:
		assert.Equal(t, "pay", ev.Service)
		rec, ok := ev.Payload.(model.LogRecord)
		require.True(t, ok)
		assert.Equal(t, int64(1), rec.ID)
	default:
		t.Fatal("no log event published")
	}

	samples := p.metrics.all()
	require.NotEmpty(t, samples)
	for _, s := range samples {
		assert.False(t, s.Final, "hot-path samples are partial")
	}

	// partial samples stream live, not only at finalization
	require.NotEmpty(t, metricsSub.C, "no partial metric event published")
	for len(metricsSub.C) > 0 {
		ev := <-metricsSub.C
		s, ok := ev.Payload.(model.MetricSample)
		require.True(t, ok)
		assert.False(t, s.Final)
		assert.Equal(t, "pay", ev.Service)
	}
}

func TestFinalizeEmitsMetricsAndLatencyAlert(t *testing.T) {
	p := newTestPipeline(t)
	metricsSub := p.bus.Subscribe(eventbus.ChannelMetrics, "", 10)
	defer metricsSub.Close()
	alertsSub := p.bus.Subscribe(eventbus.ChannelAlerts, "", 10)
	defer alertsSub.Close()

	for i := 0; i < 3; i++ {
		p.proc.OnLog(logAt(t0.Add(time.Duration(i)*time.Second), model.Metadata{"latency": 2500.0}))
	}

	p.clk.Set(t0.Add(62 * time.Second))
	p.proc.finalizeWindows(context.Background())

	var finals []model.MetricSample
	for _, s := range p.metrics.all() {
		if s.Final {
			finals = append(finals, s)
		}
	}
	require.NotEmpty(t, finals)

	byType := map[model.MetricType]model.MetricSample{}
	for _, s := range finals {
		byType[s.Type] = s
	}
	assert.InDelta(t, 3, byType[model.MetricLogCount].Value, 1e-9)
	assert.InDelta(t, 2500, byType[model.MetricLatencyP95].Value, 1e-9)

	require.GreaterOrEqual(t, len(metricsSub.C), len(finals))

	// p95 of 2500ms against a 1000ms threshold raises HIGH
	require.Equal(t, 1, p.sender.count())
	assert.Equal(t, model.AlertHighLatency, p.sender.sent[0].Type)
	assert.Equal(t, model.SeverityHigh, p.sender.sent[0].Severity)
	assert.Equal(t, int64(7), p.sender.sent[0].ProjectID, "alert carries the resolved project")

	select {
	case ev := <-alertsSub.C:
		a, ok := ev.Payload.(model.Alert)
		require.True(t, ok)
		assert.NotZero(t, a.ID, "published alert carries its storage id")
	default:
		t.Fatal("no alert event published")
	}
}

func TestSkippedDuplicateIsNotRepublished(t *testing.T) {
	p := newTestPipeline(t)
	p.inserter.skipped = true
	alertsSub := p.bus.Subscribe(eventbus.ChannelAlerts, "", 10)
	defer alertsSub.Close()

	for i := 0; i < 3; i++ {
		p.proc.OnLog(logAt(t0.Add(time.Duration(i)*time.Second), model.Metadata{"latency": 5000.0}))
	}
	p.clk.Set(t0.Add(62 * time.Second))
	p.proc.finalizeWindows(context.Background())

	require.NotEmpty(t, p.inserter.seen, "dedupe stage saw the alert")
	assert.Equal(t, 0, p.sender.count(), "skipped duplicates are not dispatched")
	assert.Empty(t, alertsSub.C, "skipped duplicates are not published")
}

func TestOnIngestClaimsIdsAndSkipsSeenRecords(t *testing.T) {
	p := newTestPipeline(t)
	src := newFakeLogSource()
	p.proc.source = src
	src.MarkSeen(1)

	logsSub := p.bus.Subscribe(eventbus.ChannelLogs, "", 10)
	defer logsSub.Close()

	p.proc.OnIngest([]model.LogRecord{
		{ID: 1, Timestamp: t0, Level: model.LevelInfo, Service: "pay", Message: "m"},
		{ID: 2, Timestamp: t0, Level: model.LevelInfo, Service: "pay", Message: "m"},
	})

	// id 1 already arrived over the notification path, only 2 is processed
	require.Len(t, logsSub.C, 1)
	ev := <-logsSub.C
	rec, ok := ev.Payload.(model.LogRecord)
	require.True(t, ok)
	assert.Equal(t, int64(2), rec.ID)

	assert.False(t, src.MarkSeen(2), "ingested id is claimed in the processed set")
}

func TestWatchdogRaisesServiceDown(t *testing.T) {
	p := newTestPipeline(t)

	p.proc.OnLog(logAt(t0, nil))
	p.clk.Set(t0.Add(6 * time.Minute))
	p.proc.checkLiveness(context.Background())

	require.Equal(t, 1, p.sender.count())
	assert.Equal(t, model.AlertServiceDown, p.sender.sent[0].Type)
	assert.Equal(t, "pay", p.sender.sent[0].Service)
}
