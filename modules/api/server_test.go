package api

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenobs/lumen/modules/ingester"
	"github.com/lumenobs/lumen/modules/storage"
	"github.com/lumenobs/lumen/pkg/eventbus"
	"github.com/lumenobs/lumen/pkg/model"
)

type fakeIngestor struct {
	lastDefaultService string
	lastBatchSize      int
	result             ingester.Result
	err                error
}

func (f *fakeIngestor) IngestLogs(_ context.Context, batch []ingester.LogInput, defaultService string) (ingester.Result, error) {
	f.lastBatchSize = len(batch)
	f.lastDefaultService = defaultService
	if f.err != nil {
		return ingester.Result{}, f.err
	}
	if f.result.Accepted == 0 && f.result.Rejected == 0 {
		return ingester.Result{Accepted: len(batch)}, nil
	}
	return f.result, nil
}

func (f *fakeIngestor) IngestSpans(_ context.Context, batch []model.Span, defaultService string) (ingester.Result, error) {
	f.lastBatchSize = len(batch)
	f.lastDefaultService = defaultService
	if f.err != nil {
		return ingester.Result{}, f.err
	}
	return ingester.Result{Accepted: len(batch)}, nil
}

type fakeReaders struct {
	fail bool
}

func (f *fakeReaders) Query(_ context.Context, q storage.LogQuery) ([]model.LogRecord, error) {
	if f.fail {
		return nil, fmt.Errorf("storage down")
	}
	return []model.LogRecord{{ID: 1, Service: q.Service, Level: model.LevelInfo, Message: "m"}}, nil
}

func (f *fakeReaders) Services(context.Context) ([]string, error) {
	if f.fail {
		return nil, fmt.Errorf("storage down")
	}
	return []string{"pay"}, nil
}

type fakeMetrics struct{}

func (fakeMetrics) Query(context.Context, storage.MetricQuery) ([]model.MetricSample, error) {
	return nil, nil
}

type fakeAlerts struct{}

func (fakeAlerts) Query(context.Context, storage.AlertQuery) ([]model.Alert, error) {
	return nil, nil
}

type fakeTraces struct {
	trace      model.Trace
	lastWindow time.Duration
}

func (f *fakeTraces) TraceByID(_ context.Context, id string) (model.Trace, []model.Span, error) {
	if f.trace.TraceID != id {
		return model.Trace{}, nil, pgx.ErrNoRows
	}
	return f.trace, nil, nil
}

func (fakeTraces) QueryTraces(context.Context, storage.TraceQuery) ([]model.Trace, error) {
	return nil, nil
}

func (f *fakeTraces) ServiceMap(_ context.Context, window time.Duration) ([]model.ServiceEdge, error) {
	f.lastWindow = window
	return nil, nil
}

type fakeKeys struct {
	keys map[string]model.APIKey
}

func (f *fakeKeys) Lookup(_ context.Context, key string) (model.APIKey, bool, error) {
	k, ok := f.keys[key]
	return k, ok, nil
}

func (f *fakeKeys) Touch(context.Context, string, time.Time) error { return nil }

type testServer struct {
	server   *Server
	ingestor *fakeIngestor
	logs     *fakeReaders
	traces   *fakeTraces
	bus      *eventbus.Bus
}

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("api", flag.NewFlagSet("", flag.PanicOnError))
	cfg.HeartbeatInterval = 50 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	ingestor := &fakeIngestor{}
	logs := &fakeReaders{}
	bus := eventbus.New()
	keys := &fakeKeys{keys: map[string]model.APIKey{
		"valid-key":   {Key: "valid-key", ProjectID: 7, Service: "pay"},
		"unbound-key": {Key: "unbound-key", ProjectID: 7},
	}}

	traces := &fakeTraces{trace: model.Trace{TraceID: strings.Repeat("ab", 16)}}
	s := New(cfg, ingestor, logs, fakeMetrics{}, fakeAlerts{}, traces,
		keys, bus, log.NewNopLogger())
	return &testServer{server: s, ingestor: ingestor, logs: logs, traces: traces, bus: bus}
}

func (ts *testServer) do(t *testing.T, method, path, body, key string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestAuth(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/api/v1/logs", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/logs", "", "nope")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/logs", "", "valid-key")
	assert.Equal(t, http.StatusOK, rec.Code)

	// ApiKey scheme and query parameter both authenticate
	req := httptest.NewRequest(http.MethodGet, "/api/v1/logs", nil)
	req.Header.Set("Authorization", "ApiKey valid-key")
	rec = httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/logs?apiKey=valid-key", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIngestLogsShapes(t *testing.T) {
	ts := newTestServer(t, nil)
	record := `{"timestamp":"2025-06-01T10:00:00Z","level":"INFO","message":"m"}`

	// bare array
	rec := ts.do(t, http.MethodPost, "/api/v1/logs", "["+record+","+record+"]", "valid-key")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, 2, ts.ingestor.lastBatchSize)
	assert.Equal(t, "pay", ts.ingestor.lastDefaultService, "default service comes from the key binding")

	// wrapped object
	rec = ts.do(t, http.MethodPost, "/api/v1/logs", `{"logs":[`+record+`]}`, "valid-key")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, ts.ingestor.lastBatchSize)

	// single record
	rec = ts.do(t, http.MethodPost, "/api/v1/logs", record, "unbound-key")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, ts.ingestor.lastBatchSize)
	assert.Equal(t, "", ts.ingestor.lastDefaultService)

	// malformed body
	rec = ts.do(t, http.MethodPost, "/api/v1/logs", "{not json", "valid-key")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestLogsFullyRejectedBatch(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.ingestor.result = ingester.Result{
		Rejected: 1,
		Errors:   []ingester.RecordError{{Index: 0, Error: "unknown log level"}},
	}

	rec := ts.do(t, http.MethodPost, "/api/v1/logs", `{"logs":[{"level":"LOUD"}]}`, "valid-key")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown log level")
}

func TestIngestLogsOversize(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) { cfg.MaxBodyBytes = 64 })

	rec := ts.do(t, http.MethodPost, "/api/v1/logs", strings.Repeat("x", 200), "valid-key")
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestIngestBatchTooLarge(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.ingestor.err = ingester.ErrBatchTooLarge

	rec := ts.do(t, http.MethodPost, "/api/v1/logs", `{"logs":[]}`, "valid-key")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueryParamValidation(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, path := range []string{
		"/api/v1/logs?limit=0",
		"/api/v1/logs?limit=1001",
		"/api/v1/logs?limit=ten",
		"/api/v1/logs?start=yesterday",
		"/api/v1/metrics?type=BOGUS",
		"/api/v1/alerts?resolved=maybe",
		"/api/v1/service-map?window=-5m",
		"/api/v1/service-map?hours=0",
		"/api/v1/service-map?hours=two",
	} {
		rec := ts.do(t, http.MethodGet, path, "", "valid-key")
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/logs?service=pay&limit=10&start=2025-06-01T00:00:00Z", "", "valid-key")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"service":"pay"`)
}

func TestServiceMapHoursParam(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/api/v1/service-map?hours=6", "", "valid-key")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 6*time.Hour, ts.traces.lastWindow)

	rec = ts.do(t, http.MethodGet, "/api/v1/service-map", "", "valid-key")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Hour, ts.traces.lastWindow, "default window applies without params")
}

func TestStorageFailureIs503(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.logs.fail = true

	rec := ts.do(t, http.MethodGet, "/api/v1/logs", "", "valid-key")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTraceByID(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/api/v1/traces/short", "", "valid-key")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/traces/"+strings.Repeat("00", 16), "", "valid-key")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/traces/"+strings.Repeat("ab", 16), "", "valid-key")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) { cfg.RateLimit = 2 })

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/v1/logs", "", "valid-key").Code)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/v1/logs", "", "valid-key").Code)
	assert.Equal(t, http.StatusTooManyRequests, ts.do(t, http.MethodGet, "/api/v1/logs", "", "valid-key").Code)

	// a different key has its own bucket
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/v1/logs", "", "unbound-key").Code)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/logs", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStreamDeliversEvents(t *testing.T) {
	ts := newTestServer(t, nil)
	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/stream/alerts?apiKey=valid-key")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// wait for the subscription to land before publishing
	require.Eventually(t, func() bool {
		return ts.bus.SubscriberCount(eventbus.ChannelAlerts) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ts.bus.Publish(eventbus.Event{
		Channel: eventbus.ChannelAlerts,
		Service: "pay",
		Payload: model.Alert{Type: model.AlertErrorSpike, Severity: model.SeverityHigh, Service: "pay"},
	})

	reader := bufio.NewReader(resp.Body)
	var idLine, dataLine string
	deadline := time.After(5 * time.Second)
	for dataLine == "" {
		select {
		case <-deadline:
			t.Fatal("no event received")
		default:
		}
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "id: ") {
			idLine = line
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = line
		}
	}
	assert.Equal(t, "id: 1", idLine)
	assert.Contains(t, dataLine, `"alert.triggered"`)
	assert.Contains(t, dataLine, `"ERROR_SPIKE"`)
}

func TestStreamUnknownChannel(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodGet, "/api/v1/stream/everything", "", "valid-key")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpointNeedsNoAuth(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
