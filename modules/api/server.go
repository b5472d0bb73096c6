// Package api is the HTTP surface: ingest endpoints, read endpoints,
// SSE streaming off the event bus, and the auth, rate-limit and CORS
// middleware in front of them.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lumenobs/lumen/modules/ingester"
	"github.com/lumenobs/lumen/modules/storage"
	"github.com/lumenobs/lumen/pkg/eventbus"
	"github.com/lumenobs/lumen/pkg/model"
)

// Ingestor accepts validated batches. Implemented by ingester.Bridge.
type Ingestor interface {
	IngestLogs(ctx context.Context, batch []ingester.LogInput, defaultService string) (ingester.Result, error)
	IngestSpans(ctx context.Context, batch []model.Span, defaultService string) (ingester.Result, error)
}

// LogReader serves the logs and services read endpoints.
type LogReader interface {
	Query(ctx context.Context, q storage.LogQuery) ([]model.LogRecord, error)
	Services(ctx context.Context) ([]string, error)
}

// MetricReader serves the metrics read endpoint.
type MetricReader interface {
	Query(ctx context.Context, q storage.MetricQuery) ([]model.MetricSample, error)
}

// AlertReader serves the alerts read endpoint.
type AlertReader interface {
	Query(ctx context.Context, q storage.AlertQuery) ([]model.Alert, error)
}

// TraceReader serves the trace read endpoints.
type TraceReader interface {
	TraceByID(ctx context.Context, traceID string) (model.Trace, []model.Span, error)
	QueryTraces(ctx context.Context, q storage.TraceQuery) ([]model.Trace, error)
	ServiceMap(ctx context.Context, window time.Duration) ([]model.ServiceEdge, error)
}

// KeyStore authenticates requests. Implemented by storage.APIKeyRepository.
type KeyStore interface {
	Lookup(ctx context.Context, key string) (model.APIKey, bool, error)
	Touch(ctx context.Context, key string, at time.Time) error
}

// Server is the HTTP service.
type Server struct {
	services.Service

	cfg      Config
	ingestor Ingestor
	logs     LogReader
	metrics  MetricReader
	alerts   AlertReader
	traces   TraceReader
	keys     KeyStore
	bus      *eventbus.Bus
	logger   log.Logger
	limiters *rateLimiters

	httpServer *http.Server
	listener   net.Listener

	// streamCtx is canceled on shutdown so every open SSE connection
	// unblocks together.
	streamCtx    context.Context
	streamCancel context.CancelFunc
}

func New(cfg Config, ingestor Ingestor, logs LogReader, metrics MetricReader,
	alerts AlertReader, traces TraceReader, keys KeyStore,
	bus *eventbus.Bus, logger log.Logger) *Server {

	s := &Server{
		cfg:      cfg,
		ingestor: ingestor,
		logs:     logs,
		metrics:  metrics,
		alerts:   alerts,
		traces:   traces,
		keys:     keys,
		bus:      bus,
		logger:   logger,
		limiters: newRateLimiters(cfg.RateLimit, cfg.RateWindow),
	}
	s.streamCtx, s.streamCancel = context.WithCancel(context.Background())
	s.Service = services.NewBasicService(s.starting, s.running, s.stopping)
	return s
}

// Handler builds the full route tree. Exported so tests can drive it
// through httptest without binding a socket.
func (s *Server) Handler() http.Handler {
	root := mux.NewRouter()
	root.Handle("/metrics", promhttp.Handler())
	root.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	api := root.PathPrefix("/api/v1").Subrouter()
	api.Use(s.corsMiddleware, s.rateLimitMiddleware, s.authMiddleware)

	// streaming endpoints hold their connection open and skip the
	// request timeout
	api.HandleFunc("/stream/{channel}", s.handleStream).Methods(http.MethodGet)

	// OPTIONS is routed so CORS preflights reach the middleware, which
	// answers them before auth runs.
	timed := api.NewRoute().Subrouter()
	timed.Use(s.timeoutMiddleware)
	timed.HandleFunc("/logs", s.handleIngestLogs).Methods(http.MethodPost, http.MethodOptions)
	timed.HandleFunc("/traces/spans", s.handleIngestSpans).Methods(http.MethodPost)
	timed.HandleFunc("/logs", s.handleQueryLogs).Methods(http.MethodGet)
	timed.HandleFunc("/metrics", s.handleQueryMetrics).Methods(http.MethodGet)
	timed.HandleFunc("/alerts", s.handleQueryAlerts).Methods(http.MethodGet)
	timed.HandleFunc("/traces", s.handleQueryTraces).Methods(http.MethodGet)
	timed.HandleFunc("/traces/{id}", s.handleTraceByID).Methods(http.MethodGet)
	timed.HandleFunc("/services", s.handleServices).Methods(http.MethodGet)
	timed.HandleFunc("/service-map", s.handleServiceMap).Methods(http.MethodGet)
	return root
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) starting(_ context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.httpServer = &http.Server{Handler: s.Handler()}
	level.Info(s.logger).Log("msg", "http server listening", "addr", ln.Addr())
	return nil
}

func (s *Server) running(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

func (s *Server) stopping(_ error) error {
	s.streamCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
