package api

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5"
	jsoniter "github.com/json-iterator/go"

	"github.com/lumenobs/lumen/modules/ingester"
	"github.com/lumenobs/lumen/modules/storage"
	"github.com/lumenobs/lumen/pkg/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var traceIDRe = regexp.MustCompile(`^[0-9a-f]{32}$`)

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// readBody drains the request body under the configured size cap.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "reading request body: "+err.Error())
		}
		return nil, false
	}
	return body, true
}

func defaultServiceOf(r *http.Request) string {
	if key, ok := KeyFromContext(r.Context()); ok {
		return key.Service
	}
	return ""
}

// handleIngestLogs accepts a single record, a bare array, or an object
// wrapping the array under "logs".
func (s *Server) handleIngestLogs(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	var batch []ingester.LogInput
	trimmed := bytes.TrimSpace(body)
	switch {
	case len(trimmed) > 0 && trimmed[0] == '[':
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			writeError(w, http.StatusBadRequest, "decoding batch: "+err.Error())
			return
		}
	default:
		var wrapper struct {
			Logs []ingester.LogInput `json:"logs"`
		}
		if err := json.Unmarshal(trimmed, &wrapper); err != nil {
			writeError(w, http.StatusBadRequest, "decoding request: "+err.Error())
			return
		}
		if wrapper.Logs != nil {
			batch = wrapper.Logs
		} else {
			var single ingester.LogInput
			if err := json.Unmarshal(trimmed, &single); err != nil {
				writeError(w, http.StatusBadRequest, "decoding record: "+err.Error())
				return
			}
			batch = []ingester.LogInput{single}
		}
	}

	res, err := s.ingestor.IngestLogs(r.Context(), batch, defaultServiceOf(r))
	switch {
	case errors.Is(err, ingester.ErrBatchTooLarge):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, "ingest failed: "+err.Error())
		return
	}

	if res.Accepted == 0 && res.Rejected > 0 {
		writeJSON(w, http.StatusBadRequest, res)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleIngestSpans(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	var batch []model.Span
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			writeError(w, http.StatusBadRequest, "decoding batch: "+err.Error())
			return
		}
	} else {
		var wrapper struct {
			Spans []model.Span `json:"spans"`
		}
		if err := json.Unmarshal(trimmed, &wrapper); err != nil {
			writeError(w, http.StatusBadRequest, "decoding request: "+err.Error())
			return
		}
		batch = wrapper.Spans
	}

	res, err := s.ingestor.IngestSpans(r.Context(), batch, defaultServiceOf(r))
	switch {
	case errors.Is(err, ingester.ErrBatchTooLarge):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, "ingest failed: "+err.Error())
		return
	}

	if res.Accepted == 0 && res.Rejected > 0 {
		writeJSON(w, http.StatusBadRequest, res)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// queryParams holds the common read-endpoint filters.
type queryParams struct {
	service string
	start   time.Time
	end     time.Time
	limit   int
}

func parseQueryParams(r *http.Request) (queryParams, error) {
	q := queryParams{service: r.URL.Query().Get("service")}

	if raw := r.URL.Query().Get("start"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return q, errors.New("start must be RFC3339")
		}
		q.start = t
	}
	if raw := r.URL.Query().Get("end"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return q, errors.New("end must be RFC3339")
		}
		q.end = t
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			return q, errors.New("limit must be an integer between 1 and 1000")
		}
		q.limit = n
	}
	return q, nil
}

func (s *Server) handleQueryLogs(w http.ResponseWriter, r *http.Request) {
	p, err := parseQueryParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	logs, err := s.logs.Query(r.Context(), storage.LogQuery{
		Service: p.service, Start: p.start, End: p.end, Limit: p.limit,
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "querying logs failed")
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(logs))
}

func (s *Server) handleQueryMetrics(w http.ResponseWriter, r *http.Request) {
	p, err := parseQueryParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var typ model.MetricType
	if raw := r.URL.Query().Get("type"); raw != "" {
		typ, err = model.ParseMetricType(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	samples, err := s.metrics.Query(r.Context(), storage.MetricQuery{
		Service: p.service, Type: typ, Start: p.start, End: p.end, Limit: p.limit,
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "querying metrics failed")
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(samples))
}

func (s *Server) handleQueryAlerts(w http.ResponseWriter, r *http.Request) {
	p, err := parseQueryParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var resolved *bool
	if raw := r.URL.Query().Get("resolved"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "resolved must be a boolean")
			return
		}
		resolved = &b
	}
	alerts, err := s.alerts.Query(r.Context(), storage.AlertQuery{
		Service: p.service, Resolved: resolved, Start: p.start, End: p.end, Limit: p.limit,
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "querying alerts failed")
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(alerts))
}

func (s *Server) handleQueryTraces(w http.ResponseWriter, r *http.Request) {
	p, err := parseQueryParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	traces, err := s.traces.QueryTraces(r.Context(), storage.TraceQuery{
		Service: p.service, Start: p.start, End: p.end, Limit: p.limit,
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "querying traces failed")
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(traces))
}

type traceResponse struct {
	Trace model.Trace  `json:"trace"`
	Spans []model.Span `json:"spans"`
}

func (s *Server) handleTraceByID(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !traceIDRe.MatchString(id) {
		writeError(w, http.StatusBadRequest, "trace id must be 32 lowercase hex characters")
		return
	}
	trace, spans, err := s.traces.TraceByID(r.Context(), id)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, http.StatusNotFound, "trace not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "fetching trace failed")
		return
	}
	writeJSON(w, http.StatusOK, traceResponse{Trace: trace, Spans: orEmpty(spans)})
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	services, err := s.logs.Services(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "querying services failed")
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(services))
}

func (s *Server) handleServiceMap(w http.ResponseWriter, r *http.Request) {
	window := s.cfg.ServiceMapWindow
	if raw := r.URL.Query().Get("hours"); raw != "" {
		h, err := strconv.Atoi(raw)
		if err != nil || h <= 0 {
			writeError(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		window = time.Duration(h) * time.Hour
	} else if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "window must be a positive duration")
			return
		}
		window = d
	}
	edges, err := s.traces.ServiceMap(r.Context(), window)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "querying service map failed")
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(edges))
}

// orEmpty keeps empty collections encoding as [] instead of null.
func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
