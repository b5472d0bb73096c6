// Package ingester validates incoming log and span batches and persists
// them. Persisted logs feed the pipeline twice: directly in-process after
// the commit, and again over the storage notification channel, where the
// listener's processed-id set absorbs the duplicate.
package ingester

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-playground/validator/v10"
	pkgerrors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lumenobs/lumen/pkg/model"
)

var (
	metricIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lumen",
		Name:      "ingester_records_total",
		Help:      "Ingested records, by signal and outcome.",
	}, []string{"signal", "outcome"})

	traceIDRe = regexp.MustCompile(`^[0-9a-f]{32}$`)
	spanIDRe  = regexp.MustCompile(`^[0-9a-f]{16}$`)
)

// ErrBatchTooLarge rejects the whole request before any validation.
var ErrBatchTooLarge = pkgerrors.New("batch exceeds maximum size")

// LogWriter is the storage surface for log batches.
type LogWriter interface {
	InsertBatch(ctx context.Context, logs []model.LogRecord) ([]int64, error)
}

// SpanWriter is the storage surface for span batches.
type SpanWriter interface {
	InsertBatch(ctx context.Context, spans []model.Span) error
}

// Pipeline receives committed log records for immediate in-process
// handling. Implemented by processor.Processor; nil leaves the
// notification channel as the only driver.
type Pipeline interface {
	OnIngest(records []model.LogRecord)
}

// RecordError points at one rejected record in a batch.
type RecordError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// Result summarizes a mixed-outcome ingest.
type Result struct {
	Accepted int           `json:"accepted"`
	Rejected int           `json:"rejected"`
	Errors   []RecordError `json:"errors,omitempty"`
}

// Bridge validates and persists ingest batches.
type Bridge struct {
	cfg      Config
	logs     LogWriter
	spans    SpanWriter
	pipeline Pipeline
	validate *validator.Validate
	logger   log.Logger
}

func New(cfg Config, logs LogWriter, spans SpanWriter, pipeline Pipeline, logger log.Logger) *Bridge {
	return &Bridge{
		cfg:      cfg,
		logs:     logs,
		spans:    spans,
		pipeline: pipeline,
		validate: validator.New(),
		logger:   logger,
	}
}

// logInput is the wire shape of one ingested log line. Timestamp and level
// arrive as strings so a single bad record cannot fail the batch decode.
type logInput struct {
	Timestamp string         `json:"timestamp" validate:"required"`
	Level     string         `json:"level" validate:"required"`
	Service   string         `json:"service"`
	Message   string         `json:"message" validate:"required"`
	Metadata  model.Metadata `json:"metadata"`
	TraceID   string         `json:"traceId" validate:"omitempty,len=32,hexadecimal"`
	SpanID    string         `json:"spanId" validate:"omitempty,len=16,hexadecimal"`
}

// LogInput re-exports the wire shape for the HTTP layer.
type LogInput = logInput

func (b *Bridge) validateLog(in logInput, defaultService string) (model.LogRecord, error) {
	if err := b.validate.Struct(in); err != nil {
		return model.LogRecord{}, err
	}

	ts, err := time.Parse(time.RFC3339Nano, in.Timestamp)
	if err != nil {
		return model.LogRecord{}, pkgerrors.Wrap(err, "invalid timestamp")
	}
	lvl, err := model.ParseLevel(in.Level)
	if err != nil {
		return model.LogRecord{}, err
	}
	service := in.Service
	if service == "" {
		service = defaultService
	}
	if service == "" {
		return model.LogRecord{}, pkgerrors.New("service is required")
	}

	return model.LogRecord{
		Timestamp: ts.UTC(),
		Level:     lvl,
		Service:   service,
		Message:   in.Message,
		Metadata:  in.Metadata,
		TraceID:   in.TraceID,
		SpanID:    in.SpanID,
	}, nil
}

// IngestLogs validates each record, fills in the key-bound default
// service, and persists the valid subset atomically. A batch over the
// size limit fails fast without validating anything.
func (b *Bridge) IngestLogs(ctx context.Context, batch []LogInput, defaultService string) (Result, error) {
	if len(batch) > b.cfg.MaxBatchSize {
		return Result{}, ErrBatchTooLarge
	}

	var res Result
	records := make([]model.LogRecord, 0, len(batch))
	for i, in := range batch {
		rec, err := b.validateLog(in, defaultService)
		if err != nil {
			res.Rejected++
			res.Errors = append(res.Errors, RecordError{Index: i, Error: err.Error()})
			continue
		}
		records = append(records, rec)
	}

	ids, err := b.logs.InsertBatch(ctx, records)
	if err != nil {
		metricIngested.WithLabelValues("logs", "error").Add(float64(len(records)))
		return Result{}, pkgerrors.Wrap(err, "persisting log batch")
	}
	for i := range records {
		records[i].ID = ids[i]
	}
	if b.pipeline != nil && len(records) > 0 {
		b.pipeline.OnIngest(records)
	}
	res.Accepted = len(records)
	metricIngested.WithLabelValues("logs", "accepted").Add(float64(res.Accepted))
	metricIngested.WithLabelValues("logs", "rejected").Add(float64(res.Rejected))
	if res.Rejected > 0 {
		level.Debug(b.logger).Log("msg", "batch partially rejected",
			"accepted", res.Accepted, "rejected", res.Rejected)
	}
	return res, nil
}

func (b *Bridge) validateSpan(s model.Span, defaultService string) (model.Span, error) {
	if !traceIDRe.MatchString(s.TraceID) {
		return model.Span{}, fmt.Errorf("traceId must be 32 lowercase hex characters, got %q", s.TraceID)
	}
	if !spanIDRe.MatchString(s.SpanID) {
		return model.Span{}, fmt.Errorf("spanId must be 16 lowercase hex characters, got %q", s.SpanID)
	}
	if s.ParentSpanID != "" && !spanIDRe.MatchString(s.ParentSpanID) {
		return model.Span{}, fmt.Errorf("parentSpanId must be 16 lowercase hex characters, got %q", s.ParentSpanID)
	}
	if s.Name == "" {
		return model.Span{}, pkgerrors.New("name is required")
	}
	if s.StartTime.IsZero() {
		return model.Span{}, pkgerrors.New("startTime is required")
	}

	kind, err := model.ParseSpanKind(string(s.Kind))
	if err != nil {
		return model.Span{}, err
	}
	s.Kind = kind
	status, err := model.ParseSpanStatus(string(s.Status))
	if err != nil {
		return model.Span{}, err
	}
	s.Status = status

	if s.Service == "" {
		s.Service = defaultService
	}
	if s.Service == "" {
		return model.Span{}, pkgerrors.New("service is required")
	}

	// derive duration when both ends are known and it was not supplied
	if s.DurationMs == nil && s.EndTime != nil {
		d := float64(s.EndTime.Sub(s.StartTime)) / float64(time.Millisecond)
		s.DurationMs = &d
	}
	return s, nil
}

// IngestSpans validates and upserts spans; the storage layer recomputes
// each touched trace's aggregate in the same transaction.
func (b *Bridge) IngestSpans(ctx context.Context, batch []model.Span, defaultService string) (Result, error) {
	if len(batch) > b.cfg.MaxBatchSize {
		return Result{}, ErrBatchTooLarge
	}

	var res Result
	spans := make([]model.Span, 0, len(batch))
	for i, in := range batch {
		s, err := b.validateSpan(in, defaultService)
		if err != nil {
			res.Rejected++
			res.Errors = append(res.Errors, RecordError{Index: i, Error: err.Error()})
			continue
		}
		spans = append(spans, s)
	}

	if err := b.spans.InsertBatch(ctx, spans); err != nil {
		metricIngested.WithLabelValues("spans", "error").Add(float64(len(spans)))
		return Result{}, pkgerrors.Wrap(err, "persisting span batch")
	}
	res.Accepted = len(spans)
	metricIngested.WithLabelValues("spans", "accepted").Add(float64(res.Accepted))
	metricIngested.WithLabelValues("spans", "rejected").Add(float64(res.Rejected))
	return res, nil
}
