package model

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Level is the log severity level of a LogRecord.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
	LevelFatal Level = "FATAL"
)

// ParseLevel validates and normalizes a level string.
func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal:
		return Level(s), nil
	}
	return "", fmt.Errorf("unknown log level %q", s)
}

// IsError reports whether the level counts toward a window's error count.
func (l Level) IsError() bool {
	return l == LevelError || l == LevelFatal
}

// Metadata is the free-form key/value payload attached to a log record.
// Values hold whatever encoding/json produced: float64, string, bool,
// nil, []any or map[string]any.
type Metadata map[string]any

// Latency extracts metadata["latency"] as milliseconds. Non-numeric,
// non-finite and non-positive values are treated as absent.
func (m Metadata) Latency() (float64, bool) {
	raw, ok := m["latency"]
	if !ok {
		return 0, false
	}
	var v float64
	switch n := raw.(type) {
	case float64:
		v = n
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		v = f
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	default:
		return 0, false
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, false
	}
	return v, true
}

// LogRecord is a single ingested log line. Immutable once stored; ID is
// assigned by storage on insert.
type LogRecord struct {
	ID        int64     `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Service   string    `json:"service"`
	Message   string    `json:"message"`
	Metadata  Metadata  `json:"metadata,omitempty"`
	TraceID   string    `json:"traceId,omitempty"`
	SpanID    string    `json:"spanId,omitempty"`
}
