package model

import (
	"fmt"
	"time"
)

// SpanKind mirrors the OpenTelemetry span kind.
type SpanKind string

const (
	SpanKindServer   SpanKind = "SERVER"
	SpanKindClient   SpanKind = "CLIENT"
	SpanKindProducer SpanKind = "PRODUCER"
	SpanKindConsumer SpanKind = "CONSUMER"
	SpanKindInternal SpanKind = "INTERNAL"
)

func ParseSpanKind(s string) (SpanKind, error) {
	switch SpanKind(s) {
	case SpanKindServer, SpanKindClient, SpanKindProducer, SpanKindConsumer, SpanKindInternal:
		return SpanKind(s), nil
	case "":
		return SpanKindInternal, nil
	}
	return "", fmt.Errorf("unknown span kind %q", s)
}

// SpanStatus is the completion status of a span.
type SpanStatus string

const (
	SpanStatusOK    SpanStatus = "OK"
	SpanStatusError SpanStatus = "ERROR"
	SpanStatusUnset SpanStatus = "UNSET"
)

func ParseSpanStatus(s string) (SpanStatus, error) {
	switch SpanStatus(s) {
	case SpanStatusOK, SpanStatusError, SpanStatusUnset:
		return SpanStatus(s), nil
	case "":
		return SpanStatusUnset, nil
	}
	return "", fmt.Errorf("unknown span status %q", s)
}

// SpanEvent is a timestamped annotation on a span.
type SpanEvent struct {
	Name       string    `json:"name"`
	Timestamp  time.Time `json:"timestamp"`
	Attributes Metadata  `json:"attributes,omitempty"`
}

// SpanLink references another span.
type SpanLink struct {
	TraceID    string   `json:"traceId"`
	SpanID     string   `json:"spanId"`
	Attributes Metadata `json:"attributes,omitempty"`
}

// Span is a single operation within a trace. (TraceID, SpanID) is unique;
// an empty ParentSpanID marks a root span.
type Span struct {
	TraceID      string      `json:"traceId"`
	SpanID       string      `json:"spanId"`
	ParentSpanID string      `json:"parentSpanId,omitempty"`
	Name         string      `json:"name"`
	Kind         SpanKind    `json:"kind"`
	Service      string      `json:"service"`
	StartTime    time.Time   `json:"startTime"`
	EndTime      *time.Time  `json:"endTime,omitempty"`
	DurationMs   *float64    `json:"duration,omitempty"`
	Status       SpanStatus  `json:"status"`
	Attributes   Metadata    `json:"attributes,omitempty"`
	Events       []SpanEvent `json:"events,omitempty"`
	Links        []SpanLink  `json:"links,omitempty"`
}

// Trace is the per-trace aggregate maintained as spans arrive. Duration
// spans max(endTime) - min(startTime) over the trace's spans.
type Trace struct {
	TraceID    string     `json:"traceId"`
	RootSpanID string     `json:"rootSpanId,omitempty"`
	RootName   string     `json:"rootName,omitempty"`
	Services   []string   `json:"services,omitempty"`
	SpanCount  int        `json:"spanCount"`
	ErrorCount int        `json:"errorCount"`
	StartTime  time.Time  `json:"startTime"`
	EndTime    *time.Time `json:"endTime,omitempty"`
}

// ServiceEdge is one client->server dependency observed between services,
// used by the service map endpoint.
type ServiceEdge struct {
	Client    string `json:"client"`
	Server    string `json:"server"`
	CallCount int64  `json:"callCount"`
}
