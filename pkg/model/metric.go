package model

import (
	"fmt"
	"time"
)

// MetricType identifies one of the derived per-window service metrics.
type MetricType string

const (
	MetricLogCount   MetricType = "LOG_COUNT"
	MetricErrorCount MetricType = "ERROR_COUNT"
	MetricLatencyP95 MetricType = "LATENCY_P95"
	MetricThroughput MetricType = "THROUGHPUT"
)

func ParseMetricType(s string) (MetricType, error) {
	switch MetricType(s) {
	case MetricLogCount, MetricErrorCount, MetricLatencyP95, MetricThroughput:
		return MetricType(s), nil
	}
	return "", fmt.Errorf("unknown metric type %q", s)
}

// MetricSample is one value of one metric for one service window.
// (Service, Type, WindowStart) is the primary key; partial samples for an
// open window may be overwritten, a finalized sample is immutable.
type MetricSample struct {
	Service     string     `json:"service"`
	Type        MetricType `json:"metricType"`
	Value       float64    `json:"value"`
	WindowStart time.Time  `json:"windowStart"`
	WindowEnd   time.Time  `json:"windowEnd"`
	Final       bool       `json:"final"`
}
