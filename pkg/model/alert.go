package model

import (
	"fmt"
	"time"
)

// AlertType identifies the rule that raised an alert.
type AlertType string

const (
	AlertErrorSpike        AlertType = "ERROR_SPIKE"
	AlertHighLatency       AlertType = "HIGH_LATENCY"
	AlertServiceDown       AlertType = "SERVICE_DOWN"
	AlertThresholdExceeded AlertType = "THRESHOLD_EXCEEDED"
)

func ParseAlertType(s string) (AlertType, error) {
	switch AlertType(s) {
	case AlertErrorSpike, AlertHighLatency, AlertServiceDown, AlertThresholdExceeded:
		return AlertType(s), nil
	}
	return "", fmt.Errorf("unknown alert type %q", s)
}

// Severity orders alerts from LOW to CRITICAL. The numeric ordering is
// load-bearing: dedupe merges keep the maximum severity.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityLow:      "LOW",
	SeverityMedium:   "MEDIUM",
	SeverityHigh:     "HIGH",
	SeverityCritical: "CRITICAL",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("SEVERITY(%d)", int(s))
}

func ParseSeverity(s string) (Severity, error) {
	for sev, name := range severityNames {
		if name == s {
			return sev, nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func (s *Severity) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return fmt.Errorf("severity must be a JSON string, got %s", b)
	}
	sev, err := ParseSeverity(string(b[1 : len(b)-1]))
	if err != nil {
		return err
	}
	*s = sev
	return nil
}

// Alert is a deduplicated anomaly notification. (Service, Type,
// TimeBucket) is unique among unresolved alerts; severity only ever
// increases on merge.
type Alert struct {
	ID         int64      `json:"id,omitempty"`
	ProjectID  int64      `json:"projectId,omitempty"`
	Type       AlertType  `json:"alertType"`
	Severity   Severity   `json:"severity"`
	Message    string     `json:"message"`
	Service    string     `json:"service"`
	Resolved   bool       `json:"resolved"`
	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	Sent       bool       `json:"sent"`
	LastSentAt *time.Time `json:"lastSentAt,omitempty"`
	TimeBucket int64      `json:"timeBucket"`
}

// ChannelKind is the delivery transport of an AlertChannel.
type ChannelKind string

const (
	ChannelChat  ChannelKind = "chat"
	ChannelEmail ChannelKind = "email"
)

// ChannelConfig is the per-kind tagged configuration of a channel. Only
// the fields matching the channel's kind are populated.
type ChannelConfig struct {
	WebhookURL string `json:"webhookUrl,omitempty"`
	Recipient  string `json:"recipient,omitempty"`
}

// AlertChannel routes dispatched alerts to an external transport.
type AlertChannel struct {
	ID            int64         `json:"id"`
	ProjectID     int64         `json:"projectId"`
	Kind          ChannelKind   `json:"kind"`
	Name          string        `json:"name,omitempty"`
	ServiceFilter string        `json:"serviceFilter,omitempty"`
	Active        bool          `json:"active"`
	Config        ChannelConfig `json:"config"`
}

// Matches reports whether the channel should receive alerts for service.
func (c AlertChannel) Matches(service string) bool {
	return c.Active && (c.ServiceFilter == "" || c.ServiceFilter == service)
}

// Project is the tenant owning services, API keys and alert channels.
type Project struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	OwnerEmail string `json:"ownerEmail,omitempty"`
}

// APIKey authenticates ingest and read requests. A key may bind a default
// service name applied to records that omit one.
type APIKey struct {
	Key        string     `json:"key"`
	ProjectID  int64      `json:"projectId"`
	Service    string     `json:"service,omitempty"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}
