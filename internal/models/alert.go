package models

import "time"

// Severity captures alert impact levels as delivered by source adapters.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for drop decisions; higher means more important.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	case SeverityInfo:
		return 0
	default:
		return -1
	}
}

// Valid reports whether the severity is one of the known levels.
func (s Severity) Valid() bool {
	return s.Rank() >= 0
}

// AlertEvent is a normalized monitoring signal. Adapters own severity
// mapping and deduplication keys; events are immutable once ingested.
type AlertEvent struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenant_id"`
	ServiceID string            `json:"service_id"`
	Severity  Severity          `json:"severity"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message"`
	Labels    map[string]string `json:"labels,omitempty"`
}
