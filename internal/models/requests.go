package models

import "time"

// DependencyEdge is one "depends_on" relation: Source calls Target.
type DependencyEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// IngestAck reports the outcome of an alert submission.
type IngestAck struct {
	AlertID  string `json:"alert_id"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// ListIncidentsRequest filters the incident query surface.
type ListIncidentsRequest struct {
	TenantID string
	Statuses []IncidentStatus
	Since    time.Time
	Limit    int
}
