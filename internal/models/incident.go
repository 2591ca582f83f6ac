package models

import "time"

// IncidentStatus enumerates the incident state machine.
// OPEN -> STALE -> RESOLVED, or OPEN/STALE -> MERGED.
// MERGED and RESOLVED are terminal.
type IncidentStatus string

const (
	IncidentOpen     IncidentStatus = "OPEN"
	IncidentStale    IncidentStatus = "STALE"
	IncidentResolved IncidentStatus = "RESOLVED"
	IncidentMerged   IncidentStatus = "MERGED"
)

// Terminal reports whether no transition may leave the status.
func (s IncidentStatus) Terminal() bool {
	return s == IncidentResolved || s == IncidentMerged
}

// Incident is the aggregated, responder-facing view of one correlated
// failure. An alert belongs to exactly one non-MERGED incident at a time.
type Incident struct {
	ID                string         `json:"id"`
	TenantID          string         `json:"tenant_id"`
	MemberAlertIDs    []string       `json:"member_alert_ids"`
	MemberServices    []string       `json:"member_services"`
	RootCauseService  string         `json:"root_cause_service"`
	RootCycle         []string       `json:"root_cycle,omitempty"`
	CascadingServices []string       `json:"cascading_services"`
	BlastRadius       int            `json:"blast_radius"`
	Confidence        float64        `json:"confidence"`
	Reasoning         string         `json:"reasoning"`
	Title             string         `json:"title,omitempty"`
	Summary           string         `json:"summary,omitempty"`
	Status            IncidentStatus `json:"status"`
	// MergedInto points at the surviving incident when Status is MERGED.
	MergedInto string `json:"merged_into,omitempty"`
	// Lineage lists incident ids this incident absorbed via merges.
	Lineage      []string  `json:"lineage,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastAlertAt  time.Time `json:"last_alert_at"`
	SemanticNote string    `json:"semantic_note,omitempty"`
}

// Clone returns a deep copy safe to hand to concurrent readers.
func (i *Incident) Clone() *Incident {
	dup := *i
	dup.MemberAlertIDs = append([]string(nil), i.MemberAlertIDs...)
	dup.MemberServices = append([]string(nil), i.MemberServices...)
	dup.CascadingServices = append([]string(nil), i.CascadingServices...)
	dup.RootCycle = append([]string(nil), i.RootCycle...)
	dup.Lineage = append([]string(nil), i.Lineage...)
	return &dup
}
