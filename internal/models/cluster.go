package models

import "time"

// ClusterState tracks whether a temporal cluster still accepts members.
type ClusterState string

const (
	ClusterOpen   ClusterState = "OPEN"
	ClusterClosed ClusterState = "CLOSED"
)

// TemporalCluster is a time-bounded group of alerts chained by the sliding
// window rule. Owned exclusively by the temporal correlator until closed.
type TemporalCluster struct {
	ID         string
	TenantID   string
	Alerts     []AlertEvent
	AnchorTime time.Time
	OpenedAt   time.Time
	State      ClusterState
}

// Services returns the distinct service ids present in the cluster.
func (c *TemporalCluster) Services() []string {
	seen := make(map[string]struct{}, len(c.Alerts))
	services := make([]string, 0, len(c.Alerts))
	for _, a := range c.Alerts {
		if _, ok := seen[a.ServiceID]; ok {
			continue
		}
		seen[a.ServiceID] = struct{}{}
		services = append(services, a.ServiceID)
	}
	return services
}

// RootCauseGroup is one connected component of a closed cluster's induced
// dependency subgraph, with the selected root candidate and its score.
type RootCauseGroup struct {
	ID                   string
	TenantID             string
	Alerts               []AlertEvent
	MemberServices       []string
	RootCandidateService string
	// RootCycle lists all services of the collapsed SCC when the root is a
	// cyclic super-node; empty for a plain single-service root.
	RootCycle  []string
	Confidence float64
	Reasoning  string
	ClosedAt   time.Time
}

// BlastRadius is the count of distinct services implicated in the group.
func (g *RootCauseGroup) BlastRadius() int {
	return len(g.MemberServices)
}

// EarliestAlert returns the smallest alert timestamp in the group.
func (g *RootCauseGroup) EarliestAlert() time.Time {
	var earliest time.Time
	for _, a := range g.Alerts {
		if earliest.IsZero() || a.Timestamp.Before(earliest) {
			earliest = a.Timestamp
		}
	}
	return earliest
}
