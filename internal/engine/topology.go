package engine

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opsignal/correlate/internal/graph"
	"github.com/opsignal/correlate/internal/models"
)

// unknownTopologyConfidence caps groups for services absent from the
// dependency graph; structure is unverifiable so trust stays low.
const unknownTopologyConfidence = 0.2

// TopologyCorrelator partitions a closed temporal cluster by dependency
// connectivity and selects a root-cause candidate per partition. The
// computation is pure and runs to completion without suspending.
type TopologyCorrelator struct {
	logger *slog.Logger
}

// NewTopologyCorrelator constructs a TopologyCorrelator.
func NewTopologyCorrelator(logger *slog.Logger) *TopologyCorrelator {
	if logger == nil {
		logger = slog.Default()
	}
	return &TopologyCorrelator{logger: logger}
}

// Partition splits the cluster into one RootCauseGroup per weakly-connected
// component of the induced dependency subgraph. Missing graph data degrades
// confidence but never blocks output: services without topology become
// low-confidence singleton groups.
func (t *TopologyCorrelator) Partition(cluster *models.TemporalCluster, g *graph.DependencyGraph, closedAt time.Time) []models.RootCauseGroup {
	alertsByService := make(map[string][]models.AlertEvent)
	for _, a := range cluster.Alerts {
		alertsByService[a.ServiceID] = append(alertsByService[a.ServiceID], a)
	}

	var known, unknown []string
	for _, service := range cluster.Services() {
		if g != nil && g.HasNode(service) {
			known = append(known, service)
		} else {
			unknown = append(unknown, service)
		}
	}
	sort.Strings(known)
	sort.Strings(unknown)

	groups := make([]models.RootCauseGroup, 0, len(unknown)+1)
	for _, service := range unknown {
		groups = append(groups, t.singletonGroup(cluster, service, alertsByService[service], closedAt))
	}
	if len(known) == 0 {
		return groups
	}

	induced := g.Induced(known)
	cond := graph.Condense(induced)
	for _, component := range cond.WeaklyConnected() {
		groups = append(groups, t.componentGroup(cluster, cond, component, induced, alertsByService, closedAt))
	}
	return groups
}

// componentGroup selects the root candidate for one weakly-connected
// component and scores it.
func (t *TopologyCorrelator) componentGroup(
	cluster *models.TemporalCluster,
	cond *graph.Condensation,
	component []int,
	induced *graph.DependencyGraph,
	alertsByService map[string][]models.AlertEvent,
	closedAt time.Time,
) models.RootCauseGroup {
	inComponent := make(map[int]struct{}, len(component))
	for _, idx := range component {
		inComponent[idx] = struct{}{}
	}

	// Sinks: super-nodes with no failing dependency inside the component.
	var sinks []int
	for _, idx := range component {
		if len(cond.Out[idx]) == 0 {
			sinks = append(sinks, idx)
		}
	}
	if len(sinks) == 0 {
		// A condensation is acyclic, so a sink always exists.
		sinks = component[:1]
	}

	rootIdx := t.breakTies(sinks, cond, alertsByService)
	root := cond.Nodes[rootIdx]

	var services []string
	var alerts []models.AlertEvent
	alertCount := 0
	for _, idx := range component {
		for _, member := range cond.Nodes[idx].Members {
			services = append(services, member)
			alerts = append(alerts, alertsByService[member]...)
			alertCount += len(alertsByService[member])
		}
	}
	sort.Strings(services)

	coverage := t.coverage(cond, component, rootIdx)
	corroboration := float64(alertCount) / float64(2*len(services))
	if corroboration > 1 {
		corroboration = 1
	}
	confidence := clamp(0.3+0.5*coverage+0.2*corroboration, 0, 1)

	group := models.RootCauseGroup{
		ID:                   uuid.NewString(),
		TenantID:             cluster.TenantID,
		Alerts:               alerts,
		MemberServices:       services,
		RootCandidateService: root.Representative(),
		Confidence:           confidence,
		Reasoning:            t.reasoningTrail(root, cond, component, induced),
		ClosedAt:             closedAt,
	}
	if root.Cyclic() {
		group.RootCycle = append([]string(nil), root.Members...)
	}
	return group
}

// breakTies applies the total tie-break order over candidate sinks:
// earliest alert timestamp, then most independent alerts, then lexical
// order on the representative service id.
func (t *TopologyCorrelator) breakTies(sinks []int, cond *graph.Condensation, alertsByService map[string][]models.AlertEvent) int {
	best := sinks[0]
	bestEarliest, bestCount := nodeAlertStats(cond.Nodes[best], alertsByService)
	for _, idx := range sinks[1:] {
		earliest, count := nodeAlertStats(cond.Nodes[idx], alertsByService)
		switch {
		case earliest.Before(bestEarliest):
			best, bestEarliest, bestCount = idx, earliest, count
		case earliest.Equal(bestEarliest) && count > bestCount:
			best, bestEarliest, bestCount = idx, earliest, count
		case earliest.Equal(bestEarliest) && count == bestCount &&
			cond.Nodes[idx].Representative() < cond.Nodes[best].Representative():
			best, bestEarliest, bestCount = idx, earliest, count
		}
	}
	return best
}

// coverage is the fraction of the component's services whose super-node can
// reach the root along depends_on edges, i.e. the share of the component the
// root plausibly explains.
func (t *TopologyCorrelator) coverage(cond *graph.Condensation, component []int, rootIdx int) float64 {
	explained := 0
	total := 0
	for _, idx := range component {
		size := len(cond.Nodes[idx].Members)
		total += size
		if idx == rootIdx {
			explained += size
			continue
		}
		if _, ok := cond.Reachable(idx)[rootIdx]; ok {
			explained += size
		}
	}
	if total == 0 {
		return 0
	}
	return float64(explained) / float64(total)
}

// reasoningTrail renders the deterministic propagation trail, walking
// dependents outward from the root in breadth-first order.
func (t *TopologyCorrelator) reasoningTrail(root graph.SuperNode, cond *graph.Condensation, component []int, induced *graph.DependencyGraph) string {
	var parts []string
	if root.Cyclic() {
		parts = append(parts, fmt.Sprintf("%s form a dependency cycle with no failing dependency outside it",
			strings.Join(root.Members, ", ")))
	} else {
		parts = append(parts, fmt.Sprintf("%s has no failing dependency", root.Representative()))
	}

	// Reverse adjacency over super-nodes: who depends on whom.
	dependents := make(map[int][]int)
	for from, targets := range cond.Out {
		for _, to := range targets {
			dependents[to] = append(dependents[to], from)
		}
	}
	for _, list := range dependents {
		sort.Ints(list)
	}

	rootIdx := cond.Index[root.Representative()]
	visited := map[int]bool{rootIdx: true}
	queue := []int{rootIdx}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, dep := range dependents[current] {
			if visited[dep] {
				continue
			}
			visited[dep] = true
			queue = append(queue, dep)
			parts = append(parts, fmt.Sprintf("%s depends on %s",
				nodeLabel(cond.Nodes[dep]), nodeLabel(cond.Nodes[current])))
		}
	}

	// Component members unreachable from the root still belong to the
	// group; note them so the trail accounts for every service.
	for _, idx := range component {
		if !visited[idx] {
			parts = append(parts, fmt.Sprintf("%s is connected but not downstream of %s",
				nodeLabel(cond.Nodes[idx]), nodeLabel(root)))
		}
	}
	return strings.Join(parts, "; ")
}

// singletonGroup handles a service with no topology data: an isolated
// component whose confidence stays capped low.
func (t *TopologyCorrelator) singletonGroup(cluster *models.TemporalCluster, service string, alerts []models.AlertEvent, closedAt time.Time) models.RootCauseGroup {
	return models.RootCauseGroup{
		ID:                   uuid.NewString(),
		TenantID:             cluster.TenantID,
		Alerts:               alerts,
		MemberServices:       []string{service},
		RootCandidateService: service,
		Confidence:           unknownTopologyConfidence,
		Reasoning:            fmt.Sprintf("%s is absent from the dependency graph; treated as an isolated root", service),
		ClosedAt:             closedAt,
	}
}

func nodeLabel(n graph.SuperNode) string {
	if n.Cyclic() {
		return strings.Join(n.Members, "+")
	}
	return n.Representative()
}

func nodeAlertStats(n graph.SuperNode, alertsByService map[string][]models.AlertEvent) (time.Time, int) {
	var earliest time.Time
	count := 0
	for _, member := range n.Members {
		for _, a := range alertsByService[member] {
			count++
			if earliest.IsZero() || a.Timestamp.Before(earliest) {
				earliest = a.Timestamp
			}
		}
	}
	if earliest.IsZero() {
		// No direct alerts on this super-node; sort it last.
		earliest = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return earliest, count
}

func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
