package graph

import (
	"sort"

	"github.com/opsignal/correlate/internal/models"
)

// DependencyGraph is a per-tenant directed graph of depends_on relations.
// An edge A -> B means A calls/depends on B. The graph is immutable after
// construction so correlation workers can read it without locking.
type DependencyGraph struct {
	nodes map[string]struct{}
	out   map[string][]string
}

// New builds a graph from dependency edges. Duplicate edges collapse.
func New(edges []models.DependencyEdge) *DependencyGraph {
	g := &DependencyGraph{
		nodes: make(map[string]struct{}),
		out:   make(map[string][]string),
	}
	seen := make(map[[2]string]struct{}, len(edges))
	for _, e := range edges {
		if e.Source == "" || e.Target == "" {
			continue
		}
		g.nodes[e.Source] = struct{}{}
		g.nodes[e.Target] = struct{}{}
		key := [2]string{e.Source, e.Target}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		g.out[e.Source] = append(g.out[e.Source], e.Target)
	}
	for _, targets := range g.out {
		sort.Strings(targets)
	}
	return g
}

// Empty returns a graph with no nodes.
func Empty() *DependencyGraph {
	return New(nil)
}

// HasNode reports whether the service is known to the topology.
func (g *DependencyGraph) HasNode(service string) bool {
	_, ok := g.nodes[service]
	return ok
}

// Out returns the direct dependencies of a service in sorted order.
func (g *DependencyGraph) Out(service string) []string {
	return g.out[service]
}

// NodeCount returns the number of services in the graph.
func (g *DependencyGraph) NodeCount() int {
	return len(g.nodes)
}

// Induced returns the subgraph restricted to the given services. Services
// absent from the graph are dropped; callers handle them as unknowns.
func (g *DependencyGraph) Induced(services []string) *DependencyGraph {
	keep := make(map[string]struct{}, len(services))
	for _, s := range services {
		if g.HasNode(s) {
			keep[s] = struct{}{}
		}
	}
	sub := &DependencyGraph{
		nodes: keep,
		out:   make(map[string][]string, len(keep)),
	}
	for s := range keep {
		for _, t := range g.out[s] {
			if _, ok := keep[t]; ok {
				sub.out[s] = append(sub.out[s], t)
			}
		}
		sort.Strings(sub.out[s])
	}
	return sub
}

// sortedNodes returns node ids in lexical order for deterministic traversal.
func (g *DependencyGraph) sortedNodes() []string {
	nodes := make([]string, 0, len(g.nodes))
	for n := range g.nodes {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	return nodes
}
