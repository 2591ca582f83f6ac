package graph

import (
	"testing"

	"github.com/opsignal/correlate/internal/models"
)

func edgeList(pairs ...[2]string) []models.DependencyEdge {
	out := make([]models.DependencyEdge, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, models.DependencyEdge{Source: p[0], Target: p[1]})
	}
	return out
}

func TestCondenseCollapsesCycles(t *testing.T) {
	g := New(edgeList(
		[2]string{"a", "b"},
		[2]string{"b", "a"},
		[2]string{"c", "a"},
	))

	cond := Condense(g)
	if len(cond.Nodes) != 2 {
		t.Fatalf("expected 2 super-nodes, got %d", len(cond.Nodes))
	}

	cycleIdx := cond.Index["a"]
	if cond.Index["b"] != cycleIdx {
		t.Fatalf("a and b should share a super-node")
	}
	cycle := cond.Nodes[cycleIdx]
	if !cycle.Cyclic() {
		t.Fatalf("a+b super-node should report cyclic")
	}
	if cycle.Representative() != "a" {
		t.Fatalf("representative should be lexically smallest, got %s", cycle.Representative())
	}

	cIdx := cond.Index["c"]
	if len(cond.Out[cIdx]) != 1 || cond.Out[cIdx][0] != cycleIdx {
		t.Fatalf("c should depend on the collapsed cycle: %v", cond.Out[cIdx])
	}
	if len(cond.Out[cycleIdx]) != 0 {
		t.Fatalf("collapsed cycle should be a sink, got %v", cond.Out[cycleIdx])
	}
}

func TestCondenseIsAcyclic(t *testing.T) {
	g := New(edgeList(
		[2]string{"a", "b"},
		[2]string{"b", "c"},
		[2]string{"c", "a"},
		[2]string{"d", "a"},
		[2]string{"e", "d"},
	))

	cond := Condense(g)
	// a, b, c collapse; d and e stay singletons.
	if len(cond.Nodes) != 3 {
		t.Fatalf("expected 3 super-nodes, got %d", len(cond.Nodes))
	}
	// No super-node may reach itself through Out edges.
	for idx := range cond.Nodes {
		for reached := range cond.Reachable(idx) {
			if reached == idx {
				continue
			}
			back := cond.Reachable(reached)
			if _, cycle := back[idx]; cycle {
				t.Fatalf("condensation contains a cycle through %d and %d", idx, reached)
			}
		}
	}
}

func TestWeaklyConnectedSplitsIslands(t *testing.T) {
	g := New(edgeList(
		[2]string{"a", "b"},
		[2]string{"c", "d"},
	))

	cond := Condense(g)
	components := cond.WeaklyConnected()
	if len(components) != 2 {
		t.Fatalf("expected 2 components, got %d", len(components))
	}
	for _, comp := range components {
		if len(comp) != 2 {
			t.Fatalf("each component should hold 2 super-nodes, got %v", comp)
		}
	}
}

func TestReachableFollowsDependsOnDirection(t *testing.T) {
	g := New(edgeList(
		[2]string{"frontend", "api"},
		[2]string{"api", "db"},
	))
	cond := Condense(g)

	fromFrontend := cond.Reachable(cond.Index["frontend"])
	if _, ok := fromFrontend[cond.Index["db"]]; !ok {
		t.Fatalf("frontend should reach db through api")
	}
	fromDB := cond.Reachable(cond.Index["db"])
	if _, ok := fromDB[cond.Index["frontend"]]; ok {
		t.Fatalf("db must not reach its dependents")
	}
}

func TestInducedDropsUnknownServices(t *testing.T) {
	g := New(edgeList(
		[2]string{"a", "b"},
		[2]string{"b", "c"},
	))

	sub := g.Induced([]string{"a", "b", "ghost"})
	if sub.NodeCount() != 2 {
		t.Fatalf("induced node count = %d, want 2", sub.NodeCount())
	}
	if sub.HasNode("ghost") {
		t.Fatalf("unknown service must not appear in the induced subgraph")
	}
	if out := sub.Out("b"); len(out) != 0 {
		t.Fatalf("edge to excluded node should be dropped, got %v", out)
	}
	if out := sub.Out("a"); len(out) != 1 || out[0] != "b" {
		t.Fatalf("internal edge should survive, got %v", out)
	}
}

func TestNewDeduplicatesEdges(t *testing.T) {
	g := New(edgeList(
		[2]string{"a", "b"},
		[2]string{"a", "b"},
		[2]string{"", "b"},
	))
	if g.NodeCount() != 2 {
		t.Fatalf("node count = %d, want 2", g.NodeCount())
	}
	if out := g.Out("a"); len(out) != 1 {
		t.Fatalf("duplicate edge not collapsed: %v", out)
	}
}
