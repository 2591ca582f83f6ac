package graph

import "sort"

// SuperNode is a strongly-connected component collapsed to a single unit.
// Cyclic dependencies are treated as one failure domain so the sink test
// below terminates and stays well defined.
type SuperNode struct {
	// Members holds the component's services in lexical order.
	Members []string
}

// Representative returns the lexically smallest member, used wherever a
// single service id must stand in for the whole component.
func (s SuperNode) Representative() string {
	if len(s.Members) == 0 {
		return ""
	}
	return s.Members[0]
}

// Cyclic reports whether the super-node collapses more than one service.
func (s SuperNode) Cyclic() bool {
	return len(s.Members) > 1
}

// Condensation is the DAG obtained by collapsing every SCC of a graph.
type Condensation struct {
	Nodes []SuperNode
	// Out maps a super-node index to the indices it depends on.
	Out map[int][]int
	// Index maps each service to its super-node.
	Index map[string]int
}

// Condense runs Tarjan's algorithm and builds the condensation DAG.
func Condense(g *DependencyGraph) *Condensation {
	t := &tarjan{
		graph:   g,
		indexOf: make(map[string]int),
		lowlink: make(map[string]int),
		onStack: make(map[string]bool),
	}
	for _, node := range g.sortedNodes() {
		if _, visited := t.indexOf[node]; !visited {
			t.strongConnect(node)
		}
	}

	c := &Condensation{
		Out:   make(map[int][]int),
		Index: make(map[string]int),
	}
	for _, members := range t.components {
		sort.Strings(members)
		idx := len(c.Nodes)
		c.Nodes = append(c.Nodes, SuperNode{Members: members})
		for _, m := range members {
			c.Index[m] = idx
		}
	}

	edgeSeen := make(map[[2]int]struct{})
	for service := range g.nodes {
		from := c.Index[service]
		for _, dep := range g.Out(service) {
			to := c.Index[dep]
			if from == to {
				continue
			}
			key := [2]int{from, to}
			if _, dup := edgeSeen[key]; dup {
				continue
			}
			edgeSeen[key] = struct{}{}
			c.Out[from] = append(c.Out[from], to)
		}
	}
	for _, targets := range c.Out {
		sort.Ints(targets)
	}
	return c
}

// WeaklyConnected partitions the condensation into weakly-connected
// components, each returned as a sorted slice of super-node indices.
func (c *Condensation) WeaklyConnected() [][]int {
	undirected := make(map[int][]int, len(c.Nodes))
	for from, targets := range c.Out {
		for _, to := range targets {
			undirected[from] = append(undirected[from], to)
			undirected[to] = append(undirected[to], from)
		}
	}

	visited := make([]bool, len(c.Nodes))
	var components [][]int
	for start := range c.Nodes {
		if visited[start] {
			continue
		}
		var component []int
		stack := []int{start}
		visited[start] = true
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			component = append(component, n)
			for _, next := range undirected[n] {
				if !visited[next] {
					visited[next] = true
					stack = append(stack, next)
				}
			}
		}
		sort.Ints(component)
		components = append(components, component)
	}
	return components
}

// Reachable returns the set of super-node indices reachable from start,
// including start itself.
func (c *Condensation) Reachable(start int) map[int]struct{} {
	reached := map[int]struct{}{start: {}}
	stack := []int{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range c.Out[n] {
			if _, ok := reached[next]; ok {
				continue
			}
			reached[next] = struct{}{}
			stack = append(stack, next)
		}
	}
	return reached
}

type tarjan struct {
	graph      *DependencyGraph
	counter    int
	indexOf    map[string]int
	lowlink    map[string]int
	onStack    map[string]bool
	stack      []string
	components [][]string
}

func (t *tarjan) strongConnect(v string) {
	t.indexOf[v] = t.counter
	t.lowlink[v] = t.counter
	t.counter++
	t.stack = append(t.stack, v)
	t.onStack[v] = true

	for _, w := range t.graph.Out(v) {
		if _, visited := t.indexOf[w]; !visited {
			t.strongConnect(w)
			if t.lowlink[w] < t.lowlink[v] {
				t.lowlink[v] = t.lowlink[w]
			}
		} else if t.onStack[w] {
			if t.indexOf[w] < t.lowlink[v] {
				t.lowlink[v] = t.indexOf[w]
			}
		}
	}

	if t.lowlink[v] == t.indexOf[v] {
		var members []string
		for {
			n := len(t.stack) - 1
			w := t.stack[n]
			t.stack = t.stack[:n]
			t.onStack[w] = false
			members = append(members, w)
			if w == v {
				break
			}
		}
		t.components = append(t.components, members)
	}
}
