package engine

// unionFind tracks cluster-id merges with path compression, so stale
// cluster ids handed out before a union still resolve to the survivor.
type unionFind struct {
	parent map[string]string
	size   map[string]int
}

func newUnionFind() *unionFind {
	return &unionFind{
		parent: make(map[string]string),
		size:   make(map[string]int),
	}
}

func (u *unionFind) add(id string) {
	if _, ok := u.parent[id]; ok {
		return
	}
	u.parent[id] = id
	u.size[id] = 1
}

// find returns the canonical id for the set containing id.
func (u *unionFind) find(id string) string {
	root, ok := u.parent[id]
	if !ok {
		return id
	}
	if root != id {
		root = u.find(root)
		u.parent[id] = root
	}
	return root
}

// union merges the two sets and returns the surviving canonical id.
// The larger set wins; ties keep the first argument's root.
func (u *unionFind) union(a, b string) string {
	u.add(a)
	u.add(b)
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return ra
	}
	if u.size[rb] > u.size[ra] {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	u.size[ra] += u.size[rb]
	return ra
}
