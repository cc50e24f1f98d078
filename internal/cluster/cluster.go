// Package cluster turns pairwise "should link" relations into disjoint groups.
//
// Groups are the connected components of the link graph, computed with a
// union-find. Connected components are transitive by construction
// (A~B and B~C put A, B and C in one group), which removes the inconsistency
// of thresholding every pair independently.
//
// The resolver is deterministic: the partition depends only on the node and
// edge sets, never on the order they are supplied in. Members of a group are
// sorted by id and groups are ordered by their smallest member.
package cluster

import (
	"fmt"
	"sort"

	"github.com/steveyegge/recon/internal/types"
)

// Edge is an undirected "should link" relation between two record ids
type Edge struct {
	A string
	B string
}

// Normalized returns the edge with endpoints in ascending order
func (e Edge) Normalized() Edge {
	if e.B < e.A {
		return Edge{A: e.B, B: e.A}
	}
	return e
}

// Group is one connected component, members sorted ascending
type Group struct {
	Members []string
}

// Size returns the number of members in the group
func (g Group) Size() int {
	return len(g.Members)
}

// IsSingleton reports whether the group has a single member
func (g Group) IsSingleton() bool {
	return len(g.Members) == 1
}

// Partition is the result of resolving a node set into groups
type Partition struct {
	Groups []Group

	// IgnoredEdges counts edges whose endpoints were not in the node set
	IgnoredEdges int
}

// GroupOf returns the index of the group containing id, or -1
func (p Partition) GroupOf(id string) int {
	for i, g := range p.Groups {
		idx := sort.SearchStrings(g.Members, id)
		if idx < len(g.Members) && g.Members[idx] == id {
			return i
		}
	}
	return -1
}

// Multi returns the groups with more than one member
func (p Partition) Multi() []Group {
	var out []Group
	for _, g := range p.Groups {
		if !g.IsSingleton() {
			out = append(out, g)
		}
	}
	return out
}

// unionFind is a disjoint-set forest with path compression and union by rank.
// Output ordering is derived from member ids after the fact, so it never
// depends on which root a union picked.
type unionFind struct {
	parent map[string]string
	rank   map[string]int
}

func newUnionFind(nodes []string) *unionFind {
	uf := &unionFind{
		parent: make(map[string]string, len(nodes)),
		rank:   make(map[string]int, len(nodes)),
	}
	for _, n := range nodes {
		uf.parent[n] = n
	}
	return uf
}

func (uf *unionFind) find(x string) string {
	root := x
	for uf.parent[root] != root {
		root = uf.parent[root]
	}
	// Path compression
	for uf.parent[x] != root {
		next := uf.parent[x]
		uf.parent[x] = root
		x = next
	}
	return root
}

func (uf *unionFind) union(a, b string) {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return
	}
	switch {
	case uf.rank[ra] < uf.rank[rb]:
		uf.parent[ra] = rb
	case uf.rank[ra] > uf.rank[rb]:
		uf.parent[rb] = ra
	default:
		uf.parent[rb] = ra
		uf.rank[ra]++
	}
}

// Resolve partitions nodes into connected components over edges.
// Duplicate node ids are collapsed. Edges referencing unknown nodes are
// ignored and counted; self-loops are harmless.
func Resolve(nodes []string, edges []Edge) Partition {
	unique := dedupe(nodes)
	uf := newUnionFind(unique)

	ignored := 0
	for _, e := range edges {
		_, okA := uf.parent[e.A]
		_, okB := uf.parent[e.B]
		if !okA || !okB {
			ignored++
			continue
		}
		uf.union(e.A, e.B)
	}

	byRoot := make(map[string][]string)
	for _, n := range unique {
		root := uf.find(n)
		byRoot[root] = append(byRoot[root], n)
	}

	groups := make([]Group, 0, len(byRoot))
	for _, members := range byRoot {
		sort.Strings(members)
		groups = append(groups, Group{Members: members})
	}
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].Members[0] < groups[j].Members[0]
	})

	return Partition{Groups: groups, IgnoredEdges: ignored}
}

func dedupe(nodes []string) []string {
	seen := make(map[string]bool, len(nodes))
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Scope is the pre-filter boundary clustering never crosses
type Scope struct {
	DealID string
	Domain types.Domain
	Entity types.Entity
}

func (s Scope) String() string {
	return fmt.Sprintf("%s/%s/%s", s.DealID, s.Domain, s.Entity)
}

// Less orders scopes by deal, then domain, then entity
func (s Scope) Less(o Scope) bool {
	if s.DealID != o.DealID {
		return s.DealID < o.DealID
	}
	if s.Domain != o.Domain {
		return s.Domain < o.Domain
	}
	return s.Entity < o.Entity
}

// ScopedNode is a node tagged with the scope it belongs to
type ScopedNode struct {
	ID    string
	Scope Scope
}

// ScopedPartition is the partition of one scope
type ScopedPartition struct {
	Scope     Scope
	Partition Partition
}

// GroupByScope partitions nodes within each scope independently.
// Edges whose endpoints lie in different scopes are dropped, never merged,
// and returned in the crossScope count.
func GroupByScope(nodes []ScopedNode, edges []Edge) (parts []ScopedPartition, crossScope int) {
	scopeOf := make(map[string]Scope, len(nodes))
	byScope := make(map[Scope][]string)
	for _, n := range nodes {
		scopeOf[n.ID] = n.Scope
		byScope[n.Scope] = append(byScope[n.Scope], n.ID)
	}

	edgesByScope := make(map[Scope][]Edge)
	for _, e := range edges {
		sa, okA := scopeOf[e.A]
		sb, okB := scopeOf[e.B]
		if okA && okB && sa != sb {
			crossScope++
			continue
		}
		if okA {
			edgesByScope[sa] = append(edgesByScope[sa], e)
		} else if okB {
			edgesByScope[sb] = append(edgesByScope[sb], e)
		}
	}

	scopes := make([]Scope, 0, len(byScope))
	for s := range byScope {
		scopes = append(scopes, s)
	}
	sort.Slice(scopes, func(i, j int) bool { return scopes[i].Less(scopes[j]) })

	for _, s := range scopes {
		parts = append(parts, ScopedPartition{
			Scope:     s,
			Partition: Resolve(byScope[s], edgesByScope[s]),
		})
	}
	return parts, crossScope
}
