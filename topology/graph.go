// Package topology turns flat reach records into an
// arena-backed drainage graph.
package topology

import (
	"sort"

	"github.com/rotisserie/eris"
)

// ErrTopologyInconsistent is returned when the records do
// not describe a forest of subbasins.
var ErrTopologyInconsistent = eris.New("topology inconsistent")

// NoDownstream marks an outlet in Node.Downstream.
const NoDownstream = -1

// A Node is one subbasin stored in a Graph's arena.
//
// Downstream and Upstream are arena indices, not ids.
type Node struct {
	ID         int
	Downstream int
	Upstream   []int

	UpDownOrder int
	DownUpOrder int

	Groups map[string]map[int]int
}

// IsOutlet reports whether the node drains out of the
// basin.
func (n *Node) IsOutlet() bool {
	return n.Downstream == NoDownstream
}

// Layer returns the node's layer under the layering
// method.
func (n *Node) Layer(l Layering) int {
	if l == DownUp {
		return n.DownUpOrder
	}
	return n.UpDownOrder
}

// A Graph is an immutable forest of subbasins. The arena
// is sorted by ascending id.
type Graph struct {
	Nodes []Node

	index map[int]int
}

// Build links records into a Graph.
//
// Missing layer orders are computed from the structure
// and the up-down order is checked to increase strictly
// along every edge.
func Build(records []Record) (*Graph, error) {
	if len(records) == 0 {
		return nil, eris.Wrap(ErrTopologyInconsistent, "no records")
	}
	sorted := append([]Record{}, records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ID < sorted[j].ID
	})

	g := &Graph{
		Nodes: make([]Node, len(sorted)),
		index: make(map[int]int, len(sorted)),
	}
	for i, r := range sorted {
		if r.ID <= 0 {
			return nil, eris.Wrapf(ErrTopologyInconsistent, "subbasin id %d is not positive", r.ID)
		}
		if _, ok := g.index[r.ID]; ok {
			return nil, eris.Wrapf(ErrTopologyInconsistent, "duplicate subbasin %d", r.ID)
		}
		if r.UpDownOrder < 0 || r.DownUpOrder < 0 {
			return nil, eris.Wrapf(ErrTopologyInconsistent, "subbasin %d has a negative layer order", r.ID)
		}
		g.index[r.ID] = i
		g.Nodes[i] = Node{
			ID:          r.ID,
			Downstream:  NoDownstream,
			UpDownOrder: r.UpDownOrder,
			DownUpOrder: r.DownUpOrder,
			Groups:      r.Groups,
		}
	}

	// Walking the arena in id order keeps every upstream
	// list sorted by id.
	for i, r := range sorted {
		if r.DownstreamID <= 0 {
			continue
		}
		down, ok := g.index[r.DownstreamID]
		if !ok {
			return nil, eris.Wrapf(ErrTopologyInconsistent,
				"subbasin %d drains into unknown subbasin %d", r.ID, r.DownstreamID)
		} else if down == i {
			return nil, eris.Wrapf(ErrTopologyInconsistent, "subbasin %d drains into itself", r.ID)
		}
		g.Nodes[i].Downstream = down
		g.Nodes[down].Upstream = append(g.Nodes[down].Upstream, i)
	}

	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	ComputeOrders(g)
	if err := g.ValidateOrder(UpDown); err != nil {
		return nil, err
	}
	return g, nil
}

// checkAcyclic verifies that every walk toward the outlet
// ends within len(Nodes) hops.
func (g *Graph) checkAcyclic() error {
	reaches := make([]bool, len(g.Nodes))
	var path []int
	for start := range g.Nodes {
		path = path[:0]
		cur := start
		for hops := 0; !reaches[cur]; hops++ {
			if hops > len(g.Nodes) {
				return eris.Wrapf(ErrTopologyInconsistent,
					"subbasin %d is part of a drainage cycle", g.Nodes[start].ID)
			}
			path = append(path, cur)
			if g.Nodes[cur].IsOutlet() {
				break
			}
			cur = g.Nodes[cur].Downstream
		}
		for _, i := range path {
			reaches[i] = true
		}
	}
	return nil
}

// Len returns the number of subbasins.
func (g *Graph) Len() int {
	return len(g.Nodes)
}

// Index finds the arena index of a subbasin id.
func (g *Graph) Index(id int) (int, bool) {
	i, ok := g.index[id]
	return i, ok
}

// Node looks up a subbasin by id, or returns nil.
func (g *Graph) Node(id int) *Node {
	if i, ok := g.index[id]; ok {
		return &g.Nodes[i]
	}
	return nil
}

// DownstreamID returns the id of the subbasin below the
// arena node i, or 0 for an outlet.
func (g *Graph) DownstreamID(i int) int {
	if d := g.Nodes[i].Downstream; d != NoDownstream {
		return g.Nodes[d].ID
	}
	return 0
}

// UpstreamIDs returns the ids draining into arena node i
// in ascending order.
func (g *Graph) UpstreamIDs(i int) []int {
	res := make([]int, len(g.Nodes[i].Upstream))
	for j, u := range g.Nodes[i].Upstream {
		res[j] = g.Nodes[u].ID
	}
	return res
}

// IDs returns every subbasin id in ascending order.
func (g *Graph) IDs() []int {
	res := make([]int, len(g.Nodes))
	for i, n := range g.Nodes {
		res[i] = n.ID
	}
	return res
}

// Outlets returns the ids of all outlets.
func (g *Graph) Outlets() []int {
	var res []int
	for _, n := range g.Nodes {
		if n.IsOutlet() {
			res = append(res, n.ID)
		}
	}
	return res
}

// MaxUpstream returns the largest fan-in in the graph.
func (g *Graph) MaxUpstream() int {
	var res int
	for _, n := range g.Nodes {
		if len(n.Upstream) > res {
			res = len(n.Upstream)
		}
	}
	return res
}

// Records converts the graph back into records, including
// the computed layer orders.
func (g *Graph) Records() []Record {
	res := make([]Record, len(g.Nodes))
	for i, n := range g.Nodes {
		res[i] = Record{
			ID:           n.ID,
			DownstreamID: g.DownstreamID(i),
			UpDownOrder:  n.UpDownOrder,
			DownUpOrder:  n.DownUpOrder,
			Groups:       n.Groups,
		}
	}
	return res
}
