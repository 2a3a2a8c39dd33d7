package topology

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/unixpickle/essentials"
)

// Layering selects which precomputed order defines a
// node's execution layer.
type Layering int

const (
	// UpDown layers count from the headwaters: sources are
	// layer 1 and each node sits one above its deepest
	// upstream node.
	UpDown Layering = iota

	// DownUp layers count from the outlet and are then
	// flipped, so the farthest headwater is layer 1 and
	// the outlet has the largest layer.
	DownUp
)

// ParseLayering parses "up-down" or "down-up".
func ParseLayering(s string) (Layering, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "_", "-")) {
	case "up-down", "updown":
		return UpDown, nil
	case "down-up", "downup":
		return DownUp, nil
	}
	return 0, eris.Errorf("unknown layering method %q", s)
}

func (l Layering) String() string {
	if l == DownUp {
		return "down-up"
	}
	return "up-down"
}

// ComputeOrders fills in layer orders that the records
// left at zero. Each order is recomputed for the whole
// graph if any node is missing it.
func ComputeOrders(g *Graph) {
	var missingUpDown, missingDownUp bool
	for _, n := range g.Nodes {
		missingUpDown = missingUpDown || n.UpDownOrder == 0
		missingDownUp = missingDownUp || n.DownUpOrder == 0
	}
	if missingUpDown {
		for i, order := range upDownOrders(g) {
			g.Nodes[i].UpDownOrder = order
		}
	}
	if missingDownUp {
		for i, order := range downUpOrders(g) {
			g.Nodes[i].DownUpOrder = order
		}
	}
}

// upDownOrders peels the graph from the headwaters, one
// round of zero in-degree nodes at a time.
func upDownOrders(g *Graph) []int {
	inDegree := make([]int, len(g.Nodes))
	var frontier []int
	for i, n := range g.Nodes {
		inDegree[i] = len(n.Upstream)
		if inDegree[i] == 0 {
			frontier = append(frontier, i)
		}
	}
	orders := make([]int, len(g.Nodes))
	for round := 1; len(frontier) > 0; round++ {
		var next []int
		for _, i := range frontier {
			orders[i] = round
			if d := g.Nodes[i].Downstream; d != NoDownstream {
				inDegree[d]--
				if inDegree[d] == 0 {
					next = append(next, d)
				}
			}
		}
		frontier = next
	}
	return orders
}

// downUpOrders measures each node's depth below its
// outlet (outlet = 1) and flips it against the deepest
// node in the whole forest.
func downUpOrders(g *Graph) []int {
	depths := make([]int, len(g.Nodes))
	var depthOf func(i int) int
	depthOf = func(i int) int {
		if depths[i] == 0 {
			if d := g.Nodes[i].Downstream; d == NoDownstream {
				depths[i] = 1
			} else {
				depths[i] = depthOf(d) + 1
			}
		}
		return depths[i]
	}
	var maxDepth int
	for i := range g.Nodes {
		maxDepth = essentials.MaxInt(maxDepth, depthOf(i))
	}
	orders := make([]int, len(g.Nodes))
	for i, depth := range depths {
		orders[i] = maxDepth - depth + 1
	}
	return orders
}

// ValidateOrder checks that, under the layering, every
// node has a positive layer strictly above the layer of
// each of its upstream nodes.
func (g *Graph) ValidateOrder(l Layering) error {
	for _, n := range g.Nodes {
		if n.Layer(l) < 1 {
			return eris.Wrapf(ErrTopologyInconsistent, "subbasin %d has %s layer %d", n.ID, l, n.Layer(l))
		}
		for _, u := range n.Upstream {
			if up := &g.Nodes[u]; up.Layer(l) >= n.Layer(l) {
				return eris.Wrapf(ErrTopologyInconsistent,
					"%s layer of subbasin %d (%d) is not above upstream subbasin %d (%d)",
					l, n.ID, n.Layer(l), up.ID, up.Layer(l))
			}
		}
	}
	return nil
}

// MaxLayer returns the largest layer under the layering.
func (g *Graph) MaxLayer(l Layering) int {
	var res int
	for _, n := range g.Nodes {
		res = essentials.MaxInt(res, n.Layer(l))
	}
	return res
}
