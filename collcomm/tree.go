package collcomm

import (
	"github.com/rotisserie/eris"
	"github.com/unixpickle/basinsched/simulator"
)

// Allreduce combines one vector from every node with fn
// and returns the result on every node.
//
// Nodes are arranged in a binary tree by index. Vectors
// are reduced on the way up to node 0 and the result is
// sent back down. With a ReduceTimeout, a node that waits
// too long for a child or its parent returns ErrTimeout.
func (c *Comms) Allreduce(data []float64, fn ReduceFn) ([]float64, error) {
	seq := c.nextSeq()
	parent, children := positionInTree(c)

	vecs := [][]float64{data}
	for range children {
		p, err := c.await(seq, c.ReduceTimeout, packetReduce)
		if err != nil {
			return nil, eris.Wrapf(err, "allreduce at node %d", c.Index())
		}
		vecs = append(vecs, p.vec)
	}
	result := fn(c.Handle, vecs...)

	if parent != nil {
		c.sendPacket(parent, &packet{seq: seq, kind: packetReduce, vec: result})
		p, err := c.await(seq, c.ReduceTimeout, packetRelease)
		if err != nil {
			return nil, eris.Wrapf(err, "allreduce at node %d", c.Index())
		}
		result = p.vec
	}
	for _, child := range children {
		c.sendPacket(child, &packet{seq: seq, kind: packetRelease, vec: result})
	}
	return result, nil
}

// positionInTree returns the parent (nil at the root) and
// children of the current node in a binary tree laid out
// row by row over the group's indices.
func positionInTree(c *Comms) (parent *simulator.Port, children []*simulator.Port) {
	idx := c.Index()
	for depth := uint(0); true; depth++ {
		rowSize := 1 << depth
		rowStart := rowSize - 1
		if idx >= rowStart+rowSize {
			continue
		}
		rowIdx := idx - rowStart
		if depth > 0 {
			parent = c.Ports[rowIdx/2+(rowSize/2-1)]
		}
		firstChild := rowIdx*2 + (rowSize*2 - 1)
		for i := 0; i < 2; i++ {
			if firstChild+i < len(c.Ports) {
				children = append(children, c.Ports[firstChild+i])
			}
		}
		return
	}
	panic("unreachable")
}
