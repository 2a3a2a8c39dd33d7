// Package partition assigns subbasins to workers.
package partition

import (
	"sort"

	"github.com/rotisserie/eris"
	"github.com/unixpickle/basinsched/topology"
)

// ErrPartitionMismatch means the grouping strategy did not
// produce exactly one group per worker. There is no
// rebalancing policy, so a run cannot proceed.
var ErrPartitionMismatch = eris.New("group count does not match worker count")

// A GroupFunc maps a subbasin to a group key. Keys are
// arbitrary integers; they are ranked in ascending order
// to obtain worker ranks.
type GroupFunc func(n *topology.Node) (int, error)

// A Partition assigns every subbasin to one worker rank.
type Partition struct {
	// GroupIDs holds the distinct group keys in ascending
	// order. Rank r owns group GroupIDs[r].
	GroupIDs []int

	// Members holds each rank's subbasin ids in ascending
	// order.
	Members [][]int

	// MaxSize is the size of the largest group.
	MaxSize int

	// RankOf maps subbasin ids to ranks.
	RankOf map[int]int
}

// Assign groups the graph's nodes with fn and checks that
// there are exactly workers groups.
func Assign(g *topology.Graph, fn GroupFunc, workers int) (*Partition, error) {
	if workers < 1 {
		return nil, eris.Wrapf(ErrPartitionMismatch, "invalid worker count %d", workers)
	}
	byGroup := map[int][]int{}
	for i := range g.Nodes {
		n := &g.Nodes[i]
		key, err := fn(n)
		if err != nil {
			return nil, eris.Wrapf(err, "group subbasin %d", n.ID)
		}
		byGroup[key] = append(byGroup[key], n.ID)
	}
	if len(byGroup) != workers {
		return nil, eris.Wrapf(ErrPartitionMismatch, "%d groups for %d workers", len(byGroup), workers)
	}

	p := &Partition{
		GroupIDs: make([]int, 0, workers),
		Members:  make([][]int, workers),
		RankOf:   make(map[int]int, g.Len()),
	}
	for key := range byGroup {
		p.GroupIDs = append(p.GroupIDs, key)
	}
	sort.Ints(p.GroupIDs)
	for rank, key := range p.GroupIDs {
		ids := byGroup[key]
		sort.Ints(ids)
		p.Members[rank] = ids
		for _, id := range ids {
			p.RankOf[id] = rank
		}
		if len(ids) > p.MaxSize {
			p.MaxSize = len(ids)
		}
	}
	return p, nil
}

// Workers returns the number of ranks.
func (p *Partition) Workers() int {
	return len(p.Members)
}
