// Package tasktable flattens a partitioned drainage graph
// into the fixed-size arrays that every worker receives.
package tasktable

import (
	"encoding/binary"

	"github.com/rotisserie/eris"
	"github.com/unixpickle/basinsched/partition"
	"github.com/unixpickle/basinsched/topology"
)

var (
	// ErrTooManyUpstreams means some subbasin has more
	// tributaries than the table has room for.
	ErrTooManyUpstreams = eris.New("upstream count exceeds maximum")

	// ErrMalformedTable means a table's arrays are not
	// consistent with its header.
	ErrMalformedTable = eris.New("malformed task table")
)

// Sentinel fills unused slots in every id array.
const Sentinel = -1

// DefaultMaxUpstream is the fan-in bound used when none is
// configured.
const DefaultMaxUpstream = 4

// A Table is the broadcast form of the task assignment.
//
// SubbasinID, LayerID, DownID and UpCount have one entry
// per slot, Workers*MaxSize in total, where slot
// rank*MaxSize+i holds the i-th smallest id owned by rank.
// UpIDs has MaxUpstream entries per slot. DownID is
// Sentinel for outlets.
type Table struct {
	Workers     int
	MaxSize     int
	MaxUpstream int
	Layering    topology.Layering

	SubbasinID []int32
	LayerID    []int32
	DownID     []int32
	UpCount    []int32
	UpIDs      []int32
}

// Build lays out a partition as a Table, using layering
// to choose each node's layer.
func Build(g *topology.Graph, p *partition.Partition, layering topology.Layering,
	maxUpstream int) (*Table, error) {
	if maxUpstream < 1 {
		return nil, eris.Errorf("invalid maximum upstream count %d", maxUpstream)
	}
	if err := g.ValidateOrder(layering); err != nil {
		return nil, err
	}

	t := New(p.Workers(), p.MaxSize, maxUpstream)
	t.Layering = layering
	for rank, members := range p.Members {
		for i, id := range members {
			idx, ok := g.Index(id)
			if !ok {
				return nil, eris.Wrapf(topology.ErrTopologyInconsistent, "partition has unknown subbasin %d", id)
			}
			node := &g.Nodes[idx]
			if len(node.Upstream) > maxUpstream {
				return nil, eris.Wrapf(ErrTooManyUpstreams, "subbasin %d has %d upstream subbasins, maximum is %d",
					id, len(node.Upstream), maxUpstream)
			}
			slot := t.Slot(rank, i)
			t.SubbasinID[slot] = int32(id)
			t.LayerID[slot] = int32(node.Layer(layering))
			if !node.IsOutlet() {
				t.DownID[slot] = int32(g.DownstreamID(idx))
			}
			t.UpCount[slot] = int32(len(node.Upstream))
			for j, up := range g.UpstreamIDs(idx) {
				t.UpIDs[slot*maxUpstream+j] = int32(up)
			}
		}
	}
	return t, nil
}

// New creates an empty, sentinel-filled table.
func New(workers, maxSize, maxUpstream int) *Table {
	slots := workers * maxSize
	return &Table{
		Workers:     workers,
		MaxSize:     maxSize,
		MaxUpstream: maxUpstream,
		SubbasinID:  filled(slots, Sentinel),
		LayerID:     filled(slots, Sentinel),
		DownID:      filled(slots, Sentinel),
		UpCount:     make([]int32, slots),
		UpIDs:       filled(slots*maxUpstream, Sentinel),
	}
}

func filled(n int, v int32) []int32 {
	res := make([]int32, n)
	for i := range res {
		res[i] = v
	}
	return res
}

// Slots returns the total number of slots.
func (t *Table) Slots() int {
	return t.Workers * t.MaxSize
}

// Slot returns the flat index of a rank's i-th slot.
func (t *Table) Slot(rank, i int) int {
	return rank*t.MaxSize + i
}

// Occupied reports whether a slot holds a subbasin.
func (t *Table) Occupied(slot int) bool {
	return t.SubbasinID[slot] != Sentinel
}

// Upstream returns the upstream ids recorded in a slot.
func (t *Table) Upstream(slot int) []int {
	n := int(t.UpCount[slot])
	res := make([]int, n)
	for j := range res {
		res[j] = int(t.UpIDs[slot*t.MaxUpstream+j])
	}
	return res
}

// Check verifies that the arrays match the header.
func (t *Table) Check() error {
	slots := t.Slots()
	if t.Workers < 1 || t.MaxSize < 0 || t.MaxUpstream < 1 {
		return eris.Wrapf(ErrMalformedTable, "bad shape %dx%dx%d", t.Workers, t.MaxSize, t.MaxUpstream)
	}
	for _, arr := range [][]int32{t.SubbasinID, t.LayerID, t.DownID, t.UpCount} {
		if len(arr) != slots {
			return eris.Wrapf(ErrMalformedTable, "array has %d entries, expected %d", len(arr), slots)
		}
	}
	if len(t.UpIDs) != slots*t.MaxUpstream {
		return eris.Wrapf(ErrMalformedTable, "upstream array has %d entries, expected %d",
			len(t.UpIDs), slots*t.MaxUpstream)
	}
	for slot, c := range t.UpCount {
		if c < 0 || int(c) > t.MaxUpstream {
			return eris.Wrapf(ErrMalformedTable, "slot %d has upstream count %d", slot, c)
		}
	}
	return nil
}

const headerWords = 5

// MarshalBinary encodes the table as little-endian int32
// words: a five word header followed by the five arrays.
func (t *Table) MarshalBinary() ([]byte, error) {
	if err := t.Check(); err != nil {
		return nil, err
	}
	words := make([]int32, 0, headerWords+4*t.Slots()+len(t.UpIDs))
	words = append(words, int32(t.Workers), int32(t.MaxSize), int32(t.MaxUpstream), int32(t.Layering),
		int32(t.Slots()))
	for _, arr := range [][]int32{t.SubbasinID, t.LayerID, t.DownID, t.UpCount, t.UpIDs} {
		words = append(words, arr...)
	}
	data := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(data[4*i:], uint32(w))
	}
	return data, nil
}

// UnmarshalBinary decodes a table written by
// MarshalBinary.
func (t *Table) UnmarshalBinary(data []byte) error {
	if len(data)%4 != 0 || len(data) < 4*headerWords {
		return eris.Wrapf(ErrMalformedTable, "payload of %d bytes", len(data))
	}
	words := make([]int32, len(data)/4)
	for i := range words {
		words[i] = int32(binary.LittleEndian.Uint32(data[4*i:]))
	}
	workers, maxSize, maxUpstream := int(words[0]), int(words[1]), int(words[2])
	layering, slots := topology.Layering(words[3]), int(words[4])
	if workers < 1 || maxSize < 0 || maxUpstream < 1 || slots != workers*maxSize {
		return eris.Wrapf(ErrMalformedTable, "bad header %v", words[:headerWords])
	}
	if len(words) != headerWords+slots*(4+maxUpstream) {
		return eris.Wrapf(ErrMalformedTable, "payload has %d words for %d slots", len(words), slots)
	}
	body := words[headerWords:]
	next := func(n int) []int32 {
		res := append([]int32{}, body[:n]...)
		body = body[n:]
		return res
	}
	*t = Table{
		Workers:     workers,
		MaxSize:     maxSize,
		MaxUpstream: maxUpstream,
		Layering:    layering,
		SubbasinID:  next(slots),
		LayerID:     next(slots),
		DownID:      next(slots),
		UpCount:     next(slots),
		UpIDs:       next(slots * maxUpstream),
	}
	return t.Check()
}
