// Package localview derives one worker's indices from the
// broadcast task table.
package localview

import (
	"fmt"
	"sort"

	"github.com/rotisserie/eris"
	"github.com/unixpickle/basinsched/tasktable"
)

// A View is a worker's read-only projection of the task
// table. Every map and slice in a View must be treated as
// immutable once Derive returns.
type View struct {
	Rank    int
	Workers int

	// OwnedIDs lists this rank's subbasins in ascending
	// order.
	OwnedIDs []int

	// SubbasinToWorker and SubbasinToLayer cover every
	// subbasin in the table.
	SubbasinToWorker map[int]int
	SubbasinToLayer  map[int]int

	// DownstreamOf covers owned subbasins; outlets map
	// to 0.
	DownstreamOf map[int]int

	// UpstreamOf covers every subbasin in the table.
	UpstreamOf map[int][]int

	// AllUpstreamSameWorker is true for an owned subbasin
	// whose upstream subbasins are all owned by this rank.
	AllUpstreamSameWorker map[int]bool

	// LayerToSourceIDs and LayerToNonSourceIDs bucket
	// owned subbasins by layer, split by whether they have
	// any upstream subbasins.
	LayerToSourceIDs    map[int][]int
	LayerToNonSourceIDs map[int][]int

	// MaxLayer is the largest layer owned by this rank;
	// GlobalMaxLayer is the largest in the whole table.
	MaxLayer       int
	GlobalMaxLayer int
}

// Derive builds the View for rank. It does not modify the
// table and returns equal Views for equal inputs.
func Derive(t *tasktable.Table, rank int) (*View, error) {
	if err := t.Check(); err != nil {
		return nil, err
	}
	if rank < 0 || rank >= t.Workers {
		return nil, eris.Wrapf(tasktable.ErrMalformedTable, "rank %d outside %d workers", rank, t.Workers)
	}

	v := &View{
		Rank:                  rank,
		Workers:               t.Workers,
		SubbasinToWorker:      map[int]int{},
		SubbasinToLayer:       map[int]int{},
		DownstreamOf:          map[int]int{},
		UpstreamOf:            map[int][]int{},
		AllUpstreamSameWorker: map[int]bool{},
		LayerToSourceIDs:      map[int][]int{},
		LayerToNonSourceIDs:   map[int][]int{},
	}

	for slot := 0; slot < t.Slots(); slot++ {
		if !t.Occupied(slot) {
			continue
		}
		id := int(t.SubbasinID[slot])
		if _, ok := v.SubbasinToWorker[id]; ok {
			return nil, eris.Wrapf(tasktable.ErrMalformedTable, "subbasin %d appears twice", id)
		}
		layer := int(t.LayerID[slot])
		v.SubbasinToWorker[id] = slot / t.MaxSize
		v.SubbasinToLayer[id] = layer
		v.UpstreamOf[id] = t.Upstream(slot)
		if layer > v.GlobalMaxLayer {
			v.GlobalMaxLayer = layer
		}
	}

	for i := 0; i < t.MaxSize; i++ {
		slot := t.Slot(rank, i)
		if !t.Occupied(slot) {
			continue
		}
		id := int(t.SubbasinID[slot])
		v.OwnedIDs = append(v.OwnedIDs, id)
		if down := int(t.DownID[slot]); down != tasktable.Sentinel {
			if _, ok := v.SubbasinToWorker[down]; !ok {
				return nil, eris.Wrapf(tasktable.ErrMalformedTable, "subbasin %d drains into missing %d", id, down)
			}
			v.DownstreamOf[id] = down
		} else {
			v.DownstreamOf[id] = 0
		}
	}
	sort.Ints(v.OwnedIDs)

	for _, id := range v.OwnedIDs {
		v.AllUpstreamSameWorker[id] = true
		for _, up := range v.UpstreamOf[id] {
			owner, ok := v.SubbasinToWorker[up]
			if !ok {
				return nil, eris.Wrapf(tasktable.ErrMalformedTable, "subbasin %d has missing upstream %d", id, up)
			}
			if owner != rank {
				v.AllUpstreamSameWorker[id] = false
			}
		}

		layer, ok := v.SubbasinToLayer[id]
		if !ok {
			panic(fmt.Sprintf("owned subbasin %d has no layer", id))
		}
		if len(v.UpstreamOf[id]) == 0 {
			v.LayerToSourceIDs[layer] = append(v.LayerToSourceIDs[layer], id)
		} else {
			v.LayerToNonSourceIDs[layer] = append(v.LayerToNonSourceIDs[layer], id)
		}
		if layer > v.MaxLayer {
			v.MaxLayer = layer
		}
	}
	return v, nil
}

// Owns reports whether this rank owns a subbasin.
func (v *View) Owns(id int) bool {
	owner, ok := v.SubbasinToWorker[id]
	return ok && owner == v.Rank
}

// LayerIDs lists the owned subbasins in a layer, sources
// first.
func (v *View) LayerIDs(layer int) []int {
	res := append([]int{}, v.LayerToSourceIDs[layer]...)
	return append(res, v.LayerToNonSourceIDs[layer]...)
}

// TransferIDs lists the owned subbasins with a downstream
// subbasin, in ascending order.
func (v *View) TransferIDs() []int {
	var res []int
	for _, id := range v.OwnedIDs {
		if v.DownstreamOf[id] != 0 {
			res = append(res, id)
		}
	}
	return res
}

// RemoteInputs lists, in ascending order, the subbasins
// owned by other ranks that drain into this rank.
func (v *View) RemoteInputs() []int {
	var res []int
	for _, id := range v.OwnedIDs {
		if v.AllUpstreamSameWorker[id] {
			continue
		}
		for _, up := range v.UpstreamOf[id] {
			if !v.Owns(up) {
				res = append(res, up)
			}
		}
	}
	sort.Ints(res)
	return res
}

// DownstreamWorker returns the rank owning the subbasin
// below an owned subbasin, or -1 for an outlet.
func (v *View) DownstreamWorker(id int) int {
	down := v.DownstreamOf[id]
	if down == 0 {
		return -1
	}
	return v.SubbasinToWorker[down]
}
