// Package transfer holds boundary values keyed by
// simulation step and subbasin.
package transfer

import (
	"sort"

	"github.com/rotisserie/eris"
)

var (
	ErrInvalidWindow = eris.New("invalid transfer window")
	ErrOutOfWindow   = eris.New("bucket outside transfer window")
	ErrUnknownSlot   = eris.New("no transfer slot for subbasin")
	ErrSlotWidth     = eris.New("value width does not match slot width")
)

// A Buffer is a fixed ring of step buckets, each with one
// slot per registered subbasin. It never grows.
//
// Each (bucket, id) slot has a single writer. Reads do
// not consume the value.
type Buffer struct {
	window int
	width  int

	index  map[int]int
	ids    []int
	values []float64
	found  []bool
}

// Allocate reserves maxGlobalLayer*stepMultiplier buckets
// of slotWidth values for each of ids.
func Allocate(maxGlobalLayer, stepMultiplier, slotWidth int, ids []int) (*Buffer, error) {
	if maxGlobalLayer < 1 || stepMultiplier < 1 || slotWidth < 1 {
		return nil, eris.Wrapf(ErrInvalidWindow, "layers=%d multiplier=%d width=%d",
			maxGlobalLayer, stepMultiplier, slotWidth)
	}
	b := &Buffer{
		window: maxGlobalLayer * stepMultiplier,
		width:  slotWidth,
		index:  make(map[int]int, len(ids)),
		ids:    append([]int{}, ids...),
	}
	sort.Ints(b.ids)
	for i, id := range b.ids {
		if _, ok := b.index[id]; ok {
			return nil, eris.Wrapf(ErrInvalidWindow, "subbasin %d registered twice", id)
		}
		b.index[id] = i
	}
	b.values = make([]float64, b.window*len(b.ids)*b.width)
	b.found = make([]bool, b.window*len(b.ids))
	return b, nil
}

// Window returns the number of buckets.
func (b *Buffer) Window() int {
	return b.window
}

// Width returns the number of values per slot.
func (b *Buffer) Width() int {
	return b.width
}

// IDs returns the registered subbasins in ascending order.
func (b *Buffer) IDs() []int {
	return append([]int{}, b.ids...)
}

// Bucket maps an absolute step to its bucket.
func (b *Buffer) Bucket(step int) int {
	return step % b.window
}

// Write overwrites the slot for (bucket, id).
func (b *Buffer) Write(bucket, id int, values []float64) error {
	slot, err := b.slot(bucket, id)
	if err != nil {
		return err
	}
	if len(values) != b.width {
		return eris.Wrapf(ErrSlotWidth, "subbasin %d: got %d values, want %d", id, len(values), b.width)
	}
	copy(b.values[slot*b.width:], values)
	b.found[slot] = true
	return nil
}

// Read returns a copy of the slot for (bucket, id). found
// is false if nothing was written since the bucket was
// last cleared.
func (b *Buffer) Read(bucket, id int) (values []float64, found bool, err error) {
	slot, err := b.slot(bucket, id)
	if err != nil {
		return nil, false, err
	}
	if !b.found[slot] {
		return nil, false, nil
	}
	return append([]float64{}, b.values[slot*b.width:(slot+1)*b.width]...), true, nil
}

// Found reports whether (bucket, id) holds a value. It is
// false for unknown slots.
func (b *Buffer) Found(bucket, id int) bool {
	slot, err := b.slot(bucket, id)
	return err == nil && b.found[slot]
}

// Clear forgets every value in a bucket so it can be
// reused for a later step.
func (b *Buffer) Clear(bucket int) error {
	if bucket < 0 || bucket >= b.window {
		return eris.Wrapf(ErrOutOfWindow, "bucket %d of %d", bucket, b.window)
	}
	start := bucket * len(b.ids)
	for i := start; i < start+len(b.ids); i++ {
		b.found[i] = false
	}
	return nil
}

func (b *Buffer) slot(bucket, id int) (int, error) {
	if bucket < 0 || bucket >= b.window {
		return 0, eris.Wrapf(ErrOutOfWindow, "bucket %d of %d", bucket, b.window)
	}
	i, ok := b.index[id]
	if !ok {
		return 0, eris.Wrapf(ErrUnknownSlot, "subbasin %d", id)
	}
	return bucket*len(b.ids) + i, nil
}

// BarrierPeriod returns how many steps workers may run
// between barriers without a producer overwriting a bucket
// that a slower consumer still needs. A pipelined schedule
// runs up to maxGlobalLayer-1 steps ahead of its outer
// step.
func BarrierPeriod(maxGlobalLayer, stepMultiplier int, pipelined bool) (int, error) {
	if maxGlobalLayer < 1 || stepMultiplier < 1 {
		return 0, eris.Wrapf(ErrInvalidWindow, "layers=%d multiplier=%d", maxGlobalLayer, stepMultiplier)
	}
	period := maxGlobalLayer * stepMultiplier
	if pipelined {
		period -= maxGlobalLayer - 1
	}
	return period, nil
}

// Multiplier derives the step multiplier from a requested
// time slice the same way for every run: the run is cut
// into ceil(steps/maxGlobalLayer) slices, timeSlice is
// clamped into [2, slices] (a negative value selects all
// slices) and the multiplier is the number of time slices
// needed to cover them. Spatial schedules always use 1.
func Multiplier(steps, maxGlobalLayer, timeSlice int, pipelined bool) int {
	if !pipelined || steps < 1 || maxGlobalLayer < 1 {
		return 1
	}
	slices := (steps + maxGlobalLayer - 1) / maxGlobalLayer
	if timeSlice < 0 || timeSlice > slices {
		timeSlice = slices
	}
	if timeSlice < 2 {
		timeSlice = 2
	}
	return (slices + timeSlice - 1) / timeSlice
}
