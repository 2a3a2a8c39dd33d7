package worker

import (
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"
)

// ErrBadOutflow is returned when a Model leaves a Task
// without an outflow of the configured width.
var ErrBadOutflow = eris.New("model produced no valid outflow")

// A Task is one subbasin at one step.
type Task struct {
	ID    int
	Layer int
	Step  int
	Time  time.Time

	// Upstream maps each upstream subbasin to its outflow
	// at this step.
	Upstream map[int][]float64

	outflow []float64
}

// SetOutflow records the values handed downstream.
func (t *Task) SetOutflow(values []float64) {
	t.outflow = append([]float64{}, values...)
}

// Outflow returns the values set by the model, or nil.
func (t *Task) Outflow() []float64 {
	return t.outflow
}

// UpstreamIDs returns the keys of Upstream in ascending
// order.
func (t *Task) UpstreamIDs() []int {
	ids := make([]int, 0, len(t.Upstream))
	for id := range t.Upstream {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// A Model advances one subbasin by one step.
//
// A Model instance belongs to one worker and is called
// for that worker's subbasins only, in increasing step
// order for each subbasin.
type Model interface {
	Step(t *Task) error
}

// Reservoir is a linear reservoir per subbasin. Each step
// adds the upstream inflow and a deterministic local
// runoff to storage and releases a fraction K of it.
//
// The first outflow value is the discharge; any further
// values carry the remaining storage.
type Reservoir struct {
	K     float64
	Width int

	storage map[int]float64
}

// NewReservoir creates a reservoir model.
func NewReservoir(k float64, width int) *Reservoir {
	return &Reservoir{K: k, Width: width, storage: map[int]float64{}}
}

// Step applies one reservoir update to t.
func (r *Reservoir) Step(t *Task) error {
	if r.storage == nil {
		r.storage = map[int]float64{}
	}
	var inflow float64
	for _, id := range t.UpstreamIDs() {
		inflow += t.Upstream[id][0]
	}
	storage := r.storage[t.ID] + inflow + Runoff(t.ID, t.Step)
	out := r.K * storage
	storage -= out
	r.storage[t.ID] = storage

	values := make([]float64, r.Width)
	values[0] = out
	for i := 1; i < len(values); i++ {
		values[i] = storage
	}
	t.SetOutflow(values)
	return nil
}

// Runoff is the local runoff of a subbasin at a step.
func Runoff(id, step int) float64 {
	return 1 + 0.5*math.Sin(0.7*float64(id)+0.3*float64(step))
}
