package worker

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/unixpickle/basinsched/topology"
)

// RunSerial evaluates every subbasin in one process, step
// by step and layer by layer. It is the reference that a
// distributed run must reproduce.
func RunSerial(g *topology.Graph, model Model, layering topology.Layering, steps, width int,
	start time.Time, timestep time.Duration) (map[int][][]float64, error) {
	if err := g.ValidateOrder(layering); err != nil {
		return nil, err
	}
	layers := make([][]int, g.MaxLayer(layering)+1)
	for i, n := range g.Nodes {
		l := n.Layer(layering)
		layers[l] = append(layers[l], i)
	}

	res := make(map[int][][]float64, g.Len())
	for _, id := range g.IDs() {
		res[id] = make([][]float64, steps)
	}
	for step := 0; step < steps; step++ {
		for layer, indices := range layers {
			for _, i := range indices {
				id := g.Nodes[i].ID
				task := &Task{
					ID:       id,
					Layer:    layer,
					Step:     step,
					Time:     start.Add(time.Duration(step) * timestep),
					Upstream: map[int][]float64{},
				}
				for _, up := range g.UpstreamIDs(i) {
					task.Upstream[up] = res[up][step]
				}
				if err := model.Step(task); err != nil {
					return nil, eris.Wrapf(err, "subbasin %d step %d", id, step)
				}
				if len(task.Outflow()) != width {
					return nil, eris.Wrapf(ErrBadOutflow, "subbasin %d step %d: %d values, want %d", id, step,
						len(task.Outflow()), width)
				}
				res[id][step] = task.Outflow()
			}
		}
	}
	return res, nil
}
