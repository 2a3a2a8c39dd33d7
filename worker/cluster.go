package worker

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/unixpickle/basinsched/collcomm"
	"github.com/unixpickle/basinsched/coord"
	"github.com/unixpickle/basinsched/localview"
	"github.com/unixpickle/basinsched/partition"
	"github.com/unixpickle/basinsched/simulator"
	"github.com/unixpickle/basinsched/tasktable"
	"github.com/unixpickle/basinsched/topology"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/unixpickle/basinsched/worker")

// A Cluster describes one simulated run.
type Cluster struct {
	Graph     *topology.Graph
	Partition *partition.Partition

	// Workers must equal the number of groups in
	// Partition.
	Workers int

	Layering    topology.Layering
	MaxUpstream int
	Mode        Mode
	Schedule    Schedule

	// TimeSlice picks the transfer window; see
	// transfer.Multiplier.
	TimeSlice int

	Width    int
	Steps    int
	Start    time.Time
	Timestep time.Duration

	// StepCost is the virtual time one model step takes.
	StepCost float64

	// BroadcastTimeout bounds the table broadcast in
	// virtual time. Zero waits forever.
	BroadcastTimeout float64

	// Network defaults to an ordered network.
	Network simulator.Network

	// Seed seeds the event loop.
	Seed int64

	// NewModel creates the model for a worker rank.
	NewModel func(rank int) Model

	Logger *zerolog.Logger
}

// A Result is the outcome of a Cluster run.
type Result struct {
	// Outflow maps each subbasin to its outflow per step.
	Outflow map[int][][]float64

	// Outlets lists the subbasins without a downstream.
	Outlets []int

	// Makespan is the virtual time the run took.
	Makespan float64

	// Ranks holds each worker's stats; Peak is their
	// elementwise maximum as computed by the workers.
	Ranks []Stats
	Peak  Stats

	Master *coord.MasterStats

	// Messages and Bytes are network totals when the
	// network is a *simulator.OrderedNetwork.
	Messages int
	Bytes    float64
}

// Run executes the simulation.
//
// The root (the master, or worker 0 in peer mode) builds
// the task table and broadcasts it. If the root fails,
// its error is returned and no worker starts.
func (c *Cluster) Run(ctx context.Context) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Cluster.Run", trace.WithAttributes(
		attribute.Int("workers", c.Workers),
		attribute.String("mode", c.Mode.String()),
		attribute.String("schedule", c.Schedule.String()),
		attribute.Int("steps", c.Steps),
	))
	defer span.End()

	res, err := c.run(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "run failed")
		return nil, err
	}
	span.SetAttributes(
		attribute.Float64("makespan", res.Makespan),
		attribute.Int("messages", res.Messages),
	)
	span.SetStatus(codes.Ok, "")
	return res, nil
}

func (c *Cluster) run(ctx context.Context) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	logger := zerolog.Nop()
	if c.Logger != nil {
		logger = *c.Logger
	}
	network := c.Network
	if network == nil {
		network = simulator.NewOrderedNetwork(1e6, 1e-3, 0)
	}

	loop := simulator.NewSeededEventLoop(c.Seed)
	numNodes := c.Workers
	root := 0
	if c.Mode == MasterMode {
		numNodes++
		root = c.Workers
	}
	nodes := make([]*simulator.Node, numNodes)
	for i := range nodes {
		nodes[i] = simulator.NewNode()
	}

	errs := make([]error, numNodes)
	workers := make([]*worker, c.Workers)
	var master *coord.Master
	collcomm.SpawnComms(loop, network, nodes, func(comms *collcomm.Comms) {
		comms.Timeout = c.BroadcastTimeout
		idx := comms.Index()
		if idx == c.Workers {
			master, errs[idx] = c.runMaster(comms, logger)
		} else {
			workers[idx], errs[idx] = c.runWorker(comms, root, logger)
		}
	})
	loopErr := loop.Run()

	if errs[root] != nil {
		return nil, errs[root]
	}
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	if loopErr != nil {
		return nil, loopErr
	}

	res := &Result{
		Outflow:  map[int][][]float64{},
		Outlets:  c.Graph.Outlets(),
		Makespan: loop.Time(),
	}
	for _, w := range workers {
		for id, series := range w.outflow {
			res.Outflow[id] = series
		}
		res.Ranks = append(res.Ranks, w.stats)
	}
	res.Peak = workers[0].peak
	if master != nil {
		stats := master.Stats()
		res.Master = &stats
	}
	if ordered, ok := network.(*simulator.OrderedNetwork); ok {
		res.Messages, res.Bytes = ordered.Totals()
	}
	sort.Ints(res.Outlets)
	logger.Info().Float64("makespan", res.Makespan).Int("workers", c.Workers).
		Str("mode", c.Mode.String()).Str("schedule", c.Schedule.String()).Msg("run finished")
	return res, nil
}

func (c *Cluster) validate() error {
	switch {
	case c.Graph == nil || c.Graph.Len() == 0:
		return eris.New("cluster has no subbasins")
	case c.Partition == nil:
		return eris.New("cluster has no partition")
	case c.Workers < 1:
		return eris.Errorf("invalid worker count %d", c.Workers)
	case c.Width < 1:
		return eris.Errorf("invalid outflow width %d", c.Width)
	case c.Steps < 1:
		return eris.Errorf("invalid step count %d", c.Steps)
	case c.NewModel == nil:
		return eris.New("cluster has no model")
	case c.Mode == MasterMode && c.Schedule != Spatial:
		return eris.New("master mode only supports the spatial schedule")
	}
	return nil
}

// buildTable is only called on the root.
func (c *Cluster) buildTable() (*tasktable.Table, error) {
	if c.Partition.Workers() != c.Workers {
		return nil, eris.Wrapf(partition.ErrPartitionMismatch, "%d groups for %d workers",
			c.Partition.Workers(), c.Workers)
	}
	maxUpstream := c.MaxUpstream
	if maxUpstream == 0 {
		maxUpstream = tasktable.DefaultMaxUpstream
	}
	return tasktable.Build(c.Graph, c.Partition, c.Layering, maxUpstream)
}

func (c *Cluster) shareTable(comms *collcomm.Comms, root int) (*tasktable.Table, error) {
	if comms.Index() == root {
		table, err := c.buildTable()
		var data []byte
		if err == nil {
			data, err = tasktable.Pack(table)
		}
		if err != nil {
			comms.Abort()
			return nil, err
		}
		if _, err := comms.Broadcast(root, data); err != nil {
			return nil, err
		}
		return table, nil
	}
	data, err := comms.Broadcast(root, nil)
	if err != nil {
		return nil, err
	}
	return tasktable.Unpack(data)
}

func (c *Cluster) runMaster(comms *collcomm.Comms, logger zerolog.Logger) (*coord.Master, error) {
	table, err := c.shareTable(comms, comms.Index())
	if err != nil {
		return nil, err
	}
	m, err := coord.NewMaster(table, c.Width)
	if err != nil {
		return nil, err
	}
	logger = logger.With().Str("role", "master").Logger()
	return m, coord.RunMaster(comms, m, &logger)
}

func (c *Cluster) runWorker(comms *collcomm.Comms, root int, logger zerolog.Logger) (*worker, error) {
	table, err := c.shareTable(comms, root)
	if err != nil {
		return nil, err
	}
	rank := comms.Index()
	view, err := localview.Derive(table, rank)
	if err != nil {
		return nil, err
	}

	s := settings{
		Mode:      c.Mode,
		Schedule:  c.Schedule,
		TimeSlice: c.TimeSlice,
		Width:     c.Width,
		Steps:     c.Steps,
		Start:     c.Start,
		Timestep:  c.Timestep,
		StepCost:  c.StepCost,
	}
	peers := comms
	if c.Mode == MasterMode {
		s.MasterPort = comms.Ports[c.Workers]
		indices := make([]int, c.Workers)
		for i := range indices {
			indices[i] = i
		}
		peers = comms.Sub(1, indices)
	}
	w, err := newWorker(s, comms, peers, view, c.NewModel(rank), logger)
	if err != nil {
		return nil, err
	}
	w.logger.Debug().Int("owned", len(view.OwnedIDs)).Int("layers", view.MaxLayer).Msg("view derived")
	return w, w.Run()
}
