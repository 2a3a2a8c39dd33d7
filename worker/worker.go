// Package worker runs the timestep loop of every worker
// on a simulated cluster.
package worker

import (
	"strings"
	"time"

	"github.com/kelindar/bitmap"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/unixpickle/basinsched/collcomm"
	"github.com/unixpickle/basinsched/coord"
	"github.com/unixpickle/basinsched/localview"
	"github.com/unixpickle/basinsched/simulator"
	"github.com/unixpickle/basinsched/transfer"
)

// Mode selects how boundary values move between workers.
type Mode int

const (
	// PeerMode pushes each report straight to the worker
	// that owns the downstream subbasin.
	PeerMode Mode = iota

	// MasterMode relays reports through a master node that
	// answers upstream requests.
	MasterMode
)

// ParseMode parses "peer" or "master".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "peer":
		return PeerMode, nil
	case "master", "legacy":
		return MasterMode, nil
	}
	return 0, eris.Errorf("unknown mode %q", s)
}

func (m Mode) String() string {
	if m == MasterMode {
		return "master"
	}
	return "peer"
}

// Schedule selects the order in which a worker visits
// (step, layer) pairs.
type Schedule int

const (
	// Spatial runs every layer of a step before the next
	// step.
	Spatial Schedule = iota

	// Temporospatial runs a wavefront: while layer l of
	// step s runs, layer l-1 of step s+1 may run too.
	Temporospatial
)

// ParseSchedule parses "spatial" or "temporospatial".
func ParseSchedule(s string) (Schedule, error) {
	switch strings.ToLower(s) {
	case "spatial":
		return Spatial, nil
	case "temporospatial", "temporo-spatial", "pipelined":
		return Temporospatial, nil
	}
	return 0, eris.Errorf("unknown schedule %q", s)
}

func (s Schedule) String() string {
	if s == Temporospatial {
		return "temporospatial"
	}
	return "spatial"
}

// Stats describes the work done by one worker.
type Stats struct {
	Computed int
	Sent     int
	Received int
	Requests int
	Blocked  int
	WaitTime float64
	Finish   float64
}

func (s *Stats) vector() []float64 {
	return []float64{float64(s.Computed), float64(s.Sent), float64(s.Received), float64(s.Requests),
		float64(s.Blocked), s.WaitTime, s.Finish}
}

func statsFromVector(v []float64) Stats {
	return Stats{
		Computed: int(v[0]),
		Sent:     int(v[1]),
		Received: int(v[2]),
		Requests: int(v[3]),
		Blocked:  int(v[4]),
		WaitTime: v[5],
		Finish:   v[6],
	}
}

type settings struct {
	Mode       Mode
	Schedule   Schedule
	TimeSlice  int
	Width      int
	Steps      int
	Start      time.Time
	Timestep   time.Duration
	StepCost   float64
	MasterPort *simulator.Port
}

type worker struct {
	settings

	comms  *collcomm.Comms
	peers  *collcomm.Comms
	view   *localview.View
	model  Model
	logger zerolog.Logger

	local   *transfer.Buffer
	recv    *transfer.Buffer
	remote  map[int]bool
	done    []bitmap.Bitmap
	outflow map[int][][]float64
	stats   Stats
	peak    Stats
}

func newWorker(s settings, comms, peers *collcomm.Comms, view *localview.View, model Model,
	logger zerolog.Logger) (*worker, error) {
	pipelined := s.Schedule == Temporospatial
	multiplier := transfer.Multiplier(s.Steps, view.GlobalMaxLayer, s.TimeSlice, pipelined)
	local, err := transfer.Allocate(view.GlobalMaxLayer, multiplier, s.Width, view.TransferIDs())
	if err != nil {
		return nil, err
	}
	remoteIDs := view.RemoteInputs()
	recv, err := transfer.Allocate(view.GlobalMaxLayer, multiplier, s.Width, remoteIDs)
	if err != nil {
		return nil, err
	}
	w := &worker{
		settings: s,
		comms:    comms,
		peers:    peers,
		view:     view,
		model:    model,
		logger:   logger.With().Int("rank", view.Rank).Logger(),
		local:    local,
		recv:     recv,
		remote:   map[int]bool{},
		done:     make([]bitmap.Bitmap, local.Window()),
		outflow:  map[int][][]float64{},
	}
	for _, id := range remoteIDs {
		w.remote[id] = true
	}
	for _, id := range view.OwnedIDs {
		w.outflow[id] = make([][]float64, s.Steps)
	}
	return w, nil
}

func (w *worker) Run() error {
	var err error
	if w.Mode == MasterMode {
		err = w.runMastered()
	} else {
		err = w.runPeer()
	}
	if err != nil {
		return err
	}
	peak, err := w.peers.Allreduce(w.stats.vector(), collcomm.Max)
	if err != nil {
		return err
	}
	w.peak = statsFromVector(peak)
	if w.Mode == PeerMode {
		return w.terminatePeers()
	}
	return nil
}

func (w *worker) runPeer() error {
	pipelined := w.Schedule == Temporospatial
	maxLayer := w.view.GlobalMaxLayer
	period, err := transfer.BarrierPeriod(maxLayer, w.local.Window()/maxLayer, pipelined)
	if err != nil {
		return err
	}
	for ts := 0; ts < w.Steps; ts++ {
		for ilyr := 1; ilyr <= maxLayer; ilyr++ {
			depth := 1
			if pipelined {
				depth = ilyr
			}
			for dlt := 0; dlt < depth && ts+dlt < w.Steps; dlt++ {
				step, layer := ts+dlt, ilyr-dlt
				for _, id := range w.view.LayerIDs(layer) {
					if w.done[w.local.Bucket(step)].Contains(uint32(id)) {
						continue
					}
					if err := w.compute(id, step, w.awaitReport); err != nil {
						return err
					}
				}
			}
		}
		if err := w.finishStep(ts); err != nil {
			return err
		}
		if (ts+1)%period == 0 && ts+1 < w.Steps {
			w.logger.Debug().Int("step", ts).Msg("period barrier")
			if err := w.comms.Barrier(); err != nil {
				return err
			}
		}
	}
	w.stats.Finish = w.comms.Handle.Time()
	return w.comms.Barrier()
}

func (w *worker) runMastered() error {
	for step := 0; step < w.Steps; step++ {
		for layer := 1; layer <= w.view.GlobalMaxLayer; layer++ {
			for _, id := range w.view.LayerToSourceIDs[layer] {
				if err := w.compute(id, step, nil); err != nil {
					return err
				}
			}
			todo := append([]int{}, w.view.LayerToNonSourceIDs[layer]...)
			for len(todo) > 0 {
				var waiting []int
				for _, id := range todo {
					if !w.ready(id, step) {
						waiting = append(waiting, id)
					} else if err := w.compute(id, step, w.receivedValue); err != nil {
						return err
					}
				}
				if len(waiting) == len(todo) {
					if err := w.requestUpstream(step); err != nil {
						return err
					}
				}
				todo = waiting
			}
		}
		if err := w.finishStep(step); err != nil {
			return err
		}
		if err := w.peers.Barrier(); err != nil {
			return err
		}
		if step+1 == w.Steps {
			if w.view.Rank == 0 {
				w.sendMaster(&coord.Message{Terminate: &coord.Terminate{}})
			}
			break
		}
		if w.view.Rank == 0 {
			w.sendMaster(&coord.Message{Reset: &coord.ResetForTimestep{
				Step: step + 1,
				Time: w.stepTime(step + 1).Unix(),
			}})
		}
		if err := w.comms.Barrier(); err != nil {
			return err
		}
	}
	w.stats.Finish = w.comms.Handle.Time()
	return nil
}

func (w *worker) compute(id, step int, remote func(up, step int) ([]float64, error)) error {
	bucket := w.local.Bucket(step)
	task := &Task{
		ID:       id,
		Layer:    w.view.SubbasinToLayer[id],
		Step:     step,
		Time:     w.stepTime(step),
		Upstream: map[int][]float64{},
	}
	for _, up := range w.view.UpstreamOf[id] {
		var values []float64
		if w.view.Owns(up) {
			var found bool
			var err error
			values, found, err = w.local.Read(bucket, up)
			if err != nil {
				return err
			} else if !found {
				panic("local upstream value computed out of order")
			}
		} else {
			var err error
			values, err = remote(up, step)
			if err != nil {
				return err
			}
		}
		task.Upstream[up] = values
	}

	if err := w.model.Step(task); err != nil {
		return eris.Wrapf(err, "subbasin %d step %d", id, step)
	}
	out := task.Outflow()
	if width := w.local.Width(); len(out) != width {
		return eris.Wrapf(ErrBadOutflow, "subbasin %d step %d: %d values, want %d", id, step,
			len(out), width)
	}
	if w.StepCost > 0 {
		w.comms.Handle.Sleep(w.StepCost)
	}
	w.stats.Computed++
	w.outflow[id][step] = out
	w.done[bucket].Set(uint32(id))
	w.logger.Trace().Int("id", id).Int("step", step).Int("layer", task.Layer).Msg("computed")

	switch dst := w.view.DownstreamWorker(id); {
	case dst < 0:
	case dst == w.view.Rank:
		return w.local.Write(bucket, id, out)
	default:
		if err := w.local.Write(bucket, id, out); err != nil {
			return err
		}
		msg := &coord.Message{Report: &coord.Report{
			ID:     id,
			Step:   step,
			Time:   task.Time.Unix(),
			Values: out,
		}}
		data, err := coord.Encode(msg, w.Width)
		if err != nil {
			return err
		}
		if w.Mode == MasterMode {
			w.comms.Send(w.MasterPort, data)
		} else {
			w.comms.Send(w.comms.Ports[dst], data)
		}
		w.stats.Sent++
	}
	return nil
}

// awaitReport blocks until a peer has pushed the value of
// up for step.
func (w *worker) awaitReport(up, step int) ([]float64, error) {
	bucket := w.recv.Bucket(step)
	if !w.recv.Found(bucket, up) {
		start := w.comms.Handle.Time()
		w.stats.Blocked++
		for !w.recv.Found(bucket, up) {
			msg, err := w.recvMessage()
			if err != nil {
				return nil, err
			}
			if msg.Report == nil {
				return nil, eris.Wrapf(coord.ErrProtocol, "unexpected code %d while waiting for %d",
					msg.Code(), up)
			}
			if err := w.store(msg.Report.Step, msg.Report.ID, msg.Report.Values); err != nil {
				return nil, err
			}
		}
		w.stats.WaitTime += w.comms.Handle.Time() - start
		w.logger.Debug().Int("id", up).Int("step", step).Msg("received upstream")
	}
	values, _, err := w.recv.Read(bucket, up)
	return values, err
}

func (w *worker) receivedValue(up, step int) ([]float64, error) {
	values, found, err := w.recv.Read(w.recv.Bucket(step), up)
	if err != nil {
		return nil, err
	} else if !found {
		panic("remote upstream value used before it arrived")
	}
	return values, nil
}

// ready reports whether every upstream value of id is
// available without asking the master.
func (w *worker) ready(id, step int) bool {
	bucket := w.local.Bucket(step)
	for _, up := range w.view.UpstreamOf[id] {
		if w.view.Owns(up) {
			if !w.local.Found(bucket, up) {
				return false
			}
		} else if !w.recv.Found(bucket, up) {
			return false
		}
	}
	return true
}

func (w *worker) requestUpstream(step int) error {
	start := w.comms.Handle.Time()
	w.stats.Requests++
	w.sendMaster(&coord.Message{Request: &coord.RequestUpstream{
		Group: w.view.Rank,
		Rank:  w.view.Rank,
		Step:  step,
	}})
	msg, err := w.recvMessage()
	if err != nil {
		return err
	}
	if msg.Reply == nil || msg.Reply.Step != step {
		return eris.Wrapf(coord.ErrProtocol, "expected a reply for step %d, got code %d", step, msg.Code())
	}
	for _, e := range msg.Reply.Entries {
		if err := w.store(step, e.ID, e.Values); err != nil {
			return err
		}
	}
	w.stats.WaitTime += w.comms.Handle.Time() - start
	return nil
}

func (w *worker) store(step, id int, values []float64) error {
	if !w.remote[id] {
		return eris.Wrapf(coord.ErrProtocol, "value for subbasin %d which rank %d does not consume",
			id, w.view.Rank)
	}
	if step < 0 || step >= w.Steps {
		return eris.Wrapf(coord.ErrProtocol, "value for subbasin %d at step %d", id, step)
	}
	bucket := w.recv.Bucket(step)
	if w.recv.Found(bucket, id) {
		return eris.Wrapf(coord.ErrProtocol, "duplicate value for subbasin %d at step %d", id, step)
	}
	w.stats.Received++
	return w.recv.Write(bucket, id, values)
}

func (w *worker) recvMessage() (*coord.Message, error) {
	data, _ := w.comms.Recv()
	return coord.Decode(data, w.Width)
}

func (w *worker) sendMaster(msg *coord.Message) {
	data, err := coord.Encode(msg, w.Width)
	if err != nil {
		panic(err)
	}
	w.comms.Send(w.MasterPort, data)
}

func (w *worker) finishStep(step int) error {
	bucket := w.local.Bucket(step)
	if err := w.local.Clear(bucket); err != nil {
		return err
	}
	if err := w.recv.Clear(bucket); err != nil {
		return err
	}
	w.done[bucket].Clear()
	return nil
}

// terminatePeers has worker 0 release everybody else.
func (w *worker) terminatePeers() error {
	if w.view.Rank == 0 {
		data, err := coord.Encode(&coord.Message{Terminate: &coord.Terminate{}}, w.Width)
		if err != nil {
			return err
		}
		w.comms.SendAll(data)
		return nil
	}
	msg, err := w.recvMessage()
	if err != nil {
		return err
	}
	if msg.Terminate == nil {
		return eris.Wrapf(coord.ErrProtocol, "expected terminate, got code %d", msg.Code())
	}
	return nil
}

func (w *worker) stepTime(step int) time.Time {
	return w.Start.Add(time.Duration(step) * w.Timestep)
}
