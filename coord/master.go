package coord

import (
	"github.com/kelindar/bitmap"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/unixpickle/basinsched/collcomm"
	"github.com/unixpickle/basinsched/tasktable"
)

// An Outgoing message is addressed to a worker rank.
type Outgoing struct {
	Rank    int
	Message *Message
}

type pendingRequest struct {
	rank int
	step int
}

// MasterStats counts the messages a Master handled.
type MasterStats struct {
	Reports  int
	Requests int
	Queued   int
	Replies  int
	Resets   int
}

// A Master relays boundary values between workers that
// cannot see each other's results.
//
// Workers report every subbasin whose downstream subbasin
// belongs to another group. A worker that is blocked on
// remote inputs requests them for its group; the request
// is answered immediately with every value that group has
// not yet received, or parked until the next relevant
// report arrives.
type Master struct {
	width  int
	groups int

	members    map[int][]int
	groupOf    map[int]int
	downstream map[int]int
	upstream   map[int][]int

	step       int
	values     map[int][]float64
	calculated bitmap.Bitmap
	delivered  bitmap.Bitmap
	waiting    map[int][]pendingRequest
	done       bool

	stats MasterStats
}

// NewMaster creates a master for the groups of a table.
// Each worker rank is its own group.
func NewMaster(t *tasktable.Table, width int) (*Master, error) {
	if err := t.Check(); err != nil {
		return nil, err
	}
	if width < 1 {
		return nil, eris.Errorf("invalid value width %d", width)
	}
	m := &Master{
		width:      width,
		groups:     t.Workers,
		members:    map[int][]int{},
		groupOf:    map[int]int{},
		downstream: map[int]int{},
		upstream:   map[int][]int{},
		values:     map[int][]float64{},
		waiting:    map[int][]pendingRequest{},
	}
	for slot := 0; slot < t.Slots(); slot++ {
		if !t.Occupied(slot) {
			continue
		}
		id := int(t.SubbasinID[slot])
		if id < 0 {
			return nil, eris.Wrapf(tasktable.ErrMalformedTable, "negative subbasin id %d", id)
		}
		group := slot / t.MaxSize
		m.members[group] = append(m.members[group], id)
		m.groupOf[id] = group
		m.upstream[id] = t.Upstream(slot)
		if down := t.DownID[slot]; down != tasktable.Sentinel {
			m.downstream[id] = int(down)
		}
	}
	for id, down := range m.downstream {
		if _, ok := m.groupOf[down]; !ok {
			return nil, eris.Wrapf(tasktable.ErrMalformedTable, "subbasin %d drains into missing %d", id, down)
		}
	}
	return m, nil
}

// Step returns the step the master is accepting messages
// for.
func (m *Master) Step() int {
	return m.step
}

// Done reports whether a Terminate was handled.
func (m *Master) Done() bool {
	return m.done
}

// Waiting counts the parked requests for a group.
func (m *Master) Waiting(group int) int {
	return len(m.waiting[group])
}

// Stats returns counters for the messages handled so far.
func (m *Master) Stats() MasterStats {
	return m.stats
}

// Handle applies one message and returns the replies it
// releases. An error leaves the master unusable.
func (m *Master) Handle(msg *Message) ([]Outgoing, error) {
	if m.done {
		return nil, eris.Wrap(ErrProtocol, "message after terminate")
	}
	switch msg.Code() {
	case CodeReport:
		return m.handleReport(msg.Report)
	case CodeRequest:
		return m.handleRequest(msg.Request)
	case CodeReset:
		return nil, m.handleReset(msg.Reset)
	case CodeTerminate:
		if n := m.totalWaiting(); n > 0 {
			return nil, eris.Wrapf(ErrProtocol, "terminate with %d parked requests", n)
		}
		m.done = true
		return nil, nil
	}
	return nil, eris.Wrapf(ErrProtocol, "master cannot handle code %d", msg.Code())
}

func (m *Master) handleReport(r *Report) ([]Outgoing, error) {
	m.stats.Reports++
	if r.Step != m.step {
		return nil, eris.Wrapf(ErrProtocol, "report for step %d during step %d", r.Step, m.step)
	}
	down, ok := m.downstream[r.ID]
	if !ok {
		return nil, eris.Wrapf(ErrProtocol, "report for unknown subbasin or outlet %d", r.ID)
	}
	if len(r.Values) != m.width {
		return nil, eris.Wrapf(ErrProtocol, "report for %d has %d values", r.ID, len(r.Values))
	}
	if m.calculated.Contains(uint32(r.ID)) {
		return nil, eris.Wrapf(ErrProtocol, "duplicate report for %d", r.ID)
	}
	m.values[r.ID] = append([]float64{}, r.Values...)
	m.calculated.Set(uint32(r.ID))

	group := m.groupOf[down]
	queue := m.waiting[group]
	if len(queue) == 0 {
		return nil, nil
	}
	req := queue[0]
	m.waiting[group] = queue[1:]
	if len(m.waiting[group]) == 0 {
		delete(m.waiting, group)
	}
	m.delivered.Set(uint32(r.ID))
	m.stats.Replies++
	return []Outgoing{{
		Rank: req.rank,
		Message: &Message{Reply: &Reply{
			Step:    req.step,
			Entries: []Entry{{ID: r.ID, Values: m.values[r.ID]}},
		}},
	}}, nil
}

func (m *Master) handleRequest(r *RequestUpstream) ([]Outgoing, error) {
	m.stats.Requests++
	if r.Step != m.step {
		return nil, eris.Wrapf(ErrProtocol, "request for step %d during step %d", r.Step, m.step)
	}
	if r.Group < 0 || r.Group >= m.groups || r.Rank < 0 || r.Rank >= m.groups {
		return nil, eris.Wrapf(ErrProtocol, "request from rank %d for group %d", r.Rank, r.Group)
	}
	var entries []Entry
	for _, id := range m.members[r.Group] {
		for _, up := range m.upstream[id] {
			key := uint32(up)
			if m.calculated.Contains(key) && !m.delivered.Contains(key) {
				entries = append(entries, Entry{ID: up, Values: m.values[up]})
				m.delivered.Set(key)
			}
		}
	}
	if len(entries) == 0 {
		m.stats.Queued++
		m.waiting[r.Group] = append(m.waiting[r.Group], pendingRequest{rank: r.Rank, step: r.Step})
		return nil, nil
	}
	m.stats.Replies++
	return []Outgoing{{
		Rank:    r.Rank,
		Message: &Message{Reply: &Reply{Step: r.Step, Entries: entries}},
	}}, nil
}

func (m *Master) handleReset(r *ResetForTimestep) error {
	m.stats.Resets++
	if r.Step != m.step+1 {
		return eris.Wrapf(ErrProtocol, "reset to step %d from step %d", r.Step, m.step)
	}
	if n := m.totalWaiting(); n > 0 {
		return eris.Wrapf(ErrProtocol, "reset with %d parked requests", n)
	}
	m.step = r.Step
	m.calculated.Clear()
	m.delivered.Clear()
	m.values = map[int][]float64{}
	return nil
}

func (m *Master) totalWaiting() int {
	var n int
	for _, q := range m.waiting {
		n += len(q)
	}
	return n
}

// RunMaster serves a Master over comms until it handles a
// Terminate. Worker ranks are the indices of comms.Ports.
//
// After each ResetForTimestep the master joins a Barrier
// of the whole group.
func RunMaster(c *collcomm.Comms, m *Master, logger *zerolog.Logger) error {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	for !m.Done() {
		data, src := c.Recv()
		msg, err := Decode(data, m.width)
		if err != nil {
			return eris.Wrapf(err, "message from rank %d", c.IndexOf(src))
		}
		if msg.Request != nil && msg.Request.Rank != c.IndexOf(src) {
			return eris.Wrapf(ErrProtocol, "rank %d sent a request as rank %d", c.IndexOf(src),
				msg.Request.Rank)
		}
		out, err := m.Handle(msg)
		if err != nil {
			return err
		}
		if msg.Reset != nil {
			// Workers hold their next-step reports until the
			// master has joined this barrier.
			if err := c.Barrier(); err != nil {
				return err
			}
		}
		if msg.Request != nil && len(out) == 0 {
			logger.Debug().Int("group", msg.Request.Group).Int("step", m.Step()).Msg("request parked")
		}
		for _, o := range out {
			reply, err := Encode(o.Message, m.width)
			if err != nil {
				return err
			}
			c.Send(c.Ports[o.Rank], reply)
		}
	}
	s := m.Stats()
	logger.Debug().Int("reports", s.Reports).Int("requests", s.Requests).Int("queued", s.Queued).
		Int("replies", s.Replies).Msg("master finished")
	return nil
}
