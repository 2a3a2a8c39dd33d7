package simulator

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/unixpickle/essentials"
)

// ErrDeadlock is returned by EventLoop.Run when every
// live Handle is polling and no timer can wake one up.
var ErrDeadlock = eris.New("deadlock: all handles are polling")

// An EventStream is a uni-directional queue of events
// passed through an EventLoop.
//
// A stream belongs to exactly one EventLoop.
type EventStream struct {
	loop    *EventLoop
	pending []interface{}
}

// An Event is a message received on some EventStream.
type Event struct {
	Message interface{}
	Stream  *EventStream
}

// A Timer is a single delivery that will happen at some
// point in the (virtual) future.
type Timer struct {
	time  float64
	event *Event
}

// Time gets the virtual time at which the timer fires.
func (t *Timer) Time() float64 {
	return t.time
}

// A Handle is one goroutine's view of an EventLoop.
// Handles must not be shared between goroutines.
type Handle struct {
	*EventLoop

	// Both fields are nil while the goroutine is doing
	// real-time work.
	pollStreams []*EventStream
	pollChan    chan<- *Event
}

// Poll blocks until an event arrives on one of the
// streams. Streams are checked in argument order for
// already-pending events.
func (h *Handle) Poll(streams ...*EventStream) *Event {
	ch := make(chan *Event, 1)
	h.modifyHandles(func() {
		if h.pollStreams != nil {
			panic("Handle is shared between goroutines")
		}
		for _, stream := range streams {
			if len(stream.pending) > 0 {
				msg := stream.pending[0]
				essentials.OrderedDelete(&stream.pending, 0)
				ch <- &Event{Message: msg, Stream: stream}
				return
			}
		}
		h.pollStreams = streams
		h.pollChan = ch
	})
	return <-ch
}

// PollTimeout is like Poll, but gives up after timeout
// units of virtual time.
//
// The second return value is false on timeout.
func (h *Handle) PollTimeout(timeout float64, streams ...*EventStream) (*Event, bool) {
	timerStream := h.Stream()
	timer := h.Schedule(timerStream, nil, timeout)
	event := h.Poll(append([]*EventStream{timerStream}, streams...)...)
	if event.Stream == timerStream {
		return nil, false
	}
	h.Cancel(timer)
	return event, true
}

// Schedule creates a Timer that delivers msg to stream
// after delay units of virtual time.
func (h *Handle) Schedule(stream *EventStream, msg interface{}, delay float64) *Timer {
	if stream.loop != h.EventLoop {
		panic("EventStream is not associated with the correct EventLoop")
	}
	var timer *Timer
	h.modify(func() {
		timer = &Timer{
			time:  h.time + delay,
			event: &Event{Message: msg, Stream: stream},
		}
		if math.IsInf(timer.time, 0) || math.IsNaN(timer.time) {
			panic(fmt.Sprintf("invalid deadline: %f", timer.time))
		}
		h.timers = append(h.timers, timer)
	})
	return timer
}

// Cancel stops a timer if it has not fired yet.
func (h *Handle) Cancel(t *Timer) {
	h.modify(func() {
		for i, timer := range h.timers {
			if timer == t {
				essentials.UnorderedDelete(&h.timers, i)
				return
			}
		}
	})
}

// Sleep waits for delay units of virtual time.
func (h *Handle) Sleep(delay float64) {
	stream := h.Stream()
	h.Schedule(stream, nil, delay)
	h.Poll(stream)
}

// An EventLoop schedules events for a simulated
// distributed system in virtual time.
//
// Goroutines that use the loop must be started with
// EventLoop.Go. Virtual time only advances while every
// such goroutine is polling, so real computation inside a
// goroutine costs no virtual time unless it calls Sleep.
type EventLoop struct {
	lock    sync.Mutex
	timers  []*Timer
	handles []*Handle
	rand    *rand.Rand

	time      float64
	delivered int

	running  bool
	notifyCh chan struct{}
}

// NewEventLoop creates an event loop seeded from the wall
// clock. The clock starts at 0.
func NewEventLoop() *EventLoop {
	return NewSeededEventLoop(time.Now().UnixNano())
}

// NewSeededEventLoop creates an event loop whose
// tie-breaking and network jitter are reproducible.
func NewSeededEventLoop(seed int64) *EventLoop {
	return &EventLoop{
		notifyCh: make(chan struct{}, 1),
		rand:     rand.New(rand.NewSource(seed)),
	}
}

// Stream creates a new EventStream.
func (e *EventLoop) Stream() *EventStream {
	return &EventStream{loop: e}
}

// Float64 draws from the loop's random source.
func (e *EventLoop) Float64() float64 {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.rand.Float64()
}

// Go runs f in a goroutine with a fresh Handle.
func (e *EventLoop) Go(f func(h *Handle)) {
	h := &Handle{EventLoop: e}
	e.lock.Lock()
	e.handles = append(e.handles, h)
	e.lock.Unlock()
	go func() {
		defer e.modifyHandles(func() {
			for i, handle := range e.handles {
				if handle == h {
					essentials.UnorderedDelete(&e.handles, i)
					return
				}
			}
			panic("cannot free handle that does not exist")
		})
		f(h)
	}()
}

// Run drives the loop until every handle has returned.
//
// It returns ErrDeadlock if the remaining handles can
// never be woken up.
func (e *EventLoop) Run() error {
	e.lock.Lock()
	if e.running {
		e.lock.Unlock()
		panic("EventLoop is already running")
	}
	e.running = true
	e.lock.Unlock()

	defer func() {
		e.lock.Lock()
		e.running = false
		e.lock.Unlock()
	}()

	for range e.notifyCh {
		if shouldContinue, err := e.step(); !shouldContinue {
			return err
		}
	}

	panic("unreachable")
}

// MustRun is like Run, but panics on deadlock.
func (e *EventLoop) MustRun() {
	if err := e.Run(); err != nil {
		panic(err)
	}
}

// Time gets the current virtual time.
func (e *EventLoop) Time() float64 {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.time
}

// Delivered counts the events handed to pollers or
// queued on streams so far.
func (e *EventLoop) Delivered() int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.delivered
}

func (e *EventLoop) modify(f func()) {
	e.lock.Lock()
	defer e.lock.Unlock()
	f()
}

// modifyHandles is like modify, but wakes the loop since
// the change may unblock scheduling.
func (e *EventLoop) modifyHandles(f func()) {
	e.lock.Lock()
	defer func() {
		e.lock.Unlock()
		select {
		case e.notifyCh <- struct{}{}:
		default:
		}
	}()
	f()
}

// step fires timers until one of them wakes a handle.
//
// The first return value is false once the loop cannot
// run any further, either because it finished or because
// of a deadlock (reported as the error).
func (e *EventLoop) step() (bool, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if len(e.handles) == 0 {
		return false, nil
	}

	for _, h := range e.handles {
		if len(h.pollStreams) == 0 {
			return true, nil
		}
	}

	for len(e.timers) > 0 {
		idx := e.nextTimer()
		timer := e.timers[idx]
		essentials.UnorderedDelete(&e.timers, idx)
		e.time = math.Max(e.time, timer.time)
		e.delivered++
		if e.deliver(timer.event) {
			return true, nil
		}
	}

	return false, ErrDeadlock
}

// nextTimer picks the earliest timer, breaking ties at
// random.
func (e *EventLoop) nextTimer() int {
	indices := e.rand.Perm(len(e.timers))
	best := indices[0]
	for _, i := range indices[1:] {
		if e.timers[i].time < e.timers[best].time {
			best = i
		}
	}
	return best
}

func (e *EventLoop) deliver(event *Event) bool {
	for _, i := range e.rand.Perm(len(e.handles)) {
		h := e.handles[i]
		for _, stream := range h.pollStreams {
			if stream == event.Stream {
				h.pollChan <- event
				h.pollChan = nil
				h.pollStreams = nil
				return true
			}
		}
	}
	event.Stream.pending = append(event.Stream.pending, event.Message)
	return false
}
