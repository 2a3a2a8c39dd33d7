package simulator

import "sync"

// A Node is a machine on a virtual network.
type Node struct {
	unused int
}

// NewNode creates a new, unique Node.
func NewNode() *Node {
	return &Node{}
}

// Port creates a new Port attached to the Node.
func (n *Node) Port(loop *EventLoop) *Port {
	return &Port{Node: n, Incoming: loop.Stream()}
}

// A Port is an endpoint on a Node. Messages are sent
// from Ports and received on Ports.
type Port struct {
	Node *Node

	// Incoming carries *Message values.
	Incoming *EventStream
}

// Recv blocks for the next message.
func (p *Port) Recv(h *Handle) *Message {
	return h.Poll(p.Incoming).Message.(*Message)
}

// A Message is a chunk of data in flight between ports.
type Message struct {
	Source  *Port
	Dest    *Port
	Message interface{}

	// Size is measured in bytes.
	Size float64
}

// A Network moves messages between ports.
type Network interface {
	// Send schedules messages for delivery on their
	// destination's Incoming stream. It never blocks.
	Send(h *Handle, msgs ...*Message)
}

// A RandomNetwork gives each message an independent
// uniform delay in [0, 1). Messages between the same pair
// of ports may be reordered.
type RandomNetwork struct{}

// Send sends the messages with random delays.
func (r RandomNetwork) Send(h *Handle, msgs ...*Message) {
	for _, msg := range msgs {
		h.Schedule(msg.Dest.Incoming, msg, h.Float64())
	}
}

// An OrderedNetwork delivers messages to each destination
// node in the order they were sent, with a fixed latency,
// optional random jitter and a transmission rate.
type OrderedNetwork struct {
	Rate             float64
	Latency          float64
	MaxRandomLatency float64

	lock      sync.Mutex
	nextTimes map[*Node]float64

	sent  int
	bytes float64
}

// NewOrderedNetwork creates an OrderedNetwork.
func NewOrderedNetwork(rate, latency, maxRandomLatency float64) *OrderedNetwork {
	return &OrderedNetwork{
		Rate:             rate,
		Latency:          latency,
		MaxRandomLatency: maxRandomLatency,
		nextTimes:        map[*Node]float64{},
	}
}

// Send sends the messages in order.
func (o *OrderedNetwork) Send(h *Handle, msgs ...*Message) {
	o.lock.Lock()
	defer o.lock.Unlock()

	curTime := h.Time()

	for _, msg := range msgs {
		dest := msg.Dest.Node
		delay := o.Latency + msg.Size/o.Rate
		if o.MaxRandomLatency > 0 {
			delay += h.Float64() * o.MaxRandomLatency
		}
		if t, ok := o.nextTimes[dest]; ok && t > curTime {
			delay += t - curTime
		}
		o.nextTimes[dest] = curTime + delay
		h.Schedule(msg.Dest.Incoming, msg, delay)
		o.sent++
		o.bytes += msg.Size
	}
}

// Totals reports how many messages and bytes have been
// sent through the network.
func (o *OrderedNetwork) Totals() (messages int, bytes float64) {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.sent, o.bytes
}
