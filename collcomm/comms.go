package collcomm

import (
	"github.com/unixpickle/basinsched/simulator"
	"github.com/unixpickle/essentials"
)

// Comms is one node's view of a group of nodes that talk
// over a simulated network.
//
// Point-to-point payloads are []byte. Collective
// operations exchange their own packets on the same port;
// anything that arrives while a node is waiting for
// something else is parked in a mailbox shared by the
// Comms and all of its sub-groups.
type Comms struct {
	// Handle is the node's goroutine handle on the event
	// loop.
	Handle *simulator.Handle

	// Port is the current node's port.
	Port *simulator.Port

	// Ports lists every node in the group, including the
	// current node.
	Ports []*simulator.Port

	// Network connects the nodes.
	Network simulator.Network

	// Timeout bounds how long a broadcast root waits for
	// acknowledgements, in virtual time. Zero waits
	// forever.
	Timeout float64

	// ReduceTimeout bounds each wait inside Allreduce. Zero
	// waits forever.
	ReduceTimeout float64

	group int
	seq   int
	box   *mailbox
}

type mailbox struct {
	payloads []*simulator.Message
	packets  []*simulator.Message
}

// SpawnComms creates a Comms for every node and runs f for
// each node in its own goroutine on the loop.
func SpawnComms(loop *simulator.EventLoop, network simulator.Network, nodes []*simulator.Node,
	f func(c *Comms)) {
	ports := make([]*simulator.Port, len(nodes))
	for i, node := range nodes {
		ports[i] = node.Port(loop)
	}
	for i := range nodes {
		port := ports[i]
		loop.Go(func(h *simulator.Handle) {
			f(&Comms{
				Handle:  h,
				Port:    port,
				Ports:   ports,
				Network: network,
			})
		})
	}
}

// Sub creates a Comms over a subset of the group's nodes,
// given by index. The current node must be in the subset.
//
// Every member must create the sub-group with the same
// indices and group number, and group numbers must be
// distinct from each other and from zero.
func (c *Comms) Sub(group int, indices []int) *Comms {
	if group == 0 {
		panic("group 0 is reserved for the parent")
	}
	ports := make([]*simulator.Port, len(indices))
	for i, idx := range indices {
		ports[i] = c.Ports[idx]
	}
	sub := &Comms{
		Handle:  c.Handle,
		Port:    c.Port,
		Ports:   ports,
		Network: c.Network,
		Timeout: c.Timeout,
		group:   group,
		box:     c.mailbox(),

		ReduceTimeout: c.ReduceTimeout,
	}
	sub.Index()
	return sub
}

// Size gets the number of nodes.
func (c *Comms) Size() int {
	return len(c.Ports)
}

// Index returns the current node's index in Ports.
func (c *Comms) Index() int {
	return c.IndexOf(c.Port)
}

// IndexOf returns a port's index in Ports.
func (c *Comms) IndexOf(p *simulator.Port) int {
	for i, port := range c.Ports {
		if port == p {
			return i
		}
	}
	panic("port is not part of this group")
}

// Send schedules a payload for delivery to dst.
func (c *Comms) Send(dst *simulator.Port, data []byte) {
	c.Network.Send(c.Handle, &simulator.Message{
		Source:  c.Port,
		Dest:    dst,
		Message: data,
		Size:    float64(len(data)),
	})
}

// SendAll sends a payload to every other node in the
// group.
func (c *Comms) SendAll(data []byte) {
	messages := make([]*simulator.Message, 0, len(c.Ports)-1)
	for _, port := range c.Ports {
		if port == c.Port {
			continue
		}
		messages = append(messages, &simulator.Message{
			Source:  c.Port,
			Dest:    port,
			Message: data,
			Size:    float64(len(data)),
		})
	}
	c.Network.Send(c.Handle, messages...)
}

// Recv blocks for the next payload, oldest first.
func (c *Comms) Recv() ([]byte, *simulator.Port) {
	box := c.mailbox()
	if len(box.payloads) > 0 {
		msg := box.payloads[0]
		essentials.OrderedDelete(&box.payloads, 0)
		return msg.Message.([]byte), msg.Source
	}
	for {
		msg := c.Port.Recv(c.Handle)
		if data, ok := msg.Message.([]byte); ok {
			return data, msg.Source
		}
		box.packets = append(box.packets, msg)
	}
}

// Pending counts payloads received but not yet returned by
// Recv.
func (c *Comms) Pending() int {
	return len(c.mailbox().payloads)
}

func (c *Comms) mailbox() *mailbox {
	if c.box == nil {
		c.box = &mailbox{}
	}
	return c.box
}
