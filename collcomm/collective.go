package collcomm

import (
	"github.com/rotisserie/eris"
	"github.com/unixpickle/basinsched/simulator"
	"github.com/unixpickle/essentials"
)

// ErrBroadcastFailed means some node did not confirm a
// broadcast, or the root gave up on it. Every participant
// sees the same error and nobody keeps the payload.
var ErrBroadcastFailed = eris.New("broadcast failed")

// ErrTimeout means a collective wait ran past its timeout.
var ErrTimeout = eris.New("collective operation timed out")

type packetKind int

const (
	packetData packetKind = iota
	packetAck
	packetRelease
	packetAbort
	packetBarrier
	packetReduce
)

// A packet belongs to collective operation seq of
// communicator group.
type packet struct {
	group   int
	seq     int
	kind    packetKind
	payload []byte
	vec     []float64
}

func (p *packet) size() float64 {
	return float64(3*8 + len(p.payload) + 8*len(p.vec))
}

// Broadcast delivers root's payload to every node, or to
// none of them.
//
// Every node must call Broadcast with the same root; the
// data argument is ignored on other nodes. Non-root nodes
// return only after the root has heard from everyone.
func (c *Comms) Broadcast(root int, data []byte) ([]byte, error) {
	seq := c.nextSeq()
	rootPort := c.Ports[root]
	if c.Port != rootPort {
		p, err := c.await(seq, 0, packetData, packetAbort)
		if err != nil {
			return nil, err
		} else if p.kind == packetAbort {
			return nil, eris.Wrap(ErrBroadcastFailed, "aborted by root")
		}
		c.sendPacket(rootPort, &packet{seq: seq, kind: packetAck})
		done, err := c.await(seq, 0, packetRelease, packetAbort)
		if err != nil {
			return nil, err
		} else if done.kind == packetAbort {
			return nil, eris.Wrap(ErrBroadcastFailed, "aborted by root")
		}
		return p.payload, nil
	}

	c.sendOthers(&packet{seq: seq, kind: packetData, payload: data})
	deadline := c.Handle.Time() + c.Timeout
	for acks := 0; acks < c.Size()-1; acks++ {
		var timeout float64
		if c.Timeout > 0 {
			timeout = deadline - c.Handle.Time()
			if timeout <= 0 {
				c.sendOthers(&packet{seq: seq, kind: packetAbort})
				return nil, eris.Wrapf(ErrBroadcastFailed, "%d of %d nodes acknowledged", acks, c.Size()-1)
			}
		}
		if _, err := c.await(seq, timeout, packetAck); err != nil {
			c.sendOthers(&packet{seq: seq, kind: packetAbort})
			return nil, eris.Wrapf(ErrBroadcastFailed, "%d of %d nodes acknowledged: %v", acks,
				c.Size()-1, err)
		}
	}
	c.sendOthers(&packet{seq: seq, kind: packetRelease})
	return data, nil
}

// Abort is called by a broadcast root, in place of
// Broadcast, when it has nothing valid to send. The other
// nodes' matching Broadcast calls fail.
func (c *Comms) Abort() {
	seq := c.nextSeq()
	c.sendOthers(&packet{seq: seq, kind: packetAbort})
}

// Barrier blocks until every node in the group has called
// Barrier.
func (c *Comms) Barrier() error {
	seq := c.nextSeq()
	if c.Index() != 0 {
		c.sendPacket(c.Ports[0], &packet{seq: seq, kind: packetBarrier})
		_, err := c.await(seq, 0, packetRelease)
		return err
	}
	for i := 1; i < c.Size(); i++ {
		if _, err := c.await(seq, 0, packetBarrier); err != nil {
			return err
		}
	}
	c.sendOthers(&packet{seq: seq, kind: packetRelease})
	return nil
}

func (c *Comms) nextSeq() int {
	c.seq++
	return c.seq
}

func (c *Comms) sendPacket(dst *simulator.Port, p *packet) {
	p.group = c.group
	c.Network.Send(c.Handle, &simulator.Message{
		Source:  c.Port,
		Dest:    dst,
		Message: p,
		Size:    p.size(),
	})
}

func (c *Comms) sendOthers(p *packet) {
	p.group = c.group
	messages := make([]*simulator.Message, 0, len(c.Ports)-1)
	for _, port := range c.Ports {
		if port != c.Port {
			messages = append(messages, &simulator.Message{
				Source:  c.Port,
				Dest:    port,
				Message: p,
				Size:    p.size(),
			})
		}
	}
	c.Network.Send(c.Handle, messages...)
}

// await returns the next packet of this group's operation
// seq whose kind is one of kinds. Payloads and unrelated
// packets are parked. A positive timeout bounds the wait.
func (c *Comms) await(seq int, timeout float64, kinds ...packetKind) (*packet, error) {
	box := c.mailbox()
	matches := func(msg *simulator.Message) bool {
		p, ok := msg.Message.(*packet)
		if !ok || p.group != c.group || p.seq != seq {
			return false
		}
		for _, k := range kinds {
			if p.kind == k {
				return true
			}
		}
		return false
	}

	for i, msg := range box.packets {
		if matches(msg) {
			essentials.OrderedDelete(&box.packets, i)
			return msg.Message.(*packet), nil
		}
	}

	deadline := c.Handle.Time() + timeout
	for {
		var msg *simulator.Message
		if timeout > 0 {
			remaining := deadline - c.Handle.Time()
			if remaining <= 0 {
				return nil, eris.Wrapf(ErrTimeout, "after %g", timeout)
			}
			event, ok := c.Handle.PollTimeout(remaining, c.Port.Incoming)
			if !ok {
				return nil, eris.Wrapf(ErrTimeout, "after %g", timeout)
			}
			msg = event.Message.(*simulator.Message)
		} else {
			msg = c.Port.Recv(c.Handle)
		}
		if matches(msg) {
			return msg.Message.(*packet), nil
		} else if _, ok := msg.Message.([]byte); ok {
			box.payloads = append(box.payloads, msg)
		} else {
			box.packets = append(box.packets, msg)
		}
	}
}
