// Package coord implements the messages and the master
// side of the boundary-value exchange between workers.
package coord

import (
	"encoding/binary"
	"math"

	"github.com/rotisserie/eris"
)

var (
	// ErrMalformedFrame is returned for wire data that does
	// not decode into a Message.
	ErrMalformedFrame = eris.New("malformed frame")

	// ErrProtocol is returned for a well-formed message
	// that is not valid in the current state.
	ErrProtocol = eris.New("protocol violation")
)

// A Code identifies the message kind on the wire.
type Code int64

const (
	CodeReset     Code = 0
	CodeReport    Code = 1
	CodeRequest   Code = 2
	CodeReply     Code = 3
	CodeTerminate Code = 9
)

// A Message is exactly one of its fields.
type Message struct {
	Report    *Report
	Request   *RequestUpstream
	Reply     *Reply
	Reset     *ResetForTimestep
	Terminate *Terminate
}

// Report announces that a subbasin finished a step.
type Report struct {
	ID     int
	Step   int
	Time   int64
	Values []float64
}

// RequestUpstream asks for newly finished upstream values
// of every subbasin in Group.
type RequestUpstream struct {
	Group int
	Rank  int
	Step  int
}

// An Entry is one subbasin's value in a Reply.
type Entry struct {
	ID     int
	Values []float64
}

// Reply answers a RequestUpstream. It is never empty.
type Reply struct {
	Step    int
	Entries []Entry
}

// ResetForTimestep starts a new step on the master.
type ResetForTimestep struct {
	Step int
	Time int64
}

// Terminate ends a message loop.
type Terminate struct{}

// Code returns the wire code of the message.
func (m *Message) Code() Code {
	switch {
	case m.Report != nil:
		return CodeReport
	case m.Request != nil:
		return CodeRequest
	case m.Reply != nil:
		return CodeReply
	case m.Reset != nil:
		return CodeReset
	case m.Terminate != nil:
		return CodeTerminate
	}
	panic("unknown message type")
}

// Size returns the encoded size in bytes.
func (m *Message) Size(width int) int {
	frames := 1
	if m.Reply != nil {
		frames += len(m.Reply.Entries)
	}
	return frames * FrameSize(width)
}

const headerFields = 5

// FrameSize is the size of one fixed-width frame: five
// int64 fields (code, id, rank, step, time) followed by
// width float64 values.
func FrameSize(width int) int {
	return 8 * (headerFields + width)
}

type frame struct {
	code   Code
	id     int64
	rank   int64
	step   int64
	time   int64
	values []float64
}

// Encode writes a message as one or more frames. A Reply
// is a header frame carrying the entry count in its id
// field, followed by one frame per entry.
func Encode(m *Message, width int) ([]byte, error) {
	var frames []frame
	switch m.Code() {
	case CodeReport:
		r := m.Report
		frames = append(frames, frame{code: CodeReport, id: int64(r.ID), step: int64(r.Step),
			time: r.Time, values: r.Values})
	case CodeRequest:
		r := m.Request
		frames = append(frames, frame{code: CodeRequest, id: int64(r.Group), rank: int64(r.Rank),
			step: int64(r.Step)})
	case CodeReply:
		r := m.Reply
		if len(r.Entries) == 0 {
			return nil, eris.Wrap(ErrMalformedFrame, "empty reply")
		}
		frames = append(frames, frame{code: CodeReply, id: int64(len(r.Entries)), step: int64(r.Step)})
		for _, e := range r.Entries {
			frames = append(frames, frame{code: CodeReply, id: int64(e.ID), step: int64(r.Step),
				values: e.Values})
		}
	case CodeReset:
		frames = append(frames, frame{code: CodeReset, step: int64(m.Reset.Step), time: m.Reset.Time})
	case CodeTerminate:
		frames = append(frames, frame{code: CodeTerminate})
	}

	size := FrameSize(width)
	data := make([]byte, size*len(frames))
	for i, f := range frames {
		if f.values != nil && len(f.values) != width {
			return nil, eris.Wrapf(ErrMalformedFrame, "%d values for width %d", len(f.values), width)
		}
		buf := data[i*size:]
		for j, field := range []int64{int64(f.code), f.id, f.rank, f.step, f.time} {
			binary.LittleEndian.PutUint64(buf[8*j:], uint64(field))
		}
		for j, v := range f.values {
			binary.LittleEndian.PutUint64(buf[8*(headerFields+j):], math.Float64bits(v))
		}
	}
	return data, nil
}

// Decode parses frames written by Encode.
func Decode(data []byte, width int) (*Message, error) {
	size := FrameSize(width)
	if len(data) == 0 || len(data)%size != 0 {
		return nil, eris.Wrapf(ErrMalformedFrame, "%d bytes is not a multiple of %d", len(data), size)
	}
	frames := make([]frame, len(data)/size)
	for i := range frames {
		buf := data[i*size:]
		fields := make([]int64, headerFields)
		for j := range fields {
			fields[j] = int64(binary.LittleEndian.Uint64(buf[8*j:]))
		}
		f := frame{code: Code(fields[0]), id: fields[1], rank: fields[2], step: fields[3], time: fields[4]}
		f.values = make([]float64, width)
		for j := range f.values {
			f.values[j] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*(headerFields+j):]))
		}
		frames[i] = f
	}

	head := frames[0]
	if head.code != CodeReply && len(frames) != 1 {
		return nil, eris.Wrapf(ErrMalformedFrame, "code %d with %d frames", head.code, len(frames))
	}
	switch head.code {
	case CodeReport:
		return &Message{Report: &Report{ID: int(head.id), Step: int(head.step), Time: head.time,
			Values: head.values}}, nil
	case CodeRequest:
		return &Message{Request: &RequestUpstream{Group: int(head.id), Rank: int(head.rank),
			Step: int(head.step)}}, nil
	case CodeReply:
		if head.id < 1 || int(head.id) != len(frames)-1 {
			return nil, eris.Wrapf(ErrMalformedFrame, "reply announces %d entries but has %d",
				head.id, len(frames)-1)
		}
		reply := &Reply{Step: int(head.step)}
		for _, f := range frames[1:] {
			if f.code != CodeReply || f.step != head.step {
				return nil, eris.Wrap(ErrMalformedFrame, "inconsistent reply entry")
			}
			reply.Entries = append(reply.Entries, Entry{ID: int(f.id), Values: f.values})
		}
		return &Message{Reply: reply}, nil
	case CodeReset:
		return &Message{Reset: &ResetForTimestep{Step: int(head.step), Time: head.time}}, nil
	case CodeTerminate:
		return &Message{Terminate: &Terminate{}}, nil
	}
	return nil, eris.Wrapf(ErrMalformedFrame, "unknown code %d", head.code)
}
