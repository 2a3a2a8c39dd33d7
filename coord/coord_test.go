package coord

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/basinsched/tasktable"
)

// diamondTable places subbasins 1 and 2 on rank 0, both
// draining into 3 on rank 1, and 4 on rank 2 draining
// into 5 on rank 1.
func diamondTable() *tasktable.Table {
	t := tasktable.New(3, 2, 2)
	put := func(rank, i, id, layer, down int, ups ...int) {
		slot := t.Slot(rank, i)
		t.SubbasinID[slot] = int32(id)
		t.LayerID[slot] = int32(layer)
		if down != 0 {
			t.DownID[slot] = int32(down)
		}
		t.UpCount[slot] = int32(len(ups))
		for j, up := range ups {
			t.UpIDs[slot*t.MaxUpstream+j] = int32(up)
		}
	}
	put(0, 0, 1, 1, 3)
	put(0, 1, 2, 1, 3)
	put(1, 0, 3, 2, 0, 1, 2)
	put(1, 1, 5, 2, 0, 4)
	put(2, 0, 4, 1, 5)
	return t
}

func report(id, step int, v float64) *Message {
	return &Message{Report: &Report{ID: id, Step: step, Values: []float64{v}}}
}

func request(group, rank, step int) *Message {
	return &Message{Request: &RequestUpstream{Group: group, Rank: rank, Step: step}}
}

func TestCodecRoundTrip(t *testing.T) {
	messages := []*Message{
		report(7, 3, 1.25),
		request(1, 2, 4),
		{Reply: &Reply{Step: 2, Entries: []Entry{{ID: 1, Values: []float64{3}}, {ID: 9, Values: []float64{-1}}}}},
		{Reset: &ResetForTimestep{Step: 5, Time: 1600000000}},
		{Terminate: &Terminate{}},
	}
	for _, msg := range messages {
		data, err := Encode(msg, 1)
		require.NoError(t, err)
		assert.Equal(t, msg.Size(1), len(data))
		decoded, err := Decode(data, 1)
		require.NoError(t, err)
		assert.Equal(t, msg, decoded)
	}
}

func TestMalformedFrames(t *testing.T) {
	_, err := Decode(nil, 1)
	assert.True(t, eris.Is(err, ErrMalformedFrame))
	_, err = Decode(make([]byte, FrameSize(1)+3), 1)
	assert.True(t, eris.Is(err, ErrMalformedFrame))

	data, err := Encode(report(1, 0, 2), 1)
	require.NoError(t, err)
	data[0] = 42
	_, err = Decode(data, 1)
	assert.True(t, eris.Is(err, ErrMalformedFrame))

	// Two report frames glued together.
	data, _ = Encode(report(1, 0, 2), 1)
	_, err = Decode(append(data, data...), 1)
	assert.True(t, eris.Is(err, ErrMalformedFrame))

	// A reply that announces more entries than it carries.
	data, _ = Encode(&Message{Reply: &Reply{Entries: []Entry{{ID: 1, Values: []float64{0}}}}}, 1)
	data[8] = 2
	_, err = Decode(data, 1)
	assert.True(t, eris.Is(err, ErrMalformedFrame))

	_, err = Encode(&Message{Reply: &Reply{}}, 1)
	assert.True(t, eris.Is(err, ErrMalformedFrame))
	_, err = Encode(&Message{Report: &Report{ID: 1, Values: []float64{1, 2}}}, 1)
	assert.True(t, eris.Is(err, ErrMalformedFrame))
}

func TestMasterImmediateReply(t *testing.T) {
	m, err := NewMaster(diamondTable(), 1)
	require.NoError(t, err)

	for _, id := range []int{1, 2} {
		out, err := m.Handle(report(id, 0, float64(id)))
		require.NoError(t, err)
		assert.Empty(t, out)
	}
	out, err := m.Handle(request(1, 1, 0))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 1, out[0].Rank)
	assert.Equal(t, []Entry{{ID: 1, Values: []float64{1}}, {ID: 2, Values: []float64{2}}},
		out[0].Message.Reply.Entries)

	// Nothing new is left, so a second request parks.
	out, err = m.Handle(request(1, 1, 0))
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, 1, m.Waiting(1))
}

func TestMasterWaitsForEveryUpstream(t *testing.T) {
	m, err := NewMaster(diamondTable(), 1)
	require.NoError(t, err)

	out, err := m.Handle(request(1, 1, 0))
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = m.Handle(report(1, 0, 10))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []Entry{{ID: 1, Values: []float64{10}}}, out[0].Message.Reply.Entries)
	assert.Equal(t, 0, m.Waiting(1))

	// Subbasin 3 still lacks 2; the worker asks again.
	out, err = m.Handle(request(1, 1, 0))
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = m.Handle(report(2, 0, 20))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []Entry{{ID: 2, Values: []float64{20}}}, out[0].Message.Reply.Entries)
}

func TestMasterResolvesOneWaiter(t *testing.T) {
	m, err := NewMaster(diamondTable(), 1)
	require.NoError(t, err)

	_, err = m.Handle(request(1, 1, 0))
	require.NoError(t, err)
	_, err = m.Handle(request(0, 0, 0))
	require.NoError(t, err)

	out, err := m.Handle(report(4, 0, 1))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 1, out[0].Rank)
	assert.Equal(t, 0, m.Waiting(1))
	assert.Equal(t, 1, m.Waiting(0))
}

func TestMasterSteps(t *testing.T) {
	m, err := NewMaster(diamondTable(), 1)
	require.NoError(t, err)

	_, err = m.Handle(report(1, 0, 1))
	require.NoError(t, err)
	_, err = m.Handle(report(1, 0, 1))
	assert.True(t, eris.Is(err, ErrProtocol))

	m, _ = NewMaster(diamondTable(), 1)
	_, err = m.Handle(report(1, 0, 1))
	require.NoError(t, err)
	_, err = m.Handle(&Message{Reset: &ResetForTimestep{Step: 1}})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Step())

	// Values from the previous step are gone.
	out, err := m.Handle(request(1, 1, 1))
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = m.Handle(report(2, 0, 1))
	assert.True(t, eris.Is(err, ErrProtocol), "stale step")
	_, err = m.Handle(&Message{Terminate: &Terminate{}})
	assert.True(t, eris.Is(err, ErrProtocol), "terminate with a parked request")

	m, _ = NewMaster(diamondTable(), 1)
	_, err = m.Handle(&Message{Reset: &ResetForTimestep{Step: 2}})
	assert.True(t, eris.Is(err, ErrProtocol))

	m, _ = NewMaster(diamondTable(), 1)
	_, err = m.Handle(report(3, 0, 1))
	assert.True(t, eris.Is(err, ErrProtocol), "outlet report")
	m, _ = NewMaster(diamondTable(), 1)
	_, err = m.Handle(&Message{Terminate: &Terminate{}})
	require.NoError(t, err)
	assert.True(t, m.Done())
	_, err = m.Handle(report(1, 0, 1))
	assert.True(t, eris.Is(err, ErrProtocol))
}
