package collcomm

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/basinsched/simulator"
)

func testNetworks() map[string]func() simulator.Network {
	return map[string]func() simulator.Network{
		"Random":  func() simulator.Network { return simulator.RandomNetwork{} },
		"Ordered": func() simulator.Network { return simulator.NewOrderedNetwork(1e4, 0.01, 0.1) },
	}
}

func spawn(loop *simulator.EventLoop, network simulator.Network, n int, f func(c *Comms)) {
	nodes := make([]*simulator.Node, n)
	for i := range nodes {
		nodes[i] = simulator.NewNode()
	}
	SpawnComms(loop, network, nodes, f)
}

func TestBroadcast(t *testing.T) {
	for name, network := range testNetworks() {
		for _, n := range []int{1, 2, 5, 16} {
			t.Run(fmt.Sprintf("%s/Nodes=%d", name, n), func(t *testing.T) {
				loop := simulator.NewSeededEventLoop(int64(n))
				payload := []byte("task table")
				results := make([][]byte, n)
				errs := make([]error, n)
				spawn(loop, network(), n, func(c *Comms) {
					c.Timeout = 100
					var data []byte
					if c.Index() == n-1 {
						data = payload
					}
					results[c.Index()], errs[c.Index()] = c.Broadcast(n-1, data)
				})
				require.NoError(t, loop.Run())
				for i := range results {
					assert.NoError(t, errs[i])
					assert.Equal(t, payload, results[i])
				}
			})
		}
	}
}

func TestBroadcastSilentNode(t *testing.T) {
	loop := simulator.NewSeededEventLoop(1)
	errs := make([]error, 4)
	spawn(loop, simulator.NewOrderedNetwork(1e4, 0.01, 0), 4, func(c *Comms) {
		if c.Index() == 3 {
			return
		}
		c.Timeout = 5
		_, errs[c.Index()] = c.Broadcast(0, []byte{1, 2, 3})
	})
	require.NoError(t, loop.Run())
	for i := 0; i < 3; i++ {
		assert.True(t, eris.Is(errs[i], ErrBroadcastFailed), "node %d: %v", i, errs[i])
	}
	assert.GreaterOrEqual(t, loop.Time(), 5.0)
}

func TestBroadcastAbort(t *testing.T) {
	loop := simulator.NewSeededEventLoop(2)
	errs := make([]error, 3)
	spawn(loop, simulator.RandomNetwork{}, 3, func(c *Comms) {
		if c.Index() == 0 {
			c.Abort()
			return
		}
		_, errs[c.Index()] = c.Broadcast(0, nil)
	})
	require.NoError(t, loop.Run())
	assert.Nil(t, errs[0])
	assert.True(t, eris.Is(errs[1], ErrBroadcastFailed))
	assert.True(t, eris.Is(errs[2], ErrBroadcastFailed))
}

func TestBarrier(t *testing.T) {
	loop := simulator.NewSeededEventLoop(3)
	sleeps := []float64{3, 0, 7.5, 1}
	exits := make([]float64, len(sleeps))
	spawn(loop, simulator.NewOrderedNetwork(1e6, 0.001, 0), len(sleeps), func(c *Comms) {
		for round := 0; round < 3; round++ {
			c.Handle.Sleep(sleeps[(c.Index()+round)%len(sleeps)])
			require.NoError(t, c.Barrier())
		}
		exits[c.Index()] = c.Handle.Time()
	})
	require.NoError(t, loop.Run())
	for _, exit := range exits {
		assert.GreaterOrEqual(t, exit, 3*7.5)
	}
}

// TestPayloadsSurviveCollectives checks that payloads that
// arrive during a collective are handed out later in
// arrival order.
func TestPayloadsSurviveCollectives(t *testing.T) {
	loop := simulator.NewSeededEventLoop(4)
	var received []string
	spawn(loop, simulator.NewOrderedNetwork(1e6, 0.01, 0), 3, func(c *Comms) {
		switch c.Index() {
		case 1:
			c.Send(c.Ports[0], []byte("first"))
			c.Send(c.Ports[0], []byte("second"))
		case 2:
			c.Handle.Sleep(1)
		}
		require.NoError(t, c.Barrier())
		if c.Index() == 0 {
			assert.Equal(t, 2, c.Pending())
			for i := 0; i < 2; i++ {
				data, src := c.Recv()
				assert.Equal(t, 1, c.IndexOf(src))
				received = append(received, string(data))
			}
		}
	})
	require.NoError(t, loop.Run())
	assert.Equal(t, []string{"first", "second"}, received)
}

func TestSubGroupBarrier(t *testing.T) {
	loop := simulator.NewSeededEventLoop(5)
	var order []int
	spawn(loop, simulator.NewOrderedNetwork(1e6, 0.01, 0), 4, func(c *Comms) {
		if c.Index() == 3 {
			// Not a member: waits for a payload from the
			// sub-group leader.
			data, _ := c.Recv()
			order = append(order, int(data[0]))
			return
		}
		sub := c.Sub(1, []int{0, 1, 2})
		c.Handle.Sleep(float64(c.Index()))
		require.NoError(t, sub.Barrier())
		if sub.Index() == 0 {
			c.Send(c.Ports[3], []byte{42})
		}
	})
	require.NoError(t, loop.Run())
	assert.Equal(t, []int{42}, order)
}

func TestAllreduce(t *testing.T) {
	for _, n := range []int{1, 2, 5, 15, 16, 17} {
		for name, network := range testNetworks() {
			t.Run(fmt.Sprintf("%s/Nodes=%d", name, n), func(t *testing.T) {
				loop := simulator.NewSeededEventLoop(int64(n))
				rng := rand.New(rand.NewSource(int64(n)))
				vectors := make([][]float64, n)
				sum := make([]float64, 3)
				peak := []float64{-1e9, -1e9, -1e9}
				for i := range vectors {
					vectors[i] = []float64{rng.NormFloat64(), rng.NormFloat64(), float64(i)}
					for j, x := range vectors[i] {
						sum[j] += x
						if x > peak[j] {
							peak[j] = x
						}
					}
				}
				sums := make([][]float64, n)
				maxes := make([][]float64, n)
				spawn(loop, network(), n, func(c *Comms) {
					var err error
					sums[c.Index()], err = c.Allreduce(vectors[c.Index()], Sum)
					assert.NoError(t, err)
					maxes[c.Index()], err = c.Allreduce(vectors[c.Index()], Max)
					assert.NoError(t, err)
				})
				require.NoError(t, loop.Run())
				for i := 0; i < n; i++ {
					assert.InDeltaSlice(t, sum, sums[i], 1e-9)
					assert.Equal(t, peak, maxes[i])
				}
			})
		}
	}
}

func TestAllreduceSilentNode(t *testing.T) {
	loop := simulator.NewSeededEventLoop(3)
	errs := make([]error, 3)
	spawn(loop, simulator.NewOrderedNetwork(1e6, 1e-3, 0), 3, func(c *Comms) {
		if c.Index() == 2 {
			return
		}
		c.ReduceTimeout = 5
		_, errs[c.Index()] = c.Allreduce([]float64{1}, Sum)
	})
	require.NoError(t, loop.Run())
	assert.True(t, eris.Is(errs[0], ErrTimeout), "%v", errs[0])
	assert.True(t, eris.Is(errs[1], ErrTimeout), "%v", errs[1])
	assert.Nil(t, errs[2])
}
