package topology

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/essentials"
)

// sampleBasin is a small asymmetric basin:
//
//	7 -> 6 -> 4 -> 5
//	1 -> 3 -> 5
//	2 -> 3
func sampleBasin() []Record {
	return []Record{
		{ID: 5, DownstreamID: 0},
		{ID: 3, DownstreamID: 5},
		{ID: 4, DownstreamID: 5},
		{ID: 2, DownstreamID: 3},
		{ID: 1, DownstreamID: 3},
		{ID: 6, DownstreamID: 4},
		{ID: 7, DownstreamID: 6},
	}
}

func TestBuildLinksNodes(t *testing.T) {
	g, err := Build(sampleBasin())
	require.NoError(t, err)
	require.Equal(t, 7, g.Len())
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7}, g.IDs())
	assert.Equal(t, []int{5}, g.Outlets())
	assert.Equal(t, 2, g.MaxUpstream())

	i, ok := g.Index(3)
	require.True(t, ok)
	assert.Equal(t, []int{1, 2}, g.UpstreamIDs(i))
	assert.Equal(t, 5, g.DownstreamID(i))

	outlet, _ := g.Index(5)
	assert.Equal(t, 0, g.DownstreamID(outlet))
	assert.True(t, g.Nodes[outlet].IsOutlet())
	assert.Nil(t, g.Node(42))

	g, err = Build([]Record{{ID: 1, DownstreamID: 2}, {ID: 2, DownstreamID: -1}})
	require.NoError(t, err)
	assert.Equal(t, []int{2}, g.Outlets())
	outlet, _ = g.Index(2)
	assert.True(t, g.Nodes[outlet].IsOutlet())
	assert.Equal(t, []int{1}, g.UpstreamIDs(outlet))

	_, err = Build([]Record{{ID: 1, DownstreamID: 3}, {ID: 2, DownstreamID: -1}})
	assert.True(t, eris.Is(err, ErrTopologyInconsistent))
}

func TestBuildRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 20; trial++ {
		records := RandomForest(rng, 1+rng.Intn(200), 1, 4)
		if len(records) > 3 {
			records = RandomForest(rng, len(records), 1+rng.Intn(3), 4)
		}
		g, err := Build(records)
		require.NoError(t, err)
		for i, n := range g.Nodes {
			if n.IsOutlet() {
				continue
			}
			var count int
			for _, u := range g.Nodes[n.Downstream].Upstream {
				if u == i {
					count++
				}
			}
			assert.Equal(t, 1, count, "subbasin %d in downstream list", n.ID)
			ups := g.UpstreamIDs(n.Downstream)
			assert.True(t, essentials.Contains(ups, n.ID))
			for j := 1; j < len(ups); j++ {
				assert.Less(t, ups[j-1], ups[j])
			}
		}
		assert.LessOrEqual(t, g.MaxUpstream(), 4)
	}
}

func TestBuildInconsistent(t *testing.T) {
	cases := map[string][]Record{
		"MissingDownstream": {{ID: 1, DownstreamID: 9}},
		"SelfLoop":          {{ID: 1, DownstreamID: 1}},
		"Cycle": {
			{ID: 1, DownstreamID: 2},
			{ID: 2, DownstreamID: 3},
			{ID: 3, DownstreamID: 1},
			{ID: 4, DownstreamID: 0},
		},
		"Duplicate":   {{ID: 1}, {ID: 1}},
		"NonPositive": {{ID: 0}},
		"BadUpDownOrder": {
			{ID: 1, DownstreamID: 2, UpDownOrder: 2, DownUpOrder: 1},
			{ID: 2, UpDownOrder: 2, DownUpOrder: 2},
		},
		"Empty": nil,
	}
	for name, records := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Build(records)
			require.Error(t, err)
			assert.True(t, eris.Is(err, ErrTopologyInconsistent), "got %v", err)
		})
	}
}

func TestComputeOrders(t *testing.T) {
	g, err := Build(sampleBasin())
	require.NoError(t, err)

	upDown := map[int]int{1: 1, 2: 1, 7: 1, 3: 2, 6: 2, 4: 3, 5: 4}
	downUp := map[int]int{7: 1, 1: 2, 2: 2, 6: 2, 3: 3, 4: 3, 5: 4}
	for id, want := range upDown {
		assert.Equal(t, want, g.Node(id).UpDownOrder, "up-down order of %d", id)
	}
	for id, want := range downUp {
		assert.Equal(t, want, g.Node(id).DownUpOrder, "down-up order of %d", id)
	}
	assert.NoError(t, g.ValidateOrder(UpDown))
	assert.NoError(t, g.ValidateOrder(DownUp))
	assert.Equal(t, 4, g.MaxLayer(UpDown))
	assert.Equal(t, 4, g.MaxLayer(DownUp))
}

func TestGraphRecords(t *testing.T) {
	g, err := Build(sampleBasin())
	require.NoError(t, err)
	records := g.Records()
	require.Len(t, records, 7)
	assert.Equal(t, Record{ID: 3, DownstreamID: 5, UpDownOrder: 2, DownUpOrder: 3}, records[2])

	rebuilt, err := Build(records)
	require.NoError(t, err)
	assert.Equal(t, g.Nodes, rebuilt.Nodes)
}

func TestPrecomputedOrdersKept(t *testing.T) {
	g, err := Build([]Record{
		{ID: 1, DownstreamID: 2, UpDownOrder: 1, DownUpOrder: 3},
		{ID: 2, DownstreamID: 0, UpDownOrder: 5, DownUpOrder: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 5, g.Node(2).UpDownOrder)

	// Down-up supplied as plain distance from the outlet
	// cannot drive execution.
	err = g.ValidateOrder(DownUp)
	assert.True(t, eris.Is(err, ErrTopologyInconsistent))
}

func TestParseLayering(t *testing.T) {
	l, err := ParseLayering("down_up")
	require.NoError(t, err)
	assert.Equal(t, DownUp, l)
	l, err = ParseLayering("UP-DOWN")
	require.NoError(t, err)
	assert.Equal(t, UpDown, l)
	assert.Equal(t, "down-up", DownUp.String())
	_, err = ParseLayering("sideways")
	assert.Error(t, err)
}

func TestFileSource(t *testing.T) {
	data := []byte(`
reaches:
  - id: 1
    downstream: 3
    groups:
      kmetis: {2: 0}
  - id: 2
    downstream: 3
    groups:
      kmetis: {2: 0}
  - id: 3
    downstream: 0
    groups:
      kmetis: {2: 1}
`)
	path := filepath.Join(t.TempDir(), "basin.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	records, err := FileSource{Path: path}.Records(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, 3, records[0].DownstreamID)
	assert.Equal(t, 1, records[2].Groups["kmetis"][2])

	encoded, err := MarshalRecords(records)
	require.NoError(t, err)
	decoded, err := ParseRecords(encoded)
	require.NoError(t, err)
	assert.Equal(t, records, decoded)

	_, err = FileSource{Path: filepath.Join(t.TempDir(), "missing.yaml")}.Records(context.Background())
	assert.Error(t, err)
	_, err = ParseRecords([]byte("reaches: []"))
	assert.Error(t, err)
}

func TestStaticSourceCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := StaticSource(sampleBasin()).Records(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
