package partition

import (
	"math/rand"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/basinsched/topology"
)

func diamond(t *testing.T) *topology.Graph {
	g, err := topology.Build([]topology.Record{
		{ID: 1, DownstreamID: 3, Groups: map[string]map[int]int{"kmetis": {2: 0}}},
		{ID: 2, DownstreamID: 3, Groups: map[string]map[int]int{"kmetis": {2: 0}}},
		{ID: 3, Groups: map[string]map[int]int{"kmetis": {2: 1}}},
	})
	require.NoError(t, err)
	return g
}

func TestAssignByMap(t *testing.T) {
	g := diamond(t)
	p, err := Assign(g, ByMap(map[int]int{1: 10, 2: 10, 3: 20}), 2)
	require.NoError(t, err)
	assert.Equal(t, []int{10, 20}, p.GroupIDs)
	assert.Equal(t, [][]int{{1, 2}, {3}}, p.Members)
	assert.Equal(t, 2, p.MaxSize)
	assert.Equal(t, map[int]int{1: 0, 2: 0, 3: 1}, p.RankOf)
	assert.Equal(t, 2, p.Workers())
}

func TestAssignMismatch(t *testing.T) {
	g := diamond(t)
	for _, workers := range []int{0, 1, 3} {
		p, err := Assign(g, ByMap(map[int]int{1: 0, 2: 0, 3: 1}), workers)
		assert.Nil(t, p)
		assert.True(t, eris.Is(err, ErrPartitionMismatch), "workers=%d: %v", workers, err)
	}
}

func TestAssignGroupError(t *testing.T) {
	g := diamond(t)
	_, err := Assign(g, ByMap(map[int]int{1: 0}), 2)
	assert.Error(t, err)
	assert.False(t, eris.Is(err, ErrPartitionMismatch))

	_, err = Assign(g, ByRecordGroup("pmetis", 2), 2)
	assert.Error(t, err)
}

func TestStrategies(t *testing.T) {
	g := diamond(t)
	cases := map[string][][]int{
		"up-down":       {{3}, {1, 2}},
		"down-up":       {{3}, {1, 2}},
		"round-robin":   {{2}, {1, 3}},
		"record:kmetis": {{1, 2}, {3}},
	}
	_, err := Strategy("hash", 2)
	require.NoError(t, err)
	for name, want := range cases {
		fn, err := Strategy(name, 2)
		require.NoError(t, err, name)
		p, err := Assign(g, fn, 2)
		require.NoError(t, err, name)
		assert.Equal(t, want, p.Members, name)
	}
	_, err = Strategy("metis", 2)
	assert.Error(t, err)
	_, err = Strategy("record:", 2)
	assert.Error(t, err)
}

func TestAssignCoversEveryNode(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	g, err := topology.Build(topology.RandomForest(rng, 300, 3, 4))
	require.NoError(t, err)
	p, err := Assign(g, RoundRobin(7), 7)
	require.NoError(t, err)

	seen := map[int]bool{}
	for rank, members := range p.Members {
		assert.LessOrEqual(t, len(members), p.MaxSize)
		for _, id := range members {
			assert.False(t, seen[id], "subbasin %d assigned twice", id)
			seen[id] = true
			assert.Equal(t, rank, p.RankOf[id])
		}
	}
	assert.Len(t, seen, g.Len())
}

func TestComputeBalance(t *testing.T) {
	g := diamond(t)
	p, err := Assign(g, ByMap(map[int]int{1: 0, 2: 0, 3: 1}), 2)
	require.NoError(t, err)
	b := ComputeBalance(p)
	assert.Equal(t, 1.0, b.Min)
	assert.Equal(t, 2.0, b.Max)
	assert.Equal(t, 1.5, b.Mean)
	assert.InDelta(t, 2.0/1.5, b.Imbalance, 1e-9)
	assert.InDelta(t, 0.7071, b.StdDev, 1e-4)
	assert.Contains(t, b.String(), "max=2")
}

func TestConsistentHash(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	g, err := topology.Build(topology.RandomForest(rng, 300, 3, 4))
	require.NoError(t, err)
	p, err := Assign(g, ByConsistentHash(4), 4)
	require.NoError(t, err)
	for rank, members := range p.Members {
		assert.NotEmpty(t, members, "rank %d", rank)
	}

	// Adding a site only moves keys onto the new site.
	small, large := NewRing(4, DefaultRingPoints), NewRing(5, DefaultRingPoints)
	var moved int
	for key := 1; key <= 1000; key++ {
		if site := large.Site(key); site < 4 {
			assert.Equal(t, site, small.Site(key))
		} else {
			moved++
		}
	}
	assert.Greater(t, moved, 0)
	assert.Less(t, moved, 500)
	assert.Equal(t, -1, NewRing(0, 8).Site(1))
}
