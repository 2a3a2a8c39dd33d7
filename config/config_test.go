package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/basinsched/simulator"
	"github.com/unixpickle/basinsched/topology"
	"github.com/unixpickle/basinsched/worker"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestParsePrint(t *testing.T) {
	r := Default()
	require.NoError(t, r.Parse([]byte(`
workers: 4
mode: master
network:
  kind: random
forest:
  subbasins: 10
`)))
	assert.Equal(t, 4, r.Workers)
	assert.Equal(t, "master", r.Mode)
	assert.Equal(t, "random", r.Network.Kind)
	assert.Equal(t, 10, r.Forest.Subbasins)
	assert.Equal(t, 2, r.Forest.Outlets, "untouched fields keep their defaults")
	require.NoError(t, r.Validate())

	var buf bytes.Buffer
	require.NoError(t, r.Print(&buf))
	parsed := &Run{}
	require.NoError(t, parsed.Parse(buf.Bytes()))
	assert.Equal(t, r, parsed)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(r *Run){
		"Workers":   func(r *Run) { r.Workers = 0 },
		"Layering":  func(r *Run) { r.Layering = "sideways" },
		"Grouping":  func(r *Run) { r.Grouping = "record:" },
		"Mode":      func(r *Run) { r.Mode = "star" },
		"Pipelined": func(r *Run) { r.Mode, r.Schedule = "master", "temporospatial" },
		"Upstream":  func(r *Run) { r.MaxUpstream = 0 },
		"Steps":     func(r *Run) { r.Steps = 0 },
		"Start":     func(r *Run) { r.Start = "yesterday" },
		"Timestep":  func(r *Run) { r.Timestep = "-1h" },
		"Recession": func(r *Run) { r.Recession = 1.5 },
		"Network":   func(r *Run) { r.Network.Kind = "carrier-pigeon" },
		"Rate":      func(r *Run) { r.Network.Rate = 0 },
		"Forest":    func(r *Run) { r.Forest.Outlets = 100 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			r := Default()
			mutate(r)
			assert.True(t, eris.Is(r.Validate(), ErrInvalidConfig))
		})
	}
}

func TestFromViper(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: 3\nnetwork:\n  latency: 0.5\n"), 0o644))

	t.Setenv("BASINSCHED_STEPS", "7")
	t.Setenv("BASINSCHED_NETWORK_KIND", "random")

	v := viper.New()
	require.NoError(t, SetDefaults(v))
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())
	v.Set("schedule", "temporospatial")

	r, err := FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, 3, r.Workers)
	assert.Equal(t, 7, r.Steps)
	assert.Equal(t, 0.5, r.Network.Latency)
	assert.Equal(t, 1e6, r.Network.Rate)
	assert.Equal(t, "random", r.Network.Kind)
	assert.Equal(t, "temporospatial", r.Schedule)
	assert.Equal(t, 64, r.Forest.Subbasins)

	v.Set("workers", 0)
	_, err = FromViper(v)
	assert.True(t, eris.Is(err, ErrInvalidConfig))
}

func TestCluster(t *testing.T) {
	r := Default()
	r.Forest.Subbasins = 20
	r.Steps = 3
	require.NoError(t, r.Validate())

	records, err := r.Source().Records(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 20)
	g, err := topology.Build(records)
	require.NoError(t, err)

	c, err := r.Cluster(g)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Partition.Workers())
	assert.Equal(t, worker.PeerMode, c.Mode)
	assert.Equal(t, 24*time.Hour, c.Timestep)
	assert.Equal(t, time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC), c.Start)
	assert.IsType(t, &simulator.OrderedNetwork{}, c.Network)

	res, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Outflow, 20)

	r.Records = "basin.yaml"
	assert.Equal(t, topology.FileSource{Path: "basin.yaml"}, r.Source())
}
