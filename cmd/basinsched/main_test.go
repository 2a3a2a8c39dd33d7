package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/basinsched/topology"
)

func execute(t *testing.T, args ...string) error {
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(context.Background())
}

func TestCommands(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("forest:\n  subbasins: 24\nsteps: 4\n"), 0o644))
	basin := filepath.Join(dir, "basin.yaml")

	require.NoError(t, execute(t, "--config", cfgPath, "--log-level", "warn", "gen", basin))
	data, err := os.ReadFile(basin)
	require.NoError(t, err)
	records, err := topology.ParseRecords(data)
	require.NoError(t, err)
	assert.Len(t, records, 24)
	for _, r := range records {
		assert.Positive(t, r.UpDownOrder)
	}

	require.NoError(t, execute(t, "--config", cfgPath, "--log-level", "warn", "plan", "--members"))
	require.NoError(t, execute(t, "--config", cfgPath, "--log-level", "warn", "run", "--verify",
		"--records", basin, "--mode", "master"))
	require.NoError(t, execute(t, "--config", cfgPath, "--log-level", "warn", "run", "--verify",
		"--records", basin, "--mode", "peer", "--schedule", "temporospatial", "--network", "random"))
	require.NoError(t, execute(t, "--config", cfgPath, "--log-level", "warn", "bench",
		"--grouping", "round-robin", "--counts", "1,3"))

	assert.Error(t, execute(t, "--config", cfgPath, "--log-level", "warn", "run", "--workers", "0"))
	assert.Error(t, execute(t, "--config", filepath.Join(dir, "missing.yaml"), "plan"))
}
