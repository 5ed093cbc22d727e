package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) error {
	t.Helper()
	cmd := newRootCmd()
	cmd.SetArgs(args)
	return cmd.Execute()
}

func TestMatchInMemory(t *testing.T) {
	require.NoError(t, run(t, "match", "testdata/reach.yaml", "--in-memory", "--load", "--explain"))
	require.NoError(t, run(t, "match", "testdata/reach.yaml", "--in-memory", "--load", "--query", "links"))

	err := run(t, "match", "testdata/reach.yaml", "--in-memory", "--load", "--query", "missing")
	assert.ErrorContains(t, err, "no query to run")
}

func TestLoadAndStatsOnDisk(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, run(t, "load", "testdata/reach.yaml", "--data-dir", dir))
	require.NoError(t, run(t, "stats", "--data-dir", dir))
	require.NoError(t, run(t, "match", "testdata/reach.yaml", "--data-dir", dir, "--query", "reachable-from-ann"))
}

func TestMissingDataset(t *testing.T) {
	assert.Error(t, run(t, "load", "testdata/nope.yaml", "--in-memory"))
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("KBGRAPH_TEST_INT", "12")
	t.Setenv("KBGRAPH_TEST_BOOL", "off")
	assert.Equal(t, 12, getEnvInt("KBGRAPH_TEST_INT", 1))
	assert.Equal(t, 3, getEnvInt("KBGRAPH_TEST_UNSET", 3))
	assert.False(t, getEnvBool("KBGRAPH_TEST_BOOL", true))
	assert.Equal(t, "x", getEnvStr("KBGRAPH_TEST_UNSET", "x"))
}
