package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "pastebin dev")
}

func TestSweepMemoryStore(t *testing.T) {
	out, err := execute(t, "sweep", "--store", "memory", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "removed 0 expired pastes")
}

func TestSweepBoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sweep.db")
	out, err := execute(t, "sweep", "--store", "bolt", "--data", path, "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "removed 0 expired pastes")
}

func TestRejectsInvalidConfig(t *testing.T) {
	_, err := execute(t, "sweep", "--store", "floppy")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown store driver "floppy"`)

	_, err = execute(t, "sweep", "--store", "memory", "--log-level", "shouty")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown log level")
}
