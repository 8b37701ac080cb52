package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

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

func TestValidatePrintsDerivedValues(t *testing.T) {
	path := writeConfig(t, "NUM_ENVS: 4\nNUM_STEPS: 8\nTOTAL_TIMESTEPS: 64\nNUM_MINIBATCHES: 2\n")

	out, err := execute(t, "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "NUM_ACTORS: 12")
	assert.Contains(t, out, "NUM_UPDATES: 2")
}

func TestValidateRejectsDerivedKeys(t *testing.T) {
	path := writeConfig(t, "NUM_ACTORS: 3\n")

	_, err := execute(t, "validate", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NUM_ACTORS")
}

func TestTrainRunsToCompletion(t *testing.T) {
	path := writeConfig(t, `NUM_AGENTS: 2
NUM_ENVS: 2
NUM_STEPS: 4
TOTAL_TIMESTEPS: 16
NUM_MINIBATCHES: 2
UPDATE_EPOCHS: 1
HIDDEN_SIZE: 8
MAX_EPISODE_STEPS: 5
`)

	out, err := execute(t, "train", "--config", path, "--seed", "7", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "finished 2 rounds")
	assert.Contains(t, out, "last round:")
}

func TestTrainRejectsBadLogLevel(t *testing.T) {
	_, err := execute(t, "train", "--log-level", "loud")
	require.Error(t, err)
}
