package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marl-mappo/internal/config"
	"marl-mappo/internal/history"
	"marl-mappo/internal/telemetry"
	"marl-mappo/internal/train"
)

func setup(t *testing.T) (http.Handler, string) {
	t.Helper()
	ctx := context.Background()
	store := history.NewMemory()
	reg := prometheus.NewRegistry()
	metrics, err := telemetry.New(reg)
	require.NoError(t, err)

	runID := history.NewRunID()
	for i := 0; i < 3; i++ {
		m := train.RoundMetrics{Round: i, EnvSteps: 32, LR: 0.004}
		require.NoError(t, store.Append(ctx, runID, m))
		require.NoError(t, metrics.ObserveRound(ctx, m))
	}
	cfg, err := config.Default().Finalize()
	require.NoError(t, err)
	return NewHandler(&Server{Store: store, Gatherer: reg, Config: &cfg}), runID
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	h, _ := setup(t)
	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestRuns(t *testing.T) {
	h, runID := setup(t)

	rec := get(t, h, "/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Runs []string `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, []string{runID}, list.Runs)

	rec = get(t, h, "/runs/"+runID+"?since=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var run struct {
		RunID  string               `json:"run_id"`
		Rounds []train.RoundMetrics `json:"rounds"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, runID, run.RunID)
	require.Len(t, run.Rounds, 2)
	assert.Equal(t, 1, run.Rounds[0].Round)

	rec = get(t, h, "/runs/"+runID+"/latest")
	require.Equal(t, http.StatusOK, rec.Code)
	var latest train.RoundMetrics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &latest))
	assert.Equal(t, 2, latest.Round)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/runs/nope").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/runs/"+runID+"?since=x").Code)
}

func TestMetricsAndConfig(t *testing.T) {
	h, _ := setup(t)

	rec := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mappo_rounds_total 3")

	rec = get(t, h, "/config")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "NUM_ACTORS: 48"))
}

func TestConfigMissing(t *testing.T) {
	h := NewHandler(&Server{Store: history.NewMemory()})
	assert.Equal(t, http.StatusNotFound, get(t, h, "/config").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/metrics").Code)
}
