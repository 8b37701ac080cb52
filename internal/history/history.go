// Package history persists the per-round metrics of training runs.
package history

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"marl-mappo/internal/train"
)

// ErrRunNotFound is returned when no round was recorded for a run.
var ErrRunNotFound = errors.New("run not found")

// Store keeps metric histories keyed by run id.
type Store interface {
	Append(ctx context.Context, runID string, m train.RoundMetrics) error
	Load(ctx context.Context, runID string) ([]train.RoundMetrics, error)
	List(ctx context.Context) ([]string, error)
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// Observer records every round of a run into store.
func Observer(store Store, runID string) train.Observer {
	return train.ObserverFunc(func(ctx context.Context, m train.RoundMetrics) error {
		return store.Append(ctx, runID, m)
	})
}

// Memory is an in-process Store.
type Memory struct {
	mu    sync.RWMutex
	runs  map[string][]train.RoundMetrics
	order map[string]int
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		runs:  make(map[string][]train.RoundMetrics),
		order: make(map[string]int),
	}
}

func (s *Memory) Append(_ context.Context, runID string, m train.RoundMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.order[runID]; !ok {
		s.order[runID] = len(s.order)
	}
	s.runs[runID] = append(s.runs[runID], m)
	return nil
}

func (s *Memory) Load(_ context.Context, runID string) ([]train.RoundMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rounds, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return append([]train.RoundMetrics(nil), rounds...), nil
}

// List implements Store. Runs are returned in the order they started.
func (s *Memory) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.order))
	for id := range s.order {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return s.order[ids[i]] < s.order[ids[j]] })
	return ids, nil
}
