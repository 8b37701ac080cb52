// Package env defines the environment contract consumed by the trainer, a
// lockstep driver over parallel instances, and the wrappers that add
// auto-reset and episode statistics.
package env

import (
	"errors"
	"math/rand/v2"
)

// State is an opaque, immutable environment state. Step returns a new value
// instead of mutating its input.
type State any

// Observation is what one instance exposes after reset or step.
type Observation struct {
	// Agents maps each agent to its local observation.
	Agents map[string][]float64
	// WorldState is the global observation fed to the centralized critic.
	WorldState []float64
}

// Dones carries per-agent termination plus the team-level flag.
type Dones struct {
	Agents map[string]bool
	All    bool
}

// Info maps a metric name to one value per agent.
type Info map[string]map[string]float64

// StepResult is the outcome of advancing one instance by one step.
type StepResult struct {
	Obs     Observation
	State   State
	Rewards map[string]float64
	Dones   Dones
	Info    Info
}

// Env is a single multi-agent environment instance.
type Env interface {
	Agents() []string
	ObservationSize() int
	ActionCount() int
	StateSize() int
	Reset(rng *rand.Rand) (Observation, State)
	Step(rng *rand.Rand, state State, actions map[string]int) (StepResult, error)
	AvailableActions(state State) map[string][]bool
}

var (
	// ErrInvalidAction is returned for an out-of-range or unavailable action.
	ErrInvalidAction = errors.New("invalid action")
	// ErrForeignState is returned when a state was not produced by the env.
	ErrForeignState = errors.New("state does not belong to this environment")
)
