// Package buffer holds one round of collected transitions. A Trajectory is
// time-major with one row per actor slot at every step; it is filled by the
// rollout collector, frozen, and then read by the advantage estimator and the
// optimizer.
package buffer

import (
	"errors"

	"gonum.org/v1/gonum/mat"

	"marl-mappo/internal/errs"
)

var (
	ErrBufferFull   = errors.New("buffer is full")
	ErrBufferEmpty  = errors.New("buffer is empty")
	ErrBufferFrozen = errors.New("buffer is frozen")
)

// Transition is one timestep for every actor slot. Slices and matrix rows
// are indexed by actor slot.
type Transition struct {
	GlobalDone []bool
	Done       []bool
	// LastDone holds the reset flags fed to the policy when acting.
	LastDone []bool

	Action  []int
	Value   []float64
	Reward  []float64
	LogProb []float64

	Obs          *mat.Dense
	WorldState   *mat.Dense
	AvailActions *mat.Dense

	// Info maps a metric name to one value per actor slot.
	Info map[string][]float64
}

func (tr Transition) check(numActors int) error {
	lengths := []struct {
		field string
		n     int
	}{
		{"global_done", len(tr.GlobalDone)},
		{"done", len(tr.Done)},
		{"last_done", len(tr.LastDone)},
		{"action", len(tr.Action)},
		{"value", len(tr.Value)},
		{"reward", len(tr.Reward)},
		{"log_prob", len(tr.LogProb)},
	}
	for _, l := range lengths {
		if l.n != numActors {
			return errs.ShapeMismatch("transition", "%s has %d entries, want %d", l.field, l.n, numActors)
		}
	}
	mats := []struct {
		field string
		m     *mat.Dense
	}{{"obs", tr.Obs}, {"world_state", tr.WorldState}, {"avail_actions", tr.AvailActions}}
	for _, m := range mats {
		if m.m == nil {
			return errs.ShapeMismatch("transition", "%s is missing", m.field)
		}
		if r, _ := m.m.Dims(); r != numActors {
			return errs.ShapeMismatch("transition", "%s has %d rows, want %d", m.field, r, numActors)
		}
	}
	for k, v := range tr.Info {
		if len(v) != numActors {
			return errs.ShapeMismatch("transition", "info %q has %d entries, want %d", k, len(v), numActors)
		}
	}
	return nil
}

// Trajectory is an ordered, fixed-capacity sequence of transitions.
type Trajectory struct {
	steps     []Transition
	capacity  int
	numActors int
	frozen    bool
}

// New returns an empty trajectory for capacity steps of numActors slots.
func New(capacity, numActors int) (*Trajectory, error) {
	if capacity <= 0 {
		return nil, errors.New("capacity must be greater than zero")
	}
	if numActors <= 0 {
		return nil, errors.New("actor count must be greater than zero")
	}
	return &Trajectory{
		steps:     make([]Transition, 0, capacity),
		capacity:  capacity,
		numActors: numActors,
	}, nil
}

// Append records the next timestep.
func (t *Trajectory) Append(tr Transition) error {
	if t.frozen {
		return ErrBufferFrozen
	}
	if len(t.steps) >= t.capacity {
		return ErrBufferFull
	}
	if err := tr.check(t.numActors); err != nil {
		return err
	}
	t.steps = append(t.steps, tr)
	return nil
}

// Freeze marks the trajectory complete. It fails unless every step was
// recorded.
func (t *Trajectory) Freeze() error {
	if len(t.steps) != t.capacity {
		return errs.ShapeMismatch("trajectory", "%d of %d steps collected", len(t.steps), t.capacity)
	}
	t.frozen = true
	return nil
}

func (t *Trajectory) Frozen() bool { return t.frozen }

func (t *Trajectory) Len() int { return len(t.steps) }

func (t *Trajectory) NumActors() int { return t.numActors }

func (t *Trajectory) Step(i int) Transition { return t.steps[i] }

// Last returns the most recent step.
func (t *Trajectory) Last() (Transition, error) {
	if len(t.steps) == 0 {
		return Transition{}, ErrBufferEmpty
	}
	return t.steps[len(t.steps)-1], nil
}

// EnvTransitions counts the environment steps recorded, one per instance
// per timestep.
func (t *Trajectory) EnvTransitions(numAgents int) int {
	if numAgents <= 0 {
		return 0
	}
	return len(t.steps) * t.numActors / numAgents
}

// Rows returns a frozen trajectory restricted to the given actor slots, in
// the given order. Every timestep is kept, so a recurrent policy can be
// replayed over the selection.
func (t *Trajectory) Rows(rows []int) (*Trajectory, error) {
	if len(t.steps) == 0 {
		return nil, ErrBufferEmpty
	}
	if len(rows) == 0 {
		return nil, errs.ShapeMismatch("trajectory_rows", "empty actor selection")
	}
	for _, r := range rows {
		if r < 0 || r >= t.numActors {
			return nil, errs.ShapeMismatch("trajectory_rows", "actor slot %d outside [0, %d)", r, t.numActors)
		}
	}
	out := &Trajectory{
		steps:     make([]Transition, len(t.steps)),
		capacity:  len(t.steps),
		numActors: len(rows),
		frozen:    true,
	}
	for i, tr := range t.steps {
		sel := Transition{
			GlobalDone:   pick(tr.GlobalDone, rows),
			Done:         pick(tr.Done, rows),
			LastDone:     pick(tr.LastDone, rows),
			Action:       pick(tr.Action, rows),
			Value:        pick(tr.Value, rows),
			Reward:       pick(tr.Reward, rows),
			LogProb:      pick(tr.LogProb, rows),
			Obs:          SelectRows(tr.Obs, rows),
			WorldState:   SelectRows(tr.WorldState, rows),
			AvailActions: SelectRows(tr.AvailActions, rows),
		}
		if tr.Info != nil {
			sel.Info = make(map[string][]float64, len(tr.Info))
			for k, v := range tr.Info {
				sel.Info[k] = pick(v, rows)
			}
		}
		out.steps[i] = sel
	}
	return out, nil
}

// Column gathers one scalar field over time as a (steps, actors) matrix. It
// returns nil for an empty trajectory.
func (t *Trajectory) Column(field func(Transition) []float64) *mat.Dense {
	if len(t.steps) == 0 {
		return nil
	}
	out := mat.NewDense(len(t.steps), t.numActors, nil)
	for i, tr := range t.steps {
		out.SetRow(i, field(tr))
	}
	return out
}

// SelectRows copies the given rows of m, in order.
func SelectRows(m *mat.Dense, rows []int) *mat.Dense {
	if m == nil {
		return nil
	}
	_, c := m.Dims()
	out := mat.NewDense(len(rows), c, nil)
	for i, r := range rows {
		out.SetRow(i, m.RawRowView(r))
	}
	return out
}

// SelectCols copies the given columns of m, in order. Advantages and targets
// are (steps, actors), so this is the actor-axis selection for them.
func SelectCols(m *mat.Dense, cols []int) *mat.Dense {
	r, _ := m.Dims()
	out := mat.NewDense(r, len(cols), nil)
	for j, c := range cols {
		for i := 0; i < r; i++ {
			out.Set(i, j, m.At(i, c))
		}
	}
	return out
}

func pick[T any](xs []T, rows []int) []T {
	out := make([]T, len(rows))
	for i, r := range rows {
		out[i] = xs[r]
	}
	return out
}
