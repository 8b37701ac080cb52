package gae

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"marl-mappo/internal/buffer"
	"marl-mappo/internal/errs"
)

type step struct {
	reward, value    []float64
	done, globalDone []bool
}

// build records steps over len(steps[0].reward) actor slots.
func build(t *testing.T, steps []step) *buffer.Trajectory {
	t.Helper()
	n := len(steps[0].reward)
	traj, err := buffer.New(len(steps), n)
	require.NoError(t, err)
	for _, s := range steps {
		require.NoError(t, traj.Append(buffer.Transition{
			GlobalDone:   s.globalDone,
			Done:         s.done,
			LastDone:     make([]bool, n),
			Action:       make([]int, n),
			Value:        s.value,
			Reward:       s.reward,
			LogProb:      make([]float64, n),
			Obs:          mat.NewDense(n, 1, nil),
			WorldState:   mat.NewDense(n, 1, nil),
			AvailActions: mat.NewDense(n, 1, nil),
		}))
	}
	require.NoError(t, traj.Freeze())
	return traj
}

// trajectory builds a single-actor trajectory whose agent and team done
// flags agree.
func trajectory(t *testing.T, rewards, values []float64, globalDone []bool) *buffer.Trajectory {
	t.Helper()
	steps := make([]step, len(rewards))
	for i := range rewards {
		steps[i] = step{
			reward:     []float64{rewards[i]},
			value:      []float64{values[i]},
			done:       []bool{globalDone[i]},
			globalDone: []bool{globalDone[i]},
		}
	}
	return build(t, steps)
}

func TestEstimate_MyopicIsRewardMinusValue(t *testing.T) {
	rewards := []float64{1, -2, 0.5, 3}
	values := []float64{0.3, 0.1, -0.4, 2}
	traj := trajectory(t, rewards, values, []bool{false, true, false, false})

	adv, targets, err := Estimate(traj, []float64{7}, 0, 0.95)
	require.NoError(t, err)
	for i := range rewards {
		assert.InDelta(t, rewards[i]-values[i], adv.At(i, 0), 1e-12)
		assert.InDelta(t, rewards[i], targets.At(i, 0), 1e-12)
	}
}

func TestEstimate_LambdaOneIsDiscountedSum(t *testing.T) {
	const r, g = 1.0, 0.9
	values := []float64{0.5, -0.2, 1.1, 0.7, 0.0}
	rewards := []float64{r, r, r, r, r}
	last := 0.4
	traj := trajectory(t, rewards, values, make([]bool, 5))

	adv, targets, err := Estimate(traj, []float64{last}, g, 1)
	require.NoError(t, err)

	next := append(values[1:], last)
	for t0 := range values {
		want := 0.0
		for k := t0; k < len(values); k++ {
			want += math.Pow(g, float64(k-t0)) * (r - values[k] + g*next[k])
		}
		assert.InDelta(t, want, adv.At(t0, 0), 1e-12, "step %d", t0)
		assert.InDelta(t, want+values[t0], targets.At(t0, 0), 1e-12)
	}
}

func TestEstimate_DoneStopsBootstrap(t *testing.T) {
	rewards := []float64{1, 1, 1}
	values := []float64{0, 0, 0}
	traj := trajectory(t, rewards, values, []bool{false, true, false})

	adv, _, err := Estimate(traj, []float64{100}, 0.5, 1)
	require.NoError(t, err)

	// Last step bootstraps from 100.
	assert.InDelta(t, 1+0.5*100, adv.At(2, 0), 1e-12)
	// The terminal step sees nothing of what follows.
	assert.InDelta(t, 1, adv.At(1, 0), 1e-12)
	assert.InDelta(t, 1+0.5*1, adv.At(0, 0), 1e-12)
}

func TestEstimate_AgentDoneStillBootstraps(t *testing.T) {
	traj := build(t, []step{{
		reward:     []float64{1},
		value:      []float64{0},
		done:       []bool{true},
		globalDone: []bool{false},
	}})

	adv, targets, err := Estimate(traj, []float64{10}, 0.5, 1)
	require.NoError(t, err)
	assert.InDelta(t, 1+0.5*10, adv.At(0, 0), 1e-12)
	assert.InDelta(t, 6, targets.At(0, 0), 1e-12)
}

func TestEstimate_TeamDoneGatesEveryAgent(t *testing.T) {
	// Agent 0 falls at step 0 while agent 1 keeps the episode going; the
	// team finishes at step 1.
	traj := build(t, []step{
		{
			reward:     []float64{1, 1},
			value:      []float64{0.5, 0.5},
			done:       []bool{true, false},
			globalDone: []bool{false, false},
		},
		{
			reward:     []float64{2, 2},
			value:      []float64{1, 1},
			done:       []bool{true, true},
			globalDone: []bool{true, true},
		},
	})

	adv, _, err := Estimate(traj, []float64{50, 50}, 0.5, 1)
	require.NoError(t, err)

	// Step 1 ends the episode, so the bootstrap value is ignored.
	assert.InDelta(t, 2-1, adv.At(1, 0), 1e-12)
	assert.InDelta(t, 2-1, adv.At(1, 1), 1e-12)
	// Step 0 bootstraps through step 1 for both agents, including the one
	// whose own flag was already set.
	want := (1 + 0.5*1 - 0.5) + 0.5*1
	assert.InDelta(t, want, adv.At(0, 0), 1e-12)
	assert.InDelta(t, want, adv.At(0, 1), 1e-12)
}

func TestEstimate_ShapeErrors(t *testing.T) {
	traj := trajectory(t, []float64{1}, []float64{0}, []bool{false})
	_, _, err := Estimate(traj, []float64{1, 2}, 0.9, 0.9)
	assert.True(t, errs.Is(err, errs.CodeShapeMismatch))

	empty, err := buffer.New(2, 1)
	require.NoError(t, err)
	_, _, err = Estimate(empty, []float64{0}, 0.9, 0.9)
	assert.True(t, errs.Is(err, errs.CodeShapeMismatch))
}
