// Package gae computes generalized advantage estimates over a collected
// trajectory.
package gae

import (
	"gonum.org/v1/gonum/mat"

	"marl-mappo/internal/buffer"
	"marl-mappo/internal/errs"
)

// Estimate scans traj backward from the bootstrap value lastValue and
// returns advantages and value targets, both shaped (steps, actors).
//
// Bootstrapping is gated by the team-level done flag, so an estimate never
// crosses an episode boundary for any agent of the team.
func Estimate(traj *buffer.Trajectory, lastValue []float64, gamma, lambda float64) (*mat.Dense, *mat.Dense, error) {
	steps, n := traj.Len(), traj.NumActors()
	if steps == 0 {
		return nil, nil, errs.ShapeMismatch("gae", "empty trajectory")
	}
	if len(lastValue) != n {
		return nil, nil, errs.ShapeMismatch("gae", "%d bootstrap values, want %d", len(lastValue), n)
	}

	rewards := traj.Column(func(tr buffer.Transition) []float64 { return tr.Reward })
	values := traj.Column(func(tr buffer.Transition) []float64 { return tr.Value })

	adv := mat.NewDense(steps, n, nil)
	gae := make([]float64, n)
	nextValue := append([]float64(nil), lastValue...)
	for t := steps - 1; t >= 0; t-- {
		globalDone := traj.Step(t).GlobalDone
		r, v, a := rewards.RawRowView(t), values.RawRowView(t), adv.RawRowView(t)
		for i := 0; i < n; i++ {
			notDone := 1.0
			if globalDone[i] {
				notDone = 0
			}
			delta := r[i] + gamma*nextValue[i]*notDone - v[i]
			gae[i] = delta + gamma*lambda*notDone*gae[i]
			nextValue[i] = v[i]
			a[i] = gae[i]
		}
	}
	targets := mat.NewDense(steps, n, nil)
	targets.Add(adv, values)
	return adv, targets, nil
}
