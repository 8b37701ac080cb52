// Package ppo implements the clipped policy and value objectives and the
// multi-epoch minibatch optimisation over one collected round.
//
// Loss inputs are flattened (steps, actors) grids: position t*actors+i is
// actor slot i at step t. Every mean over the grid skips positions whose
// done flag is set.
package ppo

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"marl-mappo/internal/errs"
)

// NormEps guards advantage normalisation against zero variance.
const NormEps = 1e-8

// MaskedMean averages xs over positions where done is false. A mask that
// excludes every position is an error, not a zero. Both losses reduce
// through it.
func MaskedMean(xs []float64, done []bool) (float64, error) {
	if len(xs) != len(done) {
		return 0, errs.ShapeMismatch("masked_mean", "%d values for %d flags", len(xs), len(done))
	}
	w, err := maskWeights(done)
	if err != nil {
		return 0, err
	}
	var sum float64
	for i, x := range xs {
		if !done[i] {
			sum += w[i] * x
		}
	}
	return sum, nil
}

// maskWeights gives each live position weight 1/K and each done position 0.
// The weights are also the per-position derivative of MaskedMean.
func maskWeights(done []bool) ([]float64, error) {
	var n int
	for _, d := range done {
		if !d {
			n++
		}
	}
	if n == 0 {
		return nil, errs.NumericInstability("masked_mean", "every one of %d positions is masked", len(done))
	}
	w := make([]float64, len(done))
	for i, d := range done {
		if !d {
			w[i] = 1 / float64(n)
		}
	}
	return w, nil
}

// Normalize rescales xs to zero mean and unit population standard
// deviation.
func Normalize(xs []float64) []float64 {
	mean, std := stat.PopMeanStdDev(xs, nil)
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = (x - mean) / (std + NormEps)
	}
	return out
}

// ClippedSurrogate is the per-position actor loss -min(r*A, clip(r)*A).
func ClippedSurrogate(ratio, adv, clipEps float64) float64 {
	clipped := math.Max(1-clipEps, math.Min(ratio, 1+clipEps))
	return -math.Min(ratio*adv, clipped*adv)
}

// ActorLoss is the outcome of the actor objective over one minibatch.
type ActorLoss struct {
	// Loss is Surrogate minus the entropy bonus.
	Loss      float64
	Surrogate float64
	Entropy   float64
	ApproxKL  float64
	ClipFrac  float64

	// DLogProb and DEntropy are dLoss/dlogp and dLoss/dH per position.
	DLogProb []float64
	DEntropy []float64
}

// ComputeActorLoss evaluates the clipped surrogate with an entropy bonus.
// Advantages are normalised over the whole minibatch before use.
func ComputeActorLoss(logProb, oldLogProb, adv, entropy []float64, done []bool, clipEps, entCoef float64) (ActorLoss, error) {
	n := len(done)
	for _, l := range []int{len(logProb), len(oldLogProb), len(adv), len(entropy)} {
		if l != n {
			return ActorLoss{}, errs.ShapeMismatch("actor_loss", "input has %d positions, want %d", l, n)
		}
	}
	w, err := maskWeights(done)
	if err != nil {
		return ActorLoss{}, err
	}

	gae := Normalize(adv)
	out := ActorLoss{DLogProb: make([]float64, n), DEntropy: make([]float64, n)}
	surrogate := make([]float64, n)
	var clipped int
	for i := 0; i < n; i++ {
		logRatio := logProb[i] - oldLogProb[i]
		ratio := math.Exp(logRatio)
		surrogate[i] = ClippedSurrogate(ratio, gae[i], clipEps)
		out.ApproxKL += (ratio - 1) - logRatio
		if math.Abs(ratio-1) > clipEps {
			clipped++
		}

		bound := math.Max(1-clipEps, math.Min(ratio, 1+clipEps))
		if ratio*gae[i] <= bound*gae[i] {
			out.DLogProb[i] = -w[i] * gae[i] * ratio
		}
		out.DEntropy[i] = -entCoef * w[i]
	}
	if out.Surrogate, err = MaskedMean(surrogate, done); err != nil {
		return ActorLoss{}, err
	}
	if out.Entropy, err = MaskedMean(entropy, done); err != nil {
		return ActorLoss{}, err
	}
	out.ApproxKL /= float64(n)
	out.ClipFrac = float64(clipped) / float64(n)
	out.Loss = out.Surrogate - entCoef*out.Entropy

	if err := finite("actor_loss", out.Loss, out.Surrogate, out.Entropy, out.ApproxKL); err != nil {
		return ActorLoss{}, err
	}
	return out, nil
}

// CriticLoss is the outcome of the value objective over one minibatch.
type CriticLoss struct {
	// Loss is VFCoef times ValueLoss.
	Loss      float64
	ValueLoss float64
	// DValue is dLoss/dvalue per position.
	DValue []float64
}

// ComputeCriticLoss evaluates the clipped value loss
// 0.5*mean(max((v-t)^2, (vc-t)^2)) scaled by vfCoef.
func ComputeCriticLoss(value, oldValue, target []float64, done []bool, clipEps, vfCoef float64) (CriticLoss, error) {
	n := len(done)
	for _, l := range []int{len(value), len(oldValue), len(target)} {
		if l != n {
			return CriticLoss{}, errs.ShapeMismatch("critic_loss", "input has %d positions, want %d", l, n)
		}
	}
	w, err := maskWeights(done)
	if err != nil {
		return CriticLoss{}, err
	}

	out := CriticLoss{DValue: make([]float64, n)}
	squared := make([]float64, n)
	for i := 0; i < n; i++ {
		diff := value[i] - oldValue[i]
		clipped := oldValue[i] + math.Max(-clipEps, math.Min(diff, clipEps))
		unclippedErr := value[i] - target[i]
		clippedErr := clipped - target[i]
		lu, lc := unclippedErr*unclippedErr, clippedErr*clippedErr

		if lu >= lc {
			squared[i] = 0.5 * lu
			out.DValue[i] = vfCoef * w[i] * unclippedErr
		} else {
			squared[i] = 0.5 * lc
			if math.Abs(diff) < clipEps {
				out.DValue[i] = vfCoef * w[i] * clippedErr
			}
		}
	}
	if out.ValueLoss, err = MaskedMean(squared, done); err != nil {
		return CriticLoss{}, err
	}
	out.Loss = vfCoef * out.ValueLoss

	if err := finite("critic_loss", out.Loss); err != nil {
		return CriticLoss{}, err
	}
	return out, nil
}

func finite(op string, xs ...float64) error {
	for _, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return errs.NumericInstability(op, "non-finite value %g", x)
		}
	}
	return nil
}
