package ppo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	"marl-mappo/internal/errs"
	"marl-mappo/internal/prng"
)

func TestMaskedMean_SingleSurvivor(t *testing.T) {
	xs := []float64{9, -4, 2.5, 100, 7}
	done := []bool{true, true, false, true, true}
	got, err := MaskedMean(xs, done)
	require.NoError(t, err)
	assert.Equal(t, 2.5, got)

	got, err = MaskedMean([]float64{1, 2, 3, 4}, []bool{false, true, false, false})
	require.NoError(t, err)
	assert.InDelta(t, 8.0/3, got, 1e-12)
}

func TestMaskedMean_AllMasked(t *testing.T) {
	_, err := MaskedMean([]float64{1, 2}, []bool{true, true})
	assert.True(t, errs.Is(err, errs.CodeNumericInstability))

	_, err = MaskedMean([]float64{1}, []bool{true, false})
	assert.True(t, errs.Is(err, errs.CodeShapeMismatch))
}

func TestNormalize(t *testing.T) {
	got := Normalize([]float64{1, 2, 3, 4, 10})
	mean, std := stat.PopMeanStdDev(got, nil)
	assert.InDelta(t, 0, mean, 1e-12)
	assert.InDelta(t, 1, std, 1e-6)

	flat := Normalize([]float64{3, 3, 3})
	assert.Equal(t, []float64{0, 0, 0}, flat)
}

func TestClippedSurrogate_Bounded(t *testing.T) {
	rng := prng.New(11).Rand()
	for _, eps := range []float64{0, 0.1, 0.2, 0.5} {
		for i := 0; i < 2000; i++ {
			ratio := math.Exp(rng.NormFloat64() * 2)
			adv := rng.NormFloat64() * 5

			loss := ClippedSurrogate(ratio, adv, eps)
			if adv >= 0 || ratio <= 1+eps {
				assert.LessOrEqual(t, math.Abs(loss), math.Abs(adv)*(1+eps)+1e-12,
					"ratio=%g adv=%g eps=%g", ratio, adv, eps)
			} else {
				// A negative advantage is penalised in full once the ratio
				// passes the upper clip.
				assert.InDelta(t, -adv*ratio, loss, 1e-9)
			}
		}
	}
}

func TestComputeActorLoss_MatchesFiniteDifference(t *testing.T) {
	rng := prng.New(3).Rand()
	n := 12
	logProb := make([]float64, n)
	old := make([]float64, n)
	adv := make([]float64, n)
	ent := make([]float64, n)
	done := make([]bool, n)
	for i := range logProb {
		old[i] = -rng.Float64() * 2
		logProb[i] = old[i] + rng.NormFloat64()*0.3
		adv[i] = rng.NormFloat64()
		ent[i] = rng.Float64()
		done[i] = i%5 == 4
	}
	const eps, coef = 0.2, 0.01
	base, err := ComputeActorLoss(logProb, old, adv, ent, done, eps, coef)
	require.NoError(t, err)

	const h = 1e-6
	for i := 0; i < n; i++ {
		lp := append([]float64(nil), logProb...)
		lp[i] += h
		plus, err := ComputeActorLoss(lp, old, adv, ent, done, eps, coef)
		require.NoError(t, err)
		lp[i] -= 2 * h
		minus, err := ComputeActorLoss(lp, old, adv, ent, done, eps, coef)
		require.NoError(t, err)
		assert.InDelta(t, (plus.Loss-minus.Loss)/(2*h), base.DLogProb[i], 1e-5, "logp %d", i)

		e := append([]float64(nil), ent...)
		e[i] += h
		plus, err = ComputeActorLoss(logProb, old, adv, e, done, eps, coef)
		require.NoError(t, err)
		assert.InDelta(t, (plus.Loss-base.Loss)/h, base.DEntropy[i], 1e-6, "entropy %d", i)
	}
	for i, d := range done {
		if d {
			assert.Zero(t, base.DLogProb[i])
		}
	}
}

func TestComputeActorLoss_IdenticalPolicy(t *testing.T) {
	lp := []float64{-0.5, -1.2, -0.1, -2}
	adv := []float64{1, -1, 2, 0}
	ent := []float64{0.5, 0.5, 0.5, 0.5}
	got, err := ComputeActorLoss(lp, lp, adv, ent, make([]bool, 4), 0.2, 0.1)
	require.NoError(t, err)
	assert.InDelta(t, 0, got.Surrogate, 1e-9)
	assert.InDelta(t, 0, got.ApproxKL, 1e-12)
	assert.Zero(t, got.ClipFrac)
	assert.InDelta(t, -0.05, got.Loss, 1e-9)
}

func TestComputeActorLoss_NonFinite(t *testing.T) {
	_, err := ComputeActorLoss([]float64{0, 0}, []float64{0, 0}, []float64{math.NaN(), 1},
		[]float64{0, 0}, []bool{false, false}, 0.2, 0)
	assert.True(t, errs.Is(err, errs.CodeNumericInstability))

	_, err = ComputeActorLoss([]float64{0}, []float64{0}, []float64{1}, []float64{0}, []bool{true}, 0.2, 0)
	assert.True(t, errs.Is(err, errs.CodeNumericInstability))
}

func TestComputeActorLoss_SingleSurvivor(t *testing.T) {
	logProb := []float64{-0.2, -1.5, -0.7, -3}
	old := []float64{-0.9, -1.1, -0.6, -0.1}
	adv := []float64{4, -2, 0.5, 9}
	ent := []float64{7, 3, 0.4, 11}
	done := []bool{true, true, false, true}
	const eps, coef = 0.2, 0.05

	got, err := ComputeActorLoss(logProb, old, adv, ent, done, eps, coef)
	require.NoError(t, err)

	norm := Normalize(adv)
	want := ClippedSurrogate(math.Exp(logProb[2]-old[2]), norm[2], eps)
	assert.InDelta(t, want, got.Surrogate, 1e-12)
	assert.InDelta(t, ent[2], got.Entropy, 1e-12)
	assert.InDelta(t, want-coef*ent[2], got.Loss, 1e-12)
	assert.Equal(t, []float64{0, 0, -coef, 0}, got.DEntropy)
}

func TestComputeCriticLoss_SingleSurvivor(t *testing.T) {
	value := []float64{3, 0.4, -2, 8}
	old := []float64{0, 0.3, 5, 1}
	target := []float64{-6, 1, 4, 0}
	done := []bool{true, false, true, true}

	got, err := ComputeCriticLoss(value, old, target, done, 0.2, 0.5)
	require.NoError(t, err)

	// Position 1 moved 0.1, inside the clip range, so the clipped and
	// unclipped predictions agree.
	assert.InDelta(t, 0.5*0.36, got.ValueLoss, 1e-12)
	assert.InDelta(t, 0.5*0.5*0.36, got.Loss, 1e-12)
	assert.Zero(t, got.DValue[0])
	assert.InDelta(t, 0.5*(0.4-1), got.DValue[1], 1e-12)
}

func TestComputeCriticLoss_MatchesFiniteDifference(t *testing.T) {
	value := []float64{0.5, -0.3, 1.1, 0.05, 2}
	old := []float64{0.45, 0.4, 1.0, 0.0, 2.1}
	target := []float64{1, -1, 0.2, 0.3, 2}
	done := []bool{false, false, false, false, true}
	const eps, vf = 0.2, 0.5

	base, err := ComputeCriticLoss(value, old, target, done, eps, vf)
	require.NoError(t, err)
	const h = 1e-6
	for i := range value {
		v := append([]float64(nil), value...)
		v[i] += h
		plus, err := ComputeCriticLoss(v, old, target, done, eps, vf)
		require.NoError(t, err)
		v[i] -= 2 * h
		minus, err := ComputeCriticLoss(v, old, target, done, eps, vf)
		require.NoError(t, err)
		assert.InDelta(t, (plus.Loss-minus.Loss)/(2*h), base.DValue[i], 1e-6, "value %d", i)
	}
	assert.InDelta(t, vf*base.ValueLoss, base.Loss, 1e-12)
}

func TestComputeCriticLoss_UsesLargerError(t *testing.T) {
	// The clipped prediction 0.2 is further from the target than 1.
	got, err := ComputeCriticLoss([]float64{1}, []float64{0}, []float64{1}, []bool{false}, 0.2, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.5*0.64, got.ValueLoss, 1e-12)
	assert.Zero(t, got.DValue[0])
}

func TestLinearSchedule(t *testing.T) {
	lr := LinearSchedule(1, 2, 2, 4)
	for count := 0; count < 4; count++ {
		assert.Equal(t, 1.0, lr(count))
	}
	assert.Equal(t, 0.75, lr(4))
	assert.Equal(t, 0.5, lr(9))
	assert.Equal(t, 0.25, lr(15))
	assert.Equal(t, 0.3, ConstantSchedule(0.3)(1000))
}
