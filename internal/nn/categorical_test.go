package nn

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"marl-mappo/internal/prng"
)

func TestCategorical_MaskedActionsNeverSampled(t *testing.T) {
	logits := mat.NewDense(2, 3, []float64{5, 0, 0, 0, 0, 0})
	avail := mat.NewDense(2, 3, []float64{0, 1, 1, 1, 1, 0})
	d := NewCategorical(logits, avail)

	assert.Equal(t, 0.0, d.Probs().At(0, 0))
	assert.Equal(t, 0.0, d.Probs().At(1, 2))
	for i := 0; i < 2; i++ {
		assert.InDelta(t, 1.0, floats.Sum(d.Probs().RawRowView(i)), 1e-12)
	}

	rng := prng.New(1).Rand()
	for n := 0; n < 500; n++ {
		a := d.Sample(rng)
		assert.NotEqual(t, 0, a[0])
		assert.NotEqual(t, 2, a[1])
	}
}

func TestCategorical_LogProbAndEntropy(t *testing.T) {
	d := NewCategorical(mat.NewDense(1, 4, nil), nil)
	assert.InDelta(t, math.Log(0.25), d.LogProb([]int{2})[0], 1e-12)
	assert.InDelta(t, math.Log(4), d.Entropy()[0], 1e-12)

	masked := NewCategorical(mat.NewDense(1, 4, nil), mat.NewDense(1, 4, []float64{1, 1, 0, 0}))
	assert.InDelta(t, math.Log(2), masked.Entropy()[0], 1e-12)
	assert.False(t, math.IsNaN(masked.Entropy()[0]))
}

func TestCategorical_GradientsMatchFiniteDifference(t *testing.T) {
	raw := []float64{0.3, -1.2, 0.8, 0.1, 2.0, -0.4}
	avail := mat.NewDense(2, 3, []float64{1, 1, 1, 1, 0, 1})
	actions := []int{2, 0}
	lpCoef := []float64{0.7, -1.3}
	entCoef := []float64{0.2, 0.5}

	objective := func(logits []float64) float64 {
		d := NewCategorical(mat.NewDense(2, 3, logits), avail)
		lp := d.LogProb(actions)
		h := d.Entropy()
		return lpCoef[0]*lp[0] + lpCoef[1]*lp[1] + entCoef[0]*h[0] + entCoef[1]*h[1]
	}

	d := NewCategorical(mat.NewDense(2, 3, append([]float64(nil), raw...)), avail)
	var grad mat.Dense
	grad.Add(d.LogProbGrad(actions, lpCoef), d.EntropyGrad(entCoef))

	const eps = 1e-6
	for i := range raw {
		if i == 4 {
			continue // masked logit, gradient is exactly zero
		}
		plus := append([]float64(nil), raw...)
		minus := append([]float64(nil), raw...)
		plus[i] += eps
		minus[i] -= eps
		numeric := (objective(plus) - objective(minus)) / (2 * eps)
		assert.InDelta(t, numeric, grad.At(i/3, i%3), 1e-6, "logit %d", i)
	}
	assert.Equal(t, 0.0, grad.At(1, 1))
}

func TestSampleCategorical_Fallback(t *testing.T) {
	rng := prng.New(0).Rand()
	// Probabilities summing below one must still select an available action.
	for n := 0; n < 100; n++ {
		a := sampleCategorical([]float64{0, 0.5, 0.49, 0}, rng)
		require.Contains(t, []int{1, 2}, a)
	}
}
