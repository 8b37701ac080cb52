package nn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"marl-mappo/internal/errs"
	"marl-mappo/internal/prng"
)

func TestMLPCritic_ApplyShapes(t *testing.T) {
	c := NewMLPCritic(7, 16)
	params := c.Init(prng.New(1))
	ev, err := c.Apply(params, randomDense(prng.New(2), 5, 7))
	require.NoError(t, err)
	assert.Len(t, ev.Values, 5)

	_, err = c.Apply(params, mat.NewDense(5, 6, nil))
	assert.True(t, errs.Is(err, errs.CodeShapeMismatch))
}

func TestMLPCritic_GradientMatchesFiniteDifference(t *testing.T) {
	c := NewMLPCritic(3, 5)
	params := c.Init(prng.New(4))
	ws := randomDense(prng.New(5), 4, 3)
	coef := []float64{0.3, -1.1, 0.8, 0.05}

	objective := func(p Params) float64 {
		ev, err := c.Apply(p, ws)
		require.NoError(t, err)
		var total float64
		for i, v := range ev.Values {
			total += coef[i] * v * v
		}
		return total
	}

	ev, err := c.Apply(params, ws)
	require.NoError(t, err)
	dv := make([]float64, len(ev.Values))
	for i, v := range ev.Values {
		dv[i] = 2 * coef[i] * v
	}
	grads, err := ev.Backward(dv)
	require.NoError(t, err)

	const eps = 1e-6
	for pi, p := range params {
		r, cols := p.Value.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < cols; j++ {
				plus := params.Clone()
				minus := params.Clone()
				plus[pi].Value.Set(i, j, p.Value.At(i, j)+eps)
				minus[pi].Value.Set(i, j, p.Value.At(i, j)-eps)
				numeric := (objective(plus) - objective(minus)) / (2 * eps)
				assert.InDelta(t, numeric, grads[pi].Value.At(i, j), 1e-5, "%s[%d,%d]", p.Name, i, j)
			}
		}
	}

	_, err = ev.Backward([]float64{1})
	assert.True(t, errs.Is(err, errs.CodeShapeMismatch))
}
