package nn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"marl-mappo/internal/errs"
	"marl-mappo/internal/prng"
)

func randomDense(key prng.Key, r, c int) *mat.Dense {
	rng := key.Rand()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, rng.NormFloat64())
		}
	}
	return out
}

func testSeq(key prng.Key, steps, rows, obs int, resets [][]bool) []ActorInput {
	seq := make([]ActorInput, steps)
	for t := range seq {
		seq[t] = ActorInput{
			Obs:    randomDense(key.Fold(uint64(t)), rows, obs),
			Resets: resets[t],
		}
	}
	return seq
}

func TestActorRNN_UnrollShapes(t *testing.T) {
	a := NewActorRNN(5, 3, 8)
	params := a.Init(prng.New(1))
	seq := testSeq(prng.New(2), 4, 6, 5, [][]bool{
		make([]bool, 6), make([]bool, 6), make([]bool, 6), make([]bool, 6),
	})
	out, err := a.Unroll(params, a.InitHidden(6), seq)
	require.NoError(t, err)
	require.Len(t, out.Dists, 4)
	r, c := out.Hidden.Dims()
	assert.Equal(t, 6, r)
	assert.Equal(t, 8, c)
	assert.Equal(t, 6, out.Dists[3].Rows())
}

func TestActorRNN_ResetUsesZeroHidden(t *testing.T) {
	a := NewActorRNN(4, 3, 6)
	params := a.Init(prng.New(3))
	obs := randomDense(prng.New(4), 2, 4)
	stale := randomDense(prng.New(5), 2, 6)

	withReset, err := a.Unroll(params, stale, []ActorInput{{Obs: obs, Resets: []bool{true, false}}})
	require.NoError(t, err)
	fromZero, err := a.Unroll(params, a.InitHidden(2), []ActorInput{{Obs: obs, Resets: []bool{false, false}}})
	require.NoError(t, err)
	carried, err := a.Unroll(params, stale, []ActorInput{{Obs: obs, Resets: []bool{false, false}}})
	require.NoError(t, err)

	assert.InDeltaSlice(t, fromZero.Hidden.RawRowView(0), withReset.Hidden.RawRowView(0), 1e-12)
	assert.InDeltaSlice(t, fromZero.Dists[0].Probs().RawRowView(0), withReset.Dists[0].Probs().RawRowView(0), 1e-12)
	assert.InDeltaSlice(t, carried.Hidden.RawRowView(1), withReset.Hidden.RawRowView(1), 1e-12)
	assert.NotEqual(t, fromZero.Hidden.RawRowView(1), withReset.Hidden.RawRowView(1))

	// The caller's hidden state is never modified.
	assert.True(t, mat.Equal(stale, randomDense(prng.New(5), 2, 6)))
}

func TestActorRNN_ShapeErrors(t *testing.T) {
	a := NewActorRNN(4, 3, 6)
	params := a.Init(prng.New(3))
	_, err := a.Unroll(params, a.InitHidden(2), []ActorInput{{Obs: mat.NewDense(3, 4, nil), Resets: make([]bool, 3)}})
	assert.True(t, errs.Is(err, errs.CodeShapeMismatch))

	_, err = a.Unroll(params, a.InitHidden(2), []ActorInput{{Obs: mat.NewDense(2, 4, nil), Resets: make([]bool, 1)}})
	assert.True(t, errs.Is(err, errs.CodeShapeMismatch))

	_, err = a.Unroll(params[:3], a.InitHidden(2), nil)
	assert.True(t, errs.Is(err, errs.CodeShapeMismatch))
}

func TestActorRNN_GradientMatchesFiniteDifference(t *testing.T) {
	a := NewActorRNN(3, 3, 4)
	params := a.Init(prng.New(11))
	// Enlarge the output layer so gradients are well above round-off.
	params[14].Value.Scale(100, params[14].Value)
	hidden := randomDense(prng.New(12), 2, 4)
	seq := testSeq(prng.New(13), 3, 2, 3, [][]bool{{false, false}, {true, false}, {false, false}})
	actions := [][]int{{0, 2}, {1, 1}, {2, 0}}
	coef := [][]float64{{0.5, -0.3}, {1.0, 0.2}, {-0.7, 0.9}}

	objective := func(p Params) float64 {
		out, err := a.Unroll(p, hidden, seq)
		require.NoError(t, err)
		var total float64
		for ti, d := range out.Dists {
			lp := d.LogProb(actions[ti])
			h := d.Entropy()
			for i := range lp {
				total += coef[ti][i]*lp[i] + 0.1*h[i]
			}
		}
		return total
	}

	out, err := a.Unroll(params, hidden, seq)
	require.NoError(t, err)
	dLogits := make([]*mat.Dense, len(out.Dists))
	for ti, d := range out.Dists {
		g := d.LogProbGrad(actions[ti], coef[ti])
		g.Add(g, d.EntropyGrad([]float64{0.1, 0.1}))
		dLogits[ti] = g
	}
	grads, err := out.Backward(dLogits)
	require.NoError(t, err)
	require.True(t, grads.SameLayout(params))

	const eps = 1e-6
	for pi, p := range params {
		r, c := p.Value.Dims()
		for _, ij := range [][2]int{{0, 0}, {r - 1, c - 1}} {
			plus := params.Clone()
			minus := params.Clone()
			plus[pi].Value.Set(ij[0], ij[1], p.Value.At(ij[0], ij[1])+eps)
			minus[pi].Value.Set(ij[0], ij[1], p.Value.At(ij[0], ij[1])-eps)
			numeric := (objective(plus) - objective(minus)) / (2 * eps)
			assert.InDelta(t, numeric, grads[pi].Value.At(ij[0], ij[1]), 1e-5, "%s[%d,%d]", p.Name, ij[0], ij[1])
		}
	}
}
