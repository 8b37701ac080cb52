package nn

import (
	"errors"

	"gonum.org/v1/gonum/mat"

	"marl-mappo/internal/errs"
	"marl-mappo/internal/prng"
)

// Critic estimates one scalar value per row of world state.
type Critic interface {
	Apply(params Params, worldState *mat.Dense) (*Evaluated, error)
}

// Evaluated holds critic outputs and their backward pass.
type Evaluated struct {
	Values []float64

	backward func(dValues []float64) (Params, error)
}

// Backward maps value gradients to parameter gradients.
func (e *Evaluated) Backward(dValues []float64) (Params, error) {
	if e.backward == nil {
		return nil, errors.New("evaluation has no backward pass")
	}
	if len(dValues) != len(e.Values) {
		return nil, errs.ShapeMismatch("critic_backward", "%d gradients for %d values", len(dValues), len(e.Values))
	}
	return e.backward(dValues)
}

// MLPCritic is Dense+ReLU -> Dense(1).
type MLPCritic struct {
	StateDim int
	Hidden   int
}

// NewMLPCritic returns a critic over stateDim-wide world states.
func NewMLPCritic(stateDim, hidden int) *MLPCritic {
	return &MLPCritic{StateDim: stateDim, Hidden: hidden}
}

// Init draws fresh parameters.
func (c *MLPCritic) Init(key prng.Key) Params {
	rng := key.Rand()
	return Params{
		{"dense/kernel", Orthogonal(rng, c.StateDim, c.Hidden, 2)},
		{"dense/bias", Zeros(c.Hidden)},
		{"value/kernel", Orthogonal(rng, c.Hidden, 1, 1)},
		{"value/bias", Zeros(1)},
	}
}

// Apply implements Critic.
func (c *MLPCritic) Apply(params Params, worldState *mat.Dense) (*Evaluated, error) {
	if len(params) != 4 {
		return nil, errs.ShapeMismatch("critic_params", "got %d matrices, want 4", len(params))
	}
	k1, b1, k2, b2 := params[0].Value, params[1].Value, params[2].Value, params[3].Value
	rows, cols := worldState.Dims()
	if cols != c.StateDim {
		return nil, errs.ShapeMismatch("critic_apply", "world state has %d features, want %d", cols, c.StateDim)
	}
	if r, cc := k1.Dims(); r != c.StateDim || cc != c.Hidden {
		return nil, errs.ShapeMismatch("critic_params", "dense kernel is (%d, %d), want (%d, %d)", r, cc, c.StateDim, c.Hidden)
	}

	pre := affine(worldState, k1, b1)
	act := apply(pre, relu)
	out := affine(act, k2, b2)
	values := mat.Col(nil, 0, out)

	ev := &Evaluated{Values: values}
	ev.backward = func(dValues []float64) (Params, error) {
		grads := params.ZerosLike()
		dv := mat.NewDense(rows, 1, append([]float64(nil), dValues...))
		accumulate(grads[2].Value, act, dv)
		accumulateBias(grads[3].Value, dv)
		dPre := reluGrad(backprop(dv, k2), pre)
		accumulate(grads[0].Value, worldState, dPre)
		accumulateBias(grads[1].Value, dPre)
		return grads, nil
	}
	return ev, nil
}
