package nn

import "math"

// Adam holds the optimizer hyperparameters.
type Adam struct {
	B1, B2, Eps float64
}

// DefaultAdam matches the trainer's settings: b1 0.9, b2 0.999, eps 1e-5.
func DefaultAdam() Adam {
	return Adam{B1: 0.9, B2: 0.999, Eps: 1e-5}
}

// AdamState is the per-parameter moment estimates plus the step count.
type AdamState struct {
	M, V  Params
	Count int
}

// NewAdamState returns zero moments shaped like params.
func NewAdamState(params Params) AdamState {
	return AdamState{M: params.ZerosLike(), V: params.ZerosLike()}
}

func (s AdamState) Clone() AdamState {
	return AdamState{M: s.M.Clone(), V: s.V.Clone(), Count: s.Count}
}

// Update applies one Adam step with learning rate lr. Inputs are not
// modified.
func (a Adam) Update(params, grads Params, st AdamState, lr float64) (Params, AdamState) {
	next := params.Clone()
	ns := st.Clone()
	ns.Count++
	c1 := 1 - math.Pow(a.B1, float64(ns.Count))
	c2 := 1 - math.Pow(a.B2, float64(ns.Count))
	for i := range next {
		p := denseData(next[i].Value)
		g := denseData(grads[i].Value)
		m := denseData(ns.M[i].Value)
		v := denseData(ns.V[i].Value)
		for j := range p {
			m[j] = a.B1*m[j] + (1-a.B1)*g[j]
			v[j] = a.B2*v[j] + (1-a.B2)*g[j]*g[j]
			p[j] -= lr * (m[j] / c1) / (math.Sqrt(v[j]/c2) + a.Eps)
		}
	}
	return next, ns
}

// ClipByGlobalNorm rescales grads so their global norm is at most maxNorm.
// It returns the clipped gradients and the norm before clipping.
func ClipByGlobalNorm(grads Params, maxNorm float64) (Params, float64) {
	norm := grads.GlobalNorm()
	if norm < maxNorm {
		return grads, norm
	}
	return grads.Scale(maxNorm / norm), norm
}

// TrainState couples parameters with their optimizer state.
type TrainState struct {
	Params Params
	Opt    AdamState
}

// NewTrainState starts optimization from params.
func NewTrainState(params Params) TrainState {
	return TrainState{Params: params, Opt: NewAdamState(params)}
}

func (ts TrainState) Clone() TrainState {
	return TrainState{Params: ts.Params.Clone(), Opt: ts.Opt.Clone()}
}

// Step clips grads and applies one Adam update at lr.
func (ts TrainState) Step(adam Adam, grads Params, maxGradNorm, lr float64) (TrainState, float64) {
	clipped, norm := ClipByGlobalNorm(grads, maxGradNorm)
	params, opt := adam.Update(ts.Params, clipped, ts.Opt, lr)
	return TrainState{Params: params, Opt: opt}, norm
}
