package nn

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"marl-mappo/internal/errs"
	"marl-mappo/internal/prng"
)

// ActorInput is one timestep of batched actor input.
type ActorInput struct {
	// Obs is (rows, obs features).
	Obs *mat.Dense
	// Resets marks rows whose previous step ended an episode; their hidden
	// state is zeroed before this step.
	Resets []bool
	// Avail is (rows, actions) with 1 for available actions; nil means all.
	Avail *mat.Dense
}

// Policy produces action distributions from a recurrent hidden state.
type Policy interface {
	// Unroll runs the policy over seq starting from hidden and returns the
	// final hidden state plus one distribution per step.
	Unroll(params Params, hidden *mat.Dense, seq []ActorInput) (*Unrolled, error)
}

// Unrolled is the result of a policy unroll.
type Unrolled struct {
	Hidden *mat.Dense
	Dists  []*Categorical

	backward func(dLogits []*mat.Dense) (Params, error)
}

// Backward maps per-step logit gradients to parameter gradients.
func (u *Unrolled) Backward(dLogits []*mat.Dense) (Params, error) {
	if u.backward == nil {
		return nil, errors.New("unroll has no backward pass")
	}
	if len(dLogits) != len(u.Dists) {
		return nil, errs.ShapeMismatch("actor_backward",
			"%d logit gradients for %d steps", len(dLogits), len(u.Dists))
	}
	return u.backward(dLogits)
}

// ActorRNN is Dense+ReLU -> GRU -> Dense+ReLU -> Dense logits.
type ActorRNN struct {
	ObsDim    int
	ActionDim int
	Hidden    int
}

// NewActorRNN returns an actor for the given sizes.
func NewActorRNN(obsDim, actionDim, hidden int) *ActorRNN {
	return &ActorRNN{ObsDim: obsDim, ActionDim: actionDim, Hidden: hidden}
}

var actorParamNames = []string{
	"embed/kernel", "embed/bias",
	"gru/ir/kernel", "gru/iz/kernel", "gru/in/kernel", "gru/in/bias",
	"gru/hr/kernel", "gru/hr/bias", "gru/hz/kernel", "gru/hz/bias",
	"gru/hn/kernel", "gru/hn/bias",
	"head/kernel", "head/bias",
	"logits/kernel", "logits/bias",
}

// Init draws fresh parameters.
func (a *ActorRNN) Init(key prng.Key) Params {
	rng := key.Rand()
	h := a.Hidden
	return Params{
		{"embed/kernel", Orthogonal(rng, a.ObsDim, h, math.Sqrt2)},
		{"embed/bias", Zeros(h)},
		{"gru/ir/kernel", LecunNormal(rng, h, h)},
		{"gru/iz/kernel", LecunNormal(rng, h, h)},
		{"gru/in/kernel", LecunNormal(rng, h, h)},
		{"gru/in/bias", Zeros(h)},
		{"gru/hr/kernel", Orthogonal(rng, h, h, 1)},
		{"gru/hr/bias", Zeros(h)},
		{"gru/hz/kernel", Orthogonal(rng, h, h, 1)},
		{"gru/hz/bias", Zeros(h)},
		{"gru/hn/kernel", Orthogonal(rng, h, h, 1)},
		{"gru/hn/bias", Zeros(h)},
		{"head/kernel", Orthogonal(rng, h, h, 2)},
		{"head/bias", Zeros(h)},
		{"logits/kernel", Orthogonal(rng, h, a.ActionDim, 0.01)},
		{"logits/bias", Zeros(a.ActionDim)},
	}
}

// InitHidden returns the zero hidden state for rows actor slots.
func (a *ActorRNN) InitHidden(rows int) *mat.Dense {
	return mat.NewDense(rows, a.Hidden, nil)
}

type actorWeights struct {
	embedK, embedB, irK, izK, inK, inB, hrK, hrB, hzK, hzB, hnK, hnB *mat.Dense

	headK, headB, logitsK, logitsB *mat.Dense
}

func (a *ActorRNN) bind(p Params) (*actorWeights, error) {
	if len(p) != len(actorParamNames) {
		return nil, errs.ShapeMismatch("actor_params", "got %d matrices, want %d", len(p), len(actorParamNames))
	}
	for i, name := range actorParamNames {
		if p[i].Name != name {
			return nil, errs.ShapeMismatch("actor_params", "matrix %d is %q, want %q", i, p[i].Name, name)
		}
	}
	if r, c := p[0].Value.Dims(); r != a.ObsDim || c != a.Hidden {
		return nil, errs.ShapeMismatch("actor_params", "embed kernel is (%d, %d), want (%d, %d)", r, c, a.ObsDim, a.Hidden)
	}
	if r, c := p[14].Value.Dims(); r != a.Hidden || c != a.ActionDim {
		return nil, errs.ShapeMismatch("actor_params", "logits kernel is (%d, %d), want (%d, %d)", r, c, a.Hidden, a.ActionDim)
	}
	v := func(i int) *mat.Dense { return p[i].Value }
	return &actorWeights{
		embedK: v(0), embedB: v(1),
		irK: v(2), izK: v(3), inK: v(4), inB: v(5),
		hrK: v(6), hrB: v(7), hzK: v(8), hzB: v(9), hnK: v(10), hnB: v(11),
		headK: v(12), headB: v(13), logitsK: v(14), logitsB: v(15),
	}, nil
}

type actorStep struct {
	x, pre1, e, hPrev, r, z, n, hnLin, h, pre2, act *mat.Dense

	resets []bool
}

// Unroll implements Policy.
func (a *ActorRNN) Unroll(params Params, hidden *mat.Dense, seq []ActorInput) (*Unrolled, error) {
	w, err := a.bind(params)
	if err != nil {
		return nil, err
	}
	rows, hc := hidden.Dims()
	if hc != a.Hidden {
		return nil, errs.ShapeMismatch("actor_unroll", "hidden state has %d features, want %d", hc, a.Hidden)
	}

	steps := make([]actorStep, len(seq))
	dists := make([]*Categorical, len(seq))
	h := mat.DenseCopyOf(hidden)
	for t, in := range seq {
		if err := a.checkInput(t, in, rows); err != nil {
			return nil, err
		}
		st := actorStep{x: in.Obs, resets: in.Resets}
		st.pre1 = affine(in.Obs, w.embedK, w.embedB)
		st.e = apply(st.pre1, relu)
		st.hPrev = resetRows(h, in.Resets)

		rPre := affine(st.e, w.irK, nil)
		rPre.Add(rPre, affine(st.hPrev, w.hrK, w.hrB))
		st.r = apply(rPre, sigmoid)

		zPre := affine(st.e, w.izK, nil)
		zPre.Add(zPre, affine(st.hPrev, w.hzK, w.hzB))
		st.z = apply(zPre, sigmoid)

		st.hnLin = affine(st.hPrev, w.hnK, w.hnB)
		gated := mat.NewDense(rows, a.Hidden, nil)
		gated.MulElem(st.r, st.hnLin)
		nPre := affine(st.e, w.inK, w.inB)
		nPre.Add(nPre, gated)
		st.n = apply(nPre, math.Tanh)

		next := mat.NewDense(rows, a.Hidden, nil)
		nd, zd, hd, od := denseData(st.n), denseData(st.z), denseData(st.hPrev), denseData(next)
		for i := range od {
			od[i] = (1-zd[i])*nd[i] + zd[i]*hd[i]
		}
		st.h = next
		h = next

		st.pre2 = affine(st.h, w.headK, w.headB)
		st.act = apply(st.pre2, relu)
		logits := affine(st.act, w.logitsK, w.logitsB)
		dists[t] = NewCategorical(logits, in.Avail)
		steps[t] = st
	}

	u := &Unrolled{Hidden: h, Dists: dists}
	u.backward = func(dLogits []*mat.Dense) (Params, error) {
		return a.backward(w, params, steps, dLogits)
	}
	return u, nil
}

func (a *ActorRNN) checkInput(t int, in ActorInput, rows int) error {
	if in.Obs == nil {
		return errs.ShapeMismatch("actor_unroll", "step %d has no observation", t)
	}
	if r, c := in.Obs.Dims(); r != rows || c != a.ObsDim {
		return errs.ShapeMismatch("actor_unroll", "step %d observation is (%d, %d), want (%d, %d)", t, r, c, rows, a.ObsDim)
	}
	if len(in.Resets) != rows {
		return errs.ShapeMismatch("actor_unroll", "step %d has %d reset flags, want %d", t, len(in.Resets), rows)
	}
	if in.Avail != nil {
		if r, c := in.Avail.Dims(); r != rows || c != a.ActionDim {
			return errs.ShapeMismatch("actor_unroll", "step %d avail mask is (%d, %d), want (%d, %d)", t, r, c, rows, a.ActionDim)
		}
	}
	return nil
}

func (a *ActorRNN) backward(w *actorWeights, params Params, steps []actorStep, dLogits []*mat.Dense) (Params, error) {
	grads := params.ZerosLike()
	g := func(i int) *mat.Dense { return grads[i].Value }
	dEmbedK, dEmbedB := g(0), g(1)
	dIrK, dIzK, dInK, dInB := g(2), g(3), g(4), g(5)
	dHrK, dHrB, dHzK, dHzB, dHnK, dHnB := g(6), g(7), g(8), g(9), g(10), g(11)
	dHeadK, dHeadB, dLogitsK, dLogitsB := g(12), g(13), g(14), g(15)

	var dhNext *mat.Dense
	for t := len(steps) - 1; t >= 0; t-- {
		st := steps[t]
		dl := dLogits[t]
		rows, _ := st.h.Dims()
		if r, c := dl.Dims(); r != rows || c != a.ActionDim {
			return nil, errs.ShapeMismatch("actor_backward", "step %d logit gradient is (%d, %d), want (%d, %d)", t, r, c, rows, a.ActionDim)
		}

		accumulate(dLogitsK, st.act, dl)
		accumulateBias(dLogitsB, dl)
		dPre2 := reluGrad(backprop(dl, w.logitsK), st.pre2)
		accumulate(dHeadK, st.h, dPre2)
		accumulateBias(dHeadB, dPre2)
		dh := backprop(dPre2, w.headK)
		if dhNext != nil {
			dh.Add(dh, dhNext)
		}

		n, z, r := denseData(st.n), denseData(st.z), denseData(st.r)
		hp, hnLin, dhd := denseData(st.hPrev), denseData(st.hnLin), denseData(dh)
		dAn := mat.NewDense(rows, a.Hidden, nil)
		dAz := mat.NewDense(rows, a.Hidden, nil)
		dAr := mat.NewDense(rows, a.Hidden, nil)
		dHnLin := mat.NewDense(rows, a.Hidden, nil)
		dHPrev := mat.NewDense(rows, a.Hidden, nil)
		an, az, ar, dhl, dhp := denseData(dAn), denseData(dAz), denseData(dAr), denseData(dHnLin), denseData(dHPrev)
		for i := range dhd {
			dn := dhd[i] * (1 - z[i])
			dz := dhd[i] * (hp[i] - n[i])
			dhp[i] = dhd[i] * z[i]
			an[i] = dn * (1 - n[i]*n[i])
			dr := an[i] * hnLin[i]
			dhl[i] = an[i] * r[i]
			az[i] = dz * z[i] * (1 - z[i])
			ar[i] = dr * r[i] * (1 - r[i])
		}

		accumulate(dInK, st.e, dAn)
		accumulateBias(dInB, dAn)
		accumulate(dHnK, st.hPrev, dHnLin)
		accumulateBias(dHnB, dHnLin)
		accumulate(dIzK, st.e, dAz)
		accumulate(dHzK, st.hPrev, dAz)
		accumulateBias(dHzB, dAz)
		accumulate(dIrK, st.e, dAr)
		accumulate(dHrK, st.hPrev, dAr)
		accumulateBias(dHrB, dAr)

		de := backprop(dAn, w.inK)
		de.Add(de, backprop(dAz, w.izK))
		de.Add(de, backprop(dAr, w.irK))

		dHPrev.Add(dHPrev, backprop(dHnLin, w.hnK))
		dHPrev.Add(dHPrev, backprop(dAz, w.hzK))
		dHPrev.Add(dHPrev, backprop(dAr, w.hrK))
		// Gradient does not flow into a hidden state that was reset.
		for i, reset := range st.resets {
			if reset {
				row := dHPrev.RawRowView(i)
				for j := range row {
					row[j] = 0
				}
			}
		}
		dhNext = dHPrev

		dPre1 := reluGrad(de, st.pre1)
		accumulate(dEmbedK, st.x, dPre1)
		accumulateBias(dEmbedB, dPre1)
	}
	return grads, nil
}

func resetRows(h *mat.Dense, resets []bool) *mat.Dense {
	out := mat.DenseCopyOf(h)
	for i, reset := range resets {
		if reset {
			row := out.RawRowView(i)
			for j := range row {
				row[j] = 0
			}
		}
	}
	return out
}

// String describes the architecture.
func (a *ActorRNN) String() string {
	return fmt.Sprintf("ActorRNN(obs=%d, hidden=%d, actions=%d)", a.ObsDim, a.Hidden, a.ActionDim)
}
