package nn

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// UnavailablePenalty is subtracted from the logit of every masked action.
const UnavailablePenalty = 1e10

// Categorical is a batch of independent categorical distributions, one per
// row of logits.
type Categorical struct {
	logp  *mat.Dense
	probs *mat.Dense
}

// NewCategorical builds the distribution from raw logits. avail holds 1 for
// an available action and 0 otherwise; nil means every action is available.
func NewCategorical(logits, avail *mat.Dense) *Categorical {
	r, c := logits.Dims()
	logp := mat.NewDense(r, c, nil)
	probs := mat.NewDense(r, c, nil)
	row := make([]float64, c)
	for i := 0; i < r; i++ {
		mat.Row(row, i, logits)
		if avail != nil {
			for j := range row {
				row[j] -= (1 - avail.At(i, j)) * UnavailablePenalty
			}
		}
		lse := floats.LogSumExp(row)
		lp := logp.RawRowView(i)
		p := probs.RawRowView(i)
		for j, v := range row {
			lp[j] = v - lse
			p[j] = math.Exp(lp[j])
		}
	}
	return &Categorical{logp: logp, probs: probs}
}

// Rows returns the batch size.
func (c *Categorical) Rows() int {
	r, _ := c.probs.Dims()
	return r
}

// Probs returns the probability matrix. Callers must not modify it.
func (c *Categorical) Probs() *mat.Dense { return c.probs }

// Sample draws one action per row.
func (c *Categorical) Sample(rng *rand.Rand) []int {
	r, _ := c.probs.Dims()
	out := make([]int, r)
	for i := range out {
		out[i] = sampleCategorical(c.probs.RawRowView(i), rng)
	}
	return out
}

// LogProb returns log p(actions[i]) for every row.
func (c *Categorical) LogProb(actions []int) []float64 {
	out := make([]float64, len(actions))
	for i, a := range actions {
		out[i] = c.logp.At(i, a)
	}
	return out
}

// Entropy returns the entropy of every row.
func (c *Categorical) Entropy() []float64 {
	r, _ := c.probs.Dims()
	out := make([]float64, r)
	for i := range out {
		p := c.probs.RawRowView(i)
		lp := c.logp.RawRowView(i)
		var h float64
		for j := range p {
			if p[j] > 0 {
				h -= p[j] * lp[j]
			}
		}
		out[i] = h
	}
	return out
}

// LogProbGrad returns the gradient of sum_i coef[i]*log p(actions[i]) with
// respect to the logits.
func (c *Categorical) LogProbGrad(actions []int, coef []float64) *mat.Dense {
	r, k := c.probs.Dims()
	out := mat.NewDense(r, k, nil)
	for i, a := range actions {
		if coef[i] == 0 {
			continue
		}
		g := out.RawRowView(i)
		p := c.probs.RawRowView(i)
		for j := range g {
			g[j] = -coef[i] * p[j]
		}
		g[a] += coef[i]
	}
	return out
}

// EntropyGrad returns the gradient of sum_i coef[i]*H_i with respect to the
// logits.
func (c *Categorical) EntropyGrad(coef []float64) *mat.Dense {
	r, k := c.probs.Dims()
	out := mat.NewDense(r, k, nil)
	h := c.Entropy()
	for i := 0; i < r; i++ {
		if coef[i] == 0 {
			continue
		}
		g := out.RawRowView(i)
		p := c.probs.RawRowView(i)
		lp := c.logp.RawRowView(i)
		for j := range g {
			if p[j] > 0 {
				g[j] = -coef[i] * p[j] * (lp[j] + h[i])
			}
		}
	}
	return out
}

func sampleCategorical(probs []float64, rng *rand.Rand) int {
	threshold := rng.Float64()
	var cumulativeProb float64
	last := 0
	for i, prob := range probs {
		if prob <= 0 {
			continue
		}
		last = i
		cumulativeProb += prob
		if threshold < cumulativeProb {
			return i
		}
	}
	return last
}
