package nn

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// affine computes x*w + b, broadcasting the 1 x n bias over rows.
func affine(x mat.Matrix, w, b *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Mul(x, w)
	if b != nil {
		bias := b.RawRowView(0)
		r, _ := out.Dims()
		for i := 0; i < r; i++ {
			floats.Add(out.RawRowView(i), bias)
		}
	}
	return &out
}

// accumulate adds x^T * d into dw.
func accumulate(dw *mat.Dense, x mat.Matrix, d *mat.Dense) {
	var g mat.Dense
	g.Mul(x.T(), d)
	dw.Add(dw, &g)
}

// accumulateBias adds the column sums of d into the 1 x n db.
func accumulateBias(db *mat.Dense, d *mat.Dense) {
	sum := db.RawRowView(0)
	r, _ := d.Dims()
	for i := 0; i < r; i++ {
		floats.Add(sum, d.RawRowView(i))
	}
}

// backprop returns d * w^T, the gradient flowing into the layer input.
func backprop(d, w *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Mul(d, w.T())
	return &out
}

func apply(m *mat.Dense, f func(float64) float64) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	out.Apply(func(_, _ int, v float64) float64 { return f(v) }, m)
	return out
}

func relu(v float64) float64 {
	if v > 0 {
		return v
	}
	return 0
}

func sigmoid(v float64) float64 {
	return 1 / (1 + math.Exp(-v))
}

// reluGrad zeroes d where the pre-activation was not positive.
func reluGrad(d, pre *mat.Dense) *mat.Dense {
	r, c := d.Dims()
	out := mat.NewDense(r, c, nil)
	out.Apply(func(i, j int, v float64) float64 {
		if pre.At(i, j) > 0 {
			return v
		}
		return 0
	}, d)
	return out
}

// denseData returns the backing slice of a freshly allocated matrix.
func denseData(m *mat.Dense) []float64 {
	raw := m.RawMatrix()
	if raw.Stride != raw.Cols {
		m = mat.DenseCopyOf(m)
		raw = m.RawMatrix()
	}
	return raw.Data[:raw.Rows*raw.Cols]
}
