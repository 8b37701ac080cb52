package nn

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Param is one named parameter matrix. Biases are 1 x n.
type Param struct {
	Name  string
	Value *mat.Dense
}

// Params is an ordered parameter set. Order is fixed by the network that
// created it so reductions over all parameters are deterministic.
type Params []Param

// Clone deep-copies every matrix.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for i, q := range p {
		out[i] = Param{Name: q.Name, Value: mat.DenseCopyOf(q.Value)}
	}
	return out
}

func (p Params) ZerosLike() Params {
	out := make(Params, len(p))
	for i, q := range p {
		r, c := q.Value.Dims()
		out[i] = Param{Name: q.Name, Value: mat.NewDense(r, c, nil)}
	}
	return out
}

// Count returns the number of scalar parameters.
func (p Params) Count() int {
	n := 0
	for _, q := range p {
		r, c := q.Value.Dims()
		n += r * c
	}
	return n
}

// GlobalNorm is the L2 norm over every element of every matrix.
func (p Params) GlobalNorm() float64 {
	var sq float64
	for _, q := range p {
		n := mat.Norm(q.Value, 2)
		sq += n * n
	}
	return math.Sqrt(sq)
}

func (p Params) Scale(s float64) Params {
	out := p.Clone()
	for _, q := range out {
		q.Value.Scale(s, q.Value)
	}
	return out
}

// AllFinite reports whether every element is neither NaN nor Inf, and the
// name of the first offending matrix otherwise.
func (p Params) AllFinite() (bool, string) {
	for _, q := range p {
		raw := q.Value.RawMatrix()
		for i := 0; i < raw.Rows; i++ {
			row := raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols]
			if floats.HasNaN(row) {
				return false, q.Name
			}
			for _, v := range row {
				if math.IsInf(v, 0) {
					return false, q.Name
				}
			}
		}
	}
	return true, ""
}

// SameLayout reports whether p and o have identical names and shapes.
func (p Params) SameLayout(o Params) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i].Name != o[i].Name {
			return false
		}
		r1, c1 := p[i].Value.Dims()
		r2, c2 := o[i].Value.Dims()
		if r1 != r2 || c1 != c2 {
			return false
		}
	}
	return true
}
