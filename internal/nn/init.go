package nn

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// Orthogonal returns a rows x cols matrix with orthonormal rows or columns
// scaled by gain.
func Orthogonal(rng *rand.Rand, rows, cols int, gain float64) *mat.Dense {
	n, m := rows, cols
	transpose := rows < cols
	if transpose {
		n, m = cols, rows
	}
	a := mat.NewDense(n, m, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			a.Set(i, j, rng.NormFloat64())
		}
	}
	var qr mat.QR
	qr.Factorize(a)
	var q, r mat.Dense
	qr.QTo(&q)
	qr.RTo(&r)

	out := mat.NewDense(n, m, nil)
	for j := 0; j < m; j++ {
		sign := 1.0
		if r.At(j, j) < 0 {
			sign = -1
		}
		for i := 0; i < n; i++ {
			out.Set(i, j, gain*sign*q.At(i, j))
		}
	}
	if transpose {
		return mat.DenseCopyOf(out.T())
	}
	return out
}

// LecunNormal draws from N(0, 1/fanIn) where fanIn is rows.
func LecunNormal(rng *rand.Rand, rows, cols int) *mat.Dense {
	std := 1 / math.Sqrt(float64(rows))
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out.Set(i, j, rng.NormFloat64()*std)
		}
	}
	return out
}

// Zeros returns a 1 x n bias row.
func Zeros(n int) *mat.Dense {
	return mat.NewDense(1, n, nil)
}
