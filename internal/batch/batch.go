// Package batch maps per-agent keyed data to the flat actor-major layout used
// by the networks, and back.
//
// Row a*numEnvs+e of a batched tensor belongs to agent agents[a] in
// environment instance e. Recurrent hidden-state rows follow the same order.
package batch

import (
	"gonum.org/v1/gonum/mat"

	"marl-mappo/internal/errs"
)

// Batchify stacks the per-agent matrices in agents order into a single
// (numActors, features) matrix.
func Batchify(m map[string]*mat.Dense, agents []string, numActors int) (*mat.Dense, error) {
	if len(agents) == 0 {
		return nil, errs.ShapeMismatch("batchify", "empty agent order")
	}
	first, ok := m[agents[0]]
	if !ok || first == nil {
		return nil, errs.ShapeMismatch("batchify", "agent %q missing", agents[0])
	}
	rows, cols := first.Dims()
	if rows*len(agents) != numActors {
		return nil, errs.ShapeMismatch("batchify",
			"%d agents x %d rows cannot fill %d actor slots", len(agents), rows, numActors)
	}
	out := mat.NewDense(numActors, cols, nil)
	for a, name := range agents {
		x, ok := m[name]
		if !ok || x == nil {
			return nil, errs.ShapeMismatch("batchify", "agent %q missing", name)
		}
		r, c := x.Dims()
		if r != rows || c != cols {
			return nil, errs.ShapeMismatch("batchify",
				"agent %q has shape (%d, %d), want (%d, %d)", name, r, c, rows, cols)
		}
		out.Slice(a*rows, (a+1)*rows, 0, cols).(*mat.Dense).Copy(x)
	}
	return out, nil
}

// Unbatchify splits a (numActors, features) matrix into one (numEnvs,
// features) matrix per agent. The returned matrices do not alias x.
func Unbatchify(x *mat.Dense, agents []string, numEnvs, numActors int) (map[string]*mat.Dense, error) {
	if x == nil {
		return nil, errs.ShapeMismatch("unbatchify", "nil tensor")
	}
	rows, cols := x.Dims()
	if rows != numActors || len(agents)*numEnvs != numActors {
		return nil, errs.ShapeMismatch("unbatchify",
			"tensor has %d rows, want %d agents x %d envs = %d actor slots",
			rows, len(agents), numEnvs, numActors)
	}
	out := make(map[string]*mat.Dense, len(agents))
	for a, name := range agents {
		part := mat.NewDense(numEnvs, cols, nil)
		part.Copy(x.Slice(a*numEnvs, (a+1)*numEnvs, 0, cols))
		out[name] = part
	}
	return out, nil
}

// BatchifySlice is Batchify for one value per environment instance.
func BatchifySlice[T any](m map[string][]T, agents []string, numActors int) ([]T, error) {
	if len(agents) == 0 {
		return nil, errs.ShapeMismatch("batchify", "empty agent order")
	}
	if numActors%len(agents) != 0 {
		return nil, errs.ShapeMismatch("batchify",
			"%d actor slots not divisible by %d agents", numActors, len(agents))
	}
	numEnvs := numActors / len(agents)
	out := make([]T, 0, numActors)
	for _, name := range agents {
		xs, ok := m[name]
		if !ok {
			return nil, errs.ShapeMismatch("batchify", "agent %q missing", name)
		}
		if len(xs) != numEnvs {
			return nil, errs.ShapeMismatch("batchify",
				"agent %q has %d values, want %d", name, len(xs), numEnvs)
		}
		out = append(out, xs...)
	}
	return out, nil
}

// UnbatchifySlice is Unbatchify for one value per actor slot.
func UnbatchifySlice[T any](x []T, agents []string, numEnvs, numActors int) (map[string][]T, error) {
	if len(x) != numActors || len(agents)*numEnvs != numActors {
		return nil, errs.ShapeMismatch("unbatchify",
			"slice has %d values, want %d agents x %d envs = %d actor slots",
			len(x), len(agents), numEnvs, numActors)
	}
	out := make(map[string][]T, len(agents))
	for a, name := range agents {
		part := make([]T, numEnvs)
		copy(part, x[a*numEnvs:(a+1)*numEnvs])
		out[name] = part
	}
	return out, nil
}

// Broadcast repeats a per-environment (numEnvs, features) matrix once per
// agent, producing the actor-major (numAgents*numEnvs, features) layout.
func Broadcast(x *mat.Dense, numAgents int) *mat.Dense {
	rows, cols := x.Dims()
	out := mat.NewDense(numAgents*rows, cols, nil)
	for a := 0; a < numAgents; a++ {
		out.Slice(a*rows, (a+1)*rows, 0, cols).(*mat.Dense).Copy(x)
	}
	return out
}

// BroadcastSlice repeats a per-environment slice once per agent.
func BroadcastSlice[T any](x []T, numAgents int) []T {
	out := make([]T, 0, numAgents*len(x))
	for a := 0; a < numAgents; a++ {
		out = append(out, x...)
	}
	return out
}
