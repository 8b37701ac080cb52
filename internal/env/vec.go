package env

import (
	"fmt"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"marl-mappo/internal/errs"
	"marl-mappo/internal/prng"
)

// Batch is the observation of every instance, one (numEnvs, features)
// matrix per agent plus the stacked world states.
type Batch struct {
	Agents     map[string]*mat.Dense
	WorldState *mat.Dense
}

// VecStep is the outcome of stepping every instance once.
type VecStep struct {
	Obs     Batch
	States  []State
	Rewards map[string][]float64
	Dones   map[string][]bool
	DoneAll []bool
	// Info maps metric name to agent to one value per instance.
	Info map[string]map[string][]float64
}

// Vec drives a fixed number of instances of one Env in lockstep. Instances
// are independent, so a step runs them concurrently; results are placed by
// instance index and are identical to a sequential run.
type Vec struct {
	env     Env
	numEnvs int
	workers int
}

// NewVec returns a driver over numEnvs instances of e.
func NewVec(e Env, numEnvs int) *Vec {
	return &Vec{env: e, numEnvs: numEnvs, workers: runtime.GOMAXPROCS(0)}
}

func (v *Vec) NumEnvs() int { return v.numEnvs }

// Agents returns the agent order shared by every batched tensor.
func (v *Vec) Agents() []string { return v.env.Agents() }

// Reset starts every instance with its own sub-stream of key.
func (v *Vec) Reset(key prng.Key) (Batch, []State, error) {
	keys := key.SplitN(v.numEnvs)
	obs := make([]Observation, v.numEnvs)
	states := make([]State, v.numEnvs)
	for i := range keys {
		obs[i], states[i] = v.env.Reset(keys[i].Rand())
	}
	batch, err := v.stackObs(obs)
	if err != nil {
		return Batch{}, nil, err
	}
	return batch, states, nil
}

// Step advances every instance by one step. actions maps each agent to one
// action per instance.
func (v *Vec) Step(key prng.Key, states []State, actions map[string][]int) (VecStep, error) {
	if len(states) != v.numEnvs {
		return VecStep{}, errs.ShapeMismatch("env_step", "%d states for %d instances", len(states), v.numEnvs)
	}
	agents := v.env.Agents()
	for _, a := range agents {
		if len(actions[a]) != v.numEnvs {
			return VecStep{}, errs.ShapeMismatch("env_step",
				"agent %q has %d actions, want %d", a, len(actions[a]), v.numEnvs)
		}
	}

	keys := key.SplitN(v.numEnvs)
	results := make([]StepResult, v.numEnvs)
	var g errgroup.Group
	g.SetLimit(v.workers)
	for i := 0; i < v.numEnvs; i++ {
		g.Go(func() error {
			act := make(map[string]int, len(agents))
			for _, a := range agents {
				act[a] = actions[a][i]
			}
			res, err := v.env.Step(keys[i].Rand(), states[i], act)
			if err != nil {
				return errs.Environment(fmt.Sprintf("env_step[%d]", i), err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return VecStep{}, err
	}
	return v.gather(results)
}

// AvailableActions returns one (numEnvs, actions) 0/1 matrix per agent.
func (v *Vec) AvailableActions(states []State) (map[string]*mat.Dense, error) {
	agents := v.env.Agents()
	k := v.env.ActionCount()
	out := make(map[string]*mat.Dense, len(agents))
	for _, a := range agents {
		out[a] = mat.NewDense(v.numEnvs, k, nil)
	}
	for i, s := range states {
		avail := v.env.AvailableActions(s)
		for _, a := range agents {
			mask, ok := avail[a]
			if !ok || len(mask) != k {
				return nil, errs.ShapeMismatch("available_actions",
					"instance %d agent %q has %d mask entries, want %d", i, a, len(mask), k)
			}
			row := out[a].RawRowView(i)
			for j, ok := range mask {
				if ok {
					row[j] = 1
				}
			}
		}
	}
	return out, nil
}

func (v *Vec) stackObs(obs []Observation) (Batch, error) {
	agents := v.env.Agents()
	obsSize, stateSize := v.env.ObservationSize(), v.env.StateSize()
	b := Batch{
		Agents:     make(map[string]*mat.Dense, len(agents)),
		WorldState: mat.NewDense(v.numEnvs, stateSize, nil),
	}
	for _, a := range agents {
		b.Agents[a] = mat.NewDense(v.numEnvs, obsSize, nil)
	}
	for i, o := range obs {
		for _, a := range agents {
			x, ok := o.Agents[a]
			if !ok || len(x) != obsSize {
				return Batch{}, errs.ShapeMismatch("observation",
					"instance %d agent %q has %d features, want %d", i, a, len(x), obsSize)
			}
			b.Agents[a].SetRow(i, x)
		}
		if len(o.WorldState) != stateSize {
			return Batch{}, errs.ShapeMismatch("world_state",
				"instance %d has %d features, want %d", i, len(o.WorldState), stateSize)
		}
		b.WorldState.SetRow(i, o.WorldState)
	}
	return b, nil
}

func (v *Vec) gather(results []StepResult) (VecStep, error) {
	agents := v.env.Agents()
	obs := make([]Observation, len(results))
	out := VecStep{
		States:  make([]State, len(results)),
		Rewards: make(map[string][]float64, len(agents)),
		Dones:   make(map[string][]bool, len(agents)),
		DoneAll: make([]bool, len(results)),
		Info:    map[string]map[string][]float64{},
	}
	for _, a := range agents {
		out.Rewards[a] = make([]float64, len(results))
		out.Dones[a] = make([]bool, len(results))
	}

	keys := infoKeys(results[0].Info)
	for _, k := range keys {
		out.Info[k] = make(map[string][]float64, len(agents))
		for _, a := range agents {
			out.Info[k][a] = make([]float64, len(results))
		}
	}

	for i, r := range results {
		obs[i] = r.Obs
		out.States[i] = r.State
		out.DoneAll[i] = r.Dones.All
		for _, a := range agents {
			out.Rewards[a][i] = r.Rewards[a]
			out.Dones[a][i] = r.Dones.Agents[a]
		}
		if len(r.Info) != len(keys) {
			return VecStep{}, errs.ShapeMismatch("info", "instance %d reports %d metrics, want %d", i, len(r.Info), len(keys))
		}
		for _, k := range keys {
			vals, ok := r.Info[k]
			if !ok {
				return VecStep{}, errs.ShapeMismatch("info", "instance %d is missing metric %q", i, k)
			}
			for _, a := range agents {
				out.Info[k][a][i] = vals[a]
			}
		}
	}

	batch, err := v.stackObs(obs)
	if err != nil {
		return VecStep{}, err
	}
	out.Obs = batch
	return out, nil
}

func infoKeys(info Info) []string {
	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
