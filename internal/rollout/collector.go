// Package rollout drives the vectorised environment with the current policy
// for a fixed horizon and records what happened.
package rollout

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"marl-mappo/internal/batch"
	"marl-mappo/internal/buffer"
	"marl-mappo/internal/env"
	"marl-mappo/internal/errs"
	"marl-mappo/internal/nn"
	"marl-mappo/internal/prng"
)

// State is the part of the runner state a rollout advances.
type State struct {
	ActorParams  nn.Params
	CriticParams nn.Params
	EnvStates    []env.State
	LastObs      env.Batch
	// LastDone is the per-actor-slot done flag of the previous step.
	LastDone []bool
	Hidden   *mat.Dense
	Key      prng.Key
}

// Result is one collected round.
type Result struct {
	Trajectory *buffer.Trajectory
	// InitHidden is the hidden state before the first step. Every
	// optimisation epoch replays the policy from it.
	InitHidden *mat.Dense
	// LastValue is the critic estimate for the observation following the
	// final step, one per actor slot.
	LastValue []float64
	State     State
}

// Collector records NUM_STEPS transitions per call.
type Collector struct {
	Vec      *env.Vec
	Policy   nn.Policy
	Critic   nn.Critic
	NumSteps int
}

// NewCollector returns a collector over vec.
func NewCollector(vec *env.Vec, policy nn.Policy, critic nn.Critic, numSteps int) *Collector {
	return &Collector{Vec: vec, Policy: policy, Critic: critic, NumSteps: numSteps}
}

func (c *Collector) NumActors() int {
	return len(c.Vec.Agents()) * c.Vec.NumEnvs()
}

// Reset starts every instance and returns a state with zero hidden rows and
// cleared done flags.
func (c *Collector) Reset(key prng.Key, actor, critic nn.Params, hidden *mat.Dense) (State, error) {
	resetKey, next := key.Split()
	obs, states, err := c.Vec.Reset(resetKey)
	if err != nil {
		return State{}, err
	}
	return State{
		ActorParams:  actor,
		CriticParams: critic,
		EnvStates:    states,
		LastObs:      obs,
		LastDone:     make([]bool, c.NumActors()),
		Hidden:       hidden,
		Key:          next,
	}, nil
}

// Collect runs NumSteps lockstep steps from st. st is not modified.
func (c *Collector) Collect(st State) (Result, error) {
	numActors := c.NumActors()
	if r, _ := st.Hidden.Dims(); r != numActors {
		return Result{}, errs.ShapeMismatch("rollout", "hidden state has %d rows, want %d", r, numActors)
	}
	if len(st.LastDone) != numActors {
		return Result{}, errs.ShapeMismatch("rollout", "%d done flags, want %d", len(st.LastDone), numActors)
	}
	traj, err := buffer.New(c.NumSteps, numActors)
	if err != nil {
		return Result{}, err
	}

	res := Result{InitHidden: mat.DenseCopyOf(st.Hidden)}
	cur := st
	for t := 0; t < c.NumSteps; t++ {
		tr, next, err := c.step(cur)
		if err != nil {
			return Result{}, fmt.Errorf("rollout step %d: %w", t, err)
		}
		if err := traj.Append(tr); err != nil {
			return Result{}, fmt.Errorf("rollout step %d: %w", t, err)
		}
		cur = next
	}
	if err := traj.Freeze(); err != nil {
		return Result{}, err
	}

	lastVal, err := c.Bootstrap(cur.CriticParams, cur.LastObs)
	if err != nil {
		return Result{}, err
	}
	res.Trajectory = traj
	res.LastValue = lastVal
	res.State = cur
	return res, nil
}

// Bootstrap evaluates the critic on the world state of obs, broadcast to
// every agent.
func (c *Collector) Bootstrap(criticParams nn.Params, obs env.Batch) ([]float64, error) {
	ws := batch.Broadcast(obs.WorldState, len(c.Vec.Agents()))
	ev, err := c.Critic.Apply(criticParams, ws)
	if err != nil {
		return nil, err
	}
	return ev.Values, nil
}

func (c *Collector) step(st State) (buffer.Transition, State, error) {
	agents := c.Vec.Agents()
	numEnvs, numActors := c.Vec.NumEnvs(), c.NumActors()

	keys := st.Key.SplitN(3)
	nextKey, actKey, stepKey := keys[0], keys[1], keys[2]

	availByAgent, err := c.Vec.AvailableActions(st.EnvStates)
	if err != nil {
		return buffer.Transition{}, State{}, err
	}
	avail, err := batch.Batchify(availByAgent, agents, numActors)
	if err != nil {
		return buffer.Transition{}, State{}, err
	}
	obs, err := batch.Batchify(st.LastObs.Agents, agents, numActors)
	if err != nil {
		return buffer.Transition{}, State{}, err
	}
	lastDone := append([]bool(nil), st.LastDone...)

	out, err := c.Policy.Unroll(st.ActorParams, st.Hidden, []nn.ActorInput{{
		Obs:    obs,
		Resets: lastDone,
		Avail:  avail,
	}})
	if err != nil {
		return buffer.Transition{}, State{}, err
	}
	dist := out.Dists[0]
	actions := dist.Sample(actKey.Rand())
	logProb := dist.LogProb(actions)

	envActions, err := batch.UnbatchifySlice(actions, agents, numEnvs, numActors)
	if err != nil {
		return buffer.Transition{}, State{}, err
	}

	worldState := batch.Broadcast(st.LastObs.WorldState, len(agents))
	ev, err := c.Critic.Apply(st.CriticParams, worldState)
	if err != nil {
		return buffer.Transition{}, State{}, err
	}

	vs, err := c.Vec.Step(stepKey, st.EnvStates, envActions)
	if err != nil {
		return buffer.Transition{}, State{}, err
	}

	done, err := batch.BatchifySlice(vs.Dones, agents, numActors)
	if err != nil {
		return buffer.Transition{}, State{}, err
	}
	reward, err := batch.BatchifySlice(vs.Rewards, agents, numActors)
	if err != nil {
		return buffer.Transition{}, State{}, err
	}
	info := make(map[string][]float64, len(vs.Info))
	for k, byAgent := range vs.Info {
		info[k], err = batch.BatchifySlice(byAgent, agents, numActors)
		if err != nil {
			return buffer.Transition{}, State{}, err
		}
	}

	tr := buffer.Transition{
		GlobalDone:   batch.BroadcastSlice(vs.DoneAll, len(agents)),
		Done:         done,
		LastDone:     lastDone,
		Action:       actions,
		Value:        ev.Values,
		Reward:       reward,
		LogProb:      logProb,
		Obs:          obs,
		WorldState:   worldState,
		AvailActions: avail,
		Info:         info,
	}
	next := State{
		ActorParams:  st.ActorParams,
		CriticParams: st.CriticParams,
		EnvStates:    vs.States,
		LastObs:      vs.Obs,
		LastDone:     done,
		Hidden:       out.Hidden,
		Key:          nextKey,
	}
	return tr, next, nil
}
