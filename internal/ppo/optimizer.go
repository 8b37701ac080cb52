package ppo

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"marl-mappo/internal/buffer"
	"marl-mappo/internal/config"
	"marl-mappo/internal/errs"
	"marl-mappo/internal/nn"
	"marl-mappo/internal/prng"
)

// Batch is everything optimisation reads from one round.
type Batch struct {
	Trajectory *buffer.Trajectory
	// InitHidden is the policy hidden state before the round's first step,
	// one row per actor slot.
	InitHidden *mat.Dense
	// Advantages and Targets are (steps, actors).
	Advantages *mat.Dense
	Targets    *mat.Dense
}

// Rows restricts b to the given actor slots, keeping the time axis.
func (b Batch) Rows(rows []int) (Batch, error) {
	traj, err := b.Trajectory.Rows(rows)
	if err != nil {
		return Batch{}, err
	}
	return Batch{
		Trajectory: traj,
		InitHidden: buffer.SelectRows(b.InitHidden, rows),
		Advantages: buffer.SelectCols(b.Advantages, rows),
		Targets:    buffer.SelectCols(b.Targets, rows),
	}, nil
}

func (b Batch) check() error {
	steps, n := b.Trajectory.Len(), b.Trajectory.NumActors()
	if r, _ := b.InitHidden.Dims(); r != n {
		return errs.ShapeMismatch("ppo_batch", "initial hidden state has %d rows, want %d", r, n)
	}
	for _, m := range []struct {
		name string
		m    *mat.Dense
	}{{"advantages", b.Advantages}, {"targets", b.Targets}} {
		if r, c := m.m.Dims(); r != steps || c != n {
			return errs.ShapeMismatch("ppo_batch", "%s are (%d, %d), want (%d, %d)", m.name, r, c, steps, n)
		}
	}
	return nil
}

// Metrics summarises the minibatch steps of one round.
type Metrics struct {
	TotalLoss      float64
	ActorLoss      float64
	ValueLoss      float64
	Entropy        float64
	ApproxKL       float64
	ClipFrac       float64
	LR             float64
	ActorGradNorm  float64
	CriticGradNorm float64
	Steps          int
}

func (m *Metrics) add(o Metrics) {
	m.TotalLoss += o.TotalLoss
	m.ActorLoss += o.ActorLoss
	m.ValueLoss += o.ValueLoss
	m.Entropy += o.Entropy
	m.ApproxKL += o.ApproxKL
	m.ClipFrac += o.ClipFrac
	m.LR += o.LR
	m.ActorGradNorm += o.ActorGradNorm
	m.CriticGradNorm += o.CriticGradNorm
	m.Steps += o.Steps
}

func (m Metrics) mean() Metrics {
	if m.Steps == 0 {
		return m
	}
	n := float64(m.Steps)
	return Metrics{
		TotalLoss:      m.TotalLoss / n,
		ActorLoss:      m.ActorLoss / n,
		ValueLoss:      m.ValueLoss / n,
		Entropy:        m.Entropy / n,
		ApproxKL:       m.ApproxKL / n,
		ClipFrac:       m.ClipFrac / n,
		LR:             m.LR / n,
		ActorGradNorm:  m.ActorGradNorm / n,
		CriticGradNorm: m.CriticGradNorm / n,
		Steps:          m.Steps,
	}
}

// Optimizer runs UPDATE_EPOCHS shuffled passes of NUM_MINIBATCHES
// sequential gradient steps. Actor and critic keep separate Adam states and
// are stepped independently.
type Optimizer struct {
	Policy nn.Policy
	Critic nn.Critic
	Adam   nn.Adam

	NumMinibatches int
	UpdateEpochs   int
	ClipEps        float64
	EntCoef        float64
	VFCoef         float64
	MaxGradNorm    float64
	// Schedule maps the optimizer step count to a learning rate. Both
	// networks share it.
	Schedule func(count int) float64
}

// New returns an optimizer configured from a finalized cfg.
func New(policy nn.Policy, critic nn.Critic, cfg config.Config) *Optimizer {
	schedule := ConstantSchedule(cfg.LR)
	if cfg.AnnealLR {
		schedule = LinearSchedule(cfg.LR, cfg.NumMinibatches, cfg.UpdateEpochs, cfg.NumUpdates)
	}
	return &Optimizer{
		Policy:         policy,
		Critic:         critic,
		Adam:           nn.DefaultAdam(),
		NumMinibatches: cfg.NumMinibatches,
		UpdateEpochs:   cfg.UpdateEpochs,
		ClipEps:        cfg.ClipEps,
		EntCoef:        cfg.EntCoef,
		VFCoef:         cfg.VFCoef,
		MaxGradNorm:    cfg.MaxGradNorm,
		Schedule:       schedule,
	}
}

// Partition splits a permutation of actor slots into numMinibatches
// contiguous groups of equal size.
func Partition(perm []int, numMinibatches int) ([][]int, error) {
	if numMinibatches <= 0 || len(perm)%numMinibatches != 0 {
		return nil, errs.ShapeMismatch("partition",
			"%d actor slots cannot be split into %d minibatches", len(perm), numMinibatches)
	}
	size := len(perm) / numMinibatches
	out := make([][]int, numMinibatches)
	for i := range out {
		out[i] = perm[i*size : (i+1)*size]
	}
	return out, nil
}

// Update runs every epoch over b. Each epoch draws a fresh permutation of
// the actor axis from key and replays the policy from b.InitHidden.
func (o *Optimizer) Update(actor, critic nn.TrainState, b Batch, key prng.Key) (nn.TrainState, nn.TrainState, Metrics, error) {
	if err := b.check(); err != nil {
		return nn.TrainState{}, nn.TrainState{}, Metrics{}, err
	}
	if err := checkMoments("actor_state", actor); err != nil {
		return nn.TrainState{}, nn.TrainState{}, Metrics{}, err
	}
	if err := checkMoments("critic_state", critic); err != nil {
		return nn.TrainState{}, nn.TrainState{}, Metrics{}, err
	}
	var total Metrics
	epochKeys := key.SplitN(o.UpdateEpochs)
	for epoch := 0; epoch < o.UpdateEpochs; epoch++ {
		perm := epochKeys[epoch].Permutation(b.Trajectory.NumActors())
		groups, err := Partition(perm, o.NumMinibatches)
		if err != nil {
			return nn.TrainState{}, nn.TrainState{}, Metrics{}, err
		}
		for i, rows := range groups {
			mb, err := b.Rows(rows)
			if err != nil {
				return nn.TrainState{}, nn.TrainState{}, Metrics{}, err
			}
			var m Metrics
			actor, critic, m, err = o.Step(actor, critic, mb)
			if err != nil {
				return nn.TrainState{}, nn.TrainState{}, Metrics{}, fmt.Errorf("epoch %d minibatch %d: %w", epoch, i, err)
			}
			total.add(m)
		}
	}
	return actor, critic, total.mean(), nil
}

func checkMoments(op string, ts nn.TrainState) error {
	if !ts.Opt.M.SameLayout(ts.Params) || !ts.Opt.V.SameLayout(ts.Params) {
		return errs.ShapeMismatch(op, "optimizer moments do not match the parameters")
	}
	return nil
}

// Step applies one gradient update to each network from minibatch mb.
func (o *Optimizer) Step(actor, critic nn.TrainState, mb Batch) (nn.TrainState, nn.TrainState, Metrics, error) {
	traj := mb.Trajectory
	steps, n := traj.Len(), traj.NumActors()
	if steps == 0 {
		return nn.TrainState{}, nn.TrainState{}, Metrics{}, buffer.ErrBufferEmpty
	}
	size := steps * n
	_, stateDim := traj.Step(0).WorldState.Dims()

	seq := make([]nn.ActorInput, steps)
	worldState := mat.NewDense(size, stateDim, nil)
	oldLogProb := make([]float64, 0, size)
	oldValue := make([]float64, 0, size)
	done := make([]bool, 0, size)
	for t := 0; t < steps; t++ {
		tr := traj.Step(t)
		seq[t] = nn.ActorInput{Obs: tr.Obs, Resets: tr.LastDone, Avail: tr.AvailActions}
		worldState.Slice(t*n, (t+1)*n, 0, stateDim).(*mat.Dense).Copy(tr.WorldState)
		oldLogProb = append(oldLogProb, tr.LogProb...)
		oldValue = append(oldValue, tr.Value...)
		done = append(done, tr.Done...)
	}
	adv := mat.DenseCopyOf(mb.Advantages).RawMatrix().Data
	targets := mat.DenseCopyOf(mb.Targets).RawMatrix().Data

	unrolled, err := o.Policy.Unroll(actor.Params, mb.InitHidden, seq)
	if err != nil {
		return nn.TrainState{}, nn.TrainState{}, Metrics{}, err
	}
	logProb := make([]float64, 0, size)
	entropy := make([]float64, 0, size)
	for t, dist := range unrolled.Dists {
		logProb = append(logProb, dist.LogProb(traj.Step(t).Action)...)
		entropy = append(entropy, dist.Entropy()...)
	}
	al, err := ComputeActorLoss(logProb, oldLogProb, adv, entropy, done, o.ClipEps, o.EntCoef)
	if err != nil {
		return nn.TrainState{}, nn.TrainState{}, Metrics{}, err
	}
	dLogits := make([]*mat.Dense, steps)
	for t, dist := range unrolled.Dists {
		g := dist.LogProbGrad(traj.Step(t).Action, al.DLogProb[t*n:(t+1)*n])
		g.Add(g, dist.EntropyGrad(al.DEntropy[t*n:(t+1)*n]))
		dLogits[t] = g
	}
	actorGrads, err := unrolled.Backward(dLogits)
	if err != nil {
		return nn.TrainState{}, nn.TrainState{}, Metrics{}, err
	}

	ev, err := o.Critic.Apply(critic.Params, worldState)
	if err != nil {
		return nn.TrainState{}, nn.TrainState{}, Metrics{}, err
	}
	cl, err := ComputeCriticLoss(ev.Values, oldValue, targets, done, o.ClipEps, o.VFCoef)
	if err != nil {
		return nn.TrainState{}, nn.TrainState{}, Metrics{}, err
	}
	criticGrads, err := ev.Backward(cl.DValue)
	if err != nil {
		return nn.TrainState{}, nn.TrainState{}, Metrics{}, err
	}

	if ok, name := actorGrads.AllFinite(); !ok {
		return nn.TrainState{}, nn.TrainState{}, Metrics{}, errs.NumericInstability("actor_grad", "non-finite gradient in %s", name)
	}
	if ok, name := criticGrads.AllFinite(); !ok {
		return nn.TrainState{}, nn.TrainState{}, Metrics{}, errs.NumericInstability("critic_grad", "non-finite gradient in %s", name)
	}

	lr := o.Schedule(actor.Opt.Count)
	nextActor, actorNorm := actor.Step(o.Adam, actorGrads, o.MaxGradNorm, lr)
	nextCritic, criticNorm := critic.Step(o.Adam, criticGrads, o.MaxGradNorm, o.Schedule(critic.Opt.Count))

	return nextActor, nextCritic, Metrics{
		TotalLoss:      al.Loss + cl.Loss,
		ActorLoss:      al.Surrogate,
		ValueLoss:      cl.ValueLoss,
		Entropy:        al.Entropy,
		ApproxKL:       al.ApproxKL,
		ClipFrac:       al.ClipFrac,
		LR:             lr,
		ActorGradNorm:  actorNorm,
		CriticGradNorm: criticNorm,
		Steps:          1,
	}, nil
}
