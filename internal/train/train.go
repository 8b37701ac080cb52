// Package train runs update rounds: collect, estimate advantages, optimise,
// and report. The runner state is a value: each round takes the previous
// state and returns a new one.
package train

import (
	"context"
	"log/slog"
	"time"

	"gonum.org/v1/gonum/mat"

	"marl-mappo/internal/config"
	"marl-mappo/internal/env"
	"marl-mappo/internal/errs"
	"marl-mappo/internal/gae"
	"marl-mappo/internal/logging"
	"marl-mappo/internal/nn"
	"marl-mappo/internal/ppo"
	"marl-mappo/internal/prng"
	"marl-mappo/internal/rollout"
)

// RunnerState is carried from one round to the next.
type RunnerState struct {
	Actor     nn.TrainState
	Critic    nn.TrainState
	EnvStates []env.State
	LastObs   env.Batch
	LastDone  []bool
	Hidden    *mat.Dense
	Key       prng.Key
	// Round is the number of completed rounds.
	Round int
}

// RoundMetrics is the aggregate of one round.
type RoundMetrics struct {
	Round    int `json:"round"`
	EnvSteps int `json:"env_steps"`
	// Info is the mean of every info metric over the round.
	Info map[string]float64 `json:"info"`
	// EpisodeReturn and WinRate average over episodes that ended this
	// round; both are zero when none did.
	Episodes      int     `json:"episodes"`
	EpisodeReturn float64 `json:"episode_return"`
	WinRate       float64 `json:"win_rate"`

	TotalLoss float64 `json:"total_loss"`
	ActorLoss float64 `json:"actor_loss"`
	ValueLoss float64 `json:"value_loss"`
	Entropy   float64 `json:"entropy"`
	ApproxKL  float64 `json:"approx_kl"`
	ClipFrac  float64 `json:"clip_frac"`
	LR        float64 `json:"lr"`
}

// Observer receives metrics after every round.
type Observer interface {
	ObserveRound(ctx context.Context, m RoundMetrics) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, m RoundMetrics) error

// ObserveRound implements Observer.
func (f ObserverFunc) ObserveRound(ctx context.Context, m RoundMetrics) error { return f(ctx, m) }

// Option configures a Trainer.
type Option func(*Trainer)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Trainer) {
		t.logger = logger
	}
}

// WithObserver adds an observer. Observers run in registration order.
func WithObserver(o Observer) Option {
	return func(t *Trainer) {
		t.observers = append(t.observers, o)
	}
}

// Trainer holds everything that does not change between rounds.
type Trainer struct {
	cfg       config.Config
	actor     *nn.ActorRNN
	critic    *nn.MLPCritic
	collector *rollout.Collector
	optimizer *ppo.Optimizer
	logger    *slog.Logger
	observers []Observer
}

// New validates cfg against e and builds a trainer. e is wrapped for
// auto-reset and episode statistics.
func New(cfg config.Config, e env.Env, opts ...Option) (*Trainer, error) {
	cfg, err := cfg.Finalize()
	if err != nil {
		return nil, err
	}
	if n := len(e.Agents()); n != cfg.NumAgents {
		return nil, errs.ConfigInconsistency("NUM_AGENTS", "environment has %d agents, config has %d", n, cfg.NumAgents)
	}

	t := &Trainer{
		cfg:    cfg,
		actor:  nn.NewActorRNN(e.ObservationSize(), e.ActionCount(), cfg.HiddenSize),
		critic: nn.NewMLPCritic(e.StateSize(), cfg.HiddenSize),
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}

	vec := env.NewVec(env.LogWrapper{Env: env.AutoReset{Env: e}}, cfg.NumEnvs)
	t.collector = rollout.NewCollector(vec, t.actor, t.critic, cfg.NumSteps)
	t.optimizer = ppo.New(t.actor, t.critic, cfg)

	t.logger.Debug("trainer configured",
		"num_actors", cfg.NumActors,
		"num_updates", cfg.NumUpdates,
		"minibatch_size", cfg.MinibatchSize,
		"actor", t.actor.String(),
	)
	return t, nil
}

func (t *Trainer) Config() config.Config { return t.cfg }

// Init draws parameters and resets every environment instance.
func (t *Trainer) Init(key prng.Key) (RunnerState, error) {
	keys := key.SplitN(4)
	next, actorKey, criticKey, envKey := keys[0], keys[1], keys[2], keys[3]

	actorParams := t.actor.Init(actorKey)
	criticParams := t.critic.Init(criticKey)
	t.logger.Debug("parameters initialized",
		"actor_params", actorParams.Count(),
		"critic_params", criticParams.Count(),
	)
	st, err := t.collector.Reset(envKey, actorParams, criticParams, t.actor.InitHidden(t.cfg.NumActors))
	if err != nil {
		return RunnerState{}, err
	}
	return RunnerState{
		Actor:     nn.NewTrainState(actorParams),
		Critic:    nn.NewTrainState(criticParams),
		EnvStates: st.EnvStates,
		LastObs:   st.LastObs,
		LastDone:  st.LastDone,
		Hidden:    st.Hidden,
		Key:       next,
	}, nil
}

// Round runs one update round from rs. rs is not modified.
func (t *Trainer) Round(rs RunnerState) (RunnerState, RoundMetrics, error) {
	round := rs.Round
	rolloutKey, optKey := rs.Key.Split()

	res, err := t.collector.Collect(rollout.State{
		ActorParams:  rs.Actor.Params,
		CriticParams: rs.Critic.Params,
		EnvStates:    rs.EnvStates,
		LastObs:      rs.LastObs,
		LastDone:     rs.LastDone,
		Hidden:       rs.Hidden,
		Key:          rolloutKey,
	})
	if err != nil {
		return RunnerState{}, RoundMetrics{}, errs.InRound(err, round)
	}

	adv, targets, err := gae.Estimate(res.Trajectory, res.LastValue, t.cfg.Gamma, t.cfg.GAELambda)
	if err != nil {
		return RunnerState{}, RoundMetrics{}, errs.InRound(err, round)
	}

	actor, critic, loss, err := t.optimizer.Update(rs.Actor, rs.Critic, ppo.Batch{
		Trajectory: res.Trajectory,
		InitHidden: res.InitHidden,
		Advantages: adv,
		Targets:    targets,
	}, optKey)
	if err != nil {
		return RunnerState{}, RoundMetrics{}, errs.InRound(err, round)
	}

	m := t.summarize(res, loss)
	m.Round = round
	next := RunnerState{
		Actor:     actor,
		Critic:    critic,
		EnvStates: res.State.EnvStates,
		LastObs:   res.State.LastObs,
		LastDone:  res.State.LastDone,
		Hidden:    res.State.Hidden,
		Key:       res.State.Key,
		Round:     round + 1,
	}
	return next, m, nil
}

func (t *Trainer) summarize(res rollout.Result, loss ppo.Metrics) RoundMetrics {
	traj := res.Trajectory
	m := RoundMetrics{
		EnvSteps:  traj.EnvTransitions(t.cfg.NumAgents),
		Info:      map[string]float64{},
		TotalLoss: loss.TotalLoss,
		ActorLoss: loss.ActorLoss,
		ValueLoss: loss.ValueLoss,
		Entropy:   loss.Entropy,
		ApproxKL:  loss.ApproxKL,
		ClipFrac:  loss.ClipFrac,
		LR:        loss.LR,
	}

	sums := map[string]float64{}
	var count int
	var returns, wins float64
	for s := 0; s < traj.Len(); s++ {
		tr := traj.Step(s)
		for k, vs := range tr.Info {
			for _, v := range vs {
				sums[k] += v
			}
		}
		count += traj.NumActors()

		finished := tr.Info[env.InfoReturnedEpisode]
		for i, f := range finished {
			if f > 0 {
				m.Episodes++
				returns += tr.Info[env.InfoReturnedEpisodeReturns][i]
				wins += tr.Info[env.InfoReturnedWonEpisode][i]
			}
		}
	}
	for k, v := range sums {
		m.Info[k] = v / float64(count)
	}
	if m.Episodes > 0 {
		m.EpisodeReturn = returns / float64(m.Episodes)
		m.WinRate = wins / float64(m.Episodes)
	}
	return m
}

// Run executes rounds until NumUpdates have completed. The context is
// checked between rounds only; a started round always completes.
func (t *Trainer) Run(ctx context.Context, rs RunnerState) (RunnerState, []RoundMetrics, error) {
	history := make([]RoundMetrics, 0, t.cfg.NumUpdates)
	for rs.Round < t.cfg.NumUpdates {
		if err := ctx.Err(); err != nil {
			return rs, history, err
		}
		start := time.Now()
		next, m, err := t.Round(rs)
		if err != nil {
			t.logger.Error("round failed", "round", rs.Round, "error", err)
			return rs, history, err
		}
		rs = next
		history = append(history, m)

		t.logger.Info("round complete",
			"round", m.Round,
			"env_steps", m.EnvSteps*(m.Round+1),
			"episodes", m.Episodes,
			"episode_return", m.EpisodeReturn,
			"win_rate", m.WinRate,
			"total_loss", m.TotalLoss,
			"value_loss", m.ValueLoss,
			"entropy", m.Entropy,
			"lr", m.LR,
			"duration", time.Since(start),
		)
		for _, o := range t.observers {
			if err := o.ObserveRound(ctx, m); err != nil {
				t.logger.Warn("observer failed", "round", m.Round, "error", err)
			}
		}
	}
	return rs, history, nil
}

// Result is the outcome of a full training run.
type Result struct {
	Final   RunnerState
	History []RoundMetrics
}

// Train is the single entry point: it seeds a run, trains for NUM_UPDATES
// rounds and returns the final state plus every round's metrics.
func Train(ctx context.Context, seed uint64, cfg config.Config, e env.Env, opts ...Option) (Result, error) {
	t, err := New(cfg, e, opts...)
	if err != nil {
		return Result{}, err
	}
	rs, err := t.Init(prng.New(seed))
	if err != nil {
		return Result{}, err
	}
	final, history, err := t.Run(ctx, rs)
	return Result{Final: final, History: history}, err
}
