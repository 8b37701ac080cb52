// Package telemetry exports round metrics to Prometheus.
package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"marl-mappo/internal/train"
)

const namespace = "mappo"

// Metrics is a train.Observer that updates Prometheus collectors.
type Metrics struct {
	rounds        prometheus.Counter
	envSteps      prometheus.Counter
	episodes      prometheus.Counter
	episodeReturn prometheus.Gauge
	winRate       prometheus.Gauge
	learningRate  prometheus.Gauge
	entropy       prometheus.Gauge
	approxKL      prometheus.Gauge
	clipFrac      prometheus.Gauge
	loss          *prometheus.GaugeVec
}

var _ train.Observer = (*Metrics)(nil)

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		rounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rounds_total",
			Help: "Completed update rounds.",
		}),
		envSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "env_steps_total",
			Help: "Environment transitions collected.",
		}),
		episodes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "episodes_total",
			Help: "Agent episodes finished.",
		}),
		episodeReturn: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "episode_return",
			Help: "Mean return of episodes finished in the last round.",
		}),
		winRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "win_rate",
			Help: "Fraction of episodes won in the last round.",
		}),
		learningRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "learning_rate",
			Help: "Learning rate of the last round.",
		}),
		entropy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "policy_entropy",
			Help: "Mean policy entropy of the last round.",
		}),
		approxKL: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "approx_kl",
			Help: "Approximate KL divergence between behaviour and updated policy.",
		}),
		clipFrac: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "clip_fraction",
			Help: "Fraction of positions whose ratio left the clip range.",
		}),
		loss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "loss",
			Help: "Mean loss of the last round by term.",
		}, []string{"term"}),
	}

	collectors := []prometheus.Collector{
		m.rounds, m.envSteps, m.episodes, m.episodeReturn, m.winRate,
		m.learningRate, m.entropy, m.approxKL, m.clipFrac, m.loss,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveRound implements train.Observer.
func (m *Metrics) ObserveRound(_ context.Context, r train.RoundMetrics) error {
	m.rounds.Inc()
	m.envSteps.Add(float64(r.EnvSteps))
	m.episodes.Add(float64(r.Episodes))
	if r.Episodes > 0 {
		m.episodeReturn.Set(r.EpisodeReturn)
		m.winRate.Set(r.WinRate)
	}
	m.learningRate.Set(r.LR)
	m.entropy.Set(r.Entropy)
	m.approxKL.Set(r.ApproxKL)
	m.clipFrac.Set(r.ClipFrac)
	m.loss.WithLabelValues("total").Set(r.TotalLoss)
	m.loss.WithLabelValues("actor").Set(r.ActorLoss)
	m.loss.WithLabelValues("value").Set(r.ValueLoss)
	return nil
}
