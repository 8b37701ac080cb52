// Package config holds the training configuration record: its defaults,
// YAML loading, environment overrides, derived sizes and validation.
package config

import (
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"marl-mappo/internal/errs"
)

// EnvPrefix prefixes environment variables that override config keys,
// e.g. MAPPO_NUM_ENVS=32.
const EnvPrefix = "MAPPO_"

// Config is the recognised option set. Keys match the upper-snake names
// accepted in config files. NumActors, NumUpdates and MinibatchSize are
// derived by Finalize and cannot be set directly.
type Config struct {
	NumEnvs        int     `mapstructure:"NUM_ENVS" yaml:"NUM_ENVS"`
	NumSteps       int     `mapstructure:"NUM_STEPS" yaml:"NUM_STEPS"`
	TotalTimesteps int     `mapstructure:"TOTAL_TIMESTEPS" yaml:"TOTAL_TIMESTEPS"`
	NumMinibatches int     `mapstructure:"NUM_MINIBATCHES" yaml:"NUM_MINIBATCHES"`
	UpdateEpochs   int     `mapstructure:"UPDATE_EPOCHS" yaml:"UPDATE_EPOCHS"`
	Gamma          float64 `mapstructure:"GAMMA" yaml:"GAMMA"`
	GAELambda      float64 `mapstructure:"GAE_LAMBDA" yaml:"GAE_LAMBDA"`
	ClipEps        float64 `mapstructure:"CLIP_EPS" yaml:"CLIP_EPS"`
	EntCoef        float64 `mapstructure:"ENT_COEF" yaml:"ENT_COEF"`
	VFCoef         float64 `mapstructure:"VF_COEF" yaml:"VF_COEF"`
	MaxGradNorm    float64 `mapstructure:"MAX_GRAD_NORM" yaml:"MAX_GRAD_NORM"`
	LR             float64 `mapstructure:"LR" yaml:"LR"`
	AnnealLR       bool    `mapstructure:"ANNEAL_LR" yaml:"ANNEAL_LR"`

	Seed            uint64 `mapstructure:"SEED" yaml:"SEED"`
	HiddenSize      int    `mapstructure:"HIDDEN_SIZE" yaml:"HIDDEN_SIZE"`
	NumAgents       int    `mapstructure:"NUM_AGENTS" yaml:"NUM_AGENTS"`
	MaxEpisodeSteps int    `mapstructure:"MAX_EPISODE_STEPS" yaml:"MAX_EPISODE_STEPS"`

	NumActors     int `mapstructure:"-" yaml:"NUM_ACTORS"`
	NumUpdates    int `mapstructure:"-" yaml:"NUM_UPDATES"`
	MinibatchSize int `mapstructure:"-" yaml:"MINIBATCH_SIZE"`
}

// Keys lists the settable keys.
var Keys = []string{
	"NUM_ENVS", "NUM_STEPS", "TOTAL_TIMESTEPS", "NUM_MINIBATCHES", "UPDATE_EPOCHS",
	"GAMMA", "GAE_LAMBDA", "CLIP_EPS", "ENT_COEF", "VF_COEF", "MAX_GRAD_NORM", "LR",
	"ANNEAL_LR", "SEED", "HIDDEN_SIZE", "NUM_AGENTS", "MAX_EPISODE_STEPS",
}

var derivedKeys = []string{"NUM_ACTORS", "NUM_UPDATES", "MINIBATCH_SIZE"}

// Default returns the baseline configuration, not yet finalized.
func Default() Config {
	return Config{
		NumEnvs:         16,
		NumSteps:        128,
		TotalTimesteps:  200_000,
		NumMinibatches:  4,
		UpdateEpochs:    4,
		Gamma:           0.99,
		GAELambda:       0.95,
		ClipEps:         0.2,
		EntCoef:         0.01,
		VFCoef:          0.5,
		MaxGradNorm:     0.5,
		LR:              0.004,
		AnnealLR:        true,
		Seed:            30,
		HiddenSize:      128,
		NumAgents:       3,
		MaxEpisodeSteps: 200,
	}
}

// Load reads a YAML file over Default, applies environment overrides and
// finalizes the result. An empty path loads defaults plus overrides.
func Load(path string) (Config, error) {
	raw := map[string]any{}
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &raw); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	for _, key := range Keys {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" {
			raw[key] = v
		}
	}
	cfg, err := FromMap(Default(), raw)
	if err != nil {
		return Config{}, err
	}
	return cfg.Finalize()
}

// FromMap decodes raw over base. Unknown keys and derived keys are rejected.
// The result is not finalized.
func FromMap(base Config, raw map[string]any) (Config, error) {
	for _, key := range derivedKeys {
		if _, ok := raw[key]; ok {
			return Config{}, errs.ConfigInconsistency(key, "derived value cannot be set")
		}
	}
	cfg := base
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return Config{}, fmt.Errorf("build config decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Finalize derives NumActors, NumUpdates and MinibatchSize and validates the
// record. Inconsistent settings are rejected here, before any training.
func (c Config) Finalize() (Config, error) {
	if err := c.checkRanges(); err != nil {
		return Config{}, err
	}
	c.NumActors = c.NumAgents * c.NumEnvs
	c.NumUpdates = c.TotalTimesteps / c.NumSteps / c.NumEnvs
	if c.NumUpdates < 1 {
		return Config{}, errs.ConfigInconsistency("TOTAL_TIMESTEPS",
			"%d timesteps yield no update round with NUM_STEPS=%d NUM_ENVS=%d",
			c.TotalTimesteps, c.NumSteps, c.NumEnvs)
	}
	if c.NumActors%c.NumMinibatches != 0 {
		return Config{}, errs.ConfigInconsistency("NUM_MINIBATCHES",
			"NUM_ACTORS=%d is not divisible by NUM_MINIBATCHES=%d", c.NumActors, c.NumMinibatches)
	}
	if (c.NumActors*c.NumSteps)%c.NumMinibatches != 0 {
		return Config{}, errs.ConfigInconsistency("NUM_MINIBATCHES",
			"NUM_ACTORS*NUM_STEPS=%d is not divisible by NUM_MINIBATCHES=%d",
			c.NumActors*c.NumSteps, c.NumMinibatches)
	}
	c.MinibatchSize = c.NumActors * c.NumSteps / c.NumMinibatches
	return c, nil
}

func (c Config) checkRanges() error {
	positive := map[string]int{
		"NUM_ENVS":          c.NumEnvs,
		"NUM_STEPS":         c.NumSteps,
		"TOTAL_TIMESTEPS":   c.TotalTimesteps,
		"NUM_MINIBATCHES":   c.NumMinibatches,
		"UPDATE_EPOCHS":     c.UpdateEpochs,
		"HIDDEN_SIZE":       c.HiddenSize,
		"NUM_AGENTS":        c.NumAgents,
		"MAX_EPISODE_STEPS": c.MaxEpisodeSteps,
	}
	keys := make([]string, 0, len(positive))
	for k := range positive {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if positive[k] <= 0 {
			return errs.ConfigInconsistency(k, "must be positive, got %d", positive[k])
		}
	}

	unit := []struct {
		key string
		v   float64
	}{{"GAMMA", c.Gamma}, {"GAE_LAMBDA", c.GAELambda}}
	for _, u := range unit {
		if math.IsNaN(u.v) || u.v < 0 || u.v > 1 {
			return errs.ConfigInconsistency(u.key, "must lie in [0, 1], got %g", u.v)
		}
	}

	nonNegative := []struct {
		key string
		v   float64
	}{{"CLIP_EPS", c.ClipEps}, {"ENT_COEF", c.EntCoef}, {"VF_COEF", c.VFCoef}}
	for _, n := range nonNegative {
		if math.IsNaN(n.v) || n.v < 0 {
			return errs.ConfigInconsistency(n.key, "must be non-negative, got %g", n.v)
		}
	}

	if !(c.LR > 0) || math.IsInf(c.LR, 0) {
		return errs.ConfigInconsistency("LR", "must be positive and finite, got %g", c.LR)
	}
	if !(c.MaxGradNorm > 0) {
		return errs.ConfigInconsistency("MAX_GRAD_NORM", "must be positive, got %g", c.MaxGradNorm)
	}
	return nil
}

// YAML renders the record, derived values included.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
