package env

import (
	"fmt"
	"math/rand/v2"
)

// AutoReset restarts an instance as soon as its team-level done flag is
// raised. Rewards, dones and info of the terminal step are preserved; the
// observation and state are those of the fresh episode.
type AutoReset struct {
	Env
}

// Step implements Env.
func (w AutoReset) Step(rng *rand.Rand, state State, actions map[string]int) (StepResult, error) {
	res, err := w.Env.Step(rng, state, actions)
	if err != nil {
		return StepResult{}, err
	}
	if res.Dones.All {
		res.Obs, res.State = w.Env.Reset(rng)
	}
	return res, nil
}

// Episode statistics reported by LogWrapper.
const (
	InfoReturnedEpisodeReturns = "returned_episode_returns"
	InfoReturnedEpisodeLengths = "returned_episode_lengths"
	InfoReturnedEpisode        = "returned_episode"
	InfoReturnedWonEpisode     = "returned_won_episode"
)

// InfoWon is the per-agent flag an inner env sets when an episode is won.
const InfoWon = "won"

// LogState wraps an inner state with running episode statistics.
type LogState struct {
	Inner State

	EpisodeReturns  []float64
	EpisodeLength   int
	ReturnedReturns []float64
	ReturnedLength  int
	ReturnedWon     []float64
}

// LogWrapper records per-agent episode returns, lengths and wins. It should
// wrap an AutoReset env so statistics survive the restart.
type LogWrapper struct {
	Env
}

func (w LogWrapper) unwrap(state State) (LogState, error) {
	ls, ok := state.(LogState)
	if !ok {
		return LogState{}, fmt.Errorf("log wrapper: %w (got %T)", ErrForeignState, state)
	}
	return ls, nil
}

// Reset implements Env.
func (w LogWrapper) Reset(rng *rand.Rand) (Observation, State) {
	obs, inner := w.Env.Reset(rng)
	n := len(w.Agents())
	return obs, LogState{
		Inner:           inner,
		EpisodeReturns:  make([]float64, n),
		ReturnedReturns: make([]float64, n),
		ReturnedWon:     make([]float64, n),
	}
}

// Step implements Env.
func (w LogWrapper) Step(rng *rand.Rand, state State, actions map[string]int) (StepResult, error) {
	ls, err := w.unwrap(state)
	if err != nil {
		return StepResult{}, err
	}
	res, err := w.Env.Step(rng, ls.Inner, actions)
	if err != nil {
		return StepResult{}, err
	}

	agents := w.Agents()
	done := res.Dones.All
	next := LogState{
		Inner:           res.State,
		EpisodeReturns:  make([]float64, len(agents)),
		ReturnedReturns: append([]float64(nil), ls.ReturnedReturns...),
		ReturnedWon:     append([]float64(nil), ls.ReturnedWon...),
		ReturnedLength:  ls.ReturnedLength,
	}
	length := ls.EpisodeLength + 1
	if done {
		next.ReturnedLength = length
	} else {
		next.EpisodeLength = length
	}

	info := Info{}
	for k, v := range res.Info {
		info[k] = v
	}
	returns := map[string]float64{}
	lengths := map[string]float64{}
	finished := map[string]float64{}
	won := map[string]float64{}
	for i, a := range agents {
		ret := ls.EpisodeReturns[i] + res.Rewards[a]
		if done {
			next.ReturnedReturns[i] = ret
			next.ReturnedWon[i] = res.Info[InfoWon][a]
			finished[a] = 1
		} else {
			next.EpisodeReturns[i] = ret
			finished[a] = 0
		}
		returns[a] = next.ReturnedReturns[i]
		lengths[a] = float64(next.ReturnedLength)
		won[a] = next.ReturnedWon[i]
	}
	info[InfoReturnedEpisodeReturns] = returns
	info[InfoReturnedEpisodeLengths] = lengths
	info[InfoReturnedEpisode] = finished
	info[InfoReturnedWonEpisode] = won

	res.State = next
	res.Info = info
	return res, nil
}

// AvailableActions implements Env.
func (w LogWrapper) AvailableActions(state State) map[string][]bool {
	ls, err := w.unwrap(state)
	if err != nil {
		return nil
	}
	return w.Env.AvailableActions(ls.Inner)
}
