// Package cartpole is a cooperative multi-agent cart-pole: every agent
// balances its own pole, the team shares one reward, and the episode ends
// when every pole has fallen or the step limit is reached.
package cartpole

import (
	"fmt"
	"math"
	"math/rand/v2"

	"marl-mappo/internal/env"
)

const (
	gravity        = 9.81
	massCart       = 1.0
	massPole       = 0.1
	length         = 0.5
	totalMass      = massCart + massPole
	poleMassLength = massPole * length
	forceMax       = 10.0
	tau            = 0.02

	xThreshold     = 2.4
	thetaThreshold = 12.0 * math.Pi / 180.0

	// Pushing toward a wall is masked once the cart is this close to it.
	wallMargin = 0.8 * xThreshold
)

// Actions.
const (
	PushLeft = iota
	PushRight
	Coast
	numActions
)

// DefaultMaxSteps is the episode step limit when none is given.
const DefaultMaxSteps = 500

// Pole is the physical state of one cart and its pole.
type Pole struct {
	X        float64 `json:"x"`
	XDot     float64 `json:"x_dot"`
	Theta    float64 `json:"theta"`
	ThetaDot float64 `json:"theta_dot"`
}

// State is the team state. Values are never mutated after construction.
type State struct {
	Poles []Pole `json:"poles"`
	Alive []bool `json:"alive"`
	Steps int    `json:"steps"`
}

// Team is the environment. It holds only static metadata.
type Team struct {
	agents   []string
	maxSteps int
}

var _ env.Env = (*Team)(nil)

// NewTeam returns a team of numAgents carts with the given step limit.
func NewTeam(numAgents, maxSteps int) *Team {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	agents := make([]string, numAgents)
	for i := range agents {
		agents[i] = fmt.Sprintf("agent_%d", i)
	}
	return &Team{agents: agents, maxSteps: maxSteps}
}

func (e *Team) Agents() []string { return e.agents }

// ObservationSize is the cart-pole state, an alive flag and the fraction of
// teammates still balancing.
func (e *Team) ObservationSize() int { return 6 }

func (e *Team) ActionCount() int { return numActions }

// StateSize is every cart-pole state and alive flag plus elapsed time.
func (e *Team) StateSize() int { return 5*len(e.agents) + 1 }

// Reset implements env.Env.
func (e *Team) Reset(rng *rand.Rand) (env.Observation, env.State) {
	s := State{
		Poles: make([]Pole, len(e.agents)),
		Alive: make([]bool, len(e.agents)),
	}
	for i := range s.Poles {
		s.Poles[i] = Pole{
			X:        rng.Float64()*0.1 - 0.05,
			XDot:     rng.Float64()*0.1 - 0.05,
			Theta:    rng.Float64()*0.1 - 0.05,
			ThetaDot: rng.Float64()*0.1 - 0.05,
		}
		s.Alive[i] = true
	}
	return e.observe(s), s
}

// Step implements env.Env.
func (e *Team) Step(rng *rand.Rand, state env.State, actions map[string]int) (env.StepResult, error) {
	s, ok := state.(State)
	if !ok {
		return env.StepResult{}, fmt.Errorf("cartpole: %w (got %T)", env.ErrForeignState, state)
	}
	avail := e.AvailableActions(s)
	next := State{
		Poles: make([]Pole, len(e.agents)),
		Alive: make([]bool, len(e.agents)),
		Steps: s.Steps + 1,
	}
	for i, a := range e.agents {
		action, ok := actions[a]
		if !ok || action < 0 || action >= numActions || !avail[a][action] {
			return env.StepResult{}, fmt.Errorf("cartpole: agent %s action %d: %w", a, action, env.ErrInvalidAction)
		}
		next.Poles[i] = s.Poles[i]
		if !s.Alive[i] {
			continue
		}
		next.Poles[i] = advance(s.Poles[i], force(action))
		next.Alive[i] = !fallen(next.Poles[i])
	}

	alive := countAlive(next.Alive)
	timeUp := next.Steps >= e.maxSteps
	all := alive == 0 || timeUp
	reward := float64(alive) / float64(len(e.agents))

	res := env.StepResult{
		Obs:     e.observe(next),
		State:   next,
		Rewards: make(map[string]float64, len(e.agents)),
		Dones:   env.Dones{Agents: make(map[string]bool, len(e.agents)), All: all},
		Info:    env.Info{env.InfoWon: make(map[string]float64, len(e.agents))},
	}
	won := 0.0
	if timeUp && alive > 0 {
		won = 1
	}
	for i, a := range e.agents {
		res.Rewards[a] = reward
		res.Dones.Agents[a] = all || !next.Alive[i]
		res.Info[env.InfoWon][a] = won
	}
	return res, nil
}

// AvailableActions implements env.Env. A fallen agent may only coast; an
// upright agent may not push its cart further into a nearby wall.
func (e *Team) AvailableActions(state env.State) map[string][]bool {
	s, ok := state.(State)
	if !ok {
		return nil
	}
	out := make(map[string][]bool, len(e.agents))
	for i, a := range e.agents {
		mask := []bool{true, true, true}
		switch {
		case !s.Alive[i]:
			mask[PushLeft], mask[PushRight] = false, false
		case s.Poles[i].X < -wallMargin:
			mask[PushLeft] = false
		case s.Poles[i].X > wallMargin:
			mask[PushRight] = false
		}
		out[a] = mask
	}
	return out
}

func (e *Team) observe(s State) env.Observation {
	n := len(e.agents)
	alive := countAlive(s.Alive)
	obs := env.Observation{
		Agents:     make(map[string][]float64, n),
		WorldState: make([]float64, 0, e.StateSize()),
	}
	for i, a := range e.agents {
		p := s.Poles[i]
		up := 0.0
		if s.Alive[i] {
			up = 1
		}
		mates := 0.0
		if n > 1 {
			mates = float64(alive-int(up)) / float64(n-1)
		}
		if s.Alive[i] {
			obs.Agents[a] = []float64{p.X, p.XDot, p.Theta, p.ThetaDot, up, mates}
		} else {
			obs.Agents[a] = []float64{0, 0, 0, 0, 0, mates}
		}
		obs.WorldState = append(obs.WorldState, p.X, p.XDot, p.Theta, p.ThetaDot, up)
	}
	obs.WorldState = append(obs.WorldState, float64(s.Steps)/float64(e.maxSteps))
	return obs
}

func force(action int) float64 {
	switch action {
	case PushLeft:
		return -forceMax
	case PushRight:
		return forceMax
	default:
		return 0
	}
}

func advance(p Pole, force float64) Pole {
	cosTheta := math.Cos(p.Theta)
	sinTheta := math.Sin(p.Theta)

	temp := (force + poleMassLength*p.ThetaDot*p.ThetaDot*sinTheta) / totalMass
	thetaAcc := (gravity*sinTheta - cosTheta*temp) / (length * (4.0/3.0 - massPole*cosTheta*cosTheta/totalMass))
	xAcc := temp - poleMassLength*thetaAcc*cosTheta/totalMass

	return Pole{
		X:        p.X + tau*p.XDot,
		XDot:     p.XDot + tau*xAcc,
		Theta:    p.Theta + tau*p.ThetaDot,
		ThetaDot: p.ThetaDot + tau*thetaAcc,
	}
}

func fallen(p Pole) bool {
	return p.X < -xThreshold || p.X > xThreshold || p.Theta < -thetaThreshold || p.Theta > thetaThreshold
}

func countAlive(alive []bool) int {
	n := 0
	for _, a := range alive {
		if a {
			n++
		}
	}
	return n
}
