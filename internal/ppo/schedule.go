package ppo

// LinearSchedule anneals the learning rate to zero over the run. count is
// the number of optimizer steps already taken; it is converted to a round
// index by integer division, so the rate is constant within a round.
func LinearSchedule(lr float64, numMinibatches, updateEpochs, numUpdates int) func(count int) float64 {
	perRound := numMinibatches * updateEpochs
	return func(count int) float64 {
		frac := 1 - float64(count/perRound)/float64(numUpdates)
		return lr * frac
	}
}

// ConstantSchedule returns lr regardless of count.
func ConstantSchedule(lr float64) func(count int) float64 {
	return func(int) float64 { return lr }
}
