// Package prng provides a splittable, counter-based random stream.
//
// A Key is an immutable value. Every stochastic call site derives its own
// sub-key with Split or Fold, so a full training run is reproducible from a
// single seed regardless of how many draws each consumer makes.
package prng

import "math/rand/v2"

const golden = 0x9e3779b97f4a7c15

// Key identifies one independent random stream.
type Key struct {
	Hi uint64 `json:"hi"`
	Lo uint64 `json:"lo"`
}

// New returns the root key for seed.
func New(seed uint64) Key {
	return Key{Hi: mix(seed), Lo: mix(seed ^ golden)}
}

// Fold derives the sub-stream for index i.
func (k Key) Fold(i uint64) Key {
	c := mix(i + 1)
	return Key{Hi: mix(k.Hi ^ c), Lo: mix(k.Lo + c*golden)}
}

// Split returns two keys independent of each other and of k.
func (k Key) Split() (Key, Key) {
	return k.Fold(0), k.Fold(1)
}

// SplitN returns n independent keys.
func (k Key) SplitN(n int) []Key {
	keys := make([]Key, n)
	for i := range keys {
		keys[i] = k.Fold(uint64(i))
	}
	return keys
}

// Rand returns a generator seeded from k. Two calls on the same key yield
// identical sequences.
func (k Key) Rand() *rand.Rand {
	return rand.New(rand.NewPCG(k.Hi, k.Lo))
}

// Permutation returns a pseudo-random permutation of [0, n).
func (k Key) Permutation(n int) []int {
	return k.Rand().Perm(n)
}

// mix is the splitmix64 finaliser.
func mix(z uint64) uint64 {
	z += golden
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}
