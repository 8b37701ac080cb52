package prng

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey_Deterministic(t *testing.T) {
	a := New(42).Rand()
	b := New(42).Rand()
	for i := 0; i < 16; i++ {
		assert.Equal(t, a.Uint64(), b.Uint64())
	}
}

func TestKey_SplitIndependent(t *testing.T) {
	root := New(7)
	l, r := root.Split()
	assert.NotEqual(t, l, r)
	assert.NotEqual(t, root, l)
	assert.NotEqual(t, l.Rand().Uint64(), r.Rand().Uint64())

	keys := root.SplitN(8)
	seen := make(map[Key]bool)
	for _, k := range keys {
		assert.False(t, seen[k], "duplicate sub-key")
		seen[k] = true
	}
	assert.Equal(t, l, keys[0])
}

func TestKey_Permutation(t *testing.T) {
	perm := New(3).Permutation(10)
	require.Len(t, perm, 10)
	hit := make([]bool, 10)
	for _, p := range perm {
		hit[p] = true
	}
	for i, ok := range hit {
		assert.True(t, ok, "index %d missing", i)
	}
	assert.Equal(t, perm, New(3).Permutation(10))
}
