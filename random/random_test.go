package random

import (
	"testing"

	"github.com/gomlx/tensorparallel/types"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultStreamIdenticalAcrossRanks(t *testing.T) {
	tr0, err := NewTracker(42, 0)
	require.NoError(t, err)
	tr1, err := NewTracker(42, 1)
	require.NoError(t, err)
	for i := 0; i < 16; i++ {
		assert.Equal(t, tr0.Rand().Uint64(), tr1.Rand().Uint64())
	}

	_, err = NewTracker(42, -1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrConfig))
}

func TestScopedForkIsRankDistinctAndRestores(t *testing.T) {
	tr0 := mustTracker(t, 42, 0)
	tr1 := mustTracker(t, 42, 1)

	// Draw once on the default stream so there is state to restore.
	before0 := drawAfter(t, tr0, tr1)

	fork0, err := tr0.ScopedFork()
	require.NoError(t, err)
	fork1, err := tr1.ScopedFork()
	require.NoError(t, err)
	assert.NotEqual(t, fork0.Rand().Uint64(), fork1.Rand().Uint64())

	// Nested forks are rejected.
	_, err = tr0.ScopedFork()
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrConfig))

	fork0.Close()
	fork0.Close() // Idempotent.
	fork1.Close()

	// After the forks close the default streams continue in lockstep, unaffected by the
	// number of values drawn inside the forks.
	after0 := drawAfter(t, tr0, tr1)
	assert.NotEqual(t, before0, after0)
}

func TestForkReproducible(t *testing.T) {
	first := forkDraws(t, 7, 3)
	second := forkDraws(t, 7, 3)
	assert.Equal(t, first, second)
	assert.NotEqual(t, first, forkDraws(t, 8, 3))
}

func mustTracker(t *testing.T, seed int64, rank int) *Tracker {
	tr, err := NewTracker(seed, rank)
	require.NoError(t, err)
	return tr
}

// drawAfter draws one value from each tracker's current stream, asserts they match, and
// returns the value.
func drawAfter(t *testing.T, tr0, tr1 *Tracker) uint64 {
	v0 := tr0.Rand().Uint64()
	v1 := tr1.Rand().Uint64()
	require.Equal(t, v0, v1)
	return v0
}

func forkDraws(t *testing.T, seed int64, rank int) []uint64 {
	tr := mustTracker(t, seed, rank)
	fork, err := tr.ScopedFork()
	require.NoError(t, err)
	defer fork.Close()
	values := make([]uint64, 8)
	for i := range values {
		values[i] = fork.Rand().Uint64()
	}
	return values
}
