package partition

import (
	"testing"

	"github.com/gomlx/tensorparallel/types"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDivide(t *testing.T) {
	got, err := Divide(12, 4)
	require.NoError(t, err)
	assert.Equal(t, 3, got)

	_, err = Divide(10, 3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrConfig))

	_, err = Divide(10, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrConfig))
}

func TestVocabRange(t *testing.T) {
	r, err := VocabRange(100, 1, 4)
	require.NoError(t, err)
	assert.Equal(t, Range{25, 50}, r)
	assert.Equal(t, 25, r.Size())
	assert.True(t, r.Contains(25))
	assert.True(t, r.Contains(49))
	assert.False(t, r.Contains(50))

	_, err = VocabRange(100, 4, 4)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrConfig))

	_, err = VocabRange(100, 0, 3)
	require.Error(t, err)
}

// Partitions of [0, N) must exactly tile it: in rank order, with no gaps or overlaps,
// and partition 0 starting at 0.
func TestVocabRangeTiling(t *testing.T) {
	for _, groupSize := range []int{1, 2, 3, 4, 6, 8} {
		for _, globalSize := range []int{groupSize, 24, 48, 1024} {
			if globalSize%groupSize != 0 {
				continue
			}
			next := 0
			for rank := 0; rank < groupSize; rank++ {
				r, err := VocabRange(globalSize, rank, groupSize)
				require.NoError(t, err)
				assert.Equal(t, next, r.Start, "N=%d G=%d rank=%d", globalSize, groupSize, rank)
				assert.Equal(t, globalSize/groupSize, r.Size())
				next = r.End
			}
			assert.Equal(t, globalSize, next)
		}
	}
}
