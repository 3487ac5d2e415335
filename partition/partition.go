// Package partition computes how a global dimension is divided among the ranks of a
// tensor-parallel group, and validates its inputs.
//
// All functions are pure: the partition of a dimension of size N among G ranks is a
// function of (N, rank, G) only. Partitions are contiguous, assigned in rank order, and
// exactly tile [0, N) with no gaps or overlaps. A dimension that is not evenly divisible
// by the group size is a fatal configuration error, never a silent rounding.
package partition

import (
	"fmt"

	"github.com/gomlx/tensorparallel/types"
	"github.com/pkg/errors"
)

// Divide returns total/parts. It fails with a types.ErrConfig error if total is not
// evenly divisible by parts.
func Divide(total, parts int) (int, error) {
	if parts <= 0 {
		return 0, errors.Wrapf(types.ErrConfig, "cannot divide %d into %d parts", total, parts)
	}
	if total%parts != 0 {
		return 0, errors.Wrapf(types.ErrConfig, "%d is not evenly divisible by %d", total, parts)
	}
	return total / parts, nil
}

// PerPartitionSize returns the size of each rank's partition of a global dimension of
// the given size.
func PerPartitionSize(globalSize, groupSize int) (int, error) {
	return Divide(globalSize, groupSize)
}

// Range is the contiguous global index range [Start, End) owned by one rank.
type Range struct {
	Start, End int
}

// Size returns the number of indices in the range.
func (r Range) Size() int { return r.End - r.Start }

// Contains returns whether the global index falls inside the range.
func (r Range) Contains(index int) bool { return index >= r.Start && index < r.End }

// String implements fmt.Stringer.
func (r Range) String() string { return fmt.Sprintf("[%d, %d)", r.Start, r.End) }

// VocabRange returns the range of the global vocabulary owned by the given rank:
// partitions have equal sizes, are assigned in rank order, and partition 0 starts at
// index 0.
func VocabRange(globalSize, rank, groupSize int) (Range, error) {
	if rank < 0 || rank >= groupSize {
		return Range{}, errors.Wrapf(types.ErrConfig, "rank %d outside of group of size %d", rank, groupSize)
	}
	perPartition, err := Divide(globalSize, groupSize)
	if err != nil {
		return Range{}, err
	}
	return RangeFromPerPartitionSize(perPartition, rank), nil
}

// RangeFromPerPartitionSize returns the range owned by the given rank when every
// partition has the given size.
func RangeFromPerPartitionSize(perPartitionSize, rank int) Range {
	start := rank * perPartitionSize
	return Range{Start: start, End: start + perPartitionSize}
}
