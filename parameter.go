package tensorparallel

import (
	"github.com/gomlx/tensorparallel/types"
	"github.com/gomlx/tensorparallel/types/shapes"
	"github.com/gomlx/tensorparallel/types/tensor"
	"github.com/pkg/errors"
)

// NoPartitionDim is the PartitionSpec.Dim value of parameters that are not partitioned.
const NoPartitionDim = -1

// PartitionSpec tags a parameter with how it was partitioned across the tensor-parallel
// group. Tags are set exactly once, when the parameter is created, and never
// overwritten: checkpoint and optimizer logic rely on them to tell partitioned
// parameters from replicated duplicates.
type PartitionSpec struct {
	// IsPartitioned is whether the parameter holds only this rank's partition.
	IsPartitioned bool

	// Dim is the axis along which the parameter was split, or NoPartitionDim.
	Dim int

	// Stride is the sub-block granularity used when splitting. 1 for contiguous splits.
	Stride int
}

// Partitioned returns the spec of a parameter split along the given axis.
func Partitioned(dim, stride int) PartitionSpec {
	return PartitionSpec{IsPartitioned: true, Dim: dim, Stride: stride}
}

// Parameter is an owned, mutable tensor plus its partition tags.
//
// Parameters are exclusively owned by their layer: no other component mutates them.
type Parameter struct {
	value  *tensor.Tensor
	spec   PartitionSpec
	tagged bool
}

// NewParameter wraps the tensor as an untagged parameter: not partitioned, no partition
// dim, stride 1.
func NewParameter(value *tensor.Tensor) *Parameter {
	return &Parameter{
		value: value,
		spec:  PartitionSpec{IsPartitioned: false, Dim: NoPartitionDim, Stride: 1},
	}
}

// NewPartitionedParameter wraps the tensor as a parameter already tagged with the given
// spec.
func NewPartitionedParameter(value *tensor.Tensor, spec PartitionSpec) *Parameter {
	return &Parameter{value: value, spec: spec, tagged: true}
}

// Value returns the parameter's tensor.
func (p *Parameter) Value() *tensor.Tensor { return p.value }

// Shape returns the shape of the parameter's tensor.
func (p *Parameter) Shape() shapes.Shape { return p.value.Shape() }

// PartitionSpec returns the parameter's partition tags.
func (p *Parameter) PartitionSpec() PartitionSpec { return p.spec }

// SetPartitionSpec tags the parameter. Re-tagging an already tagged parameter is a
// programming error and fails with a types.ErrConfig error.
func (p *Parameter) SetPartitionSpec(spec PartitionSpec) error {
	if p.tagged {
		return errors.Wrapf(types.ErrConfig, "parameter %s is already tagged with %+v", p.Shape(), p.spec)
	}
	p.spec = spec
	p.tagged = true
	return nil
}

// IsDistinctOnRank returns whether the parameter holds values distinct to the given
// rank, as opposed to being a replicated duplicate: partitioned parameters are distinct
// everywhere, replicated ones are attributed to rank 0. Checkpoint logic uses this to
// write each parameter exactly once.
func (p *Parameter) IsDistinctOnRank(rank int) bool {
	return p.spec.IsPartitioned || rank == 0
}
