package tensorparallel

import (
	"github.com/gomlx/tensorparallel/internal/optypes"
	"github.com/gomlx/tensorparallel/pgroup"
	"github.com/gomlx/tensorparallel/types"
	"github.com/gomlx/tensorparallel/types/tensor"
	"github.com/pkg/errors"
)

// Mapping is one of the four directional data-movement operations between a rank and
// its tensor-parallel group: Copy, Reduce, Scatter or Gather.
//
// Each mapping carries a forward rule and a backward rule, and the pairs are duals of
// each other: Copy's backward is Reduce's forward (an all-reduce), and Scatter's
// backward is Gather's forward (an all-gather). This duality is what makes the gradient
// of a partitioned computation equal to the gradient of the undivided one, so callers
// that propagate gradients themselves must route them through Backward of the same
// mapping the forward pass used.
//
// Both directions are group-synchronizing whenever they communicate: every rank must
// invoke the same mappings in the same order, or the group deadlocks. Communication
// failures are types.ErrCollective and fatal for the whole group; a tensor whose last
// axis does not divide by the group size is a types.ErrConfig error.
//
// For a group of size 1 every mapping degenerates to the identity.
type Mapping struct {
	op   optypes.OpType
	comm *pgroup.Comm
}

// Copy returns the mapping that is the identity in the forward direction -- every rank
// keeps its full value -- and sum-reduces gradients across the group in the backward
// direction. It feeds layers whose local compute consumes the full input, like
// ColumnParallelLinear.
func Copy(comm *pgroup.Comm) Mapping {
	return Mapping{op: optypes.CopyToGroup, comm: comm}
}

// Reduce returns the mapping that sum-reduces values across the group in the forward
// direction -- every rank ends with the full sum -- and is the identity in the backward
// direction.
func Reduce(comm *pgroup.Comm) Mapping {
	return Mapping{op: optypes.ReduceFromGroup, comm: comm}
}

// Scatter returns the mapping that splits the tensor along its last axis and keeps only
// this rank's chunk in the forward direction, and all-gathers gradient chunks back into
// the full-size gradient in the backward direction. The forward split is local: no
// communication happens.
func Scatter(comm *pgroup.Comm) Mapping {
	return Mapping{op: optypes.ScatterToGroup, comm: comm}
}

// Gather returns the mapping that concatenates each rank's chunk along the last axis
// into the full-size tensor on every rank in the forward direction, and splits the
// full-size gradient back into this rank's chunk in the backward direction.
func Gather(comm *pgroup.Comm) Mapping {
	return Mapping{op: optypes.GatherFromGroup, comm: comm}
}

// String implements fmt.Stringer.
func (m Mapping) String() string { return m.op.String() }

// Forward applies the mapping's forward rule.
func (m Mapping) Forward(t *tensor.Tensor) (*tensor.Tensor, error) {
	switch m.op {
	case optypes.CopyToGroup:
		return t, nil
	case optypes.ReduceFromGroup:
		return m.comm.AllReduce(t)
	case optypes.ScatterToGroup:
		return m.localChunk(t)
	case optypes.GatherFromGroup:
		return m.comm.AllGather(t, -1)
	}
	return nil, errors.Wrapf(types.ErrCollective, "invalid mapping %s", m.op)
}

// Backward applies the mapping's backward rule to the gradient flowing back through it.
func (m Mapping) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	switch m.op {
	case optypes.CopyToGroup:
		return m.comm.AllReduce(grad)
	case optypes.ReduceFromGroup:
		return grad, nil
	case optypes.ScatterToGroup:
		return m.comm.AllGather(grad, -1)
	case optypes.GatherFromGroup:
		return m.localChunk(grad)
	}
	return nil, errors.Wrapf(types.ErrCollective, "invalid mapping %s", m.op)
}

// localChunk splits the tensor along its last axis and keeps this rank's chunk.
func (m Mapping) localChunk(t *tensor.Tensor) (*tensor.Tensor, error) {
	if m.comm.Size() == 1 {
		return t, nil
	}
	parts, err := m.comm.Split(t, -1)
	if err != nil {
		// The split is local: a last axis that does not divide by the group size is a
		// sizing mistake, not a failed collective.
		return nil, errors.Wrapf(types.ErrConfig, "%s: %v", m.op, err)
	}
	return parts[m.comm.Rank()], nil
}
