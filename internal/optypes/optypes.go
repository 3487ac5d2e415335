// Package optypes defines OpType, the closed set of tensor-parallel mapping operations.
//
// Each OpType names a directional data-movement primitive between a worker and its
// tensor-parallel group. The forward and backward rules attached to each op live in the
// root package; here they are only enumerated, for error messages and logging.
package optypes

// OpType is an enum of the tensor-parallel mapping operations.
type OpType int

//go:generate go tool enumer -type=OpType optypes.go

const (
	Invalid OpType = iota

	// CopyToGroup is the identity in the forward direction and an all-reduce (sum) in the
	// backward direction.
	CopyToGroup

	// ReduceFromGroup is an all-reduce (sum) in the forward direction and the identity in
	// the backward direction.
	ReduceFromGroup

	// ScatterToGroup splits the tensor along its last axis and keeps the local rank's chunk
	// in the forward direction; the backward direction is an all-gather.
	ScatterToGroup

	// GatherFromGroup is an all-gather along the last axis in the forward direction; the
	// backward direction splits the gradient and keeps the local rank's chunk.
	GatherFromGroup
)
