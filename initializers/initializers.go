// Package initializers fills layer parameters with their starting values, in a way that
// is aware of how the parameter is partitioned across the tensor-parallel group.
//
// There are two strategies with one shared invariant:
//
//   - Host path (AffineWeightHost): build the full-size master weight identically on
//     every rank, then deterministically extract this rank's slice. The values a rank
//     observes are bit-identical regardless of the group size, which makes results
//     reproducible across parallelism configurations.
//   - Device path (AffineWeightDevice): initialize the local parameter directly at its
//     final size, under a scoped per-rank-distinct random stream. Cheaper -- no full-size
//     allocation -- but it does not reproduce the host path's values; only shape and
//     partition correctness are guaranteed.
package initializers

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorparallel/partition"
	"github.com/gomlx/tensorparallel/random"
	"github.com/gomlx/tensorparallel/types"
	"github.com/gomlx/tensorparallel/types/shapes"
	"github.com/gomlx/tensorparallel/types/tensor"
	"github.com/pkg/errors"
)

// InitFn fills a tensor with starting values drawn from the given random stream.
//
// Implementations must consume the stream deterministically (fixed order, fixed number
// of draws for a given shape): the host initialization path relies on this to build the
// same master weight on every rank.
type InitFn func(rng *rand.Rand, w *tensor.Tensor)

// XavierNormal returns the default weight initializer: normal values with standard
// deviation sqrt(2 / (fanIn + fanOut)), where fanOut and fanIn are the first and second
// axes of the weight.
func XavierNormal() InitFn {
	return func(rng *rand.Rand, w *tensor.Tensor) {
		fanOut, fanIn := fans(w)
		std := math.Sqrt(2.0 / float64(fanIn+fanOut))
		fillNormal(rng, w, std)
	}
}

// RandomNormal returns an initializer of normal values with mean 0 and the given
// standard deviation.
func RandomNormal(stddev float64) InitFn {
	return func(rng *rand.Rand, w *tensor.Tensor) {
		fillNormal(rng, w, stddev)
	}
}

// XavierUniformTensorParallel returns the fan-in/fan-out-aware uniform initializer used
// with the alternate optimizer: uniform in [-a, a] with
// a = gain * sqrt(3) * sqrt(2 / (fanIn + fanOut*tpDegree)).
//
// The fan-out is scaled by tpDegree because the weight being initialized is only this
// rank's partition of a table split across the group on its first axis: the statistics
// must match those of the full, unpartitioned table.
func XavierUniformTensorParallel(gain float64, tpDegree int) InitFn {
	return func(rng *rand.Rand, w *tensor.Tensor) {
		fanOut, fanIn := fans(w)
		fanOut *= tpDegree
		std := gain * math.Sqrt(2.0/float64(fanIn+fanOut))
		a := math.Sqrt(3.0) * std
		for i := range w.Flat() {
			w.Flat()[i] = float32((rng.Float64()*2 - 1) * a)
		}
	}
}

// Zeros returns the initializer that fills the tensor with zeros. Biases always use it.
func Zeros() InitFn {
	return func(_ *rand.Rand, w *tensor.Tensor) {
		flat := w.Flat()
		for i := range flat {
			flat[i] = 0
		}
	}
}

func fans(w *tensor.Tensor) (fanOut, fanIn int) {
	if w.Rank() != 2 {
		return w.Shape().Size(), 1
	}
	return w.Dim(0), w.Dim(1)
}

func fillNormal(rng *rand.Rand, w *tensor.Tensor, stddev float64) {
	flat := w.Flat()
	for i := range flat {
		flat[i] = float32(rng.NormFloat64() * stddev)
	}
}

// AffineWeightSpec describes the affine weight being initialized: its global size, how
// it is partitioned, and which rank's slice is wanted.
type AffineWeightSpec struct {
	// OutputSize and InputSize are the global dimensions of the weight, before
	// partitioning.
	OutputSize, InputSize int

	// PerPartitionSize is the local extent of the partitioned axis.
	PerPartitionSize int

	// PartitionDim is the axis along which the weight is split: 0 or 1.
	PartitionDim int

	// Stride is the sub-block granularity of the split, for layers whose logical output
	// is a concatenation of independently meaningful sub-blocks (e.g. fused multi-head
	// projections). 1 means plain contiguous partitioning.
	Stride int

	// Rank and GroupSize position this worker in the tensor-parallel group.
	Rank, GroupSize int

	// ParamsDType is the dtype the parameter is stored with. The master weight is built
	// in float32 and rounded to it.
	ParamsDType dtypes.DType

	// Seed of the master weight construction. All ranks must use the same seed.
	Seed int64

	// ReturnMaster makes AffineWeightHost return the master weight, for verification.
	ReturnMaster bool
}

func (spec AffineWeightSpec) validate() error {
	if spec.PartitionDim != 0 && spec.PartitionDim != 1 {
		return errors.Wrapf(types.ErrConfig, "partition dim must be 0 or 1, got %d", spec.PartitionDim)
	}
	if spec.Stride < 1 {
		return errors.Wrapf(types.ErrConfig, "stride must be >= 1, got %d", spec.Stride)
	}
	if spec.Rank < 0 || spec.Rank >= spec.GroupSize {
		return errors.Wrapf(types.ErrConfig, "rank %d outside of group of size %d", spec.Rank, spec.GroupSize)
	}
	return nil
}

// AffineWeightHost builds the full master weight on the host and copies this rank's
// slice into local.
//
// The master weight is initialized with initFn from a stream seeded with spec.Seed --
// identical on every rank -- and rounded to spec.ParamsDType. It is then split along
// spec.PartitionDim into GroupSize*Stride equal chunks, and this rank takes the chunks
// rank, rank+GroupSize, rank+2*GroupSize, ...: the interleaving preserves sub-block
// boundaries when the layer is logically several fused sub-layers.
//
// It returns the master weight if spec.ReturnMaster is set, otherwise nil.
func AffineWeightHost(local *tensor.Tensor, spec AffineWeightSpec, initFn InitFn) (*tensor.Tensor, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	master := tensor.New(shapes.Make(dtypes.Float32, spec.OutputSize, spec.InputSize))
	initFn(rand.New(rand.NewPCG(uint64(spec.Seed), 0)), master)
	master, err := tensor.ConvertDType(master, spec.ParamsDType)
	if err != nil {
		return nil, err
	}

	perStrideSize, err := partition.Divide(spec.PerPartitionSize, spec.Stride)
	if err != nil {
		return nil, err
	}
	numChunks, err := partition.Divide(master.Dim(spec.PartitionDim), perStrideSize)
	if err != nil {
		return nil, err
	}
	chunks, err := tensor.Split(master, spec.PartitionDim, numChunks)
	if err != nil {
		return nil, err
	}
	mine := make([]*tensor.Tensor, 0, spec.Stride)
	for i := spec.Rank; i < len(chunks); i += spec.GroupSize {
		mine = append(mine, chunks[i])
	}
	localFull, err := tensor.Concat(mine, spec.PartitionDim)
	if err != nil {
		return nil, err
	}
	if err := local.CopyFrom(localFull); err != nil {
		return nil, errors.Wrapf(types.ErrConfig, "local parameter %s does not match partition of (%d, %d) weight: %v",
			local.Shape(), spec.OutputSize, spec.InputSize, err)
	}
	if spec.ReturnMaster {
		return master, nil
	}
	return nil, nil
}

// AffineWeightDevice initializes the local parameter directly at its final size, under
// the tracker's scoped per-rank fork, and rounds it to its dtype.
//
// Different ranks draw different, non-correlated but reproducible values. This path
// does not reproduce the host path's master-weight split: it is a deliberate
// performance/memory trade-off, and only shape and partition correctness hold.
func AffineWeightDevice(local *tensor.Tensor, tracker *random.Tracker, initFn InitFn) error {
	fork, err := tracker.ScopedFork()
	if err != nil {
		return err
	}
	defer fork.Close()

	initFn(fork.Rand(), local)
	if local.DType() != dtypes.Float32 {
		rounded, err := tensor.ConvertDType(local, local.DType())
		if err != nil {
			return err
		}
		return local.CopyFrom(rounded)
	}
	return nil
}
