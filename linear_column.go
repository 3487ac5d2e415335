package tensorparallel

import (
	"github.com/gomlx/tensorparallel/initializers"
	"github.com/gomlx/tensorparallel/internal/utils"
	"github.com/gomlx/tensorparallel/partition"
	"github.com/gomlx/tensorparallel/pgroup"
	"github.com/gomlx/tensorparallel/types"
	"github.com/gomlx/tensorparallel/types/shapes"
	"github.com/gomlx/tensorparallel/types/tensor"
	"github.com/pkg/errors"
)

// LinearOptions are the per-layer options shared by ColumnParallelLinear and
// RowParallelLinear. Use DefaultLinearOptions for the usual defaults.
type LinearOptions struct {
	// Name used in error messages and logs.
	Name string

	// Bias adds a learnable bias, initialized to zero.
	Bias bool

	// Init overrides the weight initializer. Defaults to initializers.XavierNormal, or
	// to initializers.XavierUniformTensorParallel under the alternate optimizer.
	Init initializers.InitFn

	// GatherOutput makes ColumnParallelLinear all-gather the per-rank output shards
	// into the full output. Disable it when the next layer consumes the shard directly,
	// like a RowParallelLinear with InputIsParallel. Ignored by RowParallelLinear.
	GatherOutput bool

	// InputIsParallel tells RowParallelLinear that its input is already split in the
	// last axis, typically by a preceding ColumnParallelLinear without GatherOutput.
	// Ignored by ColumnParallelLinear.
	InputIsParallel bool

	// SkipBiasAdd returns the bias from Forward instead of adding it, so the caller can
	// fuse the addition with a following operation.
	SkipBiasAdd bool

	// Stride of the output-dimension partitioning, for layers whose output concatenates
	// several logical blocks (like fused QKV projections): each of the Stride blocks is
	// partitioned across the group independently.
	Stride int

	// KeepMasterWeight keeps the full master weight around after host initialization,
	// for verification. Only meaningful with Config.UseCPUInitialization.
	KeepMasterWeight bool
}

// DefaultLinearOptions returns the usual defaults: bias on, gathered output, stride 1.
func DefaultLinearOptions() *LinearOptions {
	return &LinearOptions{
		Bias:         true,
		GatherOutput: true,
		Stride:       1,
	}
}

// ColumnParallelLinear is a linear layer Y = X A^T + b with A partitioned in its output
// dimension: A = [A_1; ...; A_p] along the columns of Y, so each rank computes its own
// slice Y_i = X A_i^T + b_i from the full input.
type ColumnParallelLinear struct {
	comm *pgroup.Comm
	cfg  Config
	opts LinearOptions
	name string

	inputSize  int
	outputSize int

	outputSizePerPartition int

	weight       *Parameter
	bias         *Parameter
	masterWeight *tensor.Tensor
	state        layerState
}

// NewColumnParallelLinear creates the layer for this rank of the group, and initializes
// its local partition of the weights. outputSize must be divisible by the group size
// times opts.Stride.
func NewColumnParallelLinear(comm *pgroup.Comm, inputSize, outputSize int,
	cfg *Config, opts *LinearOptions) (*ColumnParallelLinear, error) {
	finalCfg, err := cfg.finalized()
	if err != nil {
		return nil, err
	}
	l := &ColumnParallelLinear{
		comm:       comm,
		cfg:        finalCfg,
		inputSize:  inputSize,
		outputSize: outputSize,
		state:      layerUninitialized,
	}
	if opts != nil {
		l.opts = *opts
	} else {
		l.opts = *DefaultLinearOptions()
	}
	if l.opts.Stride <= 0 {
		l.opts.Stride = 1
	}
	l.name = utils.NormalizeIdentifier(l.opts.Name)
	if l.name == "" {
		l.name = "column_parallel_linear"
	}
	if err := l.updateSizes(); err != nil {
		return nil, err
	}
	if err := l.initializeParameters(); err != nil {
		return nil, err
	}
	return l, nil
}

// sizesFor derives the per-partition output size this rank would hold under the given
// group handle, without committing anything.
func (l *ColumnParallelLinear) sizesFor(comm *pgroup.Comm) (int, error) {
	if l.inputSize <= 0 || l.outputSize <= 0 {
		return 0, errors.Wrapf(types.ErrConfig, "%s: sizes must be positive, got %d x %d",
			l.name, l.inputSize, l.outputSize)
	}
	perPartition, err := partition.Divide(l.outputSize, comm.Size())
	if err != nil {
		return 0, errors.Wrapf(err, "%s with output size %d", l.name, l.outputSize)
	}
	if _, err := partition.Divide(perPartition, l.opts.Stride); err != nil {
		return 0, errors.Wrapf(err, "%s with stride %d", l.name, l.opts.Stride)
	}
	return perPartition, nil
}

func (l *ColumnParallelLinear) updateSizes() error {
	perPartition, err := l.sizesFor(l.comm)
	if err != nil {
		return err
	}
	l.outputSizePerPartition = perPartition
	l.state = layerSized
	return nil
}

func (l *ColumnParallelLinear) initializeParameters() error {
	initFn := l.opts.Init
	if initFn == nil {
		if l.cfg.UseAlternateOptimizer {
			initFn = initializers.XavierUniformTensorParallel(1.0, l.comm.Size())
		} else {
			initFn = initializers.XavierNormal()
		}
	}
	local := tensor.New(shapes.Make(l.cfg.ParamsDType, l.outputSizePerPartition, l.inputSize))
	if l.cfg.UseCPUInitialization {
		master, err := initializers.AffineWeightHost(local, initializers.AffineWeightSpec{
			OutputSize:       l.outputSize,
			InputSize:        l.inputSize,
			PerPartitionSize: l.outputSizePerPartition,
			PartitionDim:     0,
			Stride:           l.opts.Stride,
			Rank:             l.comm.Rank(),
			GroupSize:        l.comm.Size(),
			ParamsDType:      l.cfg.ParamsDType,
			Seed:             l.cfg.Seed,
			ReturnMaster:     l.opts.KeepMasterWeight,
		}, initFn)
		if err != nil {
			return errors.Wrapf(err, "%s", l.name)
		}
		l.masterWeight = master
	} else {
		tracker, err := l.cfg.tracker(l.comm.Rank())
		if err != nil {
			return errors.Wrapf(err, "%s", l.name)
		}
		if err := initializers.AffineWeightDevice(local, tracker, initFn); err != nil {
			return errors.Wrapf(err, "%s", l.name)
		}
	}
	l.weight = NewPartitionedParameter(local, Partitioned(0, l.opts.Stride))

	l.bias = nil
	if l.opts.Bias {
		biasT := tensor.New(shapes.Make(l.cfg.ParamsDType, l.outputSizePerPartition))
		l.bias = NewPartitionedParameter(biasT, Partitioned(0, l.opts.Stride))
	}
	l.state = layerInitialized
	return nil
}

// Forward applies the layer to x, of shape (..., inputSize), full and identical on
// every rank.
//
// It returns the output -- the full (..., outputSize) with GatherOutput, else this
// rank's (..., outputSize/p) shard -- and, with SkipBiasAdd, the bias tensor the caller
// is expected to add; otherwise the returned bias is nil and already folded in.
func (l *ColumnParallelLinear) Forward(x *tensor.Tensor) (output, bias *tensor.Tensor, err error) {
	if err = checkInitialized(l.state, l.name); err != nil {
		return nil, nil, err
	}
	input, err := Copy(l.comm).Forward(x)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "%s", l.name)
	}
	weightT, err := tensor.Transpose(l.weight.Value())
	if err != nil {
		return nil, nil, errors.Wrapf(err, "%s", l.name)
	}
	output, err = tensor.MatMul(input, weightT)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "%s", l.name)
	}
	if l.bias != nil && !l.opts.SkipBiasAdd {
		output, err = tensor.AddBias(output, l.bias.Value())
		if err != nil {
			return nil, nil, errors.Wrapf(err, "%s", l.name)
		}
	}
	if l.opts.GatherOutput {
		output, err = Gather(l.comm).Forward(output)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "%s", l.name)
		}
	}
	if l.bias != nil && l.opts.SkipBiasAdd {
		bias = l.bias.Value()
	}
	return output, bias, nil
}

// Reconfigure re-derives the layer's partition from a new group handle. The parameters
// are reinitialized in full only if the local partition size actually changed.
//
// The new sizes are validated before anything is committed: a rejected reconfiguration
// leaves the layer untouched, still bound to its previous group and usable.
func (l *ColumnParallelLinear) Reconfigure(comm *pgroup.Comm) error {
	perPartition, err := l.sizesFor(comm)
	if err != nil {
		return err
	}
	l.comm = comm
	if perPartition == l.outputSizePerPartition && l.weight != nil {
		l.state = layerInitialized
		return nil
	}
	l.outputSizePerPartition = perPartition
	l.state = layerSized
	return l.initializeParameters()
}

// Weight returns the local partition of the weight matrix, of shape
// (outputSize/p, inputSize).
func (l *ColumnParallelLinear) Weight() *Parameter { return l.weight }

// Bias returns the local partition of the bias, or nil if the layer has none.
func (l *ColumnParallelLinear) Bias() *Parameter { return l.bias }

// MasterWeight returns the full master weight kept by KeepMasterWeight, or nil.
func (l *ColumnParallelLinear) MasterWeight() *tensor.Tensor { return l.masterWeight }

// LocalShape returns the shape of the local partition of the weight matrix.
func (l *ColumnParallelLinear) LocalShape() shapes.Shape { return l.weight.Shape() }

// PartitionRange returns the contiguous range of the global output dimension owned by
// this rank.
func (l *ColumnParallelLinear) PartitionRange() partition.Range {
	return partition.RangeFromPerPartitionSize(l.outputSizePerPartition, l.comm.Rank())
}
