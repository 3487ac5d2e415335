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

// RowParallelLinear is a linear layer Y = X A^T + b with A partitioned in its input
// dimension: A = [A_1 | ... | A_p] along the columns of X, so each rank contributes a
// partial product X_i A_i^T that is sum-reduced into the full Y on every rank.
//
// The bias is replicated: it is added once, after the reduction, and every rank holds
// the same copy.
type RowParallelLinear struct {
	comm *pgroup.Comm
	cfg  Config
	opts LinearOptions
	name string

	inputSize  int
	outputSize int

	inputSizePerPartition int

	weight *Parameter
	bias   *Parameter
	state  layerState
}

// NewRowParallelLinear creates the layer for this rank of the group, and initializes
// its local partition of the weights. inputSize must be divisible by the group size.
func NewRowParallelLinear(comm *pgroup.Comm, inputSize, outputSize int,
	cfg *Config, opts *LinearOptions) (*RowParallelLinear, error) {
	finalCfg, err := cfg.finalized()
	if err != nil {
		return nil, err
	}
	l := &RowParallelLinear{
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
		l.name = "row_parallel_linear"
	}
	if err := l.updateSizes(); err != nil {
		return nil, err
	}
	if err := l.initializeParameters(); err != nil {
		return nil, err
	}
	return l, nil
}

// sizesFor derives the per-partition input size this rank would hold under the given
// group handle, without committing anything.
func (l *RowParallelLinear) sizesFor(comm *pgroup.Comm) (int, error) {
	if l.inputSize <= 0 || l.outputSize <= 0 {
		return 0, errors.Wrapf(types.ErrConfig, "%s: sizes must be positive, got %d x %d",
			l.name, l.inputSize, l.outputSize)
	}
	perPartition, err := partition.Divide(l.inputSize, comm.Size())
	if err != nil {
		return 0, errors.Wrapf(err, "%s with input size %d", l.name, l.inputSize)
	}
	return perPartition, nil
}

func (l *RowParallelLinear) updateSizes() error {
	perPartition, err := l.sizesFor(l.comm)
	if err != nil {
		return err
	}
	l.inputSizePerPartition = perPartition
	l.state = layerSized
	return nil
}

func (l *RowParallelLinear) initializeParameters() error {
	initFn := l.opts.Init
	if initFn == nil {
		if l.cfg.UseAlternateOptimizer {
			initFn = initializers.XavierUniformTensorParallel(1.0, l.comm.Size())
		} else {
			initFn = initializers.XavierNormal()
		}
	}
	local := tensor.New(shapes.Make(l.cfg.ParamsDType, l.outputSize, l.inputSizePerPartition))
	if l.cfg.UseCPUInitialization {
		_, err := initializers.AffineWeightHost(local, initializers.AffineWeightSpec{
			OutputSize:       l.outputSize,
			InputSize:        l.inputSize,
			PerPartitionSize: l.inputSizePerPartition,
			PartitionDim:     1,
			Stride:           l.opts.Stride,
			Rank:             l.comm.Rank(),
			GroupSize:        l.comm.Size(),
			ParamsDType:      l.cfg.ParamsDType,
			Seed:             l.cfg.Seed,
		}, initFn)
		if err != nil {
			return errors.Wrapf(err, "%s", l.name)
		}
	} else {
		tracker, err := l.cfg.tracker(l.comm.Rank())
		if err != nil {
			return errors.Wrapf(err, "%s", l.name)
		}
		if err := initializers.AffineWeightDevice(local, tracker, initFn); err != nil {
			return errors.Wrapf(err, "%s", l.name)
		}
	}
	l.weight = NewPartitionedParameter(local, Partitioned(1, l.opts.Stride))

	l.bias = nil
	if l.opts.Bias {
		// Replicated, not partitioned: every rank holds the full bias.
		biasT := tensor.New(shapes.Make(l.cfg.ParamsDType, l.outputSize))
		l.bias = NewParameter(biasT)
	}
	l.state = layerInitialized
	return nil
}

// Forward applies the layer to x and returns the full output of shape
// (..., outputSize), identical on every rank.
//
// Without InputIsParallel x is the full (..., inputSize) input, identical on every
// rank, and the layer scatters it; with InputIsParallel x is already this rank's
// (..., inputSize/p) shard. With SkipBiasAdd the bias is returned instead of added.
func (l *RowParallelLinear) Forward(x *tensor.Tensor) (output, bias *tensor.Tensor, err error) {
	if err = checkInitialized(l.state, l.name); err != nil {
		return nil, nil, err
	}
	if l.cfg.SyncDuplicatedParameters {
		if err = l.SyncDuplicated(); err != nil {
			return nil, nil, err
		}
	}
	input := x
	if !l.opts.InputIsParallel {
		input, err = Scatter(l.comm).Forward(x)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "%s", l.name)
		}
	}
	weightT, err := tensor.Transpose(l.weight.Value())
	if err != nil {
		return nil, nil, errors.Wrapf(err, "%s", l.name)
	}
	partial, err := tensor.MatMul(input, weightT)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "%s", l.name)
	}
	output, err = Reduce(l.comm).Forward(partial)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "%s", l.name)
	}
	if l.bias != nil {
		if l.opts.SkipBiasAdd {
			bias = l.bias.Value()
		} else {
			output, err = tensor.AddBias(output, l.bias.Value())
			if err != nil {
				return nil, nil, errors.Wrapf(err, "%s", l.name)
			}
		}
	}
	return output, bias, nil
}

// SyncDuplicated re-synchronizes the replicated bias across the group by averaging it,
// against drift from non-deterministic updates. It is a no-op without a bias or in a
// group of one. Forward calls it automatically when the config enables
// SyncDuplicatedParameters.
func (l *RowParallelLinear) SyncDuplicated() error {
	if l.bias == nil || l.comm.Size() == 1 {
		return nil
	}
	sum, err := l.comm.AllReduce(l.bias.Value())
	if err != nil {
		return errors.Wrapf(err, "%s: sync of duplicated bias", l.name)
	}
	return l.bias.Value().CopyFrom(tensor.MulScalar(sum, 1.0/float32(l.comm.Size())))
}

// Reconfigure re-derives the layer's partition from a new group handle. The parameters
// are reinitialized in full only if the local partition size actually changed.
//
// The new sizes are validated before anything is committed: a rejected reconfiguration
// leaves the layer untouched, still bound to its previous group and usable.
func (l *RowParallelLinear) Reconfigure(comm *pgroup.Comm) error {
	perPartition, err := l.sizesFor(comm)
	if err != nil {
		return err
	}
	l.comm = comm
	if perPartition == l.inputSizePerPartition && l.weight != nil {
		l.state = layerInitialized
		return nil
	}
	l.inputSizePerPartition = perPartition
	l.state = layerSized
	return l.initializeParameters()
}

// Weight returns the local partition of the weight matrix, of shape
// (outputSize, inputSize/p).
func (l *RowParallelLinear) Weight() *Parameter { return l.weight }

// Bias returns the replicated bias, or nil if the layer has none.
func (l *RowParallelLinear) Bias() *Parameter { return l.bias }

// LocalShape returns the shape of the local partition of the weight matrix.
func (l *RowParallelLinear) LocalShape() shapes.Shape { return l.weight.Shape() }

// PartitionRange returns the contiguous range of the global input dimension owned by
// this rank.
func (l *RowParallelLinear) PartitionRange() partition.Range {
	return partition.RangeFromPerPartitionSize(l.inputSizePerPartition, l.comm.Rank())
}
