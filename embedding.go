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

// EmbeddingOptions are the per-layer options of VocabParallelEmbedding. The zero value
// is valid.
type EmbeddingOptions struct {
	// Name used in error messages and logs. Defaults to "vocab_parallel_embedding".
	Name string

	// Init overrides the weight initializer. Defaults to initializers.XavierNormal, or
	// to initializers.XavierUniformTensorParallel under the alternate optimizer.
	Init initializers.InitFn

	// PipelineFirstStage marks this worker as first in the pipeline ordering. The
	// post-normalization hook only runs on the first stage.
	PipelineFirstStage bool

	// Normalizer is the post-normalization sublayer. It is applied to the reduced
	// embedding output when PipelineFirstStage is set and the config enables
	// EmbedLayerNorm or the alternate optimizer.
	Normalizer Normalizer
}

// VocabParallelEmbedding is an embedding table parallelized in the vocabulary
// dimension: each rank owns a contiguous range of the vocabulary and the rows for just
// that range.
//
// A lookup masks out ids of other ranks' ranges, looks up the local rows, zeroes the
// masked positions and sum-reduces across the group: exactly one rank contributed a
// non-zero row per id, so the summation recovers the full embedding on every rank.
type VocabParallelEmbedding struct {
	comm *pgroup.Comm
	cfg  Config
	opts EmbeddingOptions
	name string

	numEmbeddings int
	embeddingDim  int

	vocabRange                partition.Range
	numEmbeddingsPerPartition int

	weight *Parameter
	state  layerState
}

// NewVocabParallelEmbedding creates the embedding layer for this rank of the group, and
// initializes its local partition of the weights.
//
//   - comm: this rank's handle of the tensor-parallel group.
//   - numEmbeddings: the global vocabulary size. Must be divisible by the group size.
//   - embeddingDim: the width of each embedding row.
//   - cfg: model-wide options; nil means defaults.
//   - opts: per-layer options; nil means defaults.
func NewVocabParallelEmbedding(comm *pgroup.Comm, numEmbeddings, embeddingDim int,
	cfg *Config, opts *EmbeddingOptions) (*VocabParallelEmbedding, error) {
	finalCfg, err := cfg.finalized()
	if err != nil {
		return nil, err
	}
	e := &VocabParallelEmbedding{
		comm:          comm,
		cfg:           finalCfg,
		numEmbeddings: numEmbeddings,
		embeddingDim:  embeddingDim,
		state:         layerUninitialized,
	}
	if opts != nil {
		e.opts = *opts
	}
	e.name = utils.NormalizeIdentifier(e.opts.Name)
	if e.name == "" {
		e.name = "vocab_parallel_embedding"
	}
	if err := e.updateSizes(); err != nil {
		return nil, err
	}
	if err := e.initializeWeight(); err != nil {
		return nil, err
	}
	return e, nil
}

// sizesFor derives the vocabulary range this rank would own under the given group
// handle, without committing anything.
func (e *VocabParallelEmbedding) sizesFor(comm *pgroup.Comm) (partition.Range, error) {
	r, err := partition.VocabRange(e.numEmbeddings, comm.Rank(), comm.Size())
	if err != nil {
		return partition.Range{}, errors.Wrapf(err, "%s with vocabulary %d", e.name, e.numEmbeddings)
	}
	return r, nil
}

// updateSizes derives the vocabulary range owned by this rank. It moves the layer to
// the sized state: the weight values are no longer meaningful until initializeWeight.
func (e *VocabParallelEmbedding) updateSizes() error {
	r, err := e.sizesFor(e.comm)
	if err != nil {
		return err
	}
	e.vocabRange = r
	e.numEmbeddingsPerPartition = r.Size()
	e.state = layerSized
	return nil
}

func (e *VocabParallelEmbedding) initializeWeight() error {
	initFn := e.opts.Init
	if initFn == nil {
		if e.cfg.UseAlternateOptimizer {
			initFn = initializers.XavierUniformTensorParallel(1.0, e.comm.Size())
		} else {
			initFn = initializers.XavierNormal()
		}
	}
	local := tensor.New(shapes.Make(e.cfg.ParamsDType, e.numEmbeddingsPerPartition, e.embeddingDim))
	if e.cfg.UseCPUInitialization {
		_, err := initializers.AffineWeightHost(local, initializers.AffineWeightSpec{
			OutputSize:       e.numEmbeddings,
			InputSize:        e.embeddingDim,
			PerPartitionSize: e.numEmbeddingsPerPartition,
			PartitionDim:     0,
			Stride:           1,
			Rank:             e.comm.Rank(),
			GroupSize:        e.comm.Size(),
			ParamsDType:      e.cfg.ParamsDType,
			Seed:             e.cfg.Seed,
		}, initFn)
		if err != nil {
			return errors.Wrapf(err, "%s", e.name)
		}
	} else {
		tracker, err := e.cfg.tracker(e.comm.Rank())
		if err != nil {
			return errors.Wrapf(err, "%s", e.name)
		}
		if err := initializers.AffineWeightDevice(local, tracker, initFn); err != nil {
			return errors.Wrapf(err, "%s", e.name)
		}
	}
	e.weight = NewPartitionedParameter(local, Partitioned(0, 1))
	e.state = layerInitialized
	return nil
}

// Forward looks up the embeddings of the given ids and returns them as a tensor of
// shape (len(ids), embeddingDim), full and identical on every rank.
//
// An id outside [0, numEmbeddings) fails with a types.ErrInputRange error before any
// computation -- including any collective -- happens.
func (e *VocabParallelEmbedding) Forward(ids []int) (*tensor.Tensor, error) {
	if err := checkInitialized(e.state, e.name); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if id < 0 || id >= e.numEmbeddings {
			return nil, errors.Wrapf(types.ErrInputRange,
				"%s: input id %d outside of vocabulary of size %d (input: %v)",
				e.name, id, e.numEmbeddings, ids)
		}
	}

	var output *tensor.Tensor
	if e.comm.Size() == 1 {
		var err error
		output, err = tensor.GatherRows(e.weight.Value(), ids)
		if err != nil {
			return nil, errors.Wrapf(err, "%s", e.name)
		}
	} else {
		// Shift ids into the local range, masking those owned by other ranks. Masked
		// positions look up row 0: any valid placeholder works, the rows are zeroed below.
		mask := make([]bool, len(ids))
		localIDs := make([]int, len(ids))
		for i, id := range ids {
			if !e.vocabRange.Contains(id) {
				mask[i] = true
				continue
			}
			localIDs[i] = id - e.vocabRange.Start
		}
		parallel, err := tensor.GatherRows(e.weight.Value(), localIDs)
		if err != nil {
			return nil, errors.Wrapf(err, "%s", e.name)
		}
		if err := tensor.ZeroRows(parallel, mask); err != nil {
			return nil, errors.Wrapf(err, "%s", e.name)
		}
		output, err = Reduce(e.comm).Forward(parallel)
		if err != nil {
			return nil, errors.Wrapf(err, "%s", e.name)
		}
	}

	if e.normActive() {
		normalized, err := e.opts.Normalizer.Normalize(output)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: post-normalization", e.name)
		}
		output = normalized
	}
	return output, nil
}

func (e *VocabParallelEmbedding) normActive() bool {
	return e.opts.Normalizer != nil && e.opts.PipelineFirstStage &&
		(e.cfg.EmbedLayerNorm || e.cfg.UseAlternateOptimizer)
}

// Reconfigure re-derives the layer's partition from a new group handle. The weight is
// reinitialized in full only if the local partition size actually changed; otherwise it
// is left untouched, to avoid losing trained values.
//
// The new sizes are validated before anything is committed: a rejected reconfiguration
// leaves the layer untouched, still bound to its previous group and usable.
func (e *VocabParallelEmbedding) Reconfigure(comm *pgroup.Comm) error {
	r, err := e.sizesFor(comm)
	if err != nil {
		return err
	}
	e.comm = comm
	e.vocabRange = r
	if r.Size() == e.numEmbeddingsPerPartition && e.weight != nil {
		e.state = layerInitialized
		return nil
	}
	e.numEmbeddingsPerPartition = r.Size()
	e.state = layerSized
	return e.initializeWeight()
}

// Weight returns the local partition of the embedding table.
func (e *VocabParallelEmbedding) Weight() *Parameter { return e.weight }

// LocalShape returns the shape of the local partition of the embedding table.
func (e *VocabParallelEmbedding) LocalShape() shapes.Shape { return e.weight.Shape() }

// PartitionRange returns the contiguous range of the global vocabulary owned by this
// rank.
func (e *VocabParallelEmbedding) PartitionRange() partition.Range { return e.vocabRange }
