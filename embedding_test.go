package tensorparallel

import (
	"sync"
	"testing"

	"github.com/gomlx/tensorparallel/pgroup"
	"github.com/gomlx/tensorparallel/types"
	"github.com/gomlx/tensorparallel/types/tensor"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// doubler is a trivial post-normalization sublayer for tests.
type doubler struct{}

func (doubler) Normalize(t *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.MulScalar(t, 2), nil
}

func hostConfig(seed int64) *Config {
	return NewConfig().WithCPUInitialization(true).WithSeed(seed)
}

// singleRankEmbedding builds the undivided reference table in a group of one.
func singleRankEmbedding(t *testing.T, numEmbeddings, embeddingDim int, cfg *Config) *VocabParallelEmbedding {
	t.Helper()
	g := must.M1(pgroup.New(1))
	e, err := NewVocabParallelEmbedding(must.M1(g.Comm(0)), numEmbeddings, embeddingDim, cfg, nil)
	require.NoError(t, err)
	return e
}

func TestVocabParallelEmbeddingPartition(t *testing.T) {
	g := must.M1(pgroup.New(4))
	for rank := range 4 {
		e, err := NewVocabParallelEmbedding(must.M1(g.Comm(rank)), 16, 8, hostConfig(1), nil)
		require.NoError(t, err)
		r := e.PartitionRange()
		assert.Equal(t, 4*rank, r.Start)
		assert.Equal(t, 4*(rank+1), r.End)
		assert.Equal(t, []int{4, 8}, e.LocalShape().Dimensions)
		assert.True(t, e.Weight().PartitionSpec().IsPartitioned)
		assert.Equal(t, 0, e.Weight().PartitionSpec().Dim)
	}

	// Vocabulary not divisible by the group size.
	_, err := NewVocabParallelEmbedding(must.M1(g.Comm(0)), 17, 8, hostConfig(1), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrConfig))
}

func TestVocabParallelEmbeddingForward(t *testing.T) {
	const numEmbeddings, embeddingDim = 16, 8
	cfg := hostConfig(42)
	reference := singleRankEmbedding(t, numEmbeddings, embeddingDim, cfg)
	ids := []int{3, 0, 15, 7, 7, 12}
	want := must.M1(reference.Forward(ids))

	// Host-path initialization makes the assembled table independent of the group size,
	// so every rank of a group of 4 must reproduce the undivided lookup exactly.
	g := must.M1(pgroup.New(4))
	embeddings := make([]*VocabParallelEmbedding, 4)
	for rank := range 4 {
		embeddings[rank] = must.M1(NewVocabParallelEmbedding(
			must.M1(g.Comm(rank)), numEmbeddings, embeddingDim, cfg, nil))
	}
	var mu sync.Mutex
	outputs := make([]*tensor.Tensor, 4)
	require.NoError(t, g.Run(func(comm *pgroup.Comm) error {
		out, err := embeddings[comm.Rank()].Forward(ids)
		if err != nil {
			return err
		}
		mu.Lock()
		outputs[comm.Rank()] = out
		mu.Unlock()
		return nil
	}))
	for rank, out := range outputs {
		assert.True(t, want.Equal(out), "rank %d diverged from the undivided lookup", rank)
	}
}

func TestVocabParallelEmbeddingInputRange(t *testing.T) {
	g := must.M1(pgroup.New(2))
	embeddings := make([]*VocabParallelEmbedding, 2)
	for rank := range 2 {
		embeddings[rank] = must.M1(NewVocabParallelEmbedding(
			must.M1(g.Comm(rank)), 8, 4, hostConfig(1), nil))
	}
	// The range check runs before any collective, so both ranks fail cleanly instead of
	// deadlocking with a half-arrived rendezvous.
	require.NoError(t, g.Run(func(comm *pgroup.Comm) error {
		_, err := embeddings[comm.Rank()].Forward([]int{1, 8, 2})
		if !errors.Is(err, types.ErrInputRange) {
			return errors.Errorf("rank %d: want ErrInputRange, got %v", comm.Rank(), err)
		}
		_, err = embeddings[comm.Rank()].Forward([]int{-1})
		if !errors.Is(err, types.ErrInputRange) {
			return errors.Errorf("rank %d: want ErrInputRange, got %v", comm.Rank(), err)
		}
		return nil
	}))
}

func TestVocabParallelEmbeddingNormalizer(t *testing.T) {
	const numEmbeddings, embeddingDim = 8, 4
	ids := []int{1, 5}
	baseCfg := hostConfig(7)
	plain := must.M1(singleRankEmbedding(t, numEmbeddings, embeddingDim, baseCfg).Forward(ids))

	newWith := func(cfg *Config, opts *EmbeddingOptions) *VocabParallelEmbedding {
		g := must.M1(pgroup.New(1))
		return must.M1(NewVocabParallelEmbedding(must.M1(g.Comm(0)), numEmbeddings, embeddingDim, cfg, opts))
	}

	t.Run("active on the first stage with embed layer-norm", func(t *testing.T) {
		e := newWith(hostConfig(7).WithEmbedLayerNorm(true),
			&EmbeddingOptions{PipelineFirstStage: true, Normalizer: doubler{}})
		out := must.M1(e.Forward(ids))
		assert.True(t, tensor.MulScalar(plain, 2).Equal(out))
	})

	t.Run("inactive off the first stage", func(t *testing.T) {
		e := newWith(hostConfig(7).WithEmbedLayerNorm(true),
			&EmbeddingOptions{Normalizer: doubler{}})
		out := must.M1(e.Forward(ids))
		assert.True(t, plain.Equal(out))
	})

	t.Run("inactive without the config switches", func(t *testing.T) {
		e := newWith(hostConfig(7),
			&EmbeddingOptions{PipelineFirstStage: true, Normalizer: doubler{}})
		out := must.M1(e.Forward(ids))
		assert.True(t, plain.Equal(out))
	})
}

func TestVocabParallelEmbeddingReconfigure(t *testing.T) {
	cfg := hostConfig(3)
	g4 := must.M1(pgroup.New(4))
	e := must.M1(NewVocabParallelEmbedding(must.M1(g4.Comm(1)), 16, 8, cfg, nil))
	original := e.Weight().Value().Clone()

	t.Run("same partition size keeps the weights", func(t *testing.T) {
		other := must.M1(pgroup.New(4))
		require.NoError(t, e.Reconfigure(must.M1(other.Comm(1))))
		assert.True(t, original.Equal(e.Weight().Value()))
	})

	t.Run("changed partition size reinitializes", func(t *testing.T) {
		g2 := must.M1(pgroup.New(2))
		require.NoError(t, e.Reconfigure(must.M1(g2.Comm(1))))
		assert.Equal(t, []int{8, 8}, e.LocalShape().Dimensions)
		assert.Equal(t, 8, e.PartitionRange().Start)
		assert.Equal(t, 16, e.PartitionRange().End)
	})

	t.Run("incompatible group fails", func(t *testing.T) {
		g3 := must.M1(pgroup.New(3))
		err := e.Reconfigure(must.M1(g3.Comm(1)))
		require.Error(t, err)
		assert.True(t, errors.Is(err, types.ErrConfig))
		// Still on the previous partition.
		assert.Equal(t, []int{8, 8}, e.LocalShape().Dimensions)
		assert.Equal(t, 8, e.PartitionRange().Start)
		assert.Equal(t, 16, e.PartitionRange().End)
	})
}

func TestVocabParallelEmbeddingReconfigureRejected(t *testing.T) {
	cfg := hostConfig(9)
	g := must.M1(pgroup.New(1))
	e := must.M1(NewVocabParallelEmbedding(must.M1(g.Comm(0)), 16, 4, cfg, nil))
	ids := []int{2, 9}
	want := must.M1(e.Forward(ids))

	g3 := must.M1(pgroup.New(3))
	err := e.Reconfigure(must.M1(g3.Comm(0)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrConfig))

	// The rejection leaves the layer on its previous partition and usable.
	assert.Equal(t, 0, e.PartitionRange().Start)
	assert.Equal(t, 16, e.PartitionRange().End)
	out := must.M1(e.Forward(ids))
	assert.True(t, want.Equal(out))
}
