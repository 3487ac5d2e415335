// Package mlp runs end-to-end tests of the canonical tensor-parallel block: a
// column-parallel linear feeding a row-parallel linear, the way transformer MLPs and
// attention projections are sharded.
package mlp

import (
	"sync"
	"testing"

	. "github.com/gomlx/tensorparallel"
	"github.com/gomlx/tensorparallel/pgroup"
	"github.com/gomlx/tensorparallel/types/tensor"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	inputSize  = 8
	hiddenSize = 16
	batch      = 4
)

// mlp is one rank's half of the two-layer block. The column layer keeps its output
// sharded and the row layer consumes the shard directly, so the block needs exactly one
// all-reduce per forward pass.
type mlp struct {
	up   *ColumnParallelLinear
	down *RowParallelLinear
}

func newMLP(comm *pgroup.Comm, cfg *Config) (*mlp, error) {
	upOpts := DefaultLinearOptions()
	upOpts.Name = "mlp_up"
	upOpts.GatherOutput = false
	up, err := NewColumnParallelLinear(comm, inputSize, hiddenSize, cfg, upOpts)
	if err != nil {
		return nil, err
	}
	downOpts := DefaultLinearOptions()
	downOpts.Name = "mlp_down"
	downOpts.InputIsParallel = true
	down, err := NewRowParallelLinear(comm, hiddenSize, inputSize, cfg, downOpts)
	if err != nil {
		return nil, err
	}
	return &mlp{up: up, down: down}, nil
}

func (m *mlp) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	hidden, _, err := m.up.Forward(x)
	if err != nil {
		return nil, err
	}
	out, _, err := m.down.Forward(hidden)
	return out, err
}

func input() *tensor.Tensor {
	flat := make([]float32, batch*inputSize)
	for i := range flat {
		flat[i] = float32(i%5) - 2
	}
	return must.M1(tensor.FromFlatAndDimensions(flat, batch, inputSize))
}

func config(seed int64) *Config {
	return NewConfig().WithCPUInitialization(true).WithSeed(seed)
}

func TestMLPMatchesUndivided(t *testing.T) {
	x := input()

	g1 := must.M1(pgroup.New(1))
	reference := must.M1(newMLP(must.M1(g1.Comm(0)), config(21)))
	want := must.M1(reference.forward(x))

	for _, size := range []int{2, 4} {
		g := must.M1(pgroup.New(size))
		blocks := make([]*mlp, size)
		for rank := range size {
			blocks[rank] = must.M1(newMLP(must.M1(g.Comm(rank)), config(21)))
		}
		outputs := make([]*tensor.Tensor, size)
		var mu sync.Mutex
		require.NoError(t, g.Run(func(comm *pgroup.Comm) error {
			out, err := blocks[comm.Rank()].forward(x)
			if err != nil {
				return err
			}
			mu.Lock()
			outputs[comm.Rank()] = out
			mu.Unlock()
			return nil
		}))
		for rank, out := range outputs {
			require.Equal(t, []int{batch, inputSize}, out.Shape().Dimensions)
			for i := range want.Flat() {
				assert.InDelta(t, want.Flat()[i], out.Flat()[i], 1e-4,
					"group of %d, rank %d, element %d", size, rank, i)
			}
		}
	}
}

func TestMLPEmbeddingPipeline(t *testing.T) {
	// Embedding into the MLP block, all sharded over the same group: the shape contract
	// of each stage feeds the next.
	const vocab = 32
	ids := []int{0, 5, 31, 16}

	g := must.M1(pgroup.New(4))
	type pipeline struct {
		embed *VocabParallelEmbedding
		block *mlp
	}
	stages := make([]*pipeline, 4)
	for rank := range 4 {
		comm := must.M1(g.Comm(rank))
		stages[rank] = &pipeline{
			embed: must.M1(NewVocabParallelEmbedding(comm, vocab, inputSize, config(33), nil)),
			block: must.M1(newMLP(comm, config(33))),
		}
	}
	outputs := make([]*tensor.Tensor, 4)
	var mu sync.Mutex
	require.NoError(t, g.Run(func(comm *pgroup.Comm) error {
		embedded, err := stages[comm.Rank()].embed.Forward(ids)
		if err != nil {
			return err
		}
		out, err := stages[comm.Rank()].block.forward(embedded)
		if err != nil {
			return err
		}
		mu.Lock()
		outputs[comm.Rank()] = out
		mu.Unlock()
		return nil
	}))
	// Every rank ends with the same full activations.
	for rank := 1; rank < 4; rank++ {
		require.Equal(t, outputs[0].Shape().Dimensions, outputs[rank].Shape().Dimensions)
		for i := range outputs[0].Flat() {
			assert.InDelta(t, outputs[0].Flat()[i], outputs[rank].Flat()[i], 1e-5,
				"rank %d element %d", rank, i)
		}
	}
}
