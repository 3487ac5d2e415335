package tensorparallel

import (
	"github.com/gomlx/tensorparallel/types"
	"github.com/gomlx/tensorparallel/types/tensor"
	"github.com/pkg/errors"
)

// layerState tracks a layer's lifecycle: its sizes are derived from the group topology
// (sized) before its parameters hold values (initialized). Reconfiguration moves an
// initialized layer back to sized only when its local partition size actually changed.
type layerState int

const (
	layerUninitialized layerState = iota
	layerSized
	layerInitialized
)

// Normalizer is the post-normalization sublayer hook consumed by
// VocabParallelEmbedding. Normalization itself is an external collaborator; this module
// only decides when to apply it.
type Normalizer interface {
	Normalize(t *tensor.Tensor) (*tensor.Tensor, error)
}

// checkInitialized fails with a types.ErrConfig error unless the layer reached the
// initialized state: calling Forward on a layer whose parameters hold no values is a
// programming error.
func checkInitialized(state layerState, name string) error {
	if state != layerInitialized {
		return errors.Wrapf(types.ErrConfig, "%s: layer is not initialized", name)
	}
	return nil
}
