package tensorparallel

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorparallel/random"
	"github.com/gomlx/tensorparallel/types"
	"github.com/gomlx/tensorparallel/types/tensor"
	"github.com/pkg/errors"
)

// Config holds the options shared by every layer of a model. Create it with NewConfig
// and chain the With* setters:
//
//	cfg := tensorparallel.NewConfig().
//		WithParamsDType(dtypes.Float16).
//		WithCPUInitialization(true).
//		WithSeed(42)
//
// A nil *Config passed to a layer constructor means the defaults.
type Config struct {
	// ParamsDType is the dtype parameters are stored with. Defaults to float32.
	ParamsDType dtypes.DType

	// UseCPUInitialization selects the host-side master-weight initialization path,
	// whose values are independent of the group size. When false, parameters are
	// initialized directly at their partitioned size under a per-rank random stream,
	// which is cheaper but not equivalent.
	UseCPUInitialization bool

	// UseAlternateOptimizer selects the fan-in/fan-out-aware uniform initializer for
	// embedding weights, and enables the embedding post-normalization hook.
	UseAlternateOptimizer bool

	// EmbedLayerNorm enables the embedding post-normalization hook on the pipeline
	// first stage.
	EmbedLayerNorm bool

	// SyncDuplicatedParameters makes RowParallelLinear re-equalize its replicated bias
	// across the group on every forward call, in case independent optimizer updates
	// made it drift.
	SyncDuplicatedParameters bool

	// Seed of all weight initialization. Every rank must use the same seed.
	Seed int64

	// Tracker is the random-state tracker used by the device-side initialization path.
	// It should be chosen once by the composing application; when nil, each layer
	// creates one from Seed and its rank.
	Tracker *random.Tracker
}

// NewConfig returns a Config with the default values.
func NewConfig() *Config {
	return &Config{ParamsDType: dtypes.Float32}
}

// WithParamsDType sets the dtype parameters are stored with.
func (c *Config) WithParamsDType(dtype dtypes.DType) *Config {
	c.ParamsDType = dtype
	return c
}

// WithCPUInitialization selects (or deselects) the host-side master-weight
// initialization path.
func (c *Config) WithCPUInitialization(enabled bool) *Config {
	c.UseCPUInitialization = enabled
	return c
}

// WithAlternateOptimizer enables the alternate-optimizer initialization and
// normalization behavior for embeddings.
func (c *Config) WithAlternateOptimizer(enabled bool) *Config {
	c.UseAlternateOptimizer = enabled
	return c
}

// WithEmbedLayerNorm enables the embedding post-normalization hook.
func (c *Config) WithEmbedLayerNorm(enabled bool) *Config {
	c.EmbedLayerNorm = enabled
	return c
}

// WithSyncDuplicatedParameters enables bias re-equalization on RowParallelLinear.
func (c *Config) WithSyncDuplicatedParameters(enabled bool) *Config {
	c.SyncDuplicatedParameters = enabled
	return c
}

// WithSeed sets the weight initialization seed.
func (c *Config) WithSeed(seed int64) *Config {
	c.Seed = seed
	return c
}

// WithTracker injects the random-state tracker used by the device-side initialization
// path.
func (c *Config) WithTracker(tracker *random.Tracker) *Config {
	c.Tracker = tracker
	return c
}

// finalized returns a validated copy of the config, applying defaults. It supports a
// nil receiver.
func (c *Config) finalized() (Config, error) {
	if c == nil {
		return *NewConfig(), nil
	}
	cfg := *c
	if cfg.ParamsDType == dtypes.InvalidDType {
		cfg.ParamsDType = dtypes.Float32
	}
	if !tensor.IsSupportedDType(cfg.ParamsDType) {
		return Config{}, errors.Wrapf(types.ErrConfig, "unsupported params dtype %s", cfg.ParamsDType)
	}
	return cfg, nil
}

// tracker returns the injected random-state tracker, or one derived from the seed and
// rank.
func (cfg *Config) tracker(rank int) (*random.Tracker, error) {
	if cfg.Tracker != nil {
		return cfg.Tracker, nil
	}
	return random.NewTracker(cfg.Seed, rank)
}
