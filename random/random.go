// Package random tracks the pseudo-random state used for parallel-consistent weight
// initialization.
//
// A Tracker owns two deterministic streams derived from a base seed: the default
// stream, identical on every rank, and a forked stream that is distinct per rank. The
// device-side initialization path runs under a scoped fork, so that different ranks
// draw different, non-correlated but reproducible values, while unrelated draws outside
// the fork stay identical across ranks.
//
// Streams are math/rand/v2 PCG generators, so a (seed, rank) pair produces the same
// sequence on every platform.
package random

import (
	"math/rand/v2"

	"github.com/gomlx/tensorparallel/types"
	"github.com/pkg/errors"
)

// forkSeedOffset separates the per-rank forked streams from the default stream.
const forkSeedOffset = 2718

// Tracker holds the random streams of one rank.
//
// It is the one piece of cross-call mutable state of the module, and is passed
// explicitly to whoever initializes weights: it is never an ambient global, and it is
// never swapped implicitly mid-run.
type Tracker struct {
	baseSeed int64
	rank     int
	current  *rand.Rand
	forked   bool
}

// NewTracker creates a tracker for the given rank, seeded from baseSeed.
//
// Trackers created with the same baseSeed produce identical default streams on every
// rank, and rank-distinct forked streams.
func NewTracker(baseSeed int64, rank int) (*Tracker, error) {
	if rank < 0 {
		return nil, errors.Wrapf(types.ErrConfig, "invalid rank %d for random tracker", rank)
	}
	return &Tracker{
		baseSeed: baseSeed,
		rank:     rank,
		current:  rand.New(rand.NewPCG(uint64(baseSeed), 0)),
	}, nil
}

// Rand returns the currently active stream: the default stream, or the rank-distinct
// one inside a scoped fork.
func (tr *Tracker) Rand() *rand.Rand { return tr.current }

// Fork is the guard of a scoped fork. Close it (usually with defer) to restore the
// previous stream; the restore must happen on every exit path, including failures,
// otherwise subsequent unrelated initializations would draw from the wrong stream.
type Fork struct {
	tracker  *Tracker
	previous *rand.Rand
	closed   bool
}

// ScopedFork swaps in the rank-distinct stream and returns the guard that restores the
// previous stream on Close.
//
// Forks do not nest: a second fork before the first is closed is a usage bug.
func (tr *Tracker) ScopedFork() (*Fork, error) {
	if tr.forked {
		return nil, errors.Wrapf(types.ErrConfig, "random tracker of rank %d is already forked", tr.rank)
	}
	fork := &Fork{tracker: tr, previous: tr.current}
	tr.current = rand.New(rand.NewPCG(uint64(tr.baseSeed), forkSeedOffset+uint64(tr.rank)))
	tr.forked = true
	return fork, nil
}

// Rand returns the rank-distinct stream active for the fork's lifetime.
func (f *Fork) Rand() *rand.Rand { return f.tracker.current }

// Close restores the stream that was active before the fork. It is idempotent and safe
// to defer.
func (f *Fork) Close() {
	if f.closed {
		return
	}
	f.tracker.current = f.previous
	f.tracker.forked = false
	f.closed = true
}
