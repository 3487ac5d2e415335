// Package pgroup implements an in-process tensor-parallel group: a fixed set of
// cooperating workers, one goroutine per rank, exchanging tensors through blocking
// collective operations.
//
// Every collective is a group-synchronizing barrier: all ranks of the group must invoke
// the same operation in the same order, or the group deadlocks. This ordering constraint
// is the most important invariant of the whole module. A rank that reaches a collective
// with a mismatching operation, axis or shape -- or that never reaches it before the
// group timeout -- poisons the rendezvous and every participating rank fails with a
// types.ErrCollective error. There is no recovery: after a failed collective the ranks
// are in divergent states.
package pgroup

import (
	"time"

	"github.com/gomlx/tensorparallel/internal/optypes"
	"github.com/gomlx/tensorparallel/types"
	"github.com/gomlx/tensorparallel/types/tensor"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// DefaultTimeout is how long a rank waits for its peers inside a collective before the
// rendezvous is poisoned. Override it with Group.WithTimeout.
const DefaultTimeout = time.Minute

// Group is the topology of a tensor-parallel group: its size and the rendezvous point
// shared by the ranks' collectives.
type Group struct {
	size    int
	timeout time.Duration
	comms   []*Comm

	rendezvous chan *round
}

// New creates a tensor-parallel group with one Comm per rank.
func New(size int) (*Group, error) {
	if size <= 0 {
		return nil, errors.Wrapf(types.ErrConfig, "group size must be positive, got %d", size)
	}
	g := &Group{
		size:       size,
		timeout:    DefaultTimeout,
		rendezvous: make(chan *round, 1),
	}
	g.rendezvous <- nil
	g.comms = make([]*Comm, size)
	for rank := range g.comms {
		g.comms[rank] = &Comm{rank: rank, group: g}
	}
	klog.V(1).Infof("pgroup: created tensor-parallel group of size %d", size)
	return g, nil
}

// WithTimeout sets how long a rank waits for its peers inside a collective. It returns
// the modified group, so it can be chained with New.
func (g *Group) WithTimeout(timeout time.Duration) *Group {
	g.timeout = timeout
	return g
}

// Size returns the number of ranks in the group.
func (g *Group) Size() int { return g.size }

// Comms returns the per-rank communication handles, indexed by rank.
func (g *Group) Comms() []*Comm { return g.comms }

// Comm returns the handle of the given rank.
func (g *Group) Comm(rank int) (*Comm, error) {
	if rank < 0 || rank >= g.size {
		return nil, errors.Wrapf(types.ErrConfig, "rank %d outside of group of size %d", rank, g.size)
	}
	return g.comms[rank], nil
}

// Run executes fn once per rank, each on its own goroutine, and waits for all of them.
// It returns the first error, as the surrounding errgroup sees it.
//
// This is the scheduling model of the module: one worker goroutine per rank, with no
// intra-rank concurrency, suspending only at collective boundaries.
func (g *Group) Run(fn func(comm *Comm) error) error {
	var eg errgroup.Group
	for _, comm := range g.comms {
		eg.Go(func() error { return fn(comm) })
	}
	return eg.Wait()
}

// round is one rendezvous: the contributions of every rank to a single collective call,
// and its per-rank results.
type round struct {
	op       optypes.OpType
	axis     int
	contribs []*tensor.Tensor
	arrived  int
	done     chan struct{}
	results  []*tensor.Tensor
	err      error
}

// Comm is the communication handle of one rank of the group.
type Comm struct {
	rank  int
	group *Group
}

// Rank returns this worker's position in the group.
func (c *Comm) Rank() int { return c.rank }

// Size returns the size of the group.
func (c *Comm) Size() int { return c.group.size }

// AllReduce sums the tensors contributed by every rank of the group, element-wise, and
// returns the full sum on every rank. All contributions must have the same shape.
//
// It blocks until every rank of the group has called it.
func (c *Comm) AllReduce(t *tensor.Tensor) (*tensor.Tensor, error) {
	if c.group.size == 1 {
		return t.Clone(), nil
	}
	return c.exchange(optypes.ReduceFromGroup, 0, t)
}

// AllGather concatenates the tensors contributed by every rank along the given axis, in
// rank order, and returns the full tensor on every rank. Negative axes count from the
// end.
//
// It blocks until every rank of the group has called it.
func (c *Comm) AllGather(t *tensor.Tensor, axis int) (*tensor.Tensor, error) {
	if c.group.size == 1 {
		return t.Clone(), nil
	}
	if axis < 0 {
		axis += t.Rank()
	}
	if axis < 0 || axis >= t.Rank() {
		return nil, errors.Wrapf(types.ErrCollective, "rank %d: AllGather axis %d not valid for shape %s",
			c.rank, axis, t.Shape())
	}
	return c.exchange(optypes.GatherFromGroup, axis, t)
}

// Split divides the tensor along the given axis into one contiguous chunk per rank and
// returns all of them. It is purely local: no communication happens.
func (c *Comm) Split(t *tensor.Tensor, axis int) ([]*tensor.Tensor, error) {
	return tensor.Split(t, axis, c.group.size)
}

// exchange deposits this rank's contribution in the current rendezvous, completing it
// if this is the last rank to arrive, and waits for the result.
func (c *Comm) exchange(op optypes.OpType, axis int, t *tensor.Tensor) (*tensor.Tensor, error) {
	g := c.group
	r := <-g.rendezvous
	if r == nil {
		r = &round{
			op:       op,
			axis:     axis,
			contribs: make([]*tensor.Tensor, g.size),
			done:     make(chan struct{}),
		}
	}
	if r.err == nil && (r.op != op || r.axis != axis) {
		r.err = errors.Wrapf(types.ErrCollective,
			"rank %d called %s(axis=%d) while the group is inside %s(axis=%d): "+
				"all ranks must invoke the same collectives in the same order",
			c.rank, op, axis, r.op, r.axis)
	}
	if r.err == nil && r.contribs[c.rank] != nil {
		r.err = errors.Wrapf(types.ErrCollective, "rank %d joined the same %s twice", c.rank, op)
	}
	r.contribs[c.rank] = t
	r.arrived++
	if r.arrived == g.size {
		if r.err == nil {
			r.results, r.err = complete(r)
		}
		close(r.done)
		g.rendezvous <- nil
	} else {
		g.rendezvous <- r
	}

	select {
	case <-r.done:
	case <-time.After(g.timeout):
		c.poison(r)
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.results[c.rank], nil
}

// poison marks a rendezvous that timed out, so that stragglers fail instead of
// completing a collective the group already gave up on.
func (c *Comm) poison(r *round) {
	g := c.group
	current := <-g.rendezvous
	if current != r {
		// The round completed while we were acquiring the rendezvous.
		g.rendezvous <- current
		<-r.done
		return
	}
	klog.Warningf("pgroup: rank %d timed out after %s waiting for peers in %s (%d of %d ranks arrived)",
		c.rank, g.timeout, r.op, r.arrived, g.size)
	r.err = errors.Wrapf(types.ErrCollective,
		"rank %d timed out after %s waiting for peers in %s (%d of %d ranks arrived)",
		c.rank, g.timeout, r.op, r.arrived, g.size)
	close(r.done)
	g.rendezvous <- nil
}

// complete computes the per-rank results of a full rendezvous.
func complete(r *round) ([]*tensor.Tensor, error) {
	reference := r.contribs[0]
	for rank, contrib := range r.contribs[1:] {
		if r.op == optypes.ReduceFromGroup && !contrib.Shape().Equal(reference.Shape()) {
			return nil, errors.Wrapf(types.ErrCollective, "%s: rank %d contributed shape %s, rank 0 contributed %s",
				r.op, rank+1, contrib.Shape(), reference.Shape())
		}
	}
	var full *tensor.Tensor
	var err error
	switch r.op {
	case optypes.ReduceFromGroup:
		full, err = tensor.Sum(r.contribs...)
	case optypes.GatherFromGroup:
		full, err = tensor.Concat(r.contribs, r.axis)
	default:
		err = errors.Wrapf(types.ErrCollective, "unsupported collective %s", r.op)
	}
	if err != nil {
		if !errors.Is(err, types.ErrCollective) {
			err = errors.Wrapf(types.ErrCollective, "%s: %v", r.op, err)
		}
		return nil, err
	}
	results := make([]*tensor.Tensor, len(r.contribs))
	for rank := range results {
		results[rank] = full.Clone()
	}
	return results, nil
}
