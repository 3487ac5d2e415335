// Package tensorparallel implements tensor model parallelism: splitting the parameters
// of large neural-network layers -- embedding tables and dense projections -- across a
// fixed-size group of cooperating workers, so that no single worker must hold the full
// weight matrix, while keeping the distributed computation numerically equivalent to
// running the same layer undivided on one worker.
//
// Among its pieces:
//
//   - VocabParallelEmbedding, ColumnParallelLinear and RowParallelLinear: the three
//     layer types, partitioned along the vocabulary, output and input dimensions
//     respectively.
//   - The four mapping operations (Copy, Reduce, Scatter, Gather), each a pair of
//     forward and backward rules over the group, whose duality makes partitioned
//     gradients mathematically equal to the gradient of the undivided computation.
//   - Two weight-initialization strategies (package initializers): a host-side
//     master-weight construction whose per-rank slices are independent of the group
//     size, and a cheaper device-side path under a per-rank random stream.
//
// Layers run one worker goroutine per rank of a pgroup.Group. Every mapping operation
// is a group-synchronizing barrier: all ranks must invoke the same operations in the
// same order.
//
// A minimal column-then-row projection pair (the classic two-layer MLP block layout)
// looks like:
//
//	group, _ := pgroup.New(4)
//	err := group.Run(func(comm *pgroup.Comm) error {
//		cfg := tensorparallel.NewConfig().WithCPUInitialization(true)
//		opts := tensorparallel.DefaultLinearOptions()
//		opts.GatherOutput = false
//		up, err := tensorparallel.NewColumnParallelLinear(comm, hidden, 4*hidden, cfg, opts)
//		if err != nil {
//			return err
//		}
//		downOpts := tensorparallel.DefaultLinearOptions()
//		downOpts.InputIsParallel = true
//		down, err := tensorparallel.NewRowParallelLinear(comm, 4*hidden, hidden, cfg, downOpts)
//		if err != nil {
//			return err
//		}
//		mid, _, err := up.Forward(x)
//		if err != nil {
//			return err
//		}
//		y, _, err := down.Forward(mid)
//		...
//	})
package tensorparallel
