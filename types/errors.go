// Package types defines types shared across the tensorparallel packages, most notably
// the error taxonomy.
//
// There are three categories of failure, and none of them is transient: every error
// reported by this module indicates a configuration or usage bug, so there is no retry
// logic anywhere.
package types

import "github.com/pkg/errors"

var (
	// ErrConfig marks fatal configuration errors: a dimension that is not evenly divisible
	// by the group size, an invalid rank, duplicate partition tagging of a parameter. It is
	// raised at construction or reconfiguration time and never recovered locally.
	ErrConfig = errors.New("invalid configuration")

	// ErrInputRange marks inputs outside of their valid range, such as an embedding id
	// greater or equal to the vocabulary size. It is fatal for the call, and the message
	// wrapping it includes the offending input.
	ErrInputRange = errors.New("input out of range")

	// ErrCollective marks a failed collective operation: a peer that timed out or joined
	// the rendezvous with a mismatching operation or shape. Once it happens the group state
	// is divergent, so it is not locally recoverable and must be treated as fatal for the
	// whole group.
	ErrCollective = errors.New("collective operation failed")
)
