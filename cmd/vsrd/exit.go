package main

import (
	"errors"

	"github.com/vsrdb/vsr"
)

// exitCodeFor implements spec §6's exit code contract: zero on clean
// shutdown, non-zero on unrecoverable corruption, invalid arguments, or a
// release-mismatch restart request. A release mismatch gets its own code
// (4), so an operator or supervisor can tell a request to restart with a
// different binary apart from corruption (2), an invariant violation (3)
// and any other failure (1).
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, vsr.ErrReleaseNotAvailable):
		return 4
	case errors.Is(err, vsr.ErrSuperblockCorrupt), errors.Is(err, vsr.ErrWALCorrupt):
		return 2
	case errors.Is(err, vsr.ErrInvariantViolation):
		return 3
	default:
		return 1
	}
}
