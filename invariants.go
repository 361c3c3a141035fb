package vsr

import "fmt"

// Assert panics with ErrInvariantViolation wrapping a formatted message
// if cond is false. A failing invariant means two replicas could diverge,
// which design notes §9 treats as strictly worse than crashing, so Assert
// never attempts to recover. No code in this module calls Assert at
// present; the replica's own protocol checks stop it through halt.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...)))
	}
}
