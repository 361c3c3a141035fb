// Package sim implements the deterministic simulation harness design
// notes §9 requires: "the scheduler and storage driver as interfaces; in
// production they wrap real clocks and asynchronous I/O, in tests they
// wrap a deterministic virtual clock and an in-memory faulting storage."
// storage.FaultDriver already provides the second half; this package adds
// the virtual clock and the in-memory peer network needed to run a whole
// cluster of *vsr.Replica in one test process, plus the Cluster harness
// the §8 scenario tests (S1-S7) drive.
package sim

import (
	"sync"
	"time"
)

// VirtualClock is a vsr.Clock whose notion of "now" only moves when a
// test calls Advance. Every pending timer fires, in submission order,
// the moment Advance carries the virtual clock's time past its deadline
// — there is no dependency on the real wall clock at all, so a test's
// outcome cannot flake on scheduler jitter the way a real-time timeout
// test would.
type VirtualClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []pendingTimer
}

type pendingTimer struct {
	at time.Time
	ch chan time.Time
}

// NewVirtualClock returns a VirtualClock starting at an arbitrary fixed
// epoch (never the real wall clock — see design notes §9's ban on
// Date.now()-style nondeterminism in anything the replication core's
// correctness depends on).
func NewVirtualClock() *VirtualClock {
	return &VirtualClock{now: time.Unix(0, 0)}
}

// Now returns the virtual clock's current time.
func (c *VirtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that fires once the virtual clock has advanced
// at least d past its value at the time of this call.
func (c *VirtualClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	c.pending = append(c.pending, pendingTimer{at: c.now.Add(d), ch: ch})
	c.mu.Unlock()
	return ch
}

// Advance moves the virtual clock forward by d and fires every timer
// whose deadline is now in the past, in the order they were scheduled.
func (c *VirtualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	var fired []pendingTimer
	remaining := make([]pendingTimer, 0, len(c.pending))
	for _, p := range c.pending {
		if !p.at.After(now) {
			fired = append(fired, p)
		} else {
			remaining = append(remaining, p)
		}
	}
	c.pending = remaining
	c.mu.Unlock()

	for _, p := range fired {
		p.ch <- now
	}
}

// AdvanceUntilQuiet repeatedly advances by step, letting goroutines that
// were woken by one batch of timers re-register new ones, until total
// has elapsed. Scenario tests use this instead of a single huge Advance
// so that e.g. a view-change timeout that itself re-arms a shorter retry
// timer still gets woken the expected number of times rather than once.
func (c *VirtualClock) AdvanceUntilQuiet(total, step time.Duration) {
	for elapsed := time.Duration(0); elapsed < total; elapsed += step {
		c.Advance(step)
		time.Sleep(time.Millisecond) // yield so replica goroutines drain the fired channels
	}
}
