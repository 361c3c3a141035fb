package vsr

import "time"

// Timer is a single named, resettable timer driven by a Clock rather than
// the real wall clock directly, so the replica's timeout logic runs
// identically under the virtual clock of a simulation and the real clock
// in production (design notes §9). It mirrors the shape of time.Timer but
// exposes Reset as "arm a fresh channel" rather than mutating one in
// place, since Clock.After (like time.After) hands out a new channel per
// call.
type Timer struct {
	clock Clock
	d     time.Duration
	C     <-chan time.Time
}

// NewTimer returns a Timer armed for d.
func NewTimer(clock Clock, d time.Duration) *Timer {
	return &Timer{clock: clock, d: d, C: clock.After(d)}
}

// Reset re-arms the timer for its configured duration, replacing C with a
// fresh channel. Call this whenever the event the timer guards against
// has just been observed (e.g. a heartbeat arrived, so the view-change
// timer should not fire).
func (t *Timer) Reset() { t.C = t.clock.After(t.d) }

// ResetTo re-arms the timer for a new duration, replacing both d and C.
func (t *Timer) ResetTo(d time.Duration) {
	t.d = d
	t.C = t.clock.After(d)
}

// TimerSet holds the seven named timers spec §5 lists: "timers (ping,
// prepare, commit, view_change, primary_abdicate, repair, scrub) fire
// handlers that transition state or re-issue messages."
type TimerSet struct {
	Ping             *Timer // primary heartbeat to backups
	Prepare          *Timer // backup's wait for the next prepare before suspecting the primary
	Commit           *Timer // backup's wait for a commit message advancing commit_max
	ViewChange       *Timer // any replica's wait before starting a view change
	PrimaryAbdicate  *Timer // primary's wait for a prepare_ok quorum before abdicating
	Repair           *Timer // periodic re-issue of request_prepare for dirty/faulty journal slots
	Scrub            *Timer // drives grid.Scrubber's tick
}

// TimerDurations configures every named timer's period.
type TimerDurations struct {
	Ping            time.Duration
	Prepare         time.Duration
	Commit          time.Duration
	ViewChange      time.Duration
	PrimaryAbdicate time.Duration
	Repair          time.Duration
	Scrub           time.Duration
}

// NewTimerSet arms all seven timers against clock using the given
// durations.
func NewTimerSet(clock Clock, d TimerDurations) *TimerSet {
	return &TimerSet{
		Ping:            NewTimer(clock, d.Ping),
		Prepare:         NewTimer(clock, d.Prepare),
		Commit:          NewTimer(clock, d.Commit),
		ViewChange:      NewTimer(clock, d.ViewChange),
		PrimaryAbdicate: NewTimer(clock, d.PrimaryAbdicate),
		Repair:          NewTimer(clock, d.Repair),
		Scrub:           NewTimer(clock, d.Scrub),
	}
}
