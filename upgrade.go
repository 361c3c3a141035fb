package vsr

import (
	"context"
	"encoding/binary"
)

// upgradeBarFraction sets the width of the "last bar" spec §4.10 reserves
// before a checkpoint boundary for injecting the upgrade prepare: one
// eighth of the interval between checkpoints. The spec names the bar
// without sizing it; an eighth keeps the padding cost small relative to
// CheckpointInterval while leaving enough room that a slow primary still
// has several ops' worth of margin to inject the upgrade and have it
// commit before the boundary.
const upgradeBarFraction = 8

func barSize(checkpointInterval uint64) uint64 {
	bar := checkpointInterval / upgradeBarFraction
	if bar < 1 {
		bar = 1
	}
	return bar
}

// BeginUpgrade injects an operation=upgrade prepare announcing release as
// the cluster's new target release (spec §4.10). It is only meaningful on
// the primary; a backup that runs it is a no-op, since only the primary
// assigns ops.
func (r *Replica) BeginUpgrade(ctx context.Context, release uint32) {
	if !r.IsPrimary() {
		return
	}
	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, release)

	req := r.pool.Get()
	req.SetBody(body)
	r.beginPrepare(ctx, req, OperationUpgrade)
	req.Unref()
}

// applyUpgrade is applyAndCommit's hook for an operation=upgrade prepare:
// it records the newly-announced release so the next checkpoint's
// superblock write carries it (spec §4.10's "the release a checkpoint was
// produced under travels with the checkpoint").
func (r *Replica) applyUpgrade(body []byte) {
	if len(body) < 4 {
		return
	}
	release := binary.LittleEndian.Uint32(body)
	r.mu.Lock()
	if release > r.release {
		r.release = release
	}
	r.mu.Unlock()
}

func (r *Replica) releaseSnapshot() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.release
}

// PadForUpgradeBoundary injects a no-op operation=root prepare if this
// replica is the primary, its pipeline has room, and its log is inside the
// last bar before the next checkpoint. It does not look at what the bar
// holds: whether an upgrade prepare or any client request is in it does
// not change the decision.
// This implements the Open Question decision recorded for §4.10's "pad
// the final bar forward to the next checkpoint boundary if it contains
// non-upgrade requests, rather than carry a partial bar across the
// boundary": pad with op root prepares instead of delaying the
// checkpoint, since a root prepare is cheap and already falls through
// applyAndCommit's no-op case.
func (r *Replica) PadForUpgradeBoundary(ctx context.Context) {
	if !r.IsPrimary() || !r.pipeline.HasRoomForPrepare() {
		return
	}
	nextCheckpoint := r.opCheckpointSnapshot() + r.cfg.CheckpointInterval
	opHead := r.opHeadSnapshot()
	if nextCheckpoint < opHead || nextCheckpoint-opHead > barSize(r.cfg.CheckpointInterval) {
		return // not yet within the last bar
	}
	req := r.pool.Get()
	r.beginPrepare(ctx, req, OperationRoot)
	req.Unref()
}
