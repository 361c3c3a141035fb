package vsr

import (
	"context"
	"log"

	"github.com/vsrdb/vsr/statemachine"
	"github.com/vsrdb/vsr/superblock"
)

// TriggerForCheckpoint returns the op that causes checkpoint c to be
// written, given the interval between checkpoints (spec §3).
func TriggerForCheckpoint(c uint64, checkpointInterval uint64) uint64 {
	return c * checkpointInterval
}

// PrepareMaxForCheckpoint returns the highest op that may live in the WAL
// while checkpoint c is current: slot_count minus the pipeline's prepare
// bound, so the current checkpoint's prepares are never overwritten
// before the next checkpoint is durable (spec §3, §4.2).
func PrepareMaxForCheckpoint(c uint64, slotCount int64, pipelinePrepareQueueMax int) uint64 {
	return c + uint64(slotCount) - uint64(pipelinePrepareQueueMax)
}

func (r *Replica) opCheckpointSnapshot() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opCheckpoint
}

// OpCheckpoint returns the op the replica's most recent checkpoint was
// taken at, safe to call from outside the event loop.
func (r *Replica) OpCheckpoint() uint64 {
	return r.opCheckpointSnapshot()
}

// maybeCheckpoint runs spec §4.6's checkpoint procedure once op is
// exactly the trigger for the next checkpoint: it flushes the state
// machine, then installs the new checkpoint into the superblock. Only
// after the superblock write is durable is the checkpoint "installed";
// a crash between the two leaves the prior checkpoint valid, which is
// exactly why the superblock update — not the state machine flush — is
// the operation that counts as commit here.
func (r *Replica) maybeCheckpoint(ctx context.Context, op uint64) {
	if op != r.opCheckpointSnapshot()+r.cfg.CheckpointInterval {
		return
	}

	done := make(chan struct{})
	var id statemachine.CheckpointID
	var cerr error
	r.sm.Checkpoint(ctx, func(cid statemachine.CheckpointID, err error) {
		id, cerr = cid, err
		close(done)
	})
	<-done
	if cerr != nil {
		log.Printf("vsr: replica %d: checkpoint at op %d: %v", r.cfg.ReplicaID, op, cerr)
		return
	}

	freeSetSnapshot := r.grid.FreeSet().Snapshot()
	release := r.releaseSnapshot()
	err := r.sb.Update(ctx, func(s *superblock.Superblock) {
		s.VSRState.OpCheckpoint = op
		s.VSRState.CheckpointID = uint64(id)
		s.VSRState.CommitMin = r.CommitMin()
		s.Release = release
		s.FreeSetChecksum = Checksum64(freeSetSnapshot)
		s.FreeSetSize = uint32(len(freeSetSnapshot))
	})
	if err != nil {
		log.Printf("vsr: replica %d: install checkpoint at op %d: %v", r.cfg.ReplicaID, op, err)
		return
	}

	r.mu.Lock()
	r.opCheckpoint = op
	r.checkpointID = uint64(id)
	r.mu.Unlock()
}
