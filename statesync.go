package vsr

import (
	"context"
	"io"
	"log"

	"github.com/vsrdb/vsr/superblock"
)

// SyncTarget is one peer's advertised checkpoint, collected while this
// replica is deciding whether (and to what) it should state-sync (spec
// §4.7).
type SyncTarget struct {
	Replica      uint8
	CheckpointID uint64
	OpCheckpoint uint64
}

// RequestSyncTargets broadcasts request_sync_checkpoint, asking every peer
// to advertise its current checkpoint. A replica calls this once it
// suspects its own log has fallen too far behind to catch up by WAL repair
// alone (spec §4.7's "when repair would require more history than the
// WAL retains").
func (r *Replica) RequestSyncTargets(ctx context.Context) {
	r.mu.Lock()
	r.syncTargets = make(map[uint8]SyncTarget)
	r.mu.Unlock()

	m := r.pool.Get()
	m.Header.Command = CommandRequestSyncCheckpoint
	m.Header.ClusterID = r.cfg.ClusterID
	m.Header.Replica = r.cfg.ReplicaID
	r.bus.Broadcast(m)
	m.Unref()
}

func (r *Replica) handleRequestSyncCheckpoint(ctx context.Context, m *Message) {
	out := r.pool.Get()
	out.Header.Command = CommandSyncCheckpoint
	out.Header.ClusterID = r.cfg.ClusterID
	out.Header.Replica = r.cfg.ReplicaID
	out.Header.Op = r.opCheckpointSnapshot()
	out.Header.Commit = r.checkpointIDSnapshot()
	_ = r.bus.Send(m.Header.Replica, out)
	out.Unref()
}

func (r *Replica) handleSyncCheckpointAdvert(ctx context.Context, m *Message) {
	r.mu.Lock()
	if r.syncTargets == nil {
		r.mu.Unlock()
		return // not currently collecting; an unsolicited advert is ignored
	}
	r.syncTargets[m.Header.Replica] = SyncTarget{
		Replica:      m.Header.Replica,
		CheckpointID: m.Header.Commit,
		OpCheckpoint: m.Header.Op,
	}
	r.mu.Unlock()
}

func (r *Replica) checkpointIDSnapshot() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkpointID
}

// ChooseSyncTarget picks a checkpoint with at least a quorum of peers
// reporting the same checkpoint_id, preferring the highest op_checkpoint
// among ties, the same agreement rule spec §4.7 requires before installing
// a foreign checkpoint: syncing to a checkpoint fewer than f+1 replicas
// actually hold would make the new state itself a single point of failure.
func (r *Replica) ChooseSyncTarget() (SyncTarget, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byID := make(map[uint64][]SyncTarget)
	for _, t := range r.syncTargets {
		byID[t.CheckpointID] = append(byID[t.CheckpointID], t)
	}
	var best SyncTarget
	found := false
	for _, group := range byID {
		if len(group) < r.cfg.Quorum() {
			continue
		}
		for _, t := range group {
			if !found || t.OpCheckpoint > best.OpCheckpoint {
				best, found = t, true
			}
		}
	}
	return best, found
}

// InstallSyncedCheckpoint installs a checkpoint fetched from a peer (its
// free-set snapshot plus the target's metadata) and transitions to
// recovering_head so the replica re-learns its log head from peers before
// resuming normal operation (spec §4.7 step 4). The application state
// machine's own snapshot is out of this module's scope; callers restore it
// through statemachine.StateMachine before (or independently of) calling
// this, since the "forest" is an external collaborator here.
//
// Per spec §4.7's truncation-safety constraint, this never discards a
// prepare: the journal's dirty-marking never deletes a header, so any
// prepare this replica already acked in a view higher than the one that
// produced target stays intact in the WAL regardless of what the new
// checkpoint's op_checkpoint implies about the log's tail.
func (r *Replica) InstallSyncedCheckpoint(ctx context.Context, target SyncTarget, freeSetSnapshot io.Reader) error {
	snapshot, err := io.ReadAll(freeSetSnapshot)
	if err != nil {
		return err
	}
	r.grid.FreeSet().Restore(snapshot)

	err = r.sb.Update(ctx, func(s *superblock.Superblock) {
		s.VSRState.OpCheckpoint = target.OpCheckpoint
		s.VSRState.CheckpointID = target.CheckpointID
		s.VSRState.CommitMin = target.OpCheckpoint
		s.VSRState.SyncOpMin = target.OpCheckpoint
		s.VSRState.SyncOpMax = target.OpCheckpoint
		s.FreeSetChecksum = Checksum64(snapshot)
		s.FreeSetSize = uint32(len(snapshot))
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.opCheckpoint = target.OpCheckpoint
	r.checkpointID = target.CheckpointID
	r.commitMin = target.OpCheckpoint
	if target.OpCheckpoint > r.commitMax {
		r.commitMax = target.OpCheckpoint
	}
	r.opHead = target.OpCheckpoint
	r.status = StatusRecoveringHead
	r.syncTargets = nil
	r.mu.Unlock()

	log.Printf("vsr: replica %d: installed synced checkpoint %d at op %d from replica %d",
		r.cfg.ReplicaID, target.CheckpointID, target.OpCheckpoint, target.Replica)
	r.beginRecoveringHead(ctx)
	return nil
}

// NeedsStateSync reports whether a peer's advertised checkpoint has moved
// so far ahead of this replica's own committed log that WAL-based repair
// alone (request_prepare against ops already overwritten by the peer's
// checkpoint's slot reuse) could never catch it up (spec §4.7).
func (r *Replica) NeedsStateSync(peerOpCheckpoint uint64, slotCount int64) bool {
	return int64(peerOpCheckpoint)-int64(r.CommitMin()) > slotCount-int64(r.cfg.PipelinePrepareQueueMax)
}

// CheckpointFetcher retrieves a peer's serialized checkpoint and free-set
// snapshot once ChooseSyncTarget has picked a sync target (spec §4.7 step
// 3). Replica wires this to transport.BulkClient once the bulk transport
// is up, the same post-construction setter pattern grid.PeerFetcher and
// clientreplies.ReplyFetcher already use.
type CheckpointFetcher interface {
	FetchCheckpoint(ctx context.Context, replicaID uint8, checkpointID uint64) (io.ReadCloser, error)
}

// SetCheckpointFetcher wires (or rewires) the peer checkpoint fetch path.
func (r *Replica) SetCheckpointFetcher(f CheckpointFetcher) { r.checkpointFetcher = f }

// maybeStateSync checks whether repair has fallen behind far enough that
// request_prepare can never catch up (spec §4.7), and if so drives the
// sync round: collect adverts, wait for a quorum-backed target, then fetch
// and install its checkpoint. It reports whether it took ownership of
// this repair tick, so onRepairTimer should skip its normal
// request_prepare pass when it has.
func (r *Replica) maybeStateSync(ctx context.Context) bool {
	if r.checkpointFetcher == nil || r.slotCount == 0 {
		return false
	}

	r.mu.Lock()
	collecting := r.syncTargets != nil
	r.mu.Unlock()
	if collecting {
		target, ok := r.ChooseSyncTarget()
		if !ok {
			return true // still waiting for a quorum of matching adverts
		}
		rc, err := r.checkpointFetcher.FetchCheckpoint(ctx, target.Replica, target.CheckpointID)
		if err != nil {
			log.Printf("vsr: replica %d: fetch synced checkpoint from replica %d: %v", r.cfg.ReplicaID, target.Replica, err)
			r.mu.Lock()
			r.syncTargets = nil
			r.mu.Unlock()
			return true
		}
		defer rc.Close()
		if err := r.InstallSyncedCheckpoint(ctx, target, rc); err != nil {
			log.Printf("vsr: replica %d: install synced checkpoint: %v", r.cfg.ReplicaID, err)
		}
		return true
	}

	faulty := r.journal.FaultyOps(r.CommitMin()+1, r.opHeadSnapshot())
	if len(faulty) == 0 || !r.NeedsStateSync(r.opHeadSnapshot(), r.slotCount) {
		return false
	}
	log.Printf("vsr: replica %d: repair gap exceeds wal retention, falling back to state sync", r.cfg.ReplicaID)
	r.RequestSyncTargets(ctx)
	return true
}
