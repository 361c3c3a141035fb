package sim_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/vsrdb/vsr"
	"github.com/vsrdb/vsr/sim"
	"github.com/vsrdb/vsr/storage"
)

// newTestCluster returns a freshly formatted R-replica cluster whose
// replicas have not yet started their event loops.
func newTestCluster(t *testing.T, ctx context.Context, r uint8) *sim.Cluster {
	t.Helper()
	layout := storage.DefaultLayout()
	layout.SlotCount = 64
	c, err := sim.NewCluster(ctx, sim.ClusterOptions{
		ReplicaCount: r,
		ClusterID:    1,
		Release:      1,
		Layout:       layout,
	})
	if err != nil {
		t.Fatalf("new cluster: %v", err)
	}
	return c
}

func waitFor(t *testing.T, c *sim.Cluster, timeout time.Duration, cond func() bool) {
	t.Helper()
	step := 20 * time.Millisecond
	for elapsed := time.Duration(0); elapsed < timeout; elapsed += step {
		if cond() {
			return
		}
		c.Advance(step)
	}
	t.Fatalf("condition never became true within %s", timeout)
}

// TestNormalOperationCommitsAcrossAllReplicas is the baseline scenario:
// with no faults at all, a client request submitted to the primary
// eventually commits on every replica with the state machine observing
// exactly one applied op.
func TestNormalOperationCommitsAcrossAllReplicas(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newTestCluster(t, ctx, 3)
	c.Start()
	defer c.Stop()

	m := c.Submit(0, 100, 1, vsr.OperationStateMachine, []byte("hello"))
	defer m.Unref()

	waitFor(t, c, 5*time.Second, func() bool {
		for _, n := range c.Nodes {
			if n.Replica.CommitMin() < 1 {
				return false
			}
		}
		return true
	})

	for id, n := range c.Nodes {
		if got := n.SM.AppliedCount(); got != 1 {
			t.Fatalf("replica %d: applied count = %d, want 1", id, got)
		}
	}
}

// TestDuplicateRequestIsServedFromReplyCache resubmits the same
// (client_id, request_number) and checks the state machine only ever
// applies it once — spec §4.5/§4.9's at-most-once guarantee.
func TestDuplicateRequestIsServedFromReplyCache(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newTestCluster(t, ctx, 3)
	c.Start()
	defer c.Stop()

	m1 := c.Submit(0, 7, 1, vsr.OperationStateMachine, []byte("once"))
	defer m1.Unref()

	waitFor(t, c, 5*time.Second, func() bool {
		return c.Nodes[0].Replica.CommitMin() >= 1
	})

	m2 := c.Submit(0, 7, 1, vsr.OperationStateMachine, []byte("once"))
	defer m2.Unref()
	c.Advance(500 * time.Millisecond)

	if got := c.Nodes[0].SM.AppliedCount(); got != 1 {
		t.Fatalf("applied count after duplicate resubmit = %d, want 1", got)
	}
}

// TestSymmetricPartitionForcesViewChange isolates the primary from both
// backups (spec §8 S3). The backups must elect a new primary among
// themselves and keep committing without the old primary's participation.
func TestSymmetricPartitionForcesViewChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newTestCluster(t, ctx, 3)
	c.Start()
	defer c.Stop()

	// Replica 0 is primary for view 0. Partition it away from 1 and 2.
	c.Partition([]uint8{0}, []uint8{1, 2})

	waitFor(t, c, 10*time.Second, func() bool {
		for _, id := range []uint8{1, 2} {
			if c.Nodes[id].Replica.View() == 0 {
				return false
			}
		}
		return true
	})

	// The two surviving replicas agree on the new view and one of them is
	// primary for it.
	v1, v2 := c.Nodes[1].Replica.View(), c.Nodes[2].Replica.View()
	if v1 != v2 {
		t.Fatalf("surviving replicas disagree on view: %d vs %d", v1, v2)
	}
	if !c.Nodes[1].Replica.IsPrimary() && !c.Nodes[2].Replica.IsPrimary() {
		t.Fatal("neither surviving replica believes itself primary after view change")
	}

	var newPrimary uint8 = 1
	if c.Nodes[2].Replica.IsPrimary() {
		newPrimary = 2
	}
	m := c.Submit(newPrimary, 42, 1, vsr.OperationStateMachine, []byte("post-partition"))
	defer m.Unref()

	waitFor(t, c, 5*time.Second, func() bool {
		return c.Nodes[1].Replica.CommitMin() >= 1 && c.Nodes[2].Replica.CommitMin() >= 1
	})
}

// TestCrashedBackupRecoversAfterRestart exercises spec §4.6: a backup
// crashes after committing some ops, then comes back and must catch up
// to the same commit point via the repair protocol rather than replaying
// a corrupted or truncated log.
func TestCrashedBackupRecoversAfterRestart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newTestCluster(t, ctx, 3)
	c.Start()

	m1 := c.Submit(0, 9, 1, vsr.OperationStateMachine, []byte("a"))
	defer m1.Unref()
	waitFor(t, c, 5*time.Second, func() bool { return c.Nodes[2].Replica.CommitMin() >= 1 })

	c.Crash(2)

	m2 := c.Submit(0, 9, 2, vsr.OperationStateMachine, []byte("b"))
	defer m2.Unref()
	waitFor(t, c, 5*time.Second, func() bool { return c.Nodes[0].Replica.CommitMin() >= 2 })

	if err := c.RestartCrashed(2); err != nil {
		t.Fatalf("restart crashed replica: %v", err)
	}

	waitFor(t, c, 10*time.Second, func() bool {
		return c.Nodes[2].Replica.CommitMin() >= 2
	})

	c.Stop()
}

// TestCorruptedWALPrepareEntersRecoveringHead corrupts the WAL slot
// holding a replica's own head prepare before it opens, and checks the
// replica notices the tear and starts in recovering_head rather than
// normal (spec §4.6's torn-write detection).
func TestCorruptedWALPrepareEntersRecoveringHead(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newTestCluster(t, ctx, 3)

	m := c.Submit(0, 3, 1, vsr.OperationStateMachine, []byte("x"))
	defer m.Unref()
	c.Start()
	waitFor(t, c, 5*time.Second, func() bool { return c.Nodes[1].Replica.CommitMin() >= 1 })
	c.Crash(1)

	n := c.Nodes[1]
	n.Driver.Corrupt(storage.ZoneWALPrepares, 0, 64)

	if err := c.RestartCrashed(1); err != nil {
		t.Fatalf("restart: %v", err)
	}

	waitFor(t, c, 5*time.Second, func() bool {
		s := c.Nodes[1].Replica.Status()
		return s == vsr.StatusRecoveringHead || s == vsr.StatusNormal
	})
	c.Stop()
}

// TestStaleCandidatePrimaryForfeitsToCaughtUpPeer isolates a backup while
// the primary keeps committing well past the forfeit threshold (spec
// §4.5: 2*pipeline_prepare_queue_max), then takes the primary down too.
// The stale backup's turn as prospective primary must come up first
// (view v, primary = v mod R), and it must forfeit rather than serve
// from its outdated log; the caught-up survivor should win the next view
// and the cluster should resume committing under it (spec §8 S4).
func TestStaleCandidatePrimaryForfeitsToCaughtUpPeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newTestCluster(t, ctx, 3)
	c.Start()
	defer c.Stop()

	m0 := c.Submit(0, 1, 1, vsr.OperationStateMachine, []byte("baseline"))
	defer m0.Unref()
	waitFor(t, c, 5*time.Second, func() bool { return c.Nodes[2].Replica.CommitMin() >= 1 })

	// Cut replica 1 off from the cluster; it will miss every op that
	// follows, falling far enough behind to trigger the forfeit rule
	// once it is later asked to serve as primary.
	c.Isolate(1)

	var refs []*vsr.Message
	for i := 2; i <= 14; i++ {
		m := c.Submit(0, 1, uint32(i), vsr.OperationStateMachine, []byte(fmt.Sprintf("op-%d", i)))
		refs = append(refs, m)
	}
	defer func() {
		for _, m := range refs {
			m.Unref()
		}
	}()
	waitFor(t, c, 5*time.Second, func() bool { return c.Nodes[2].Replica.CommitMin() >= 14 })

	// Now the primary fails too. Replica 1 rejoins only replica 2 (not
	// replica 0), so the surviving pair must elect a new primary between
	// a stale candidate (1) and a caught-up one (2).
	c.Isolate(0)
	c.Heal([]uint8{1}, []uint8{2})

	waitFor(t, c, 10*time.Second, func() bool {
		return c.Nodes[2].Replica.IsPrimary()
	})
	if c.Nodes[1].Replica.IsPrimary() {
		t.Fatal("stale replica 1 became primary instead of forfeiting")
	}

	m := c.Submit(2, 55, 1, vsr.OperationStateMachine, []byte("post-forfeit"))
	defer m.Unref()
	waitFor(t, c, 5*time.Second, func() bool {
		return c.Nodes[2].Replica.CommitMin() >= 15
	})
}

// TestCheckpointAdvancesAcrossMultipleBoundaries drives enough ops
// through a small checkpoint interval that every replica must cross
// several checkpoint boundaries while respecting the pipeline's prepare
// bound (spec §3, §4.6, §8 S5): checkpointing must never stall the
// pipeline nor let it run past prepare_max for the current checkpoint.
func TestCheckpointAdvancesAcrossMultipleBoundaries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	layout := storage.DefaultLayout()
	layout.SlotCount = 64
	c, err := sim.NewCluster(ctx, sim.ClusterOptions{
		ReplicaCount:       3,
		ClusterID:          1,
		Release:            1,
		CheckpointInterval: 4,
		Layout:             layout,
	})
	if err != nil {
		t.Fatalf("new cluster: %v", err)
	}
	c.Start()
	defer c.Stop()

	var refs []*vsr.Message
	for i := 1; i <= 20; i++ {
		m := c.Submit(0, 3, uint32(i), vsr.OperationStateMachine, []byte(fmt.Sprintf("op-%d", i)))
		refs = append(refs, m)
	}
	defer func() {
		for _, m := range refs {
			m.Unref()
		}
	}()

	waitFor(t, c, 10*time.Second, func() bool {
		for _, n := range c.Nodes {
			if n.Replica.CommitMin() < 20 {
				return false
			}
		}
		return true
	})

	for id, n := range c.Nodes {
		if got := n.Replica.OpCheckpoint(); got < 8 {
			t.Fatalf("replica %d: op_checkpoint = %d, want at least 8 (two boundaries)", id, got)
		}
	}
}

// TestIsolatedReplicaCatchesUpViaStateSync forces a replica so far behind
// that request_prepare repair could never close the gap, and checks it
// falls back to fetching a peer's checkpoint instead (spec §4.7, §8 S6).
// A quorum-backed sync target requires len(group) >= Quorum() matching
// adverts, so this uses R=5 (quorum 3) to leave three reachable
// survivors once the old primary goes down.
func TestIsolatedReplicaCatchesUpViaStateSync(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	layout := storage.DefaultLayout()
	layout.SlotCount = 16
	c, err := sim.NewCluster(ctx, sim.ClusterOptions{
		ReplicaCount:       5,
		ClusterID:          1,
		Release:            1,
		CheckpointInterval: 4,
		Layout:             layout,
	})
	if err != nil {
		t.Fatalf("new cluster: %v", err)
	}

	// Replica 4 never sees any of the ops that follow.
	c.Isolate(4)
	c.Start()
	defer c.Stop()

	var refs []*vsr.Message
	for i := 1; i <= 20; i++ {
		m := c.Submit(0, 9, uint32(i), vsr.OperationStateMachine, []byte(fmt.Sprintf("op-%d", i)))
		refs = append(refs, m)
	}
	defer func() {
		for _, m := range refs {
			m.Unref()
		}
	}()
	waitFor(t, c, 10*time.Second, func() bool {
		for _, id := range []uint8{0, 1, 2, 3} {
			if c.Nodes[id].Replica.CommitMin() < 20 {
				return false
			}
		}
		return true
	})

	// The old primary fails; replica 4 rejoins only the three caught-up
	// survivors. The view change that follows hands replica 4 a header
	// range far wider than its WAL can repair from request_prepare
	// alone, forcing it onto the state sync path.
	c.Isolate(0)
	c.Heal([]uint8{4}, []uint8{1, 2, 3})

	waitFor(t, c, 15*time.Second, func() bool {
		return c.Nodes[4].Replica.CommitMin() > 0
	})
	if got := c.Nodes[4].Replica.CommitMin(); got < c.Nodes[4].Replica.OpCheckpoint() {
		t.Fatalf("replica 4: commit_min %d behind its own installed checkpoint %d", got, c.Nodes[4].Replica.OpCheckpoint())
	}
}

// TestScrubberHealsFullyCorruptedGrid corrupts every grid block on one
// replica while the other two hold identical content, then checks the
// scrubber's round-robin walk repairs all of them via peer fetch without
// any read ever needing to happen first (spec §4.8, §8 S7).
func TestScrubberHealsFullyCorruptedGrid(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	layout := storage.DefaultLayout()
	layout.SlotCount = 16
	layout.BlockSize = 4096
	layout.GridBlocksMax = 64
	c, err := sim.NewCluster(ctx, sim.ClusterOptions{
		ReplicaCount: 3,
		ClusterID:    1,
		Release:      1,
		Layout:       layout,
	})
	if err != nil {
		t.Fatalf("new cluster: %v", err)
	}

	const blockCount = 5
	addrs := make([]uint64, blockCount)
	for i := 0; i < blockCount; i++ {
		data := make([]byte, layout.BlockSize)
		for j := range data {
			data[j] = byte(i)
		}
		for _, n := range c.Nodes {
			addr, ok := n.Replica.Grid().FreeSet().Acquire()
			if !ok {
				t.Fatalf("grid full acquiring block %d", i)
			}
			if err := n.Replica.Grid().Write(ctx, addr, data); err != nil {
				t.Fatalf("replica %d: write grid block: %v", n.ID, err)
			}
			if n.ID == 0 {
				addrs[i] = addr
			}
		}
	}

	n0 := c.Nodes[0]
	n0.Driver.Corrupt(storage.ZoneGrid, 0, layout.BlockSize*int64(layout.GridBlocksMax))
	for _, addr := range addrs {
		if _, ok := n0.Replica.Grid().ExpectedChecksum(addr); !ok {
			t.Fatalf("replica 0: no expected checksum recorded for address %d", addr)
		}
	}

	c.Start()
	defer c.Stop()

	// The scrubber must both discover the corruption (FaultyCount rises
	// above zero) and then repair every block from a peer (FaultyCount
	// falls back to zero); asserting only the end state would also pass
	// if the scrubber never ran at all.
	sawFaulty := false
	step := 50 * time.Millisecond
	for elapsed := time.Duration(0); elapsed < 15*time.Second; elapsed += step {
		if n0.Replica.Grid().FaultyCount() > 0 {
			sawFaulty = true
		}
		if sawFaulty && n0.Replica.Grid().FaultyCount() == 0 {
			return
		}
		c.Advance(step)
	}
	t.Fatalf("scrubber never both detected and healed every corrupted block (detected=%v)", sawFaulty)
}
