package vsr

import (
	"context"
	"fmt"
	"log"

	"github.com/vsrdb/vsr/wal"
)

// handleRequest is step 1 of spec §4.5's normal-operation protocol, run
// only on the replica that currently believes itself primary. A request
// for an already-completed (client_id, request_number) is answered from
// the reply cache without touching the pipeline at all, giving
// idempotence for free on the common retry path.
func (r *Replica) handleRequest(ctx context.Context, m *Message) {
	if !r.IsPrimary() {
		return
	}
	clientID, reqNum := m.Header.ClientID, m.Header.RequestNumber

	if reply, found, err := r.replies.Lookup(ctx, clientID, reqNum); found {
		if err != nil {
			log.Printf("vsr: replica %d: reply lookup for client %d: %v", r.cfg.ReplicaID, clientID, err)
			return
		}
		r.deliverReply(reply)
		return
	}

	if cur, inFlight := r.inflight.InFlight(clientID); inFlight {
		if cur != reqNum {
			return // client has a different request outstanding; spec §4.5 allows only one
		}
		return // this exact request is already being prepared
	}

	if !r.pipeline.HasRoomForPrepare() {
		r.pipeline.EnqueueRequest(m)
		return
	}
	r.inflight.Begin(clientID, reqNum)
	r.beginPrepare(ctx, m, OperationStateMachine)
}

// beginPrepare assigns the next op, builds its prepare header with the
// hash-chain parent checksum, writes it to this replica's own WAL first,
// and only then broadcasts it — mirroring spec §4.5 step 1 exactly.
// operation is OperationStateMachine for ordinary client requests, or
// OperationRoot/OperationUpgrade for the control prepares upgrade.go
// injects near a checkpoint boundary.
func (r *Replica) beginPrepare(ctx context.Context, request *Message, operation Operation) {
	op := r.opHead + 1
	parent, _ := r.journal.HeaderAt(r.opHead)

	m := r.pool.Get()
	m.Header.Command = CommandPrepare
	m.Header.ClusterID = r.cfg.ClusterID
	m.Header.ClientID = request.Header.ClientID
	m.Header.RequestNumber = request.Header.RequestNumber
	m.Header.View = r.View()
	m.Header.LogView = r.View()
	m.Header.Op = op
	m.Header.Commit = r.CommitMin()
	m.Header.Timestamp = r.clock.Now().UnixNano()
	m.Header.Replica = r.cfg.ReplicaID
	m.Header.Operation = operation
	m.Header.Release = r.releaseSnapshot()
	m.Header.ChecksumParent = parent.Checksum
	m.SetBody(request.Body)

	slot := r.wal.SlotFor(op)
	done := make(chan error, 1)
	r.wal.WritePrepare(ctx, slot, m, func(err error) { done <- err })
	if err := <-done; err != nil {
		log.Printf("vsr: replica %d: write prepare op %d: %v", r.cfg.ReplicaID, op, err)
		m.Unref()
		return
	}
	r.journal.SetEntry(slot, m.Header)
	r.mu.Lock()
	r.opHead = op
	r.mu.Unlock()
	r.pipeline.PushPrepare(op, m, r.cfg.ReplicaID)
	r.bus.Broadcast(m)
	m.Unref()
}

// handlePrepare is steps 2 and 4 of spec §4.5, run on a backup. A prepare
// is accepted only if it extends the log by exactly one op and its parent
// checksum matches the backup's own prepare at op-1 — the hash chain is
// "the sole basis for log-prefix consistency" (spec §4.5). Anything else
// triggers a repair request instead of blindly trusting the message.
func (r *Replica) handlePrepare(ctx context.Context, m *Message) {
	if m.Header.View < r.View() {
		return // stale primary
	}
	if m.Header.View > r.View() {
		r.mu.Lock()
		r.view, r.logView = m.Header.View, m.Header.LogView
		r.mu.Unlock()
	}

	// spec §4.10: "a replica refuses to apply a prepare whose release it
	// does not have." cfg.Release is this binary's own compiled release,
	// the ceiling on what it can ever execute regardless of which release
	// the cluster has since adopted.
	if m.Header.Release > r.cfg.Release {
		r.halt(fmt.Errorf("vsr: replica %d: prepare op %d requires release %d: %w", r.cfg.ReplicaID, m.Header.Op, m.Header.Release, ErrReleaseNotAvailable))
		return
	}

	opHead := r.opHeadSnapshot()
	if m.Header.Op <= opHead {
		if existing, ok := r.journal.HeaderAt(m.Header.Op); ok && existing.Checksum == m.Header.Checksum {
			r.sendPrepareOK(m.Header.Op)
		}
		return
	}
	if m.Header.Op != opHead+1 {
		r.sendRequestPrepare(opHead + 1)
		return
	}
	if opHead > 0 {
		parent, ok := r.journal.HeaderAt(opHead)
		if !ok || parent.Checksum != m.Header.ChecksumParent {
			r.sendRequestPrepare(opHead)
			return
		}
	}

	slot := r.wal.SlotFor(m.Header.Op)
	done := make(chan error, 1)
	r.wal.WritePrepare(ctx, slot, m, func(err error) { done <- err })
	if err := <-done; err != nil {
		log.Printf("vsr: replica %d: write prepare op %d: %v", r.cfg.ReplicaID, m.Header.Op, err)
		return
	}
	r.journal.SetEntry(slot, m.Header)
	r.mu.Lock()
	r.opHead = m.Header.Op
	if r.status == StatusRecoveringHead {
		r.status = StatusNormal
		r.logView = r.view
	}
	r.mu.Unlock()
	r.timers.Prepare.Reset()
	r.sendPrepareOK(m.Header.Op)
}

func (r *Replica) opHeadSnapshot() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opHead
}

func (r *Replica) sendPrepareOK(op uint64) {
	m := r.pool.Get()
	m.Header.Command = CommandPrepareOK
	m.Header.ClusterID = r.cfg.ClusterID
	m.Header.Replica = r.cfg.ReplicaID
	m.Header.View = r.View()
	m.Header.Op = op
	primary := r.cfg.PrimaryForView(r.View())
	_ = r.bus.Send(primary, m)
	m.Unref()
}

// handlePrepareOK is step 3 of spec §4.5: once op has f+1 distinct
// prepare_oks including the primary's own local write, it commits.
func (r *Replica) handlePrepareOK(ctx context.Context, m *Message) {
	if !r.IsPrimary() {
		return
	}
	count, ok := r.pipeline.Ack(m.Header.Op, m.Header.Replica)
	if !ok || count < r.cfg.Quorum() {
		return
	}
	r.commitReadyPrepares(ctx)
}

// commitReadyPrepares commits every contiguous op starting at commit_min+1
// that already holds a quorum of acks, preserving the ordering guarantee
// of spec §5 ("a prepare at op o is not committed until op o-1 is
// committed").
func (r *Replica) commitReadyPrepares(ctx context.Context) {
	for {
		next := r.CommitMin() + 1
		entry, ok := r.pipeline.Entry(next)
		if !ok || len(entry.Acks) < r.cfg.Quorum() {
			return
		}
		h, body := entry.Message.Header, entry.Message.Body
		r.applyAndCommit(ctx, next, h, body, true)
		r.pipeline.Remove(next)
		r.drainRequestQueue(ctx)
	}
}

// drainRequestQueue starts preparing queued requests now that committing
// an op has freed a pipeline slot (spec §4.5's pipeline discipline).
func (r *Replica) drainRequestQueue(ctx context.Context) {
	for r.pipeline.HasRoomForPrepare() {
		m, ok := r.pipeline.DequeueRequest()
		if !ok {
			return
		}
		clientID, reqNum := m.Header.ClientID, m.Header.RequestNumber
		if _, found, _ := r.replies.Lookup(ctx, clientID, reqNum); found {
			m.Unref()
			continue
		}
		if cur, inFlight := r.inflight.InFlight(clientID); inFlight && cur != reqNum {
			m.Unref()
			continue
		}
		r.inflight.Begin(clientID, reqNum)
		r.beginPrepare(ctx, m, OperationStateMachine)
		m.Unref()
	}
}

// handleCommit is step 4 of spec §4.5, run on a backup: it learns the
// primary's commit_max and applies every op up to it that it already has
// a matching prepare for, requesting repair for the first gap it finds.
func (r *Replica) handleCommit(ctx context.Context, m *Message) {
	target := m.Header.Commit
	opHead := r.opHeadSnapshot()
	for next := r.CommitMin() + 1; next <= target && next <= opHead; next++ {
		h, ok := r.journal.HeaderAt(next)
		if !ok {
			r.sendRequestPrepare(next)
			return
		}
		slot := r.wal.SlotFor(next)
		bodyBuf := make([]byte, r.pool.messageSizeMax)
		done := make(chan wal.ReadResult, 1)
		r.wal.ReadPrepare(ctx, slot, bodyBuf, func(res wal.ReadResult, err error) { done <- res })
		res := <-done
		if res.Status != wal.SlotOK {
			r.sendRequestPrepare(next)
			return
		}
		r.applyAndCommit(ctx, next, h, res.Body, false)
	}
	r.timers.Commit.Reset()
}

// applyAndCommit runs the state machine's prefetch/prepare/commit
// sequence for op, persists the reply, and advances commit_min. It is
// shared by the primary's and backups' commit paths since spec §4.5
// requires the same apply sequence regardless of who is committing.
func (r *Replica) applyAndCommit(ctx context.Context, op uint64, h Header, body []byte, asPrimary bool) {
	var replyBody []byte
	switch h.Operation {
	case OperationRoot:
		// A no-op padding prepare (upgrade.go's bar filler): nothing to
		// apply, just advance commit_min and reply empty.
	case OperationUpgrade:
		r.applyUpgrade(body)
	default:
		prefetchDone := make(chan error, 1)
		r.sm.Prefetch(ctx, op, uint8(h.Operation), body, func(err error) { prefetchDone <- err })
		if err := <-prefetchDone; err != nil {
			log.Printf("vsr: replica %d: prefetch op %d: %v", r.cfg.ReplicaID, op, err)
			return
		}
		if err := r.sm.Prepare(op, uint8(h.Operation), body); err != nil {
			replyBody = []byte(err.Error())
		} else {
			rb, cerr := r.sm.Commit(op, uint8(h.Operation), body)
			if cerr != nil {
				replyBody = []byte(cerr.Error())
			} else {
				replyBody = rb
			}
		}
	}

	reply := r.pool.Get()
	reply.Header.Command = CommandReply
	reply.Header.ClusterID = r.cfg.ClusterID
	reply.Header.ClientID = h.ClientID
	reply.Header.RequestNumber = h.RequestNumber
	reply.Header.Op = op
	reply.Header.View = r.View()
	reply.Header.Replica = r.cfg.ReplicaID
	reply.SetBody(replyBody)

	storeDone := make(chan error, 1)
	r.replies.Store(ctx, reply, func(err error) { storeDone <- err })
	if err := <-storeDone; err != nil {
		log.Printf("vsr: replica %d: store reply op %d: %v", r.cfg.ReplicaID, op, err)
	}

	r.mu.Lock()
	r.commitMin = op
	if op > r.commitMax {
		r.commitMax = op
	}
	r.mu.Unlock()
	r.inflight.Clear(h.ClientID)

	if asPrimary {
		r.deliverReply(reply)
		commit := r.pool.Get()
		commit.Header.Command = CommandCommit
		commit.Header.ClusterID = r.cfg.ClusterID
		commit.Header.Replica = r.cfg.ReplicaID
		commit.Header.View = r.View()
		commit.Header.Commit = op
		r.bus.Broadcast(commit)
		commit.Unref()
	}
	reply.Unref()

	r.maybeCheckpoint(ctx, op)
}

func (r *Replica) deliverReply(reply *Message) {
	if r.clients != nil {
		r.clients.SendReply(reply)
	}
}

// beginRecoveringHead is entered at Open when the recovery scan found a
// torn head slot (spec §4.5: "it may accept start_view to learn the new
// head, but it must not contribute nacks until it has re-synchronized").
// It asks peers for the canonical prepare at its own last-known op so it
// can confirm (or correct) what it actually has.
func (r *Replica) beginRecoveringHead(ctx context.Context) {
	r.sendRequestPrepare(r.opHeadSnapshot())
}
