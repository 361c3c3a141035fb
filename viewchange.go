package vsr

import (
	"context"
	"log"
)


// doViewChangeRecord is one replica's report of its log state, collected
// by a prospective new primary while assembling a do_view_change quorum
// (spec §4.5).
type doViewChangeRecord struct {
	Replica   uint8
	LogView   uint32
	OpHead    uint64
	CommitMax uint64
	Headers   []Header
}

// viewChangeState is the scratch state kept only while status ==
// StatusViewChange, for one candidate view. It is discarded (set to nil)
// the moment the replica leaves view_change, per design notes §9's
// "cyclic-free ownership" — nothing outside the replica holds a reference
// to it.
type viewChangeState struct {
	targetView uint32
	svcVotes   map[uint8]bool
	sentDVC    bool
	dvc        map[uint8]doViewChangeRecord
}

// canNack is the safe-nack predicate spec §4.5 requires: a report may
// certify op as certainly absent only if its own commit_max is below op
// AND it holds no header for op at all. A replica must never nack an op
// it might have committed, even if that op's slot now looks faulty — a
// faulty slot only means the replica failed to retain a copy after
// acking, not that the op never happened.
func canNack(commitMax uint64, op uint64, hasHeader bool) bool {
	return commitMax < op && !hasHeader
}

// CanNack reports whether this replica may safely nack op during a view
// change, from its own live commit_max and journal.
func (r *Replica) CanNack(op uint64) bool {
	return canNack(r.CommitMax(), op, r.journal.HasHeader(op))
}

// recordCanNack applies the same predicate to another replica's
// do_view_change report rather than this replica's own live state: rec's
// Headers is the sparse list collectHeaders produced for it, so presence
// is a linear scan rather than a journal lookup.
func recordCanNack(rec doViewChangeRecord, op uint64) bool {
	for _, h := range rec.Headers {
		if h.Op == op {
			return false
		}
	}
	return canNack(rec.CommitMax, op, false)
}

// CommitMax returns the highest op this replica has observed as
// cluster-committed, which may be ahead of CommitMin if it has not yet
// applied everything it knows is committed.
func (r *Replica) CommitMax() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commitMax
}

func (r *Replica) logViewSnapshot() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logView
}

// beginViewChange enters StatusViewChange for v' and broadcasts
// start_view_change, the trigger-independent first step of spec §4.5's
// view-change protocol (the trigger is either a timeout or a single
// start_view_change received for a higher view; both funnel here).
func (r *Replica) beginViewChange(ctx context.Context, v uint32) {
	r.mu.Lock()
	if v <= r.view && r.status == StatusNormal {
		r.mu.Unlock()
		return
	}
	r.view = v
	r.status = StatusViewChange
	r.mu.Unlock()

	r.vc = &viewChangeState{
		targetView: v,
		svcVotes:   map[uint8]bool{r.cfg.ReplicaID: true},
		dvc:        make(map[uint8]doViewChangeRecord),
	}

	m := r.pool.Get()
	m.Header.Command = CommandStartViewChange
	m.Header.ClusterID = r.cfg.ClusterID
	m.Header.Replica = r.cfg.ReplicaID
	m.Header.View = v
	r.bus.Broadcast(m)
	m.Unref()

	r.maybeSendDoViewChange(ctx)
}

func (r *Replica) handleStartViewChange(ctx context.Context, m *Message) {
	v := m.Header.View
	if v < r.View() {
		return
	}
	if v > r.View() || r.vc == nil || r.vc.targetView != v {
		r.beginViewChange(ctx, v)
	}
	if r.vc == nil || r.vc.targetView != v {
		return
	}
	r.vc.svcVotes[m.Header.Replica] = true
	r.maybeSendDoViewChange(ctx)
}

// maybeSendDoViewChange sends do_view_change to the prospective primary
// once this replica has collected a start_view_change quorum for its own
// target view (spec §4.5). If this replica is itself the prospective
// primary, its report is recorded directly rather than looped back over
// the network, since Bus has no connection to self.
func (r *Replica) maybeSendDoViewChange(ctx context.Context) {
	if r.vc == nil || r.vc.sentDVC || len(r.vc.svcVotes) < r.cfg.Quorum() {
		return
	}
	r.vc.sentDVC = true

	headers := r.collectHeaders(r.CommitMin()+1, r.opHeadSnapshot())
	primary := r.cfg.PrimaryForView(r.vc.targetView)

	if primary == r.cfg.ReplicaID {
		r.recordDoViewChange(ctx, doViewChangeRecord{
			Replica:   r.cfg.ReplicaID,
			LogView:   r.logViewSnapshot(),
			OpHead:    r.opHeadSnapshot(),
			CommitMax: r.CommitMax(),
			Headers:   headers,
		})
		return
	}

	m := r.pool.Get()
	m.Header.Command = CommandDoViewChange
	m.Header.ClusterID = r.cfg.ClusterID
	m.Header.Replica = r.cfg.ReplicaID
	m.Header.View = r.vc.targetView
	m.Header.LogView = r.logViewSnapshot()
	m.Header.Op = r.opHeadSnapshot()
	m.Header.Commit = r.CommitMax()
	m.SetBody(encodeHeaders(headers))
	_ = r.bus.Send(primary, m)
	m.Unref()
}

func (r *Replica) handleDoViewChange(ctx context.Context, m *Message) {
	if m.Header.View > r.View() {
		r.beginViewChange(ctx, m.Header.View)
	}
	if r.vc == nil || r.vc.targetView != m.Header.View {
		return
	}
	r.recordDoViewChange(ctx, doViewChangeRecord{
		Replica:   m.Header.Replica,
		LogView:   m.Header.LogView,
		OpHead:    m.Header.Op,
		CommitMax: m.Header.Commit,
		Headers:   decodeHeaders(m.Body),
	})
}

func (r *Replica) recordDoViewChange(ctx context.Context, rec doViewChangeRecord) {
	if r.vc == nil {
		return
	}
	r.vc.dvc[rec.Replica] = rec
	if len(r.vc.dvc) < r.cfg.Quorum() {
		return
	}
	if r.cfg.PrimaryForView(r.vc.targetView) != r.cfg.ReplicaID {
		return
	}
	r.becomeNewPrimary(ctx)
}

// becomeNewPrimary picks the canonical log out of the do_view_change
// quorum — highest log_view, ties broken by highest op_head (spec
// §4.5) — and either adopts it and broadcasts start_view, or forfeits to
// the next replica in line if its own log is too far behind the
// quorum's to safely serve as primary.
func (r *Replica) becomeNewPrimary(ctx context.Context) {
	targetView := r.vc.targetView
	var canonical doViewChangeRecord
	found := false
	for _, rec := range r.vc.dvc {
		if !found || rec.LogView > canonical.LogView ||
			(rec.LogView == canonical.LogView && rec.OpHead > canonical.OpHead) {
			canonical, found = rec, true
		}
	}

	self := r.vc.dvc[r.cfg.ReplicaID]
	staleness := int64(canonical.OpHead) - int64(self.OpHead)
	if canonical.Replica != r.cfg.ReplicaID && staleness > 2*int64(r.cfg.PipelinePrepareQueueMax) {
		// Forfeit rule (spec §4.5): this replica's own log lags too far
		// behind the quorum's canonical one to safely serve; let the
		// next-in-line replica try instead rather than block progress.
		log.Printf("vsr: replica %d: forfeiting view %d (behind by %d ops)", r.cfg.ReplicaID, targetView, staleness)
		r.vc = nil
		r.beginViewChange(ctx, targetView+1)
		return
	}

	opHead := r.dropNackedOps(canonical)

	newHeaders := make([]Header, 0, len(canonical.Headers))
	for _, h := range canonical.Headers {
		if h.Op <= opHead {
			newHeaders = append(newHeaders, h)
		}
	}
	for _, h := range newHeaders {
		slot := r.wal.SlotFor(h.Op)
		if existing, ok := r.journal.HeaderAt(h.Op); !ok || existing.Checksum != h.Checksum {
			r.journal.MarkDirty(slot, h)
		}
	}

	r.mu.Lock()
	r.view = targetView
	r.logView = targetView
	r.opHead = opHead
	if canonical.CommitMax > r.commitMax {
		r.commitMax = canonical.CommitMax
	}
	r.status = StatusNormal
	r.mu.Unlock()
	r.vc = nil

	m := r.pool.Get()
	m.Header.Command = CommandStartView
	m.Header.ClusterID = r.cfg.ClusterID
	m.Header.Replica = r.cfg.ReplicaID
	m.Header.View = targetView
	m.Header.Op = opHead
	m.Header.Commit = canonical.CommitMax
	m.SetBody(encodeHeaders(newHeaders))
	r.bus.Broadcast(m)
	m.Unref()

	r.onRepairTimer(ctx)
}

// dropNackedOps walks canonical's uncommitted tail from the top down and
// truncates past any op that a full quorum of collected do_view_change
// reports nacks (spec §4.5's three-way rule: committed / certainly-absent
// via f+1 nacks / needs repair). An op a quorum nacks has no surviving
// copy anywhere in the cluster, so request_prepare against it would retry
// forever; dropping it from op_head is the only way becomeNewPrimary can
// make progress past it.
func (r *Replica) dropNackedOps(canonical doViewChangeRecord) uint64 {
	head := canonical.OpHead
	for op := head; op > canonical.CommitMax; op-- {
		nacks := 0
		for _, rec := range r.vc.dvc {
			if recordCanNack(rec, op) {
				nacks++
			}
		}
		if nacks < r.cfg.Quorum() {
			break
		}
		head = op - 1
	}
	if head != canonical.OpHead {
		log.Printf("vsr: replica %d: dropping certainly-absent ops %d..%d from view %d (quorum nack)",
			r.cfg.ReplicaID, head+1, canonical.OpHead, r.vc.targetView)
	}
	return head
}

func (r *Replica) handleStartView(ctx context.Context, m *Message) {
	if m.Header.View < r.View() {
		return
	}
	headers := decodeHeaders(m.Body)
	r.mu.Lock()
	r.view = m.Header.View
	r.logView = m.Header.View
	r.opHead = m.Header.Op
	if m.Header.Commit > r.commitMax {
		r.commitMax = m.Header.Commit
	}
	r.status = StatusNormal
	r.mu.Unlock()
	r.vc = nil

	for _, h := range headers {
		slot := r.wal.SlotFor(h.Op)
		if existing, ok := r.journal.HeaderAt(h.Op); !ok || existing.Checksum != h.Checksum {
			r.journal.MarkDirty(slot, h)
		}
	}
	r.timers.ViewChange.Reset()
	r.timers.Prepare.Reset()
	r.onRepairTimer(ctx)
}

// collectHeaders returns the headers this replica holds for every op in
// [low, high], skipping ops it has no header for (those are left for the
// new primary to repair rather than blocking the do_view_change report).
func (r *Replica) collectHeaders(low, high uint64) []Header {
	var out []Header
	for op := low; op <= high; op++ {
		if h, ok := r.journal.HeaderAt(op); ok {
			out = append(out, h)
		}
	}
	return out
}

func encodeHeaders(headers []Header) []byte {
	buf := make([]byte, 0, len(headers)*HeaderSize)
	for i := range headers {
		hb, _ := headers[i].MarshalBinary()
		buf = append(buf, hb...)
	}
	return buf
}

func decodeHeaders(buf []byte) []Header {
	n := len(buf) / HeaderSize
	out := make([]Header, 0, n)
	for i := 0; i < n; i++ {
		var h Header
		_ = h.UnmarshalBinary(buf[i*HeaderSize : (i+1)*HeaderSize])
		out = append(out, h)
	}
	return out
}
