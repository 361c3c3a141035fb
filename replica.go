package vsr

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/vsrdb/vsr/clientreplies"
	"github.com/vsrdb/vsr/grid"
	"github.com/vsrdb/vsr/journal"
	"github.com/vsrdb/vsr/statemachine"
	"github.com/vsrdb/vsr/storage"
	"github.com/vsrdb/vsr/superblock"
	"github.com/vsrdb/vsr/wal"
)

// Status is one of the four states spec §3/§4.5 describe.
type Status int

const (
	StatusRecovering Status = iota
	StatusRecoveringHead
	StatusNormal
	StatusViewChange
)

func (s Status) String() string {
	switch s {
	case StatusRecovering:
		return "recovering"
	case StatusRecoveringHead:
		return "recovering_head"
	case StatusNormal:
		return "normal"
	case StatusViewChange:
		return "view_change"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Bus is the subset of transport.Bus the replica depends on, narrowed to
// an interface so tests can substitute an in-process fake without
// standing up real TCP connections.
type Bus interface {
	Send(replicaID uint8, m *Message) error
	Broadcast(m *Message)
}

// ClientSink delivers a completed reply to whichever client is actually
// waiting for it. Client transport is out of this module's scope (spec
// §1); production wires this to whatever accepted the original request,
// and tests may leave it nil to simply inspect the reply cache instead.
type ClientSink interface {
	SendReply(m *Message)
}

// Config is the static, format-time configuration of one replica (spec
// §3, §9's "no dynamic allocation on the hot path" — every bound here is
// fixed for the life of the data file).
type Config struct {
	ClusterID               uint64
	ReplicaID               uint8
	ReplicaCount            uint8 // R: number of active (quorum-counting) replicas
	Release                 uint32
	PipelinePrepareQueueMax int
	PipelineRequestQueueMax int
	CheckpointInterval      uint64 // vsr_checkpoint_interval
	Timers                  TimerDurations
}

// Quorum returns R/2+1 (a majority of R, R/2 rounded down), the number of
// matching replies required to commit an op or win a view change. For odd
// R this is f+1, where f = floor((R-1)/2) (spec §1's "tolerating no more
// than floor((R-1)/2) simultaneous faulty replicas"); for even R it is f+2.
func (c Config) Quorum() int {
	return int(c.ReplicaCount)/2 + 1
}

// PrimaryForView returns the replica id that is primary for view v (spec
// §3: "Primary for view v is v mod R").
func (c Config) PrimaryForView(v uint32) uint8 {
	return uint8(uint64(v) % uint64(c.ReplicaCount))
}

// Replica is the VSR state machine of spec §4.5: status, view, op,
// commit, pipeline and timers, driven by a single event loop (spec §5:
// "each replica is strictly single-threaded and event-driven"). All
// fields below StatusNormal etc. are mutated only from Run's goroutine;
// everything that crosses a goroutine boundary (bus deliveries, I/O
// completions) arrives through a channel, not a shared pointer, the same
// discipline litefs's Store.monitor loop uses for its own single-writer
// state.
type Replica struct {
	cfg   Config
	clock Clock
	pool  *Pool

	wal     *wal.WAL
	journal *journal.Journal
	sb      *superblock.Store
	grid    *grid.Grid
	replies *clientreplies.Cache
	sm      statemachine.StateMachine
	bus     Bus
	clients ClientSink

	pipeline *Pipeline
	inflight *InflightTable
	timers   *TimerSet

	inbox chan inboundMessage

	mu           sync.Mutex // guards the fields below for Status()/View() observers only
	status       Status
	view         uint32
	logView      uint32
	opHead       uint64
	commitMin    uint64
	commitMax    uint64
	opCheckpoint uint64
	checkpointID uint64
	abdicating   bool
	release      uint32 // highest release installed via an upgrade prepare; flushed to the superblock at the next checkpoint
	haltErr      error  // set by halt; Run returns it on the next loop iteration

	vc *viewChangeState

	syncTargets       map[uint8]SyncTarget // non-nil only while collecting sync_checkpoint adverts
	checkpointFetcher CheckpointFetcher
	slotCount         int64 // layout.SlotCount, for NeedsStateSync's retention check

	scrubber *grid.Scrubber
}

type inboundMessage struct {
	replicaID uint8
	msg       *Message
}

// Open recovers replica state from storage and returns a Replica ready to
// Run. It performs the spec §4.2 recovery scan, rebuilds the journal, and
// if the recovered head slot is torn, starts in StatusRecoveringHead
// rather than StatusNormal.
func Open(ctx context.Context, cfg Config, clock Clock, driver storage.Driver, layout storage.Layout, sm statemachine.StateMachine, bus Bus, pool *Pool) (*Replica, error) {
	sb, err := superblock.Open(ctx, driver, layout)
	if err != nil {
		return nil, err
	}
	w := wal.New(driver, layout)
	j, err := journal.Open(ctx, w, int(layout.MessageSizeMax))
	if err != nil {
		return nil, err
	}
	replies, err := clientreplies.Open(ctx, driver, layout, int(layout.MessageSizeMax))
	if err != nil {
		return nil, err
	}
	g := grid.New(driver, layout, nil)

	working := sb.Working()
	r := &Replica{
		cfg:          cfg,
		clock:        clock,
		pool:         pool,
		wal:          w,
		journal:      j,
		sb:           sb,
		grid:         g,
		replies:      replies,
		sm:           sm,
		bus:          bus,
		pipeline:     NewPipeline(cfg.PipelinePrepareQueueMax, cfg.PipelineRequestQueueMax),
		inflight:     NewInflightTable(),
		timers:       NewTimerSet(clock, cfg.Timers),
		inbox:        make(chan inboundMessage, 256),
		status:       StatusRecovering,
		view:         working.VSRState.View,
		logView:      working.VSRState.LogView,
		commitMin:    working.VSRState.CommitMin,
		commitMax:    working.VSRState.CommitMin,
		opCheckpoint: working.VSRState.OpCheckpoint,
		checkpointID: working.VSRState.CheckpointID,
		release:      working.Release,
		slotCount:    layout.SlotCount,
	}
	r.scrubber = grid.NewScrubber(g, clock, cfg.Timers.Scrub)

	slots := mustScan(ctx, w, int(layout.MessageSizeMax))
	op, _, headOK := wal.Head(slots)
	if headOK {
		r.opHead = op
	}
	// wal.Head skips dirty slots, so a torn topmost prepare shows up as an
	// intact header above the recovered head.
	tornAboveHead := false
	for _, s := range slots {
		if s.Status == wal.SlotDirty && s.Header.Op > r.opHead {
			tornAboveHead = true
		}
	}
	headSlot := w.SlotFor(r.opHead)
	if entry := j.Entry(headSlot); tornAboveHead || entry.Faulty || (entry.Header.Op != r.opHead && r.opHead != 0) {
		r.status = StatusRecoveringHead
	} else {
		r.status = StatusNormal
		r.logView = r.view
	}
	return r, nil
}

func mustScan(ctx context.Context, w *wal.WAL, messageSizeMax int) []wal.RecoveredSlot {
	slots, err := w.Scan(ctx, messageSizeMax)
	if err != nil {
		panic(fmt.Errorf("vsr: rescan wal: %w", err))
	}
	return slots
}

// SetClientSink wires (or rewires) where completed replies are delivered.
func (r *Replica) SetClientSink(c ClientSink) { r.clients = c }

// SetGridPeerFetcher wires (or rewires) the grid's peer-repair fallback,
// e.g. once the bulk transport has come up in cmd/vsrd.
func (r *Replica) SetGridPeerFetcher(f grid.PeerFetcher) { r.grid.SetPeerFetcher(f) }

// SetReplyFetcher wires (or rewires) the reply cache's peer-repair
// fallback, the clientreplies analog of SetGridPeerFetcher.
func (r *Replica) SetReplyFetcher(f clientreplies.ReplyFetcher) { r.replies.SetFetcher(f) }

// Grid returns the replica's content-addressed block store. The
// application state machine is this module's only intended caller in
// production (spec §4.8's "opaque to the grid" boundary), but it is also
// the only way a test harness can exercise grid repair end-to-end without
// a real forest driving block writes.
func (r *Replica) Grid() *grid.Grid { return r.grid }

// Status returns the replica's current status, safe to call from outside
// the event loop (e.g. tests, metrics).
func (r *Replica) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// View returns the replica's current view.
func (r *Replica) View() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view
}

// CommitMin returns the highest op this replica has applied.
func (r *Replica) CommitMin() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commitMin
}

func (r *Replica) setStatus(s Status) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

// IsPrimary reports whether this replica believes it is primary for its
// current view.
func (r *Replica) IsPrimary() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status == StatusNormal && r.cfg.PrimaryForView(r.view) == r.cfg.ReplicaID
}

// halt records an unrecoverable protocol error (spec §7: "the replica must
// halt rather than risk diverging from the rest of the cluster"). Run
// returns haltErr on its next iteration rather than stopping mid-dispatch,
// so the current event finishes processing cleanly.
func (r *Replica) halt(err error) {
	log.Printf("vsr: replica %d: halting: %v", r.cfg.ReplicaID, err)
	r.mu.Lock()
	if r.haltErr == nil {
		r.haltErr = err
	}
	r.mu.Unlock()
}

func (r *Replica) haltSnapshot() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.haltErr
}

// HandleMessage implements transport.Handler: every inbound message from
// the bus is funneled into the replica's single event-loop goroutine
// rather than processed on the bus's own goroutine, preserving the
// single-writer discipline of spec §5.
func (r *Replica) HandleMessage(replicaID uint8, m *Message) {
	r.inbox <- inboundMessage{replicaID: replicaID, msg: m.Ref()}
}

// Run drives the replica's event loop until ctx is cancelled. It is the
// direct structural analog of litefs's Store.monitor: one goroutine,
// dispatching between the current behavior (normal, view-change,
// recovering) and reacting to whichever channel fires first.
func (r *Replica) Run(ctx context.Context) error {
	if r.Status() == StatusRecoveringHead {
		r.beginRecoveringHead(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case in := <-r.inbox:
			r.dispatch(ctx, in.replicaID, in.msg)
			in.msg.Unref()
		case <-r.timers.Ping.C:
			r.onPingTimer(ctx)
			r.timers.Ping.Reset()
		case <-r.timers.Prepare.C:
			r.onPrepareTimer(ctx)
			r.timers.Prepare.Reset()
		case <-r.timers.Commit.C:
			r.onCommitTimer(ctx)
			r.timers.Commit.Reset()
		case <-r.timers.ViewChange.C:
			r.onViewChangeTimer(ctx)
			r.timers.ViewChange.Reset()
		case <-r.timers.PrimaryAbdicate.C:
			r.onPrimaryAbdicateTimer(ctx)
			r.timers.PrimaryAbdicate.Reset()
		case <-r.timers.Repair.C:
			r.onRepairTimer(ctx)
			r.timers.Repair.Reset()
		case <-r.timers.Scrub.C:
			r.scrubber.Tick(ctx)
			r.timers.Scrub.Reset()
		}
		if err := r.haltSnapshot(); err != nil {
			return err
		}
	}
}

func (r *Replica) dispatch(ctx context.Context, from uint8, m *Message) {
	switch m.Header.Command {
	case CommandRequest:
		r.handleRequest(ctx, m)
	case CommandPrepare:
		r.handlePrepare(ctx, m)
	case CommandPrepareOK:
		r.handlePrepareOK(ctx, m)
	case CommandCommit:
		r.handleCommit(ctx, m)
	case CommandPing:
		r.sendPong(from)
	case CommandPong:
		// no-op: presence alone reset nothing timer-relevant for the sender.
	case CommandStartViewChange:
		r.handleStartViewChange(ctx, m)
	case CommandDoViewChange:
		r.handleDoViewChange(ctx, m)
	case CommandStartView:
		r.handleStartView(ctx, m)
	case CommandRequestPrepare:
		r.handleRequestPrepare(ctx, m)
	case CommandRequestSyncCheckpoint:
		r.handleRequestSyncCheckpoint(ctx, m)
	case CommandSyncCheckpoint:
		r.handleSyncCheckpointAdvert(ctx, m)
	default:
		log.Printf("vsr: replica %d: unhandled command %s from replica %d", r.cfg.ReplicaID, m.Header.Command, from)
	}
}

func (r *Replica) sendPong(to uint8) {
	m := r.pool.Get()
	m.Header.Command = CommandPong
	m.Header.Replica = r.cfg.ReplicaID
	m.Header.ClusterID = r.cfg.ClusterID
	_ = r.bus.Send(to, m)
	m.Unref()
}

func (r *Replica) onPingTimer(ctx context.Context) {
	r.mu.Lock()
	abdicating := r.abdicating
	r.mu.Unlock()
	if abdicating || !r.IsPrimary() {
		return
	}
	m := r.pool.Get()
	m.Header.Command = CommandPing
	m.Header.Replica = r.cfg.ReplicaID
	m.Header.ClusterID = r.cfg.ClusterID
	m.Header.View = r.View()
	r.bus.Broadcast(m)
	m.Unref()

	// Piggyback the upgrade-boundary pad check on the ping tick: it needs
	// to run on the primary periodically regardless of client traffic, the
	// same "background, timer-driven" shape as onRepairTimer, rather than
	// from beginPrepare itself where it would recurse once per padded op.
	r.PadForUpgradeBoundary(ctx)
}

// onPrepareTimer fires on a backup that has gone too long without seeing
// a prepare from its primary; it is one of the two triggers (the other is
// a start_view_change quorum) for beginning a view change (spec §4.5).
func (r *Replica) onPrepareTimer(ctx context.Context) {
	if r.IsPrimary() || r.Status() != StatusNormal {
		return
	}
	r.beginViewChange(ctx, r.View()+1)
}

func (r *Replica) onCommitTimer(ctx context.Context) {
	// A backup that sees prepares but no advancing commit for too long
	// suspects the primary the same way a missed prepare does.
	r.onPrepareTimer(ctx)
}

func (r *Replica) onViewChangeTimer(ctx context.Context) {
	if r.Status() != StatusNormal {
		return
	}
	r.beginViewChange(ctx, r.View()+1)
}

// onPrimaryAbdicateTimer implements spec §4.5's "primary abdication":
// if the primary cannot reach a prepare_ok majority within
// primary_abdicate_timeout, it stops heartbeating so that backups'
// view_change timers fire and a new view can form, handling the
// asymmetric-partition case where the primary can send but not receive.
func (r *Replica) onPrimaryAbdicateTimer(ctx context.Context) {
	if !r.IsPrimary() {
		r.mu.Lock()
		r.abdicating = false
		r.mu.Unlock()
		return
	}
	quorum := r.cfg.Quorum()
	behind := false
	for _, op := range r.pipeline.Ops() {
		if e, ok := r.pipeline.Entry(op); ok && len(e.Acks) < quorum {
			behind = true
			break
		}
	}
	r.mu.Lock()
	r.abdicating = behind
	r.mu.Unlock()
}

func (r *Replica) onRepairTimer(ctx context.Context) {
	if r.maybeStateSync(ctx) {
		return
	}
	commitMin := r.CommitMin()
	for _, op := range r.journal.FaultyOps(commitMin+1, r.opHead) {
		r.sendRequestPrepare(op)
	}
}

func (r *Replica) sendRequestPrepare(op uint64) {
	m := r.pool.Get()
	m.Header.Command = CommandRequestPrepare
	m.Header.Replica = r.cfg.ReplicaID
	m.Header.ClusterID = r.cfg.ClusterID
	m.Header.Op = op
	r.bus.Broadcast(m)
	m.Unref()
}

func (r *Replica) handleRequestPrepare(ctx context.Context, m *Message) {
	slot := r.wal.SlotFor(m.Header.Op)
	h, ok := r.journal.HeaderAt(m.Header.Op)
	if !ok {
		return
	}
	bodyBuf := make([]byte, r.pool.messageSizeMax)
	done := make(chan wal.ReadResult, 1)
	r.wal.ReadPrepare(ctx, slot, bodyBuf, func(res wal.ReadResult, err error) { done <- res })
	res := <-done
	if res.Status != wal.SlotOK {
		return
	}
	out := r.pool.Get()
	out.Header = h
	out.SetBody(res.Body)
	out.Header.Command = CommandPrepare
	out.Header.Replica = r.cfg.ReplicaID
	_ = r.bus.Send(m.Header.Replica, out)
	out.Unref()
}
