package sim

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/vsrdb/vsr"
	"github.com/vsrdb/vsr/grid"
	"github.com/vsrdb/vsr/statemachine"
	"github.com/vsrdb/vsr/storage"
	"github.com/vsrdb/vsr/superblock"
)

// Node is one simulated replica: a *vsr.Replica bound to its own
// in-memory FaultDriver and state machine double, plus the goroutine
// running its event loop.
type Node struct {
	ID      uint8
	Replica *vsr.Replica
	Driver  *storage.FaultDriver
	SM      *statemachine.Mem
	pool    *vsr.Pool

	cancel context.CancelFunc
	done   chan error
}

// Cluster wires R simulated replicas together over a shared Network and
// VirtualClock, the harness design notes §9 describes: "the exact same
// replica code runs in production and in tests... only the Clock and
// Driver implementations differ."
type Cluster struct {
	Clock   *VirtualClock
	Network *Network
	Layout  storage.Layout
	Config  vsr.Config

	Nodes map[uint8]*Node

	ctx context.Context
}

// ClusterOptions configures NewCluster.
type ClusterOptions struct {
	ReplicaCount       uint8
	ClusterID          uint64
	Release            uint32
	CheckpointInterval uint64
	Layout             storage.Layout
}

// NewCluster formats and opens ReplicaCount replicas, each with replica
// id 0..ReplicaCount-1, wired to a shared Network and VirtualClock. It
// does not start any replica's Run loop; call Start for that once every
// test fixture (fault injection, etc.) is in place.
func NewCluster(ctx context.Context, opts ClusterOptions) (*Cluster, error) {
	if opts.Layout.MessageSizeMax == 0 {
		opts.Layout = storage.DefaultLayout()
	}
	if opts.CheckpointInterval == 0 {
		opts.CheckpointInterval = uint64(opts.Layout.SlotCount) / 4
	}

	c := &Cluster{
		Clock:   NewVirtualClock(),
		Network: NewNetwork(),
		Layout:  opts.Layout,
		Nodes:   make(map[uint8]*Node),
		ctx:     ctx,
	}
	c.Config = vsr.Config{
		ClusterID:               opts.ClusterID,
		ReplicaCount:            opts.ReplicaCount,
		Release:                 opts.Release,
		PipelinePrepareQueueMax: 4,
		PipelineRequestQueueMax: 32,
		CheckpointInterval:      opts.CheckpointInterval,
		Timers:                  simTimerDurations(),
	}

	peerIDs := make([]uint8, opts.ReplicaCount)
	for i := range peerIDs {
		peerIDs[i] = uint8(i)
	}

	for _, id := range peerIDs {
		if err := c.addNode(ctx, id, peerIDs); err != nil {
			return nil, fmt.Errorf("sim: add node %d: %w", id, err)
		}
	}
	return c, nil
}

func (c *Cluster) addNode(ctx context.Context, id uint8, peerIDs []uint8) error {
	driver := storage.NewFaultDriver(c.Layout)
	if _, err := superblock.Format(ctx, driver, c.Layout, c.Config.ClusterID, id, c.Config.Release); err != nil {
		return err
	}

	cfg := c.Config
	cfg.ReplicaID = id
	pool := vsr.NewPool(256, int(c.Layout.MessageSizeMax))
	bus := c.Network.BusFor(id, peerIDs)
	sm := statemachine.NewMem()

	replica, err := vsr.Open(ctx, cfg, c.Clock, driver, c.Layout, sm, bus, pool)
	if err != nil {
		return err
	}
	c.Network.Register(id, replica, pool)
	c.wireFetcher(id, replica)

	c.Nodes[id] = &Node{ID: id, Replica: replica, Driver: driver, SM: sm, pool: pool}
	return nil
}

// wireFetcher wires replica's grid/reply/checkpoint peer-repair fallbacks
// to an in-process clusterFetcher, the simulation analog of cmd/vsrd's
// HTTP-backed bulkPeerFetcher — same "any peer" fallback, no network hop.
func (c *Cluster) wireFetcher(id uint8, replica *vsr.Replica) {
	f := &clusterFetcher{c: c, selfID: id}
	replica.SetGridPeerFetcher(f)
	replica.SetReplyFetcher(f)
	replica.SetCheckpointFetcher(f)
}

// clusterFetcher adapts Cluster's in-process nodes to grid.PeerFetcher,
// clientreplies.ReplyFetcher and vsr.CheckpointFetcher by calling directly
// into another node's vsr.BulkSource instead of round-tripping through
// transport.BulkClient/BulkServer.
type clusterFetcher struct {
	c      *Cluster
	selfID uint8
}

func (f *clusterFetcher) peers() []*Node {
	out := make([]*Node, 0, len(f.c.Nodes))
	for id, n := range f.c.Nodes {
		if id != f.selfID {
			out = append(out, n)
		}
	}
	return out
}

func (f *clusterFetcher) FetchBlock(ctx context.Context, id grid.BlockID) ([]byte, error) {
	var lastErr error
	for _, n := range f.peers() {
		data, err := vsr.NewBulkSource(n.Replica).Block(ctx, id)
		if err != nil {
			lastErr = err
			continue
		}
		return data, nil
	}
	return nil, fmt.Errorf("sim: fetch block %d: %w", id.Address, noPeerErr(lastErr))
}

func (f *clusterFetcher) FetchReply(ctx context.Context, clientID uint64) (*vsr.Message, error) {
	var lastErr error
	for _, n := range f.peers() {
		m, err := vsr.NewBulkSource(n.Replica).Reply(ctx, clientID)
		if err != nil {
			lastErr = err
			continue
		}
		return m, nil
	}
	return nil, fmt.Errorf("sim: fetch reply for client %d: %w", clientID, noPeerErr(lastErr))
}

func (f *clusterFetcher) FetchCheckpoint(ctx context.Context, replicaID uint8, checkpointID uint64) (io.ReadCloser, error) {
	n, ok := f.c.Nodes[replicaID]
	if !ok {
		return nil, fmt.Errorf("sim: no node for replica %d", replicaID)
	}
	return vsr.NewBulkSource(n.Replica).OpenCheckpoint(ctx, checkpointID)
}

func noPeerErr(err error) error {
	if err == nil {
		return fmt.Errorf("no peers available")
	}
	return err
}

// Start launches every node's event loop in its own goroutine. Cancel the
// context passed to NewCluster (or call Stop) to shut every node down.
func (c *Cluster) Start() {
	for _, n := range c.Nodes {
		ctx, cancel := context.WithCancel(c.ctx)
		n.cancel = cancel
		n.done = make(chan error, 1)
		go func(n *Node, ctx context.Context) {
			n.done <- n.Replica.Run(ctx)
		}(n, ctx)
	}
}

// Stop cancels every node's event loop and waits for it to exit.
func (c *Cluster) Stop() {
	for _, n := range c.Nodes {
		if n.cancel != nil {
			n.cancel()
		}
	}
	for _, n := range c.Nodes {
		if n.done != nil {
			<-n.done
		}
	}
}

// Advance moves the virtual clock forward by d and briefly yields so every
// replica goroutine a fired timer woke gets a scheduling turn before the
// next call; see VirtualClock.AdvanceUntilQuiet for the multi-tick form.
func (c *Cluster) Advance(d time.Duration) {
	c.Clock.AdvanceUntilQuiet(d, d)
}

// Submit builds a CommandRequest message for op and hands it directly to
// replica id's HandleMessage, standing in for a client's own transport
// connection (out of scope per spec §1). The caller owns the returned
// message's ref and must Unref it once done (HandleMessage takes its own
// independent ref, exactly as it does for a peer connection).
func (c *Cluster) Submit(id uint8, clientID uint64, requestNumber uint32, operation vsr.Operation, body []byte) *vsr.Message {
	n := c.Nodes[id]
	m := n.pool.Get()
	m.Header = vsr.Header{
		ClusterID:     c.Config.ClusterID,
		ClientID:      clientID,
		RequestNumber: requestNumber,
		Operation:     operation,
		Command:       vsr.CommandRequest,
		Replica:       id,
	}
	m.SetBody(body)
	n.Replica.HandleMessage(id, m)
	return m
}

// Isolate cuts id off from every other node in the cluster, in both
// directions.
func (c *Cluster) Isolate(id uint8) {
	c.Network.Isolate(id, c.allIDs())
}

// Reconnect heals every link previously cut by Isolate for id.
func (c *Cluster) Reconnect(id uint8) {
	c.Network.Reconnect(id, c.allIDs())
}

// Partition splits the cluster into two groups with no links between
// them, simulating the symmetric network partition scenario (spec §8
// S3).
func (c *Cluster) Partition(groupA, groupB []uint8) {
	for _, a := range groupA {
		for _, b := range groupB {
			c.Network.Cut(a, b)
			c.Network.Cut(b, a)
		}
	}
}

// Heal removes every cut between groupA and groupB previously introduced
// by Partition.
func (c *Cluster) Heal(groupA, groupB []uint8) {
	for _, a := range groupA {
		for _, b := range groupB {
			c.Network.Heal(a, b)
			c.Network.Heal(b, a)
		}
	}
}

// simTimerDurations returns timer periods scaled down from vsrd's
// production defaults (config.NewConfig) so that a VirtualClock.Advance
// of a few seconds exercises several retries' worth of protocol behavior
// without a scenario test needing to drive the clock for simulated
// minutes.
func simTimerDurations() vsr.TimerDurations {
	return vsr.TimerDurations{
		Ping:            100 * time.Millisecond,
		Prepare:         200 * time.Millisecond,
		Commit:          200 * time.Millisecond,
		ViewChange:      400 * time.Millisecond,
		PrimaryAbdicate: 300 * time.Millisecond,
		Repair:          100 * time.Millisecond,
		Scrub:           500 * time.Millisecond,
	}
}

func (c *Cluster) allIDs() []uint8 {
	ids := make([]uint8, 0, len(c.Nodes))
	for id := range c.Nodes {
		ids = append(ids, id)
	}
	return ids
}

// Crash tears down node id's replica and event loop without touching its
// driver's contents (the point of a crash, as opposed to a format);
// RestartCrashed reopens against the same driver to exercise the
// recovery protocol.
func (c *Cluster) Crash(id uint8) {
	n := c.Nodes[id]
	if n.cancel != nil {
		n.cancel()
	}
	if n.done != nil {
		<-n.done
	}
}

// RestartCrashed reopens replica id against its existing (unformatted
// again) driver contents and starts a fresh event loop, the way vsrd
// start re-opens an existing data file after a process restart.
func (c *Cluster) RestartCrashed(id uint8) error {
	n := c.Nodes[id]
	cfg := c.Config
	cfg.ReplicaID = id
	bus := c.Network.BusFor(id, c.allIDs())
	sm := statemachine.NewMem()

	replica, err := vsr.Open(c.ctx, cfg, c.Clock, n.Driver, c.Layout, sm, bus, n.pool)
	if err != nil {
		return err
	}
	c.Network.Register(id, replica, n.pool)
	c.wireFetcher(id, replica)
	n.Replica = replica
	n.SM = sm

	ctx, cancel := context.WithCancel(c.ctx)
	n.cancel = cancel
	n.done = make(chan error, 1)
	go func() {
		n.done <- n.Replica.Run(ctx)
	}()
	return nil
}
