package sim

import (
	"sync"

	"github.com/vsrdb/vsr"
)

// Network is an in-memory message bus connecting every replica in a
// simulated cluster, standing in for transport.Bus's real TCP
// connections the same way storage.FaultDriver stands in for a real
// file. Messages are still marshaled through Message.Encode/Decode
// exactly as they would cross a real socket — not handed over as a
// shared pointer — because each replica owns its own vsr.Pool and a
// message's backing buffer belongs to the pool that allocated it; Decode
// into the destination's own pool keeps that ownership rule intact. A
// Network can drop messages between specific replica pairs to simulate
// partitions (spec §8 S3's "isolate backup") without touching the wire
// format or the replica's own logic at all.
type Network struct {
	mu       sync.Mutex
	handlers map[uint8]replicaHandle
	links    map[linkKey]bool // explicit false = down; absent = up
}

type linkKey struct {
	from, to uint8
}

// handler is what a simulated replica registers: anything that accepts
// an inbound message the way transport.Bus.Handler does.
type handler interface {
	HandleMessage(replicaID uint8, m *vsr.Message)
}

// replicaHandle pairs a handler with the pool its messages must be
// decoded into, so Network decodes inbound bytes into a buffer the
// receiving replica's pool owns rather than the sender's.
type replicaHandle struct {
	h    handler
	pool *vsr.Pool
}

// NewNetwork returns an empty Network.
func NewNetwork() *Network {
	return &Network{handlers: make(map[uint8]replicaHandle)}
}

// Register binds replica id's inbound handler and the pool its messages
// should be decoded into.
func (n *Network) Register(id uint8, h handler, pool *vsr.Pool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.links == nil {
		n.links = make(map[linkKey]bool)
	}
	n.handlers[id] = replicaHandle{h: h, pool: pool}
}

// BusFor returns a vsr.Bus that replica fromID sends through, broadcasting
// to every id in peerIDs (fromID excluded automatically).
func (n *Network) BusFor(fromID uint8, peerIDs []uint8) *peerBus {
	return &peerBus{net: n, from: fromID, peers: peerIDs}
}

// Cut marks the link from -> to down; messages sent that direction are
// silently dropped until Heal. Links are directional so asymmetric
// partitions (spec §4.5's primary-can-send-not-receive case) are
// expressible.
func (n *Network) Cut(from, to uint8) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.links == nil {
		n.links = make(map[linkKey]bool)
	}
	n.links[linkKey{from, to}] = false
}

// Heal restores a link previously cut by Cut.
func (n *Network) Heal(from, to uint8) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.links, linkKey{from, to})
}

// Isolate cuts every link to and from id in both directions.
func (n *Network) Isolate(id uint8, peers []uint8) {
	for _, p := range peers {
		if p == id {
			continue
		}
		n.Cut(id, p)
		n.Cut(p, id)
	}
}

// Reconnect heals every link to and from id.
func (n *Network) Reconnect(id uint8, peers []uint8) {
	for _, p := range peers {
		if p == id {
			continue
		}
		n.Heal(id, p)
		n.Heal(p, id)
	}
}

func (n *Network) up(from, to uint8) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	up, cut := n.links[linkKey{from, to}]
	return !cut || up
}

func (n *Network) deliver(from, to uint8, m *vsr.Message) {
	defer m.Unref()
	if !n.up(from, to) {
		return
	}
	n.mu.Lock()
	rh, ok := n.handlers[to]
	n.mu.Unlock()
	if !ok {
		return
	}

	buf := m.Encode()
	out := rh.pool.Get()
	if err := out.Decode(buf); err != nil {
		out.Unref()
		return
	}
	rh.h.HandleMessage(from, out)
	out.Unref()
}

// peerBus is the vsr.Bus a single simulated replica sends through; it
// fans Broadcast out to every configured peer id via the shared Network,
// respecting cut links independently per destination.
type peerBus struct {
	net   *Network
	from  uint8
	peers []uint8
}

func (b *peerBus) Send(replicaID uint8, m *vsr.Message) error {
	b.net.deliver(b.from, replicaID, m.Ref())
	return nil
}

func (b *peerBus) Broadcast(m *vsr.Message) {
	for _, id := range b.peers {
		if id == b.from {
			continue
		}
		b.net.deliver(b.from, id, m.Ref())
	}
}
