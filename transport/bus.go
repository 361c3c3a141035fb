package transport

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/vsrdb/vsr"
)

// Handler processes a message received from a peer on the control bus.
type Handler interface {
	HandleMessage(replicaID uint8, m *vsr.Message)
}

// Bus is the small-message control-plane transport: one long-lived TCP
// connection per peer, maintained by a reconnect loop, carrying ping/
// prepare/prepare_ok/commit/view-change traffic (spec §6). Bulk transfers
// (state sync, grid/prepare repair) use the separate HTTP2 path in
// bulk.go; Bus exists only for small, latency-sensitive control messages.
type Bus struct {
	replicaID         uint8
	addrs             map[uint8]string
	pool              *vsr.Pool
	handler           Handler
	clock             vsr.Clock
	reconnectInterval time.Duration

	peers *xsync.MapOf[uint8, *peerConn]

	mu sync.Mutex
	ln net.Listener
}

type peerConn struct {
	mu   sync.Mutex
	conn net.Conn
}

// NewBus returns a Bus for replicaID, dialing peers at the given
// addresses. addrs must not contain an entry for replicaID itself.
func NewBus(replicaID uint8, addrs map[uint8]string, pool *vsr.Pool, handler Handler, clock vsr.Clock) *Bus {
	return &Bus{
		replicaID:         replicaID,
		addrs:             addrs,
		pool:              pool,
		handler:           handler,
		clock:             clock,
		reconnectInterval: time.Second,
		peers:             xsync.NewMapOf[uint8, *peerConn](),
	}
}

// Listen opens the inbound control listener.
func (b *Bus) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: listen: %w", err)
	}
	b.mu.Lock()
	b.ln = ln
	b.mu.Unlock()
	return nil
}

// Serve accepts inbound connections until ctx is cancelled.
func (b *Bus) Serve(ctx context.Context) error {
	b.mu.Lock()
	ln := b.ln
	b.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("transport: Serve called before Listen")
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("transport: accept: %w", err)
		}
		go b.serveConn(ctx, conn)
	}
}

func (b *Bus) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		m, err := ReadMessage(r, b.pool)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("transport: inbound connection closed: %v", err)
			}
			return
		}
		b.handler.HandleMessage(m.Header.Replica, m)
		m.Unref()
	}
}

// Connect starts a reconnect loop to every configured peer, running until
// ctx is cancelled.
func (b *Bus) Connect(ctx context.Context) {
	for id, addr := range b.addrs {
		go b.maintainPeer(ctx, id, addr)
	}
}

func (b *Bus) maintainPeer(ctx context.Context, id uint8, addr string) {
	for ctx.Err() == nil {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-b.clock.After(b.reconnectInterval):
			}
			continue
		}

		pc := &peerConn{conn: conn}
		b.peers.Store(id, pc)

		r := bufio.NewReader(conn)
		for {
			m, err := ReadMessage(r, b.pool)
			if err != nil {
				break
			}
			b.handler.HandleMessage(id, m)
			m.Unref()
		}

		b.peers.Delete(id)
		_ = conn.Close()

		select {
		case <-ctx.Done():
			return
		case <-b.clock.After(b.reconnectInterval):
		}
	}
}

// Send delivers m to replicaID's current connection. A missing
// connection is not treated specially beyond returning an error — per
// spec §5 the network may drop messages arbitrarily, so callers rely on
// their own retry/timeout logic rather than delivery guarantees here.
func (b *Bus) Send(replicaID uint8, m *vsr.Message) error {
	pc, ok := b.peers.Load(replicaID)
	if !ok {
		return fmt.Errorf("transport: no connection to replica %d", replicaID)
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return WriteMessage(pc.conn, m)
}

// Broadcast sends m to every currently connected peer, best-effort.
func (b *Bus) Broadcast(m *vsr.Message) {
	b.peers.Range(func(id uint8, pc *peerConn) bool {
		pc.mu.Lock()
		_ = WriteMessage(pc.conn, m)
		pc.mu.Unlock()
		return true
	})
}

// Connected reports whether the bus currently has a live connection to
// replicaID.
func (b *Bus) Connected(replicaID uint8) bool {
	_, ok := b.peers.Load(replicaID)
	return ok
}

// Addr returns the inbound listener's address, once Listen has succeeded.
func (b *Bus) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ln == nil {
		return nil
	}
	return b.ln.Addr()
}

// Close tears down the inbound listener. Outbound peer connections close
// as their maintain loops observe context cancellation.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ln != nil {
		return b.ln.Close()
	}
	return nil
}
