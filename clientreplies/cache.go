// Package clientreplies implements the fixed-size, disk-backed reply
// cache described by spec §4.9: one slot per client session, addressable
// by client id, giving at-most-once execution without an unbounded session
// table.
package clientreplies

import (
	"context"
	"fmt"
	"sync"

	"github.com/vsrdb/vsr"
	"github.com/vsrdb/vsr/storage"
)

// Slot identifies one of the fixed clients_max reply-cache slots. Unlike
// wal.Slot, a client-replies slot holds a full header+body message in one
// contiguous region rather than splitting header and body into separate
// zones — the cache is read far more often than it is repaired, so there
// is no pipelined-write reason to keep them apart.
type Slot int64

// SlotFor returns the fixed slot a client's replies are kept in.
func SlotFor(clientID uint64, clientsMax int64) Slot {
	return Slot(int64(clientID % uint64(clientsMax)))
}

// ReplyFetcher is the cache's hook into the message bus for repairing a
// corrupt slot from a backup (spec §4.9: "the primary requests and the
// backup forwards").
type ReplyFetcher interface {
	FetchReply(ctx context.Context, clientID uint64) (*vsr.Message, error)
}

// SlotStatus is the outcome of reading a slot.
type SlotStatus int

const (
	SlotOK SlotStatus = iota
	SlotEmpty
	SlotDirty  // header valid, body does not match it
	SlotFaulty // header itself did not validate, or the read faulted
)

// Session is the in-memory record of a client's most recently completed
// request, kept for duplicate detection without a disk read on every
// request (spec §4.9: "duplicate request_numbers are served from cache").
type Session struct {
	ClientID      uint64
	RequestNumber uint32
	Header        vsr.Header
}

// Cache is the reply cache bound to one replica's client-replies zone.
type Cache struct {
	driver         storage.Driver
	layout         storage.Layout
	messageSizeMax int

	mu       sync.Mutex
	fetcher  ReplyFetcher
	sessions map[uint64]Session
}

// Open scans every slot and rebuilds the in-memory session table from
// whatever valid replies it finds there, the same way journal.Open rebuilds
// the journal from a WAL scan.
func Open(ctx context.Context, driver storage.Driver, layout storage.Layout, messageSizeMax int) (*Cache, error) {
	c := &Cache{
		driver:         driver,
		layout:         layout,
		messageSizeMax: messageSizeMax,
		sessions:       make(map[uint64]Session),
	}
	bodyBuf := make([]byte, messageSizeMax)
	for i := int64(0); i < layout.ClientsMax; i++ {
		result, err := c.readSlot(ctx, Slot(i), bodyBuf)
		if err != nil {
			return nil, fmt.Errorf("clientreplies: scan slot %d: %w", i, err)
		}
		if result.Status != SlotOK {
			continue
		}
		c.sessions[result.Header.ClientID] = Session{
			ClientID:      result.Header.ClientID,
			RequestNumber: result.Header.RequestNumber,
			Header:        result.Header,
		}
	}
	return c, nil
}

// SetFetcher wires (or rewires) the repair fallback.
func (c *Cache) SetFetcher(f ReplyFetcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetcher = f
}

// Session returns the in-memory record for clientID, if any.
func (c *Cache) Session(clientID uint64) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[clientID]
	return s, ok
}

// Store persists m as the latest reply for its client and updates the
// session table. m.Header.Command must be CommandReply.
func (c *Cache) Store(ctx context.Context, m *vsr.Message, fn func(error)) {
	if m.Header.Command != vsr.CommandReply {
		fn(fmt.Errorf("clientreplies: refusing to store non-reply command %s", m.Header.Command))
		return
	}
	slot := SlotFor(m.Header.ClientID, c.layout.ClientsMax)
	c.writeSlot(ctx, slot, m, func(err error) {
		if err != nil {
			fn(err)
			return
		}
		c.mu.Lock()
		c.sessions[m.Header.ClientID] = Session{
			ClientID:      m.Header.ClientID,
			RequestNumber: m.Header.RequestNumber,
			Header:        m.Header,
		}
		c.mu.Unlock()
		fn(nil)
	})
}

// Lookup reports whether (clientID, requestNumber) is the client's latest
// completed request and, if so, returns the cached reply, repairing the
// slot from a peer if the on-disk copy is found corrupt. found is false if
// this is not a known duplicate, in which case the caller executes the
// request normally.
func (c *Cache) Lookup(ctx context.Context, clientID uint64, requestNumber uint32) (reply *vsr.Message, found bool, err error) {
	c.mu.Lock()
	session, ok := c.sessions[clientID]
	c.mu.Unlock()
	if !ok || session.RequestNumber != requestNumber {
		return nil, false, nil
	}

	slot := SlotFor(clientID, c.layout.ClientsMax)
	bodyBuf := make([]byte, c.messageSizeMax)
	result, err := c.readSlot(ctx, slot, bodyBuf)
	if err != nil {
		return nil, true, err
	}
	if result.Status == SlotOK && result.Header.ClientID == clientID && result.Header.RequestNumber == requestNumber {
		m := vsr.NewMessage(c.messageSizeMax)
		m.Header = result.Header
		m.SetBody(result.Body)
		return m, true, nil
	}

	c.mu.Lock()
	fetcher := c.fetcher
	c.mu.Unlock()
	if fetcher == nil {
		return nil, true, fmt.Errorf("clientreplies: slot for client %d is %v and no fetcher configured", clientID, result.Status)
	}
	m, err := fetcher.FetchReply(ctx, clientID)
	if err != nil {
		return nil, true, fmt.Errorf("clientreplies: repair reply for client %d: %w", clientID, err)
	}
	if m.Header.ClientID != clientID || m.Header.RequestNumber != requestNumber {
		return nil, true, fmt.Errorf("clientreplies: peer supplied mismatched reply for client %d", clientID)
	}
	if werr := c.writeSlotSync(ctx, slot, m); werr != nil {
		return nil, true, werr
	}
	return m, true, nil
}

// ReadRaw returns whatever reply is currently on disk for clientID,
// without regard to the in-memory session table's request number. Used
// by the replica-side transport.BulkSource adapter to answer a peer's
// request_reply without re-deriving Lookup's duplicate-detection logic.
func (c *Cache) ReadRaw(ctx context.Context, clientID uint64) (*vsr.Message, bool, error) {
	slot := SlotFor(clientID, c.layout.ClientsMax)
	bodyBuf := make([]byte, c.messageSizeMax)
	result, err := c.readSlot(ctx, slot, bodyBuf)
	if err != nil {
		return nil, false, err
	}
	if result.Status != SlotOK || result.Header.ClientID != clientID {
		return nil, false, nil
	}
	m := vsr.NewMessage(c.messageSizeMax)
	m.Header = result.Header
	m.SetBody(result.Body)
	return m, true, nil
}

// readSlot reads and validates the slot at position slot.
func (c *Cache) readSlot(ctx context.Context, slot Slot, bodyBuf []byte) (ReadResult, error) {
	hdrBuf := make([]byte, vsr.HeaderSize)
	offset := c.layout.ClientReplyOffset(int64(slot))

	done := make(chan storage.Completion, 1)
	c.driver.ReadAt(ctx, storage.ZoneClientReplies, offset, hdrBuf, func(comp storage.Completion) { done <- comp })
	if comp := <-done; comp.Fault != storage.FaultNone {
		return ReadResult{Status: SlotFaulty}, nil
	}
	if isZero(hdrBuf) {
		return ReadResult{Status: SlotEmpty}, nil
	}
	if !vsr.ValidChecksum(hdrBuf) {
		return ReadResult{Status: SlotFaulty}, nil
	}
	var h vsr.Header
	if err := h.UnmarshalBinary(hdrBuf); err != nil {
		return ReadResult{}, err
	}

	body := bodyBuf[:h.Size]
	done2 := make(chan storage.Completion, 1)
	c.driver.ReadAt(ctx, storage.ZoneClientReplies, offset+vsr.HeaderSize, body, func(comp storage.Completion) { done2 <- comp })
	comp := <-done2
	if comp.Fault != storage.FaultNone || !h.ValidBody(body) {
		return ReadResult{Status: SlotDirty, Header: h}, nil
	}
	return ReadResult{Status: SlotOK, Header: h, Body: body}, nil
}

// writeSlot durably writes m to slot, a single contiguous WriteAt so that
// a crash mid-write leaves a detectably torn slot rather than a silently
// mixed header/body pair (spec §4.9, the same crash-recovery contract
// wal.WritePrepare documents).
func (c *Cache) writeSlot(ctx context.Context, slot Slot, m *vsr.Message, fn func(error)) {
	offset := c.layout.ClientReplyOffset(int64(slot))
	buf := m.Encode()
	c.driver.WriteAt(ctx, storage.ZoneClientReplies, offset, buf, func(comp storage.Completion) {
		if comp.Fault != storage.FaultNone {
			fn(fmt.Errorf("clientreplies: write slot %d: %w", slot, comp.Err))
			return
		}
		fn(nil)
	})
}

func (c *Cache) writeSlotSync(ctx context.Context, slot Slot, m *vsr.Message) error {
	done := make(chan error, 1)
	c.writeSlot(ctx, slot, m, func(err error) { done <- err })
	return <-done
}

// ReadResult is the outcome of readSlot.
type ReadResult struct {
	Status SlotStatus
	Header vsr.Header
	Body   []byte
}

func (s SlotStatus) String() string {
	switch s {
	case SlotOK:
		return "ok"
	case SlotEmpty:
		return "empty"
	case SlotDirty:
		return "dirty"
	case SlotFaulty:
		return "faulty"
	default:
		return "unknown"
	}
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
