// Package wal implements the on-disk write-ahead log: a dense header ring
// plus a fixed-slot prepare region (spec §4.2). It is deliberately dumb
// about replication semantics — the journal package builds the in-memory
// index and repair policy on top of it.
package wal

import (
	"context"
	"fmt"

	"github.com/vsrdb/vsr"
	"github.com/vsrdb/vsr/storage"
)

// Slot identifies a fixed-size position in both the header ring and the
// prepare region. A prepare for op o always lives at slot = o mod
// SlotCount (spec §3).
type Slot int64

// WAL is the circular log of fixed-slot prepares described by spec §4.2.
// slot_count is a power of two and must exceed pipeline_prepare_queue_max +
// vsr_checkpoint_interval so the current checkpoint's prepares are never
// overwritten before the next checkpoint is durable; callers (the replica)
// are responsible for enforcing that bound when deciding what op to
// prepare next.
type WAL struct {
	driver storage.Driver
	layout storage.Layout
}

// New returns a WAL bound to driver, using layout for slot sizing/offsets.
func New(driver storage.Driver, layout storage.Layout) *WAL {
	return &WAL{driver: driver, layout: layout}
}

// SlotCount returns the number of fixed slots in the log.
func (w *WAL) SlotCount() int64 { return w.layout.SlotCount }

// SlotFor returns the slot a given op belongs in.
func (w *WAL) SlotFor(op uint64) Slot {
	return Slot(int64(op) % w.layout.SlotCount)
}

// SlotStatus is the outcome of validating one slot during recovery scan or
// a subsequent read.
type SlotStatus int

const (
	// SlotOK means both the header and the body checksum validated and
	// the header's Op actually belongs in this slot.
	SlotOK SlotStatus = iota
	// SlotEmpty means the slot has never been written (all-zero header).
	SlotEmpty
	// SlotDirty means the header is present and internally consistent but
	// the body does not match it — a torn or short write of the body — or
	// the body could not be read.
	SlotDirty
	// SlotFaulty means even the header failed to validate, or a read
	// fault occurred reading the header. The prepare there must be
	// treated as absent until repaired.
	SlotFaulty
)

// WritePrepare durably writes a prepare to its slot: body first, then
// header, matching spec §4.2's crash-recovery contract — if the process
// dies between the two writes, the header on disk (if it's the old one)
// will not validate the new body, and if it's a half-written new header
// ValidChecksum will catch that directly. Either way recovery marks the
// slot torn, never silently committed.
func (w *WAL) WritePrepare(ctx context.Context, slot Slot, m *vsr.Message, fn func(error)) {
	body := m.Body
	w.driver.WriteAt(ctx, storage.ZoneWALPrepares, w.layout.WALPrepareOffset(int64(slot)), body, func(c storage.Completion) {
		if c.Fault != storage.FaultNone {
			fn(fmt.Errorf("wal: write prepare body: %w", c.Err))
			return
		}
		hdrBuf, _ := m.Header.MarshalBinary()
		w.driver.WriteAt(ctx, storage.ZoneWALHeaders, w.layout.WALHeaderOffset(int64(slot)), hdrBuf, func(c storage.Completion) {
			if c.Fault != storage.FaultNone {
				fn(fmt.Errorf("wal: write prepare header: %w", c.Err))
				return
			}
			fn(nil)
		})
	})
}

// RepairHeader performs a header-only write, used when a peer supplies a
// canonical header without the body (spec §4.2). The slot is left dirty
// until the body is separately repaired by WritePrepare or read_prepare
// confirms the existing body already matches.
func (w *WAL) RepairHeader(ctx context.Context, slot Slot, h *vsr.Header, fn func(error)) {
	buf, _ := h.MarshalBinary()
	w.driver.WriteAt(ctx, storage.ZoneWALHeaders, w.layout.WALHeaderOffset(int64(slot)), buf, func(c storage.Completion) {
		if c.Fault != storage.FaultNone {
			fn(fmt.Errorf("wal: repair header: %w", c.Err))
			return
		}
		fn(nil)
	})
}

// ReadResult is the outcome of ReadPrepare.
type ReadResult struct {
	Status SlotStatus
	Header vsr.Header
	Body   []byte
}

// ReadPrepare reads the header and body at slot and cross-validates them.
func (w *WAL) ReadPrepare(ctx context.Context, slot Slot, bodyBuf []byte, fn func(ReadResult, error)) {
	hdrBuf := make([]byte, vsr.HeaderSize)
	w.driver.ReadAt(ctx, storage.ZoneWALHeaders, w.layout.WALHeaderOffset(int64(slot)), hdrBuf, func(c storage.Completion) {
		if c.Fault != storage.FaultNone {
			fn(ReadResult{Status: SlotFaulty}, nil)
			return
		}
		if isZero(hdrBuf) {
			fn(ReadResult{Status: SlotEmpty}, nil)
			return
		}
		if !vsr.ValidChecksum(hdrBuf) {
			fn(ReadResult{Status: SlotFaulty}, nil)
			return
		}
		var h vsr.Header
		if err := h.UnmarshalBinary(hdrBuf); err != nil {
			fn(ReadResult{}, err)
			return
		}
		body := bodyBuf[:h.Size]
		w.driver.ReadAt(ctx, storage.ZoneWALPrepares, w.layout.WALPrepareOffset(int64(slot)), body, func(c storage.Completion) {
			if c.Fault != storage.FaultNone || !h.ValidBody(body) {
				fn(ReadResult{Status: SlotDirty, Header: h}, nil)
				return
			}
			fn(ReadResult{Status: SlotOK, Header: h, Body: body}, nil)
		})
	})
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
