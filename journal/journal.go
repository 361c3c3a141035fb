// Package journal maintains the in-memory projection of the WAL that the
// replica consults to decide "which ops do I believe I have" during
// normal operation, and to drive repair of the ops it is missing (spec
// §4.4).
package journal

import (
	"context"

	"github.com/vsrdb/vsr"
	"github.com/vsrdb/vsr/wal"
)

// Entry is the per-slot state the journal tracks.
type Entry struct {
	Header vsr.Header
	Dirty  bool // header present, body missing or mismatched
	Faulty bool // header itself failed to validate
}

// Journal is the authoritative in-memory index over one replica's WAL
// while status == normal. It is mutated only by the replica's own event
// loop (design notes §9).
type Journal struct {
	wal     *wal.WAL
	entries []Entry
}

// Open scans w and builds a Journal from the result (spec §4.2's recovery
// scan). messageSizeMax bounds the scratch buffer used while scanning.
func Open(ctx context.Context, w *wal.WAL, messageSizeMax int) (*Journal, error) {
	slots, err := w.Scan(ctx, messageSizeMax)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, len(slots))
	for i, s := range slots {
		switch s.Status {
		case wal.SlotOK:
			entries[i] = Entry{Header: s.Header}
		case wal.SlotDirty:
			entries[i] = Entry{Header: s.Header, Dirty: true}
		case wal.SlotFaulty:
			entries[i] = Entry{Faulty: true}
		case wal.SlotEmpty:
			// leave as the zero Entry: not dirty, not faulty, no header.
		}
	}
	return &Journal{wal: w, entries: entries}, nil
}

// SlotCount returns the number of slots tracked.
func (j *Journal) SlotCount() int64 { return int64(len(j.entries)) }

// Entry returns the entry at the given slot.
func (j *Journal) Entry(slot wal.Slot) Entry { return j.entries[slot] }

// HasHeader reports whether the journal has a header for op (i.e. the slot
// for op is occupied by a non-faulty header for exactly that op). This is
// the predicate the nack-safety rule of spec §4.5 is built on: a replica
// may only nack an op if it does NOT have a header for it.
func (j *Journal) HasHeader(op uint64) bool {
	e := j.entries[op%uint64(len(j.entries))]
	return !e.Faulty && e.Header.Op == op && e.Header.Operation != vsr.OperationReserved
}

// HeaderAt returns the header stored at the slot for op, and whether it is
// present and matches op exactly (as opposed to a stale header left behind
// by a slot that was skipped over, e.g. after a jump in the log from a
// view change).
func (j *Journal) HeaderAt(op uint64) (vsr.Header, bool) {
	e := j.entries[op%uint64(len(j.entries))]
	if e.Faulty || e.Header.Op != op {
		return vsr.Header{}, false
	}
	return e.Header, true
}

// SetEntry installs a freshly written or repaired header at its slot,
// clearing the dirty/faulty bits. The replica calls this once the
// corresponding WAL write (or repair) has completed durably.
func (j *Journal) SetEntry(slot wal.Slot, h vsr.Header) {
	j.entries[slot] = Entry{Header: h}
}

// MarkDirty flags a slot as dirty (header known, body not yet confirmed).
func (j *Journal) MarkDirty(slot wal.Slot, h vsr.Header) {
	j.entries[slot] = Entry{Header: h, Dirty: true}
}

// MarkFaulty flags a slot as entirely unreadable.
func (j *Journal) MarkFaulty(slot wal.Slot) {
	j.entries[slot] = Entry{Faulty: true}
}

// FaultyOps returns every op within [low, high] whose slot is dirty or
// faulty or does not hold a header for that op (empty, or holding a
// different op), in ascending order. The replica uses this to drive
// request_prepare during repair (spec §4.4).
func (j *Journal) FaultyOps(low, high uint64) []uint64 {
	var out []uint64
	for op := low; op <= high; op++ {
		e := j.entries[op%uint64(len(j.entries))]
		if e.Faulty || e.Dirty || e.Header.Op != op {
			out = append(out, op)
		}
	}
	return out
}
