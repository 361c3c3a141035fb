package wal

import (
	"context"

	"github.com/vsrdb/vsr"
)

// RecoveredSlot is the per-slot outcome of a full recovery scan (spec
// §4.2: "Recovery at open").
type RecoveredSlot struct {
	Status SlotStatus
	Header vsr.Header // zero if Status is SlotEmpty or SlotFaulty
}

// Scan reads every slot's header and cross-checks it against the slot's
// prepare body, producing one RecoveredSlot per slot. messageSizeMax
// bounds the scratch buffer used to read bodies.
//
// The scan is synchronous from the caller's perspective (it walks slots
// serially), which is fine: it only runs once, at replica open, before the
// event loop starts processing peer traffic.
func (w *WAL) Scan(ctx context.Context, messageSizeMax int) ([]RecoveredSlot, error) {
	out := make([]RecoveredSlot, w.layout.SlotCount)
	bodyBuf := make([]byte, messageSizeMax)

	for i := int64(0); i < w.layout.SlotCount; i++ {
		slot := Slot(i)
		done := make(chan error, 1)
		w.ReadPrepare(ctx, slot, bodyBuf, func(r ReadResult, err error) {
			out[i] = RecoveredSlot{Status: r.Status, Header: r.Header}
			done <- err
		})
		if err := <-done; err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Head returns the slot holding the highest Op among slots whose Status is
// SlotOK, along with that op. If every slot is empty (a freshly formatted
// WAL) it returns ok=false.
func Head(slots []RecoveredSlot) (op uint64, slot Slot, ok bool) {
	found := false
	for i, s := range slots {
		if s.Status != SlotOK {
			continue
		}
		if !found || s.Header.Op > op {
			op, slot, found = s.Header.Op, Slot(i), true
		}
	}
	return op, slot, found
}
