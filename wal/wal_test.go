package wal_test

import (
	"context"
	"testing"

	"github.com/vsrdb/vsr"
	"github.com/vsrdb/vsr/storage"
	"github.com/vsrdb/vsr/wal"
)

func newTestWAL(t *testing.T) (*wal.WAL, *storage.FaultDriver, storage.Layout) {
	t.Helper()
	layout := storage.DefaultLayout()
	layout.SlotCount = 16
	d := storage.NewFaultDriver(layout)
	return wal.New(d, layout), d, layout
}

func preparedMessage(op uint64, body string) *vsr.Message {
	pool := vsr.NewPool(1, 4096)
	m := pool.Get()
	m.Header.Command = vsr.CommandPrepare
	m.Header.Op = op
	m.Header.View = 1
	m.Header.LogView = 1
	m.SetBody([]byte(body))
	return m
}

func TestWAL_WriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	w, _, _ := newTestWAL(t)

	m := preparedMessage(5, "prepare body")
	slot := w.SlotFor(m.Header.Op)

	var writeErr error
	w.WritePrepare(ctx, slot, m, func(err error) { writeErr = err })
	if writeErr != nil {
		t.Fatalf("write: %v", writeErr)
	}

	bodyBuf := make([]byte, 4096)
	var result wal.ReadResult
	w.ReadPrepare(ctx, slot, bodyBuf, func(r wal.ReadResult, err error) {
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		result = r
	})
	if result.Status != wal.SlotOK {
		t.Fatalf("got status %v, want SlotOK", result.Status)
	}
	if result.Header.Op != 5 || string(result.Body) != "prepare body" {
		t.Fatalf("got header=%+v body=%q", result.Header, result.Body)
	}
}

func TestWAL_TornWriteIsDirty(t *testing.T) {
	ctx := context.Background()
	w, d, layout := newTestWAL(t)

	m := preparedMessage(3, "0123456789abcdef")
	slot := w.SlotFor(m.Header.Op)

	// Simulate a torn body write: both writes land, then the first bytes
	// of the prepare body are corrupted, so the intact header no longer
	// matches its body.
	var writeErr error
	w.WritePrepare(ctx, slot, m, func(err error) { writeErr = err })
	if writeErr != nil {
		t.Fatal(writeErr)
	}
	d.Corrupt(storage.ZoneWALPrepares, layout.WALPrepareOffset(int64(slot)), 4)

	bodyBuf := make([]byte, 4096)
	var result wal.ReadResult
	w.ReadPrepare(ctx, slot, bodyBuf, func(r wal.ReadResult, err error) { result = r })
	if result.Status != wal.SlotDirty {
		t.Fatalf("got status %v, want SlotDirty", result.Status)
	}
}

func TestWAL_EmptySlot(t *testing.T) {
	ctx := context.Background()
	w, _, _ := newTestWAL(t)

	bodyBuf := make([]byte, 4096)
	var result wal.ReadResult
	w.ReadPrepare(ctx, wal.Slot(0), bodyBuf, func(r wal.ReadResult, err error) { result = r })
	if result.Status != wal.SlotEmpty {
		t.Fatalf("got status %v, want SlotEmpty", result.Status)
	}
}

func TestWAL_Scan(t *testing.T) {
	ctx := context.Background()
	w, _, _ := newTestWAL(t)

	for _, op := range []uint64{0, 1, 2} {
		m := preparedMessage(op, "body")
		slot := w.SlotFor(op)
		done := make(chan struct{})
		w.WritePrepare(ctx, slot, m, func(err error) {
			if err != nil {
				t.Fatal(err)
			}
			close(done)
		})
		<-done
	}

	slots, err := w.Scan(ctx, 4096)
	if err != nil {
		t.Fatal(err)
	}
	op, slot, ok := wal.Head(slots)
	if !ok || op != 2 || slot != wal.Slot(2) {
		t.Fatalf("got op=%d slot=%d ok=%v", op, slot, ok)
	}
}
