package storage_test

import (
	"context"
	"testing"

	"github.com/vsrdb/vsr/storage"
)

func TestFaultDriver_ReadWrite(t *testing.T) {
	d := storage.NewFaultDriver(storage.DefaultLayout())
	ctx := context.Background()

	want := []byte("hello prepare body")
	var writeErr error
	d.WriteAt(ctx, storage.ZoneWALPrepares, 0, want, func(c storage.Completion) { writeErr = c.Err })
	if writeErr != nil {
		t.Fatalf("write: %v", writeErr)
	}

	got := make([]byte, len(want))
	var readErr error
	d.ReadAt(ctx, storage.ZoneWALPrepares, 0, got, func(c storage.Completion) { readErr = c.Err })
	if readErr != nil {
		t.Fatalf("read: %v", readErr)
	}
	if string(got) != string(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestFaultDriver_InjectedReadFault(t *testing.T) {
	d := storage.NewFaultDriver(storage.DefaultLayout())
	ctx := context.Background()

	d.ReadFaultFunc = func(zone storage.Zone, offset, size int64) storage.FaultKind {
		return storage.FaultRead
	}

	buf := make([]byte, 16)
	var comp storage.Completion
	d.ReadAt(ctx, storage.ZoneGrid, 0, buf, func(c storage.Completion) { comp = c })
	if comp.Fault != storage.FaultRead {
		t.Fatalf("expected read fault, got %v", comp.Fault)
	}
}

func TestFaultDriver_TornWrite(t *testing.T) {
	d := storage.NewFaultDriver(storage.DefaultLayout())
	ctx := context.Background()

	d.WriteFaultFunc = func(zone storage.Zone, offset, size int64) (storage.FaultKind, int64) {
		return storage.FaultWrite, size / 2
	}

	want := []byte("0123456789abcdef")
	var comp storage.Completion
	d.WriteAt(ctx, storage.ZoneWALPrepares, 0, want, func(c storage.Completion) { comp = c })
	if comp.Fault != storage.FaultWrite {
		t.Fatalf("expected write fault, got %v", comp.Fault)
	}

	got := make([]byte, len(want))
	d.ReadAt(ctx, storage.ZoneWALPrepares, 0, got, func(storage.Completion) {})
	if string(got[:8]) != string(want[:8]) {
		t.Fatalf("expected first half to land, got %q", got[:8])
	}
	for _, b := range got[8:] {
		if b != 0 {
			t.Fatalf("expected torn tail to remain zero, got %q", got)
		}
	}
}
