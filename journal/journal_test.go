package journal_test

import (
	"context"
	"testing"

	"github.com/vsrdb/vsr"
	"github.com/vsrdb/vsr/journal"
	"github.com/vsrdb/vsr/storage"
	"github.com/vsrdb/vsr/wal"
)

func writePrepare(t *testing.T, ctx context.Context, w *wal.WAL, op uint64, body string) {
	t.Helper()
	pool := vsr.NewPool(1, 4096)
	m := pool.Get()
	m.Header.Command = vsr.CommandPrepare
	m.Header.Operation = vsr.OperationStateMachine
	m.Header.Op = op
	m.SetBody([]byte(body))

	slot := w.SlotFor(op)
	done := make(chan error, 1)
	w.WritePrepare(ctx, slot, m, func(err error) { done <- err })
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestJournal_OpenAndHasHeader(t *testing.T) {
	ctx := context.Background()
	layout := storage.DefaultLayout()
	layout.SlotCount = 16
	d := storage.NewFaultDriver(layout)
	w := wal.New(d, layout)

	writePrepare(t, ctx, w, 1, "a")
	writePrepare(t, ctx, w, 2, "b")

	j, err := journal.Open(ctx, w, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if !j.HasHeader(1) || !j.HasHeader(2) {
		t.Fatal("expected headers for ops 1 and 2")
	}
	if j.HasHeader(3) {
		t.Fatal("did not expect a header for op 3")
	}
}

func TestJournal_FaultyOps(t *testing.T) {
	ctx := context.Background()
	layout := storage.DefaultLayout()
	layout.SlotCount = 16
	d := storage.NewFaultDriver(layout)
	w := wal.New(d, layout)

	writePrepare(t, ctx, w, 1, "a")
	writePrepare(t, ctx, w, 2, "b")
	// op 3 never written: its slot is empty, so it should show up as needing repair.

	j, err := journal.Open(ctx, w, 4096)
	if err != nil {
		t.Fatal(err)
	}
	got := j.FaultyOps(1, 3)
	if len(got) != 1 || got[0] != 3 {
		t.Fatalf("got %v, want [3]", got)
	}
}
