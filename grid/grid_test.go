package grid

import (
	"context"
	"testing"

	"github.com/vsrdb/vsr"
	"github.com/vsrdb/vsr/storage"
)

func testLayout() storage.Layout {
	return storage.Layout{
		SuperblockCopies: 4,
		SuperblockSize:   4096,
		HeaderSize:       128,
		SlotCount:        16,
		MessageSizeMax:   4096,
		ClientsMax:       4,
		BlockSize:        512,
		GridBlocksMax:    16,
	}
}

type fakeFetcher struct {
	data map[uint64][]byte
	err  error
}

func (f *fakeFetcher) FetchBlock(ctx context.Context, id BlockID) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.data[id.Address], nil
}

func TestGrid_WriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	layout := testLayout()
	d := storage.NewFaultDriver(layout)
	g := New(d, layout, nil)

	addr, ok := g.FreeSet().Acquire()
	if !ok {
		t.Fatal("expected acquire to succeed")
	}
	data := make([]byte, layout.BlockSize)
	copy(data, []byte("hello block"))

	if err := g.Write(ctx, addr, data); err != nil {
		t.Fatal(err)
	}

	got, err := g.Read(ctx, BlockID{Address: addr, Checksum: vsr.Checksum64(data)})
	if err != nil {
		t.Fatal(err)
	}
	if string(got[:11]) != "hello block" {
		t.Fatalf("got %q", got[:11])
	}
	if g.FaultyCount() != 0 {
		t.Fatalf("expected no faults, got %d", g.FaultyCount())
	}
}

func TestGrid_ReadRepairsFromPeerOnLocalCorruption(t *testing.T) {
	ctx := context.Background()
	layout := testLayout()
	d := storage.NewFaultDriver(layout)
	g := New(d, layout, nil)

	addr, _ := g.FreeSet().Acquire()
	data := make([]byte, layout.BlockSize)
	copy(data, []byte("original"))
	if err := g.Write(ctx, addr, data); err != nil {
		t.Fatal(err)
	}
	checksum := vsr.Checksum64(data)

	d.Corrupt(storage.ZoneGrid, layout.GridBlockOffset(addr)-layout.Offset(storage.ZoneGrid), 16)

	fetcher := &fakeFetcher{data: map[uint64][]byte{addr: data}}
	g.SetPeerFetcher(fetcher)

	got, err := g.Read(ctx, BlockID{Address: addr, Checksum: checksum})
	if err != nil {
		t.Fatal(err)
	}
	if string(got[:8]) != "original" {
		t.Fatalf("got %q", got[:8])
	}
	if g.FaultyCount() != 0 {
		t.Fatalf("expected repair to clear fault, got %d faulty", g.FaultyCount())
	}

	// Subsequent local read should now succeed without the fetcher.
	g.SetPeerFetcher(nil)
	got2, err := g.Read(ctx, BlockID{Address: addr, Checksum: checksum})
	if err != nil {
		t.Fatal(err)
	}
	if string(got2[:8]) != "original" {
		t.Fatalf("got %q", got2[:8])
	}
}

func TestGrid_ReadMarksFaultyWithoutFetcher(t *testing.T) {
	ctx := context.Background()
	layout := testLayout()
	d := storage.NewFaultDriver(layout)
	g := New(d, layout, nil)

	addr, _ := g.FreeSet().Acquire()
	data := make([]byte, layout.BlockSize)
	if err := g.Write(ctx, addr, data); err != nil {
		t.Fatal(err)
	}
	checksum := vsr.Checksum64(data)
	d.Corrupt(storage.ZoneGrid, layout.GridBlockOffset(addr)-layout.Offset(storage.ZoneGrid), 16)

	if _, err := g.Read(ctx, BlockID{Address: addr, Checksum: checksum}); err == nil {
		t.Fatal("expected error with no peer fetcher configured")
	}
	if g.FaultyCount() != 1 {
		t.Fatalf("got %d faulty, want 1", g.FaultyCount())
	}
}

func TestGrid_WriteSizeMismatch(t *testing.T) {
	ctx := context.Background()
	layout := testLayout()
	d := storage.NewFaultDriver(layout)
	g := New(d, layout, nil)

	addr, _ := g.FreeSet().Acquire()
	if err := g.Write(ctx, addr, make([]byte, 1)); err == nil {
		t.Fatal("expected size mismatch error")
	}
}
