// Package grid implements the content-addressed block store that
// persists the state machine's on-disk data outside the WAL (spec §4.8).
package grid

import (
	"context"
	"fmt"
	"sync"

	"github.com/vsrdb/vsr"
	"github.com/vsrdb/vsr/storage"
)

// BlockID is the content-addressing pair spec §9 describes: an address
// plus the checksum the data at that address is expected to have. Any
// peer whose block at that address hashes to the expected checksum is a
// valid source of repair — equality on Checksum is all that matters.
type BlockID struct {
	Address  uint64
	Checksum uint64
}

// PeerFetcher is the grid's hook into the message bus for repairing a
// faulty block from another replica (spec §4.8's "on fault, fall back to
// peer request_block"). The grid package itself knows nothing about wire
// formats; Replica wires this to transport.Bus.
type PeerFetcher interface {
	FetchBlock(ctx context.Context, id BlockID) ([]byte, error)
}

// Grid owns the on-disk block zone, the free-set over it, and tracks which
// addresses are currently known faulty.
type Grid struct {
	driver  storage.Driver
	layout  storage.Layout
	free    *FreeSet
	fetcher PeerFetcher

	mu        sync.Mutex
	checksums map[uint64]uint64 // address -> expected checksum, for every allocated address
	faulty    map[uint64]uint64 // address -> expected checksum, for addresses known bad
}

// New returns a Grid bound to driver/layout, with fetcher used for repair.
// fetcher may be nil; in that case faulty blocks simply stay faulty until
// SetPeerFetcher is called (e.g. once the message bus has come up).
func New(driver storage.Driver, layout storage.Layout, fetcher PeerFetcher) *Grid {
	return &Grid{
		driver:    driver,
		layout:    layout,
		free:      NewFreeSet(uint64(layout.GridBlocksMax)),
		fetcher:   fetcher,
		checksums: make(map[uint64]uint64),
		faulty:    make(map[uint64]uint64),
	}
}

// FreeSet returns the grid's free-set.
func (g *Grid) FreeSet() *FreeSet { return g.free }

// SetPeerFetcher wires (or rewires) the repair fallback.
func (g *Grid) SetPeerFetcher(f PeerFetcher) { g.fetcher = f }

// Read returns the block at id.Address, verifying it against
// id.Checksum. On a local read fault or checksum mismatch it falls back to
// PeerFetcher, exactly as spec §4.8 describes, and marks the local copy
// faulty for the scrubber's repair queue. When the peer fetch succeeds the
// fetched block is written back over the local copy and the mark is
// cleared; otherwise the block stays marked faulty.
func (g *Grid) Read(ctx context.Context, id BlockID) ([]byte, error) {
	buf := make([]byte, g.layout.BlockSize)
	done := make(chan storage.Completion, 1)
	g.driver.ReadAt(ctx, storage.ZoneGrid, g.layout.GridBlockOffset(id.Address)-g.layout.Offset(storage.ZoneGrid), buf, func(c storage.Completion) { done <- c })
	c := <-done

	if c.Fault == storage.FaultNone && vsr.Checksum64(buf) == id.Checksum {
		return buf, nil
	}

	g.markFaulty(id.Address, id.Checksum)

	if g.fetcher == nil {
		return nil, fmt.Errorf("grid: block %d faulty and no peer fetcher configured", id.Address)
	}
	data, err := g.fetcher.FetchBlock(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("grid: repair block %d from peer: %w", id.Address, err)
	}
	if vsr.Checksum64(data) != id.Checksum {
		return nil, fmt.Errorf("grid: peer supplied block %d with wrong checksum", id.Address)
	}
	// Heal the local copy so future reads (and the scrubber) see it fixed.
	if err := g.writeLocal(ctx, id.Address, data); err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.checksums[id.Address] = id.Checksum
	delete(g.faulty, id.Address)
	g.mu.Unlock()
	return data, nil
}

// Write durably writes data to address after it is referenced in a
// forthcoming checkpoint (spec §4.8: "durable local write after the block
// is referenced in a forthcoming checkpoint"). Writes to a given address
// are serialized by the caller (spec §5); Write itself does not
// serialize concurrent calls to the same address.
func (g *Grid) Write(ctx context.Context, address uint64, data []byte) error {
	if uint64(len(data)) != uint64(g.layout.BlockSize) {
		return fmt.Errorf("grid: block size mismatch: got %d, want %d", len(data), g.layout.BlockSize)
	}
	if err := g.writeLocal(ctx, address, data); err != nil {
		return err
	}
	g.mu.Lock()
	g.checksums[address] = vsr.Checksum64(data)
	delete(g.faulty, address)
	g.mu.Unlock()
	return nil
}

// ExpectedChecksum returns the checksum the grid expects to find at
// address, if it has ever recorded one (via Write or via a prior repair).
func (g *Grid) ExpectedChecksum(address uint64) (uint64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.checksums[address]
	return c, ok
}

func (g *Grid) writeLocal(ctx context.Context, address uint64, data []byte) error {
	done := make(chan storage.Completion, 1)
	g.driver.WriteAt(ctx, storage.ZoneGrid, g.layout.GridBlockOffset(address)-g.layout.Offset(storage.ZoneGrid), data, func(c storage.Completion) { done <- c })
	if c := <-done; c.Fault != storage.FaultNone {
		return fmt.Errorf("grid: write block %d: %w", address, c.Err)
	}
	return nil
}

func (g *Grid) markFaulty(address, checksum uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.faulty[address] = checksum
}

// FaultyCount returns the number of addresses currently known faulty.
// Spec §8 property 6 requires this to be non-increasing absent new faults;
// tests assert on it directly.
func (g *Grid) FaultyCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.faulty)
}

// FaultyAddresses returns a snapshot of the currently faulty addresses.
func (g *Grid) FaultyAddresses() map[uint64]uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[uint64]uint64, len(g.faulty))
	for k, v := range g.faulty {
		out[k] = v
	}
	return out
}
