package storage

import (
	"context"
	"fmt"
	"sync"
)

// FaultDriver is an in-memory Driver used by the deterministic simulator.
// It never touches the filesystem, so every byte a test observes is under
// the test's control, and faults can be injected per zone/offset the same
// way litefs's mock.OS injects errors through function fields: by setting
// a hook before the operation that should fail.
type FaultDriver struct {
	mu     sync.Mutex
	layout Layout
	data   []byte
	closed bool

	// ReadFaultFunc, if non-nil, is consulted before every read. Returning
	// FaultRead causes that read to fail with FaultRead and fills buf with
	// scrambled bytes; the stored data itself is left unchanged.
	ReadFaultFunc func(zone Zone, offset int64, size int64) FaultKind

	// WriteFaultFunc, if non-nil, is consulted before every write. A
	// FaultWrite result causes the write to be torn: only TornBytes bytes
	// of the buffer are applied before the fault, simulating a crash
	// mid-sector-write.
	WriteFaultFunc func(zone Zone, offset int64, size int64) (kind FaultKind, tornBytes int64)
}

// NewFaultDriver returns a FaultDriver sized for layout, zero-filled.
func NewFaultDriver(layout Layout) *FaultDriver {
	return &FaultDriver{
		layout: layout,
		data:   make([]byte, layout.TotalSize()),
	}
}

func (d *FaultDriver) Size() int64 { return d.layout.TotalSize() }

func (d *FaultDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Corrupt overwrites size bytes at the given zone-relative offset with
// garbage, independent of any configured fault hooks. Tests use this to
// simulate bit rot that happened while the replica was stopped (e.g. S1,
// S2, S7 in spec §8).
func (d *FaultDriver) Corrupt(zone Zone, offset, size int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	base := d.layout.Offset(zone) + offset
	for i := int64(0); i < size; i++ {
		d.data[base+i] ^= 0xff
	}
}

func (d *FaultDriver) ReadAt(ctx context.Context, zone Zone, offset int64, buf []byte, fn func(Completion)) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		fn(Completion{Fault: FaultRead, Err: fmt.Errorf("storage: driver closed")})
		return
	}

	kind := FaultNone
	if d.ReadFaultFunc != nil {
		kind = d.ReadFaultFunc(zone, offset, int64(len(buf)))
	}

	base := d.layout.Offset(zone) + offset
	copy(buf, d.data[base:base+int64(len(buf))])

	if kind == FaultRead {
		for i := range buf {
			buf[i] ^= 0xa5
		}
		fn(Completion{Fault: FaultRead, Err: fmt.Errorf("storage: simulated read fault")})
		return
	}
	fn(Completion{})
}

func (d *FaultDriver) WriteAt(ctx context.Context, zone Zone, offset int64, buf []byte, fn func(Completion)) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		fn(Completion{Fault: FaultWrite, Err: fmt.Errorf("storage: driver closed")})
		return
	}

	kind, tornBytes := FaultNone, int64(len(buf))
	if d.WriteFaultFunc != nil {
		kind, tornBytes = d.WriteFaultFunc(zone, offset, int64(len(buf)))
		if tornBytes < 0 || tornBytes > int64(len(buf)) {
			tornBytes = int64(len(buf))
		}
	}

	base := d.layout.Offset(zone) + offset
	copy(d.data[base:base+tornBytes], buf[:tornBytes])

	if kind == FaultWrite {
		fn(Completion{Fault: FaultWrite, Err: fmt.Errorf("storage: simulated torn write")})
		return
	}
	fn(Completion{})
}

func (d *FaultDriver) Sync(ctx context.Context, zone Zone, fn func(Completion)) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		fn(Completion{Fault: FaultWrite, Err: fmt.Errorf("storage: driver closed")})
		return
	}
	fn(Completion{})
}

// Snapshot returns a copy of the raw bytes for a zone, for equality checks
// between replicas in tests (spec §8 S7 requires byte-identical grids).
func (d *FaultDriver) Snapshot(zone Zone) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	base := d.layout.Offset(zone)
	size := d.layout.Size(zone)
	out := make([]byte, size)
	copy(out, d.data[base:base+size])
	return out
}
