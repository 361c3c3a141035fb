package storage

import "context"

// FaultKind classifies how a completion failed. The driver never hides a
// fault as success, per spec §4.1: reads may return zeros, stale data, or
// corrupt bytes and writes may be torn at sector granularity, but whichever
// happens is surfaced truthfully to the caller.
type FaultKind int

const (
	// FaultNone indicates the operation completed successfully.
	FaultNone FaultKind = iota
	// FaultRead indicates a read fault: checksum mismatch or simulated
	// corruption. The caller must not trust the returned bytes.
	FaultRead
	// FaultWrite indicates the write may not have landed in full; a
	// concurrent crash may have torn it at sector granularity.
	FaultWrite
)

// Completion is passed to a read or write callback once the driver has
// resolved the operation, successfully or not.
type Completion struct {
	Fault FaultKind
	Err   error
}

// Driver is the sector-aligned, callback-based read/write contract for a
// single replica data file (spec §4.1). It never reorders completions
// submitted to the same zone; callers rely on that to pipeline writes to
// the WAL prepare region and the WAL header ring independently.
//
// Results are handed back through an explicit completion callback rather
// than a return value. Both drivers in this package (FileDriver and
// FaultDriver) perform the operation and invoke fn on the caller's
// goroutine before the method returns.
type Driver interface {
	// ReadAt reads len(buf) bytes from the given zone at the given
	// zone-relative offset.
	ReadAt(ctx context.Context, zone Zone, offset int64, buf []byte, fn func(Completion))

	// WriteAt writes buf to the given zone at the given zone-relative
	// offset.
	WriteAt(ctx context.Context, zone Zone, offset int64, buf []byte, fn func(Completion))

	// Sync is the fsync-equivalent: it guarantees that all WriteAt calls
	// submitted to the given zone before this call are durable once fn is
	// invoked.
	Sync(ctx context.Context, zone Zone, fn func(Completion))

	// Size returns the configured size of the data file.
	Size() int64

	// Close releases the underlying file descriptor(s).
	Close() error
}
