// Package storage implements sector-granular access to a replica's single
// data file and the fixed zone layout described by the on-disk format.
package storage

import "fmt"

// SectorSize is the minimum unit of torn-write atomicity assumed by the
// driver. Zone sizes and offsets are multiples of it; individual reads and
// writes (a 128-byte WAL header, a superblock copy) may be smaller.
const SectorSize = 4096

// Zone identifies one of the fixed byte ranges of a replica's data file.
// Offsets are stable across releases of the same major format version
// (spec §6), which is why Layout.Offset is a pure function of the layout
// rather than something read off disk.
type Zone int

const (
	ZoneSuperblock Zone = iota
	ZoneWALHeaders
	ZoneWALPrepares
	ZoneClientReplies
	ZoneGrid
)

func (z Zone) String() string {
	switch z {
	case ZoneSuperblock:
		return "superblock"
	case ZoneWALHeaders:
		return "wal_headers"
	case ZoneWALPrepares:
		return "wal_prepares"
	case ZoneClientReplies:
		return "client_replies"
	case ZoneGrid:
		return "grid"
	default:
		return fmt.Sprintf("zone(%d)", int(z))
	}
}

// Layout describes the static sizing of a data file. All sizes must be
// decided at format time and never change for the life of the file; this
// mirrors spec §6's "no dynamic membership reconfiguration" constraint
// applied to on-disk geometry.
type Layout struct {
	SuperblockCopies   int
	SuperblockSize     int64
	HeaderSize         int64 // size of one WAL header slot
	SlotCount          int64 // number of WAL slots (power of two)
	MessageSizeMax     int64 // size of one WAL prepare slot / client reply slot
	ClientsMax         int64
	BlockSize          int64
	GridBlocksMax      int64
}

// DefaultLayout returns the layout used by format when no overrides are
// given. Values are small enough to keep simulation tests fast while
// respecting slot_count > pipeline_prepare_queue_max + vsr_checkpoint_interval
// (spec §4.2).
func DefaultLayout() Layout {
	return Layout{
		SuperblockCopies: 4,
		SuperblockSize:   align(4096, SectorSize),
		HeaderSize:       128,
		SlotCount:        64,
		MessageSizeMax:   align(64*1024, SectorSize), // 64 KiB
		ClientsMax:       32,
		BlockSize:        512 * 1024,
		GridBlocksMax:    64,
	}
}

func align(n, to int64) int64 {
	if n%to == 0 {
		return n
	}
	return n + (to - n%to)
}

// zoneSize returns the total byte length reserved for a zone.
func (l Layout) zoneSize(z Zone) int64 {
	switch z {
	case ZoneSuperblock:
		return align(l.SuperblockSize, SectorSize) * int64(l.SuperblockCopies)
	case ZoneWALHeaders:
		return align(l.HeaderSize*l.SlotCount, SectorSize)
	case ZoneWALPrepares:
		return l.MessageSizeMax * l.SlotCount
	case ZoneClientReplies:
		return l.MessageSizeMax * l.ClientsMax
	case ZoneGrid:
		return l.BlockSize * l.GridBlocksMax
	default:
		panic(fmt.Sprintf("storage: unknown zone %d", z))
	}
}

// Offset returns the absolute byte offset of the start of zone z within the
// data file. Zones are laid out in declaration order with no implicit
// padding between them beyond sector alignment.
func (l Layout) Offset(z Zone) int64 {
	var off int64
	for zz := ZoneSuperblock; zz < z; zz++ {
		off += l.zoneSize(zz)
	}
	return off
}

// SuperblockCopyOffset returns the offset of the i'th superblock copy.
func (l Layout) SuperblockCopyOffset(i int) int64 {
	return l.Offset(ZoneSuperblock) + int64(i)*align(l.SuperblockSize, SectorSize)
}

// WALHeaderOffset returns the offset of the header for WAL slot, relative
// to the start of ZoneWALHeaders.
func (l Layout) WALHeaderOffset(slot int64) int64 {
	return slot * l.HeaderSize
}

// WALPrepareOffset returns the offset of the prepare body for WAL slot,
// relative to the start of ZoneWALPrepares.
func (l Layout) WALPrepareOffset(slot int64) int64 {
	return slot * l.MessageSizeMax
}

// ClientReplyOffset returns the offset of the reply slot for a client
// index, relative to the start of ZoneClientReplies.
func (l Layout) ClientReplyOffset(slotIndex int64) int64 {
	return slotIndex * l.MessageSizeMax
}

// GridBlockOffset returns the offset of a 1-based grid block address.
func (l Layout) GridBlockOffset(address uint64) int64 {
	return l.Offset(ZoneGrid) + int64(address-1)*l.BlockSize
}

// TotalSize returns the total size of the data file under this layout.
func (l Layout) TotalSize() int64 {
	return l.Offset(ZoneGrid) + l.zoneSize(ZoneGrid)
}

// Size returns the size reserved for zone z.
func (l Layout) Size(z Zone) int64 { return l.zoneSize(z) }
