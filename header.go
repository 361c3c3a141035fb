package vsr

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// HeaderSize is the fixed on-disk and on-wire size of a Header, in bytes.
// Every prepare, reply and control message carries exactly one (spec §3).
const HeaderSize = 128

// Command is the wire command tag carried by every header (spec §6).
type Command uint8

const (
	CommandReserved Command = iota
	CommandPing
	CommandPong
	CommandRequest
	CommandPrepare
	CommandPrepareOK
	CommandReply
	CommandCommit
	CommandStartViewChange
	CommandDoViewChange
	CommandStartView
	CommandRequestStartView
	CommandRequestPrepare
	CommandRequestHeaders
	CommandHeaders
	CommandRequestReply
	CommandRequestBlock
	CommandBlock
	CommandRequestSyncCheckpoint
	CommandSyncCheckpoint
	commandMax
)

func (c Command) Valid() bool { return c > CommandReserved && c < commandMax }

func (c Command) String() string {
	switch c {
	case CommandPing:
		return "ping"
	case CommandPong:
		return "pong"
	case CommandRequest:
		return "request"
	case CommandPrepare:
		return "prepare"
	case CommandPrepareOK:
		return "prepare_ok"
	case CommandReply:
		return "reply"
	case CommandCommit:
		return "commit"
	case CommandStartViewChange:
		return "start_view_change"
	case CommandDoViewChange:
		return "do_view_change"
	case CommandStartView:
		return "start_view"
	case CommandRequestStartView:
		return "request_start_view"
	case CommandRequestPrepare:
		return "request_prepare"
	case CommandRequestHeaders:
		return "request_headers"
	case CommandHeaders:
		return "headers"
	case CommandRequestReply:
		return "request_reply"
	case CommandRequestBlock:
		return "request_block"
	case CommandBlock:
		return "block"
	case CommandRequestSyncCheckpoint:
		return "request_sync_checkpoint"
	case CommandSyncCheckpoint:
		return "sync_checkpoint"
	default:
		return fmt.Sprintf("command(%d)", uint8(c))
	}
}

// Operation tags the kind of client command a prepare carries. Reserved
// and Root are control values; StateMachine prepares are opaque to the
// replication core and forwarded verbatim to the state machine adapter;
// Upgrade is the distinguished operation type of the §4.10 protocol.
type Operation uint8

const (
	OperationReserved Operation = iota
	OperationRoot
	OperationStateMachine
	OperationUpgrade
)

func (o Operation) String() string {
	switch o {
	case OperationRoot:
		return "root"
	case OperationStateMachine:
		return "state_machine"
	case OperationUpgrade:
		return "upgrade"
	default:
		return fmt.Sprintf("operation(%d)", uint8(o))
	}
}

// Header is the fixed 128-byte envelope carried by every prepare, reply
// and control message (spec §3, §6). Two independent checksums allow
// validating the header and the body separately: a torn write that zeros
// the tail can corrupt the body without invalidating the header, which is
// exactly the signal the WAL uses to detect torn prepares (spec §4.2).
//
// Fields are packed with MarshalBinary/UnmarshalBinary rather than
// reinterpreted in place, so Go struct padding never leaks into the wire
// format: multi-byte fields are little-endian and there is no implicit
// padding (spec §6).
type Header struct {
	Checksum       uint64 // checksum of everything below this field
	ChecksumBody   uint64 // checksum of the message body
	ChecksumParent uint64 // checksum of the prepare at Op-1 (hash chain)

	ClusterID uint64
	ClientID  uint64

	RequestNumber uint32
	View          uint32
	LogView       uint32
	Op            uint64
	Commit        uint64
	Timestamp     int64

	Size    uint32
	Release uint32

	Replica   uint8
	Command   Command
	Operation Operation
}

// Checksum64 hashes b with the checksum function used for every header and
// body checksum in the system (grid block IDs included). xxhash64 is the
// same algorithm the retrieval pack's storage-adjacent dependencies
// (superfly/ltx, cockroachdb/pebble) rely on for exactly this purpose.
func Checksum64(b []byte) uint64 {
	return xxhash.Sum64(b)
}

// MarshalBinary encodes the header into exactly HeaderSize bytes and
// recomputes Checksum over everything after it.
func (h *Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderSize)
	h.putInto(buf)
	return buf, nil
}

// putInto writes h into buf (which must be >= HeaderSize) without
// allocating, for use on pre-allocated message-pool buffers.
func (h *Header) putInto(buf []byte) {
	binary.LittleEndian.PutUint64(buf[8:16], h.ChecksumBody)
	binary.LittleEndian.PutUint64(buf[16:24], h.ChecksumParent)
	binary.LittleEndian.PutUint64(buf[24:32], h.ClusterID)
	binary.LittleEndian.PutUint64(buf[32:40], h.ClientID)
	binary.LittleEndian.PutUint32(buf[40:44], h.RequestNumber)
	binary.LittleEndian.PutUint32(buf[44:48], h.View)
	binary.LittleEndian.PutUint32(buf[48:52], h.LogView)
	binary.LittleEndian.PutUint64(buf[52:60], h.Op)
	binary.LittleEndian.PutUint64(buf[60:68], h.Commit)
	binary.LittleEndian.PutUint64(buf[68:76], uint64(h.Timestamp))
	binary.LittleEndian.PutUint32(buf[76:80], h.Size)
	binary.LittleEndian.PutUint32(buf[80:84], h.Release)
	buf[84] = h.Replica
	buf[85] = byte(h.Command)
	buf[86] = byte(h.Operation)
	for i := 87; i < HeaderSize; i++ {
		buf[i] = 0
	}

	h.Checksum = Checksum64(buf[8:HeaderSize])
	binary.LittleEndian.PutUint64(buf[0:8], h.Checksum)
}

// UnmarshalBinary decodes buf (exactly HeaderSize bytes) into h. It does
// not validate the checksum; call Valid for that.
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("vsr: short header: %d bytes", len(buf))
	}
	h.Checksum = binary.LittleEndian.Uint64(buf[0:8])
	h.ChecksumBody = binary.LittleEndian.Uint64(buf[8:16])
	h.ChecksumParent = binary.LittleEndian.Uint64(buf[16:24])
	h.ClusterID = binary.LittleEndian.Uint64(buf[24:32])
	h.ClientID = binary.LittleEndian.Uint64(buf[32:40])
	h.RequestNumber = binary.LittleEndian.Uint32(buf[40:44])
	h.View = binary.LittleEndian.Uint32(buf[44:48])
	h.LogView = binary.LittleEndian.Uint32(buf[48:52])
	h.Op = binary.LittleEndian.Uint64(buf[52:60])
	h.Commit = binary.LittleEndian.Uint64(buf[60:68])
	h.Timestamp = int64(binary.LittleEndian.Uint64(buf[68:76]))
	h.Size = binary.LittleEndian.Uint32(buf[76:80])
	h.Release = binary.LittleEndian.Uint32(buf[80:84])
	h.Replica = buf[84]
	h.Command = Command(buf[85])
	h.Operation = Operation(buf[86])
	return nil
}

// ValidChecksum reports whether buf's leading 8 bytes match the checksum
// of the remaining HeaderSize-8 bytes, i.e. whether the header itself was
// not torn or corrupted.
func ValidChecksum(buf []byte) bool {
	if len(buf) < HeaderSize {
		return false
	}
	want := binary.LittleEndian.Uint64(buf[0:8])
	return Checksum64(buf[8:HeaderSize]) == want
}

// Valid reports whether h's own checksum field is consistent with its
// other fields, and whether Command is known. It does not check the body.
func (h *Header) Valid() bool {
	if !h.Command.Valid() {
		return false
	}
	buf := make([]byte, HeaderSize)
	h.putInto(buf)
	return binary.LittleEndian.Uint64(buf[0:8]) == h.Checksum
}

// ValidBody reports whether body hashes to h.ChecksumBody and is exactly
// h.Size bytes long.
func (h *Header) ValidBody(body []byte) bool {
	if uint32(len(body)) != h.Size {
		return false
	}
	return Checksum64(body) == h.ChecksumBody
}

// SetBody stamps h.Size and h.ChecksumBody from body. Callers must call
// this (or otherwise set both fields) before marshaling a header whose
// body has changed.
func (h *Header) SetBody(body []byte) {
	h.Size = uint32(len(body))
	h.ChecksumBody = Checksum64(body)
}
