// Package superblock implements the small, quorum-replicated root record
// described by spec §4.3: the one piece of state a replica trusts to
// bootstrap everything else (its view, its checkpoint, its release).
package superblock

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/vsrdb/vsr"
	"github.com/vsrdb/vsr/storage"
)

// Size is the fixed on-disk size of one superblock copy.
const Size = 256

// VSRState is the subset of replica state that must survive a crash
// exactly as of the last durable superblock write (spec §4.3).
type VSRState struct {
	View         uint32
	LogView      uint32
	CommitMin    uint64
	OpCheckpoint uint64
	CheckpointID uint64
	SyncOpMin    uint64
	SyncOpMax    uint64
}

// Superblock is the full durable root record for one replica.
type Superblock struct {
	Sequence  uint64 // monotonically increasing; highest valid sequence wins at open
	ClusterID uint64
	ReplicaID uint8
	Release   uint32
	VSRState  VSRState

	// FreeSetChecksum/ClientSessionsChecksum are content-addressed
	// references to the free-set snapshot and client-session table that
	// live in their own zones; the superblock itself only pins which
	// version of each is current, the same way a filesystem superblock
	// pins a root inode rather than embedding the whole tree.
	FreeSetChecksum        uint64
	FreeSetSize            uint32
	ClientSessionsChecksum uint64

	Checksum uint64 // checksum of every field above
}

// MarshalBinary encodes s into exactly Size bytes, stamping Checksum.
func (s *Superblock) MarshalBinary() ([]byte, error) {
	buf := make([]byte, Size)
	binary.LittleEndian.PutUint64(buf[8:16], s.Sequence)
	binary.LittleEndian.PutUint64(buf[16:24], s.ClusterID)
	buf[24] = s.ReplicaID
	binary.LittleEndian.PutUint32(buf[25:29], s.Release)
	binary.LittleEndian.PutUint32(buf[29:33], s.VSRState.View)
	binary.LittleEndian.PutUint32(buf[33:37], s.VSRState.LogView)
	binary.LittleEndian.PutUint64(buf[37:45], s.VSRState.CommitMin)
	binary.LittleEndian.PutUint64(buf[45:53], s.VSRState.OpCheckpoint)
	binary.LittleEndian.PutUint64(buf[53:61], s.VSRState.CheckpointID)
	binary.LittleEndian.PutUint64(buf[61:69], s.VSRState.SyncOpMin)
	binary.LittleEndian.PutUint64(buf[69:77], s.VSRState.SyncOpMax)
	binary.LittleEndian.PutUint64(buf[77:85], s.FreeSetChecksum)
	binary.LittleEndian.PutUint32(buf[85:89], s.FreeSetSize)
	binary.LittleEndian.PutUint64(buf[89:97], s.ClientSessionsChecksum)

	s.Checksum = vsr.Checksum64(buf[8:Size])
	binary.LittleEndian.PutUint64(buf[0:8], s.Checksum)
	return buf, nil
}

// UnmarshalBinary decodes buf into s without validating the checksum.
func (s *Superblock) UnmarshalBinary(buf []byte) error {
	if len(buf) < Size {
		return fmt.Errorf("superblock: short record: %d bytes", len(buf))
	}
	s.Checksum = binary.LittleEndian.Uint64(buf[0:8])
	s.Sequence = binary.LittleEndian.Uint64(buf[8:16])
	s.ClusterID = binary.LittleEndian.Uint64(buf[16:24])
	s.ReplicaID = buf[24]
	s.Release = binary.LittleEndian.Uint32(buf[25:29])
	s.VSRState.View = binary.LittleEndian.Uint32(buf[29:33])
	s.VSRState.LogView = binary.LittleEndian.Uint32(buf[33:37])
	s.VSRState.CommitMin = binary.LittleEndian.Uint64(buf[37:45])
	s.VSRState.OpCheckpoint = binary.LittleEndian.Uint64(buf[45:53])
	s.VSRState.CheckpointID = binary.LittleEndian.Uint64(buf[53:61])
	s.VSRState.SyncOpMin = binary.LittleEndian.Uint64(buf[61:69])
	s.VSRState.SyncOpMax = binary.LittleEndian.Uint64(buf[69:77])
	s.FreeSetChecksum = binary.LittleEndian.Uint64(buf[77:85])
	s.FreeSetSize = binary.LittleEndian.Uint32(buf[85:89])
	s.ClientSessionsChecksum = binary.LittleEndian.Uint64(buf[89:97])
	return nil
}

func validChecksum(buf []byte) bool {
	if len(buf) < Size || isZero(buf) {
		return false
	}
	want := binary.LittleEndian.Uint64(buf[0:8])
	return vsr.Checksum64(buf[8:Size]) == want
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// Store owns the N on-disk copies of the superblock and the single
// in-memory working copy the replica reads from between updates. Updates
// are double-buffered (spec §4.3): every copy is rewritten and fsynced
// before the in-memory copy is replaced, so a crash mid-update always
// leaves at least a quorum of copies agreeing on either the old or the new
// sequence, never a mix that could be read back as valid.
type Store struct {
	driver  storage.Driver
	layout  storage.Layout
	working Superblock
}

// Open reads all copies, selects the highest sequence number with a valid
// checksum that is matched by a quorum (N/2+1, N/2 rounded down) of
// copies, and
// returns a Store whose working copy is that value. It returns
// vsr.ErrSuperblockCorrupt if no such quorum exists — including on a
// freshly truncated, all-zero file, which callers should instead handle by
// calling Format.
func Open(ctx context.Context, driver storage.Driver, layout storage.Layout) (*Store, error) {
	copies := make([]Superblock, layout.SuperblockCopies)
	valid := make([]bool, layout.SuperblockCopies)

	for i := 0; i < layout.SuperblockCopies; i++ {
		buf := make([]byte, Size)
		done := make(chan storage.Completion, 1)
		driver.ReadAt(ctx, storage.ZoneSuperblock, layout.SuperblockCopyOffset(i)-layout.Offset(storage.ZoneSuperblock), buf, func(c storage.Completion) { done <- c })
		c := <-done
		if c.Fault != storage.FaultNone || !validChecksum(buf) {
			continue
		}
		var s Superblock
		if err := s.UnmarshalBinary(buf); err != nil {
			continue
		}
		copies[i] = s
		valid[i] = true
	}

	quorum := layout.SuperblockCopies/2 + 1
	best, bestCount, bestFound := Superblock{}, 0, false
	// Group candidate sequences and find the highest one reaching quorum.
	bySeq := map[uint64]int{}
	bySeqValue := map[uint64]Superblock{}
	for i, ok := range valid {
		if !ok {
			continue
		}
		bySeq[copies[i].Sequence]++
		bySeqValue[copies[i].Sequence] = copies[i]
	}
	for seq, count := range bySeq {
		if count >= quorum && (!bestFound || seq > best.Sequence) {
			best, bestCount, bestFound = bySeqValue[seq], count, true
		}
	}
	if !bestFound {
		return nil, vsr.ErrSuperblockCorrupt
	}
	_ = bestCount

	return &Store{driver: driver, layout: layout, working: best}, nil
}

// Format writes an initial superblock (sequence 1) to every copy and
// returns a Store backed by it. Used by the format CLI verb.
func Format(ctx context.Context, driver storage.Driver, layout storage.Layout, clusterID uint64, replicaID uint8, release uint32) (*Store, error) {
	st := &Store{driver: driver, layout: layout}
	initial := Superblock{
		Sequence:  1,
		ClusterID: clusterID,
		ReplicaID: replicaID,
		Release:   release,
	}
	if err := st.write(ctx, initial); err != nil {
		return nil, err
	}
	return st, nil
}

// Working returns a copy of the current in-memory superblock.
func (st *Store) Working() Superblock { return st.working }

// Update writes a new superblock derived from the working copy by mutate,
// with Sequence advanced by one, to every copy, fsyncing each, and only
// then replaces the in-memory working copy. At most one Update may be
// in-flight at a time per spec §5 ("Superblock update is serialized").
func (st *Store) Update(ctx context.Context, mutate func(*Superblock)) error {
	next := st.working
	next.Sequence++
	mutate(&next)
	return st.write(ctx, next)
}

func (st *Store) write(ctx context.Context, s Superblock) error {
	buf, _ := s.MarshalBinary()

	for i := 0; i < st.layout.SuperblockCopies; i++ {
		offset := st.layout.SuperblockCopyOffset(i) - st.layout.Offset(storage.ZoneSuperblock)
		writeDone := make(chan storage.Completion, 1)
		st.driver.WriteAt(ctx, storage.ZoneSuperblock, offset, buf, func(c storage.Completion) { writeDone <- c })
		if c := <-writeDone; c.Fault != storage.FaultNone {
			return fmt.Errorf("superblock: write copy %d: %w", i, c.Err)
		}
		syncDone := make(chan storage.Completion, 1)
		st.driver.Sync(ctx, storage.ZoneSuperblock, func(c storage.Completion) { syncDone <- c })
		if c := <-syncDone; c.Fault != storage.FaultNone {
			return fmt.Errorf("superblock: fsync copy %d: %w", i, c.Err)
		}
	}

	st.working = s
	return nil
}
