package superblock_test

import (
	"context"
	"testing"

	"github.com/vsrdb/vsr/storage"
	"github.com/vsrdb/vsr/superblock"
)

func TestSuperblock_FormatOpenRoundTrip(t *testing.T) {
	ctx := context.Background()
	layout := storage.DefaultLayout()
	d := storage.NewFaultDriver(layout)

	st, err := superblock.Format(ctx, d, layout, 42, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if st.Working().ClusterID != 42 {
		t.Fatalf("got cluster id %d", st.Working().ClusterID)
	}

	reopened, err := superblock.Open(ctx, d, layout)
	if err != nil {
		t.Fatal(err)
	}
	if reopened.Working().Sequence != st.Working().Sequence {
		t.Fatalf("got seq %d, want %d", reopened.Working().Sequence, st.Working().Sequence)
	}
}

func TestSuperblock_UpdateAdvancesSequence(t *testing.T) {
	ctx := context.Background()
	layout := storage.DefaultLayout()
	d := storage.NewFaultDriver(layout)

	st, err := superblock.Format(ctx, d, layout, 1, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	firstSeq := st.Working().Sequence

	if err := st.Update(ctx, func(s *superblock.Superblock) {
		s.VSRState.View = 3
		s.VSRState.CommitMin = 10
	}); err != nil {
		t.Fatal(err)
	}
	if st.Working().Sequence != firstSeq+1 {
		t.Fatalf("got seq %d, want %d", st.Working().Sequence, firstSeq+1)
	}
	if st.Working().VSRState.View != 3 || st.Working().VSRState.CommitMin != 10 {
		t.Fatalf("got state %+v", st.Working().VSRState)
	}
}

func TestSuperblock_OpenFailsWithoutQuorum(t *testing.T) {
	ctx := context.Background()
	layout := storage.DefaultLayout()
	d := storage.NewFaultDriver(layout)

	// A freshly truncated, all-zero file has no valid copies at all.
	if _, err := superblock.Open(ctx, d, layout); err == nil {
		t.Fatal("expected error opening an unformatted superblock")
	}
}

func TestSuperblock_OpenToleratesMinorityCorruption(t *testing.T) {
	ctx := context.Background()
	layout := storage.DefaultLayout()
	d := storage.NewFaultDriver(layout)

	if _, err := superblock.Format(ctx, d, layout, 7, 0, 1); err != nil {
		t.Fatal(err)
	}

	// Corrupt one of four copies; a quorum of 3 should still agree.
	d.Corrupt(storage.ZoneSuperblock, layout.SuperblockCopyOffset(0)-layout.Offset(storage.ZoneSuperblock), 16)

	st, err := superblock.Open(ctx, d, layout)
	if err != nil {
		t.Fatalf("expected open to succeed with quorum intact: %v", err)
	}
	if st.Working().ClusterID != 7 {
		t.Fatalf("got cluster id %d", st.Working().ClusterID)
	}
}
