package statemachine

import (
	"context"
	"errors"
	"testing"
)

func TestMem_CommitAccumulatesAndCheckpointsDeterministically(t *testing.T) {
	ctx := context.Background()
	m := NewMem()

	for i := uint64(1); i <= 3; i++ {
		done := make(chan error, 1)
		m.Prefetch(ctx, i, 1, []byte{byte(i)}, func(err error) { done <- err })
		if err := <-done; err != nil {
			t.Fatal(err)
		}
		if err := m.Prepare(i, 1, []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
		if _, err := m.Commit(i, 1, []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	if m.AppliedCount() != 3 {
		t.Fatalf("got %d applied, want 3", m.AppliedCount())
	}

	idDone := make(chan CheckpointID, 1)
	m.Checkpoint(ctx, func(id CheckpointID, err error) {
		if err != nil {
			t.Fatal(err)
		}
		idDone <- id
	})
	first := <-idDone

	// Checkpointing again with no new commits must reproduce the same id:
	// checkpoint ids are a pure function of applied state.
	idDone2 := make(chan CheckpointID, 1)
	m.Checkpoint(ctx, func(id CheckpointID, err error) { idDone2 <- id })
	if second := <-idDone2; second != first {
		t.Fatalf("checkpoint id changed with no new commits: %d vs %d", first, second)
	}
}

func TestMem_PrefetchErrorPropagates(t *testing.T) {
	ctx := context.Background()
	m := NewMem()
	m.InjectPrefetchError(errors.New("grid read fault"))

	done := make(chan error, 1)
	m.Prefetch(ctx, 1, 1, nil, func(err error) { done <- err })
	if err := <-done; err == nil {
		t.Fatal("expected injected prefetch error")
	}

	// The injected error is one-shot.
	done2 := make(chan error, 1)
	m.Prefetch(ctx, 2, 1, nil, func(err error) { done2 <- err })
	if err := <-done2; err != nil {
		t.Fatalf("expected no error on second prefetch, got %v", err)
	}
}

func TestMem_PulseIsIndependentOfCommit(t *testing.T) {
	ctx := context.Background()
	m := NewMem()

	done := make(chan []byte, 1)
	m.Pulse(ctx, 1, 1000, func(reply []byte, err error) {
		if err != nil {
			t.Fatal(err)
		}
		done <- reply
	})
	<-done
	if m.PulseCount() != 1 {
		t.Fatalf("got %d pulses, want 1", m.PulseCount())
	}
	if m.AppliedCount() != 0 {
		t.Fatal("pulse must not count as a commit")
	}
}
