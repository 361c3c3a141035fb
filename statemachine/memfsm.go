package statemachine

import (
	"context"
	"fmt"
	"sync"

	"github.com/vsrdb/vsr"
)

// Mem is a deterministic in-memory StateMachine double. It exists for
// replica and simulator tests that need a real implementation of the
// contract without pulling in the forest/LSM engine the spec excludes;
// it keeps just enough state (an append log of applied ops and a pulse
// counter) to
// make commit order and checkpoint boundaries observable.
type Mem struct {
	mu sync.Mutex

	applied      []appliedOp
	checkpointID CheckpointID
	pulses       int
	prefetchErr  error
	prepareErr   error
	commitErr    error
}

type appliedOp struct {
	op        uint64
	operation uint8
	body      []byte
}

// NewMem returns an empty Mem.
func NewMem() *Mem { return &Mem{} }

// InjectPrefetchError makes the next Prefetch call fail with err.
func (m *Mem) InjectPrefetchError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefetchErr = err
}

// InjectPrepareError makes the next Prepare call fail with err.
func (m *Mem) InjectPrepareError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prepareErr = err
}

func (m *Mem) Prefetch(ctx context.Context, op uint64, operation uint8, body []byte, fn func(error)) {
	m.mu.Lock()
	err := m.prefetchErr
	m.prefetchErr = nil
	m.mu.Unlock()
	fn(err)
}

func (m *Mem) Prepare(op uint64, operation uint8, body []byte) error {
	m.mu.Lock()
	err := m.prepareErr
	m.prepareErr = nil
	m.mu.Unlock()
	return err
}

func (m *Mem) Commit(op uint64, operation uint8, body []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		err := m.commitErr
		m.commitErr = nil
		return nil, err
	}
	m.applied = append(m.applied, appliedOp{op: op, operation: operation, body: append([]byte(nil), body...)})
	reply := make([]byte, 8)
	reply[0] = byte(len(m.applied))
	return reply, nil
}

// Checkpoint derives a deterministic id from the applied log's checksum,
// the same way a real checkpoint id is a hash of the post-checkpoint
// superblock state (spec §3).
func (m *Mem) Checkpoint(ctx context.Context, fn func(CheckpointID, error)) {
	m.mu.Lock()
	var buf []byte
	for _, a := range m.applied {
		buf = append(buf, byte(a.op), byte(a.op>>8), a.operation)
		buf = append(buf, a.body...)
	}
	m.checkpointID = CheckpointID(vsr.Checksum64(buf))
	id := m.checkpointID
	m.mu.Unlock()
	fn(id, nil)
}

func (m *Mem) Pulse(ctx context.Context, op uint64, timestampNanos int64, fn func([]byte, error)) {
	m.mu.Lock()
	m.pulses++
	count := m.pulses
	m.mu.Unlock()
	fn([]byte(fmt.Sprintf("pulse-%d", count)), nil)
}

// AppliedCount returns the number of operations Commit has applied.
func (m *Mem) AppliedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.applied)
}

// PulseCount returns the number of times Pulse has fired.
func (m *Mem) PulseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pulses
}

// LastCheckpointID returns the id produced by the most recent Checkpoint.
func (m *Mem) LastCheckpointID() CheckpointID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpointID
}
