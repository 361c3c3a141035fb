package vsr

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/vsrdb/vsr/grid"
	"github.com/vsrdb/vsr/wal"
)

// BulkSource adapts a Replica to transport.BulkSource (defined there to
// avoid an import cycle back into this package): the replica-side hook
// the bulk HTTP2 path calls into to satisfy state-sync, grid-block,
// prepare and reply repair requests from peers (spec §4.7 step 2, §4.8's
// peer repair, §4.4's request_prepare, §4.9's backup-forwards-to-primary
// reply repair).
type BulkSource struct {
	r *Replica
}

// NewBulkSource returns a BulkSource wrapping r.
func NewBulkSource(r *Replica) *BulkSource { return &BulkSource{r: r} }

// OpenCheckpoint returns the replica's current free-set snapshot, the
// payload InstallSyncedCheckpoint consumes on the receiving side. The
// application state machine's own checkpoint bytes are a separate,
// out-of-scope transfer the forest itself is responsible for (statesync.go's
// doc comment on InstallSyncedCheckpoint).
func (b *BulkSource) OpenCheckpoint(ctx context.Context, checkpointID uint64) (io.ReadCloser, error) {
	if got := b.r.checkpointIDSnapshot(); got != checkpointID {
		return nil, fmt.Errorf("vsr: checkpoint %d is not this replica's current checkpoint (have %d)", checkpointID, got)
	}
	return io.NopCloser(bytes.NewReader(b.r.grid.FreeSet().Snapshot())), nil
}

// Block returns the raw bytes at a grid address for peer repair (spec
// §4.8).
func (b *BulkSource) Block(ctx context.Context, id grid.BlockID) ([]byte, error) {
	return b.r.grid.Read(ctx, id)
}

// Prepare returns the prepare at op, read straight from this replica's
// WAL, for a peer's request_prepare (spec §4.4).
func (b *BulkSource) Prepare(ctx context.Context, op uint64) (*Message, error) {
	h, ok := b.r.journal.HeaderAt(op)
	if !ok {
		return nil, fmt.Errorf("vsr: no header for op %d", op)
	}
	slot := b.r.wal.SlotFor(op)
	bodyBuf := make([]byte, b.r.pool.messageSizeMax)
	type outcome struct {
		res wal.ReadResult
		err error
	}
	done := make(chan outcome, 1)
	b.r.wal.ReadPrepare(ctx, slot, bodyBuf, func(res wal.ReadResult, err error) {
		done <- outcome{res, err}
	})
	out := <-done
	if out.err != nil {
		return nil, out.err
	}
	if out.res.Status != wal.SlotOK {
		return nil, fmt.Errorf("vsr: slot for op %d is not readable (%v)", op, out.res.Status)
	}
	m := NewMessage(b.r.pool.messageSizeMax)
	m.Header = h
	m.SetBody(out.res.Body)
	return m, nil
}

// Reply returns the cached reply for clientID, for a backup forwarding a
// reply-cache repair on the primary's behalf (spec §4.9).
func (b *BulkSource) Reply(ctx context.Context, clientID uint64) (*Message, error) {
	m, ok, err := b.r.replies.ReadRaw(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("vsr: no reply cached for client %d", clientID)
	}
	return m, nil
}
