// Package statemachine defines the replica's contract with the
// application state machine (spec §1's "forest" — out of scope here,
// referenced only by this contract). The replication core never looks
// inside a committed operation's body; it only calls through this
// interface in the fixed order prefetch → prepare → commit →
// checkpoint-or-continue, with pulse invoked independently on a timer.
package statemachine

import "context"

// CheckpointID uniquely identifies a durable checkpoint, computed by the
// state machine as a hash of its own post-checkpoint state (spec §3:
// "has an id (hash of superblock state)").
type CheckpointID uint64

// StateMachine is the opaque, deterministic sink the replica drives. All
// methods are invoked only from the replica's owning goroutine; the state
// machine itself performs no internal locking on that account.
type StateMachine interface {
	// Prefetch stages whatever data Commit will need for operation op with
	// the given body, performing any grid reads it requires and invoking
	// fn once everything is resident in memory. It must not mutate state.
	Prefetch(ctx context.Context, op uint64, operation uint8, body []byte, fn func(error))

	// Prepare runs synchronously after Prefetch completes and before
	// Commit: validation and staging that does not require I/O but must
	// see the prefetched data (e.g. balance checks against an account
	// read during Prefetch). Returning an error here means the operation
	// is logically rejected; the caller still advances commit_min and
	// still produces a reply, just one carrying the rejection.
	Prepare(op uint64, operation uint8, body []byte) error

	// Commit synchronously applies the already-prepared operation and
	// returns the bytes to place in the client-reply cache. It must be
	// purely in-memory; any durability is the grid's and the superblock's
	// job, not the state machine's, except at Checkpoint boundaries.
	Commit(op uint64, operation uint8, body []byte) (reply []byte, err error)

	// Checkpoint durably flushes all state committed so far and returns
	// the resulting CheckpointID. Called once per vsr_checkpoint_interval
	// on the op that triggers it (spec §4.6).
	Checkpoint(ctx context.Context, fn func(CheckpointID, error))

	// Pulse is invoked periodically, independent of client traffic, so
	// time-dependent state-machine logic (e.g. expiring timed-out
	// transfers) still advances when the cluster is otherwise idle. It
	// receives the same op number and timestamp a client-driven commit
	// would have received, so its effects are as deterministic and
	// replicated as any other operation.
	Pulse(ctx context.Context, op uint64, timestampNanos int64, fn func(reply []byte, err error))
}
