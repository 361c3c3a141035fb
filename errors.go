// Package vsr implements the replication core of a single-writer,
// strongly consistent transactional database modeled after Viewstamped
// Replication Revisited: the replica state machine, its write-ahead log,
// superblock, grid and client-reply cache, and the wire protocol that ties
// replicas together. The application state machine it replicates (the
// "forest") is an external collaborator referenced only through the
// statemachine package's interfaces.
package vsr

import "errors"

// Sentinel errors returned by package vsr. Wrapped with fmt.Errorf("...:
// %w", err) at call sites the same way litefs.go declares ErrNoPrimary,
// ErrPrimaryExists and ErrLeaseExpired.
var (
	// ErrSuperblockCorrupt is returned by superblock open when no quorum
	// of copies agrees (spec §4.3).
	ErrSuperblockCorrupt = errors.New("vsr: superblock corrupt, no quorum of copies")

	// ErrWALCorrupt is returned when a single-replica (R=1) cluster opens
	// with unrecoverable WAL damage (spec §7).
	ErrWALCorrupt = errors.New("vsr: wal corrupt, unrecoverable at r=1")

	// ErrReleaseNotAvailable is returned when a replica is asked to apply
	// a prepare or install a checkpoint produced by a release it does not
	// have compiled in (spec §4.10, §4.7 step 3).
	ErrReleaseNotAvailable = errors.New("vsr: release not available in local binary")

	// ErrNoQuorum is returned when a view-change or state-sync operation
	// cannot collect the replies it needs.
	ErrNoQuorum = errors.New("vsr: quorum unreachable")

	// ErrSessionNotFound is returned by the client-reply cache when asked
	// for a client it has no session for.
	ErrSessionNotFound = errors.New("vsr: client session not found")

	// ErrRequestQueueFull is returned when the primary's pipeline request
	// queue is already at pipeline_request_queue_max (spec §4.5).
	ErrRequestQueueFull = errors.New("vsr: request queue full")

	// ErrNotPrimary is returned when a client request lands on a replica
	// that does not currently believe it is primary.
	ErrNotPrimary = errors.New("vsr: not primary")

	// ErrInvariantViolation marks an unrecoverable protocol-invariant
	// violation (spec §7): the replica must halt rather than risk
	// diverging from the rest of the cluster.
	ErrInvariantViolation = errors.New("vsr: invariant violation")
)
