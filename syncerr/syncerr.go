// Package syncerr defines the sentinel error kinds used by the lock
// manager, queue manager and transport packages so callers can use
// errors.Is/errors.As instead of comparing status strings. Only
// ErrNotLeader, ErrTimeout and ErrTransportFailure are returned by
// packages in this module; deadlocks and missing locks or messages are
// reported through the Status/Message fields of RPC replies instead.
package syncerr

import "errors"

var (
	// ErrNotLeader is returned when a mutating request reaches a non-leader
	// replica. It carries no hint of which replica is the leader.
	ErrNotLeader = errors.New("not leader")

	// ErrDeadlock names the case where granting a lock would close a cycle
	// in the wait-for graph. The lock manager reports it as Status "error"
	// with Message "deadlock detected" rather than returning this error.
	ErrDeadlock = errors.New("deadlock detected")

	// ErrTimeout is returned by the lock and queue managers when a proposed
	// command is not applied within their 2-second wait.
	ErrTimeout = errors.New("timeout")

	// ErrNotFound names operations on a non-existent lock, message, queue
	// or cache key; no package here returns it.
	ErrNotFound = errors.New("not found")

	// ErrConflict names a create on an existing queue, or an ack by a party
	// that never held the lease; no package here returns it.
	ErrConflict = errors.New("conflict")

	// ErrTransportFailure is returned when a peer is unreachable after the
	// transport's retry budget is exhausted.
	ErrTransportFailure = errors.New("transport failure")

	// ErrShutdown names requests cut off by a stopping node; no package
	// here returns it (see node.Stop).
	ErrShutdown = errors.New("shutdown")
)
