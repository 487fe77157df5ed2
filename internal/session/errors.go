package session

import "errors"

// Coordinator error taxonomy. All are recoverable at the caller: the router
// reports the failure back to the originating connection only and the failed
// mutation is rolled back before the session lock is released.
var (
	// ErrSessionNotFound is returned by operations that refuse to auto-create
	// when the code names no live or stored session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionFull rejects a fifth distinct joiner.
	ErrSessionFull = errors.New("session full")

	// ErrInvalidArgument rejects malformed input (empty ids, non-positive bpm).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrPersistence wraps session store failures (unreachable, timeout).
	ErrPersistence = errors.New("persistence failure")
)
