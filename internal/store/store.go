// Package store provides durable keyed storage for session records with
// expiry. The registry is its only caller.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mixmate/remixd/internal/session"
)

// Record is the durable portion of a session. Ready state and the transport
// flag never appear here; they live only in the registry.
type Record struct {
	Code         string                  `json:"sessionCode"`
	Participants []string                `json:"users"`
	Selections   map[string]session.Stem `json:"stems"`
	Tempo        int                     `json:"bpm"`
	CreatedAt    time.Time               `json:"createdAt"`
}

var (
	// ErrNotFound means the code names no live record (never created, or expired).
	ErrNotFound = errors.New("session record not found")

	// ErrAlreadyExists is returned by Create when the code is taken. The
	// uniqueness check-then-create loop relies on this being enforced by the
	// store itself, not just the existence check.
	ErrAlreadyExists = errors.New("session record already exists")

	// ErrUnavailable wraps transport failures and timeouts.
	ErrUnavailable = errors.New("session store unavailable")
)

// Store is the session store contract. Implementations apply the configured
// TTL at record creation; updates must not extend it.
type Store interface {
	// Get returns the record for code, or ErrNotFound.
	Get(ctx context.Context, code string) (*Record, error)

	// Create writes a fresh record with TTL, rejecting duplicates with
	// ErrAlreadyExists.
	Create(ctx context.Context, rec *Record) error

	// Update overwrites the durable fields of an existing record, keeping
	// its remaining TTL. Returns ErrNotFound if the record expired.
	Update(ctx context.Context, code string, rec *Record) error

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error

	Close() error
}
