// Package session stores per-session data contexts — the datasets made
// available to sandboxed analysis code. Contexts are passed to the
// sandbox by serialized handoff, never by shared reference, so the
// store always returns copies.
//
// Three drivers are provided: in-memory (default), SQLite, and
// PostgreSQL. Expiry is enforced by the store: reads never return an
// expired context and a background sweeper reclaims expired rows.
package session

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL is how long an uploaded data context lives without renewal.
const DefaultTTL = 3600 * time.Second

// ErrNotFound is returned when no live data context exists for a session.
var ErrNotFound = errors.New("session data context not found")

// DataContext is the dataset handle for one session.
type DataContext struct {
	SessionID  string    `json:"session_id"`
	Name       string    `json:"name"`    // Original upload name, e.g. "sales.csv".
	CSV        string    `json:"-"`       // Raw CSV payload, handed to the sandbox serialized.
	Rows       int       `json:"rows"`    // Data rows (header excluded).
	Columns    []string  `json:"columns"` // Header columns, in file order.
	UploadedAt time.Time `json:"uploaded_at"`
}

// Store is the data-context persistence interface.
type Store interface {
	// Get returns the live data context for a session, or ErrNotFound.
	// The returned value is a copy owned by the caller.
	Get(ctx context.Context, sessionID string) (*DataContext, error)

	// Put stores (or replaces) the session's data context with the
	// given TTL. Zero TTL means DefaultTTL.
	Put(ctx context.Context, dc *DataContext, ttl time.Duration) error

	// Delete removes the session's data context. Deleting a missing
	// context is not an error.
	Delete(ctx context.Context, sessionID string) error

	// Close releases the store's resources and stops the sweeper.
	Close() error

	// Driver returns the driver name ("memory", "sqlite" or "postgres").
	Driver() string
}
