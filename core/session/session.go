// Package session keeps per-user conversational state with a TTL. Session
// data is advisory scratch space: it never holds balance or journal data, may
// disappear at any time, and an absent session is a normal state rather than
// an error.
package session

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// DefaultTTL applies when configuration does not set one.
const DefaultTTL = 8 * time.Hour

// ErrUnavailable wraps store-level failures. Callers are expected to degrade
// to an empty session instead of failing the request.
var ErrUnavailable = errors.New("session: store unavailable")

// Data is a session payload: named fields with arbitrary JSON-encodable
// values, opaque to the store.
type Data map[string]any

// Store is the ephemeral per-user key-value session store.
type Store interface {
	// Get returns the session for a user. Absent or expired sessions yield an
	// empty map, never an error.
	Get(ctx context.Context, telegramID int64) (Data, error)

	// Set replaces the session payload and refreshes the TTL.
	Set(ctx context.Context, telegramID int64, data Data) error

	// Update merges the given fields into the existing session and refreshes
	// the TTL. Concurrent writers are last-writer-wins.
	Update(ctx context.Context, telegramID int64, fields Data) error

	// Clear removes the session. Clearing an absent session is a no-op.
	Clear(ctx context.Context, telegramID int64) error
}

// Key renders the store key for a user.
func Key(telegramID int64) string {
	return "session:" + strconv.FormatInt(telegramID, 10)
}
