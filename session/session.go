// Package session holds the server-side session state the re-authentication
// gate reads and writes, behind a store interface with in-memory and
// persistent implementations.
package session

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrUnavailable indicates the session backend is unreachable. The gate
// treats it as fatal for the request: deciding freshness without reliable
// session state would break the security guarantee.
var ErrUnavailable = errors.New("session backend unavailable")

// Session is the per-token state relevant to the gate. ReauthenticatedAt is
// written only by the challenge flow's success path; the gate middleware
// only reads it, and records IntendedURL when it redirects to the challenge.
type Session struct {
	// UserID identifies the authenticated principal the session belongs to.
	UserID string `json:"user_id"`
	// ReauthenticatedAt is the Unix-seconds timestamp of the last
	// successful credential re-proof, zero if never proven.
	ReauthenticatedAt int64 `json:"reauthenticated_at,omitempty"`
	// IntendedURL is the destination the actor was headed to when the gate
	// redirected them to the challenge; cleared once resumed.
	IntendedURL    string    `json:"intended_url,omitempty"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// Store abstracts session CRUD so sessions can live in memory (default) or
// in persistent backing storage.
type Store interface {
	// Get retrieves a session by token. The second return is false when
	// the session does not exist or has expired.
	Get(token string) (Session, bool, error)
	// Put creates or updates the session for token.
	Put(token string, s Session) error
	// Delete removes the session for token.
	Delete(token string) error
}

// NewToken mints an opaque session token.
func NewToken() string {
	return uuid.New().String()
}
