// Package throttle tracks failed re-authentication attempts per key and
// imposes temporary lockouts once a threshold is reached. Stores live in
// subpackages (memory, redis, bbolt); this package holds the shared model,
// the lockout policy, and throttle key derivation.
package throttle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// ErrUnavailable indicates the throttle backend is unreachable. Callers must
// treat it as fatal for the request: continuing without reliable attempt
// state would void the brute-force guarantee.
var ErrUnavailable = errors.New("throttle backend unavailable")

// State is the per-key attempt record. Records are created lazily on the
// first failed attempt and removed on success or after the decay window.
type State struct {
	Attempts    int       `json:"attempts"`
	LastFailure time.Time `json:"last_failure"`
	LockedUntil time.Time `json:"locked_until,omitempty"`
}

// Locked reports whether the key is locked out at the given instant.
func (s State) Locked(now time.Time) bool {
	return now.Before(s.LockedUntil)
}

// Policy configures attempt counting and lockout behavior.
type Policy struct {
	// MaxAttempts is the failure count at which the lockout engages: the
	// MaxAttempts-th consecutive failure sets LockedUntil.
	MaxAttempts int
	// LockoutDuration is how long a key stays locked once the threshold
	// is reached.
	LockoutDuration time.Duration
	// DecayWindow is how long an untouched record stays meaningful.
	// Records whose last failure is older are treated as absent and
	// garbage-collected by the store.
	DecayWindow time.Duration
}

// DefaultPolicy returns the policy used when none is configured: five
// attempts, one-minute lockout, one-hour decay.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		LockoutDuration: time.Minute,
		DecayWindow:     time.Hour,
	}
}

// Store tracks attempt state per throttle key.
//
// Increment must be atomic per key: the store applies the lockout
// transition under its own key-level atomicity so that concurrent failures
// cannot race the counter past the threshold. No method may silently
// swallow backend failures; they surface wrapped in ErrUnavailable.
//
// Stores stamp LastFailure and LockedUntil from their own wall clock, so
// record decay and lockout expiry run on store time. The challenge flow's
// injected clock governs only its Locked check and the re-proof timestamp.
type Store interface {
	// Get returns the current state for key. The second return is false
	// when no live record exists (never created, cleared, or decayed).
	Get(ctx context.Context, key string) (State, bool, error)
	// Increment records a failed attempt, creating the record if absent,
	// and applies the lockout transition when the counter reaches the
	// policy threshold. Returns the state after the increment.
	Increment(ctx context.Context, key string) (State, error)
	// Clear removes all state for key.
	Clear(ctx context.Context, key string) error
}

// Key derives a deterministic throttle key from the identity being
// re-proven and the request source address. The identifier is
// NFKD-normalized and lowercased so equivalent spellings bucket together,
// then the pair is hashed: stored keys never contain raw identifiers and
// are safe for logs.
func Key(identifier, sourceIP string) string {
	id := strings.ToLower(norm.NFKD.String(strings.TrimSpace(identifier)))
	sum := sha256.Sum256([]byte(id + "|" + sourceIP))
	return hex.EncodeToString(sum[:])
}
