package reauth

import "time"

// Status is the gate's verdict on a session's last credential re-proof.
type Status int

const (
	// StatusFresh means the last re-proof is within the configured window
	// and the request may proceed.
	StatusFresh Status = iota
	// StatusStale means the session must re-prove its credentials before
	// reaching the protected resource.
	StatusStale
)

func (s Status) String() string {
	if s == StatusFresh {
		return "fresh"
	}
	return "stale"
}

// Gate decides whether a session's last successful credential re-proof is
// recent enough. It only reads session state; the flow is the sole writer.
type Gate struct {
	maxAge time.Duration
	clock  Clock
}

// NewGate creates a gate with the given freshness window. A nil clock
// defaults to the system clock.
func NewGate(maxAge time.Duration, clock Clock) *Gate {
	if clock == nil {
		clock = SystemClock()
	}
	return &Gate{maxAge: maxAge, clock: clock}
}

// Check reports whether a re-proof recorded at reauthenticatedAt (Unix
// seconds, zero if never recorded) is still fresh.
//
// A zero timestamp is always stale: an existing session that has never
// re-proven its credentials must pass the challenge once before reaching
// protected resources. Negative elapsed time (clock skew) is clamped to
// zero rather than wrapping, so a timestamp slightly in the future reads
// as just-proven, never as stale-by-overflow.
func (g *Gate) Check(reauthenticatedAt int64) Status {
	if reauthenticatedAt <= 0 {
		return StatusStale
	}
	elapsed := g.clock.Now().Unix() - reauthenticatedAt
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > int64(g.maxAge/time.Second) {
		return StatusStale
	}
	return StatusFresh
}
