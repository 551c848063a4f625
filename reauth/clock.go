package reauth

import "time"

// Clock supplies the current time. Freshness and lockout decisions depend on
// it, so it is injected rather than read from the system, giving tests full
// control over elapsed time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }
