// Package memory provides an in-process throttle store. State is lost on
// restart; use the redis or bbolt stores when attempts must survive the
// process.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jmcleod/regate/throttle"
)

const sweepInterval = 5 * time.Minute

// Store is a mutex-guarded in-memory throttle store. A background goroutine
// sweeps decayed records until Close is called.
type Store struct {
	policy throttle.Policy

	mu      sync.Mutex
	records map[string]*record

	// now is swapped out in tests.
	now func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

type record struct {
	attempts    int
	lastFailure time.Time
	lockedUntil time.Time
}

var _ throttle.Store = (*Store)(nil)

// NewStore creates an in-memory throttle store with the given policy.
func NewStore(policy throttle.Policy) *Store {
	s := &Store{
		policy:  policy,
		records: make(map[string]*record),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Close stops the background sweeper.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Store) Get(_ context.Context, key string) (throttle.State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return throttle.State{}, false, nil
	}
	if s.decayed(rec, s.now()) {
		delete(s.records, key)
		return throttle.State{}, false, nil
	}
	return rec.state(), true, nil
}

func (s *Store) Increment(_ context.Context, key string) (throttle.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec, ok := s.records[key]
	if !ok || s.decayed(rec, now) {
		rec = &record{}
		s.records[key] = rec
	}
	rec.attempts++
	rec.lastFailure = now
	if rec.attempts >= s.policy.MaxAttempts {
		rec.lockedUntil = now.Add(s.policy.LockoutDuration)
	}
	return rec.state(), nil
}

func (s *Store) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
	return nil
}

// Sweep removes decayed records. Called periodically by the background
// goroutine; exported so hosts with their own schedulers can drive it.
func (s *Store) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, rec := range s.records {
		if s.decayed(rec, now) {
			delete(s.records, key)
		}
	}
}

func (s *Store) decayed(rec *record, now time.Time) bool {
	return s.policy.DecayWindow > 0 && now.Sub(rec.lastFailure) > s.policy.DecayWindow
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func (r *record) state() throttle.State {
	return throttle.State{
		Attempts:    r.attempts,
		LastFailure: r.lastFailure,
		LockedUntil: r.lockedUntil,
	}
}
