// Package bbolt provides a BBolt-backed throttle store. Each increment runs
// inside a single read-modify-write transaction, which gives the per-key
// atomicity the lockout transition requires. A background loop removes
// decayed records.
package bbolt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/regate/throttle"
)

var bucketName = []byte("throttle")

const cleanupInterval = 5 * time.Minute

// Store is a throttle store persisted in a BBolt database.
type Store struct {
	db     *bbolt.DB
	policy throttle.Policy

	ownsDB   bool
	stopOnce sync.Once
	stopCh   chan struct{}
}

var _ throttle.Store = (*Store)(nil)

// NewStore creates a throttle store using the given BBolt database.
func NewStore(db *bbolt.DB, policy throttle.Policy) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", throttle.ErrUnavailable, err)
	}
	s := &Store{db: db, policy: policy, stopCh: make(chan struct{})}
	go s.cleanupLoop()
	return s, nil
}

// NewStoreFromFile opens a BBolt database at path and returns a store
// owning it; Close releases the database.
func NewStoreFromFile(path string, options *bbolt.Options, policy throttle.Policy) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("opening throttle db: %w", err)
	}
	s, err := NewStore(db, policy)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// Close stops the cleanup loop and, when the store opened the database
// itself, closes it.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func (s *Store) Get(_ context.Context, key string) (throttle.State, bool, error) {
	var state throttle.State
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketName).Get([]byte(key))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &state); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return throttle.State{}, false, fmt.Errorf("%w: %v", throttle.ErrUnavailable, err)
	}
	if found && s.decayed(state, time.Now()) {
		// Treated as absent; the cleanup loop removes the record.
		return throttle.State{}, false, nil
	}
	return state, found, nil
}

func (s *Store) Increment(_ context.Context, key string) (throttle.State, error) {
	var state throttle.State
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		now := time.Now()

		if data := b.Get([]byte(key)); data != nil {
			if err := json.Unmarshal(data, &state); err != nil {
				return err
			}
			if s.decayed(state, now) {
				state = throttle.State{}
			}
		}

		state.Attempts++
		state.LastFailure = now
		if state.Attempts >= s.policy.MaxAttempts {
			state.LockedUntil = now.Add(s.policy.LockoutDuration)
		}

		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return throttle.State{}, fmt.Errorf("%w: %v", throttle.ErrUnavailable, err)
	}
	return state, nil
}

func (s *Store) Clear(_ context.Context, key string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("%w: %v", throttle.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) decayed(state throttle.State, now time.Time) bool {
	return s.policy.DecayWindow > 0 && now.Sub(state.LastFailure) > s.policy.DecayWindow
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepDecayed()
		}
	}
}

func (s *Store) sweepDecayed() {
	now := time.Now()
	_ = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		var stale [][]byte
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var state throttle.State
			if err := json.Unmarshal(v, &state); err != nil {
				// Corrupt entry; drop it.
				stale = append(stale, append([]byte(nil), k...))
				continue
			}
			if s.decayed(state, now) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
