// Package bbolt provides a BBolt-backed session store. Sessions survive
// server restarts; a background loop removes expired records.
package bbolt

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/regate/session"
)

var bucketName = []byte("sessions")

const cleanupInterval = 5 * time.Minute

// Store is a session store persisted in a BBolt database.
type Store struct {
	db          *bbolt.DB
	idleTimeout time.Duration

	ownsDB   bool
	stopOnce sync.Once
	stopCh   chan struct{}
}

var _ session.Store = (*Store)(nil)

// NewStore creates a session store using the given BBolt database.
// idleTimeout of 0 disables idle timeout checking.
func NewStore(db *bbolt.DB, idleTimeout time.Duration) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrUnavailable, err)
	}
	s := &Store{db: db, idleTimeout: idleTimeout, stopCh: make(chan struct{})}
	go s.cleanupLoop()
	return s, nil
}

// NewStoreFromFile opens a BBolt database at path and returns a store
// owning it; Close releases the database.
func NewStoreFromFile(path string, options *bbolt.Options, idleTimeout time.Duration) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("opening session db: %w", err)
	}
	s, err := NewStore(db, idleTimeout)
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

func (s *Store) Get(token string) (session.Session, bool, error) {
	var sess session.Session
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketName).Get([]byte(token))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &sess); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return session.Session{}, false, fmt.Errorf("%w: %v", session.ErrUnavailable, err)
	}
	if !found {
		return session.Session{}, false, nil
	}
	if time.Now().After(sess.ExpiresAt) {
		_ = s.Delete(token)
		return session.Session{}, false, nil
	}
	if s.idleTimeout > 0 && time.Since(sess.LastAccessedAt) > s.idleTimeout {
		_ = s.Delete(token)
		return session.Session{}, false, nil
	}
	return sess, true, nil
}

func (s *Store) Put(token string, sess session.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("%w: %v", session.ErrUnavailable, err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(token), data)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", session.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) Delete(token string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(token))
	})
	if err != nil {
		return fmt.Errorf("%w: %v", session.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

func (s *Store) sweepExpired() {
	now := time.Now()
	_ = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		var stale [][]byte
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var sess session.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				stale = append(stale, append([]byte(nil), k...))
				continue
			}
			expired := now.After(sess.ExpiresAt)
			idle := s.idleTimeout > 0 && now.Sub(sess.LastAccessedAt) > s.idleTimeout
			if expired || idle {
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
