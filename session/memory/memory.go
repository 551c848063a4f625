// Package memory provides a thread-safe in-memory session store. Sessions
// are lost on server restart; use the bbolt store when they must survive.
package memory

import (
	"sync"
	"time"

	"github.com/jmcleod/regate/session"
)

// Store is an in-memory session store.
type Store struct {
	mu          sync.RWMutex
	data        map[string]session.Session
	idleTimeout time.Duration
}

var _ session.Store = (*Store)(nil)

// NewStore creates an in-memory session store. idleTimeout of 0 disables
// idle timeout checking.
func NewStore(idleTimeout time.Duration) *Store {
	return &Store{
		data:        make(map[string]session.Session),
		idleTimeout: idleTimeout,
	}
}

func (s *Store) Get(token string) (session.Session, bool, error) {
	s.mu.RLock()
	sess, ok := s.data[token]
	s.mu.RUnlock()
	if !ok {
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
	s.mu.Lock()
	s.data[token] = sess
	s.mu.Unlock()
	return nil
}

func (s *Store) Delete(token string) error {
	s.mu.Lock()
	delete(s.data, token)
	s.mu.Unlock()
	return nil
}
