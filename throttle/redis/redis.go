// Package redis provides a Redis-backed throttle store. Redis INCR gives
// the per-key increment atomicity the lockout transition depends on, and
// key TTLs implement the decay window without a sweeper.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jmcleod/regate/throttle"
)

const defaultPrefix = "rg:"

// Store is a throttle store backed by a Redis client. Safe for concurrent
// use across processes sharing the same Redis.
type Store struct {
	client redis.UniversalClient
	policy throttle.Policy
	prefix string
}

var _ throttle.Store = (*Store)(nil)

// NewStore creates a Redis-backed throttle store. An empty prefix defaults
// to "rg:".
func NewStore(client redis.UniversalClient, policy throttle.Policy, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, policy: policy, prefix: prefix}
}

func (s *Store) attemptKey(key string) string { return s.prefix + "a:" + key }
func (s *Store) lockKey(key string) string    { return s.prefix + "l:" + key }

func (s *Store) Get(ctx context.Context, key string) (throttle.State, bool, error) {
	var state throttle.State

	count, err := s.client.Get(ctx, s.attemptKey(key)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return state, false, fmt.Errorf("%w: %v", throttle.ErrUnavailable, err)
	}
	counterFound := err == nil

	lockVal, err := s.client.Get(ctx, s.lockKey(key)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return state, false, fmt.Errorf("%w: %v", throttle.ErrUnavailable, err)
	}
	lockFound := err == nil

	if !counterFound && !lockFound {
		return state, false, nil
	}

	state.Attempts = int(count)
	if lockFound {
		if unix, perr := strconv.ParseInt(lockVal, 10, 64); perr == nil {
			state.LockedUntil = time.Unix(unix, 0)
		}
	}
	return state, true, nil
}

func (s *Store) Increment(ctx context.Context, key string) (throttle.State, error) {
	count, err := s.client.Incr(ctx, s.attemptKey(key)).Result()
	if err != nil {
		return throttle.State{}, fmt.Errorf("%w: %v", throttle.ErrUnavailable, err)
	}

	// First hit in the window carries the decay TTL.
	if count == 1 && s.policy.DecayWindow > 0 {
		if err := s.client.Expire(ctx, s.attemptKey(key), s.policy.DecayWindow).Err(); err != nil {
			return throttle.State{}, fmt.Errorf("%w: %v", throttle.ErrUnavailable, err)
		}
	}

	state := throttle.State{Attempts: int(count), LastFailure: time.Now()}
	if count < int64(s.policy.MaxAttempts) {
		return state, nil
	}

	lockedUntil := time.Now().Add(s.policy.LockoutDuration)
	// SETNX so concurrent crossers agree on a single lockout expiry.
	set, err := s.client.SetNX(ctx, s.lockKey(key), lockedUntil.Unix(), s.policy.LockoutDuration).Result()
	if err != nil {
		return throttle.State{}, fmt.Errorf("%w: %v", throttle.ErrUnavailable, err)
	}
	if !set {
		existing, err := s.client.Get(ctx, s.lockKey(key)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return throttle.State{}, fmt.Errorf("%w: %v", throttle.ErrUnavailable, err)
		}
		if err == nil {
			if unix, perr := strconv.ParseInt(existing, 10, 64); perr == nil {
				lockedUntil = time.Unix(unix, 0)
			}
		}
	}
	state.LockedUntil = lockedUntil
	return state, nil
}

func (s *Store) Clear(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.attemptKey(key), s.lockKey(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", throttle.ErrUnavailable, err)
	}
	return nil
}
