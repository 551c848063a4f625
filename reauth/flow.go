package reauth

import (
	"context"
	"fmt"
	"time"

	"github.com/jmcleod/regate/throttle"
)

// Identity is the currently authenticated principal re-proving its
// credentials. Implementations are supplied by the host application's
// account layer.
type Identity interface {
	// ID returns a stable identifier for the principal, used to derive
	// the throttle key.
	ID() string
	// CredentialHash returns the stored credential hash the submitted
	// secret is verified against.
	CredentialHash() string
}

// Outcome classifies the result of a challenge attempt.
type Outcome int

const (
	// OutcomeSuccess means the secret matched; the caller must persist
	// Result.VerifiedAt as the session's new re-proof timestamp.
	OutcomeSuccess Outcome = iota
	// OutcomeInvalidCredentials means the secret did not match. The
	// attempt has been counted against the throttle key.
	OutcomeInvalidCredentials
	// OutcomeLockedOut means the throttle key is locked. The verifier was
	// not invoked and the attempt was not counted.
	OutcomeLockedOut
)

// Result describes the outcome of a challenge attempt.
type Result struct {
	Outcome Outcome
	// VerifiedAt is the timestamp of the successful re-proof. Set only on
	// OutcomeSuccess; it is never in the future relative to the flow's clock.
	VerifiedAt time.Time
	// RetryAfter is how long until the lockout expires. Set only on
	// OutcomeLockedOut.
	RetryAfter time.Duration
	// Attempts is the failure count recorded for the key after this attempt.
	Attempts int
}

// Flow orchestrates one re-authentication challenge attempt: input
// validation, throttle consultation, credential verification, and throttle
// bookkeeping, strictly in that order. Validation failures cost nothing;
// locked-out keys never reach the verifier, so attackers cannot spend
// hashing work or grow the counter while locked.
//
// Flow holds no session state. The caller persists VerifiedAt on success.
type Flow struct {
	throttle throttle.Store
	verifier CredentialVerifier
	clock    Clock
}

// NewFlow creates a challenge flow. A nil clock defaults to the system clock.
func NewFlow(store throttle.Store, verifier CredentialVerifier, clock Clock) *Flow {
	if clock == nil {
		clock = SystemClock()
	}
	return &Flow{throttle: store, verifier: verifier, clock: clock}
}

// Attempt processes one challenge submission for the given identity and
// throttle key.
//
// Store and verifier failures are returned as errors and must be treated as
// fatal for the request: proceeding without reliable throttle state would
// void the brute-force guarantee.
func (f *Flow) Attempt(ctx context.Context, identity Identity, password, key string) (Result, error) {
	if password == "" {
		return Result{}, ErrPasswordRequired
	}
	if identity == nil {
		return Result{}, ErrNoIdentity
	}

	now := f.clock.Now()
	state, ok, err := f.throttle.Get(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if ok && state.Locked(now) {
		return Result{
			Outcome:    OutcomeLockedOut,
			RetryAfter: state.LockedUntil.Sub(now),
			Attempts:   state.Attempts,
		}, nil
	}

	match, err := f.verifier.Verify(password, identity.CredentialHash())
	if err != nil {
		return Result{}, fmt.Errorf("verifying credentials: %w", err)
	}

	if match {
		if err := f.throttle.Clear(ctx, key); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeSuccess, VerifiedAt: now}, nil
	}

	state, err = f.throttle.Increment(ctx, key)
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeInvalidCredentials, Attempts: state.Attempts}, nil
}
