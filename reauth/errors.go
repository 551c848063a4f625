package reauth

import "errors"

var (
	// ErrPasswordRequired indicates the challenge submission carried no
	// secret. Validation failures never reach the throttle or the verifier.
	ErrPasswordRequired = errors.New("password is required")
	// ErrNoIdentity indicates no authenticated principal could be resolved
	// for the request attempting to re-authenticate.
	ErrNoIdentity = errors.New("no authenticated identity")
)
