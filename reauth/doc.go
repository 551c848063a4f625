// Package reauth implements the policy core of the re-authentication gate:
// a freshness check over the session's last credential re-proof, and the
// challenge flow that throttles and verifies new proofs.
//
// The package is transport-agnostic. It never touches HTTP, cookies, or
// storage directly; sessions, throttle state, and credential hashes reach it
// through the narrow interfaces declared here and in the throttle package.
// The HTTP surface lives in the api package.
package reauth
