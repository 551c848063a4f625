package api

// ReauthResponse is returned on a successful JSON re-proof.
type ReauthResponse struct {
	Reauthenticated   bool   `json:"reauthenticated"`
	ReauthenticatedAt int64  `json:"reauthenticated_at"`
	Redirect          string `json:"redirect,omitempty"`
}

// ChallengeResponse describes the pending challenge for JSON clients
// hitting GET {ChallengePath}.
type ChallengeResponse struct {
	Challenge     string `json:"challenge"`
	PasswordField string `json:"password_field"`
	Intended      string `json:"intended,omitempty"`
}

// ReauthRequiredResponse tells a JSON client its session is stale and
// where to complete the challenge.
type ReauthRequiredResponse struct {
	Error     string `json:"error"`
	Challenge string `json:"challenge"`
}

// ErrorResponse is the generic error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ValidationErrorResponse carries per-field validation failures, keyed by
// field name.
type ValidationErrorResponse struct {
	Errors map[string]string `json:"errors"`
}
