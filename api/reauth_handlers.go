package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/jmcleod/regate/reauth"
	"github.com/jmcleod/regate/throttle"
	"github.com/jmcleod/regate/web"
)

// ShowChallenge handles GET {ChallengePath}.
// Browser clients get the password confirmation form; JSON clients get a
// description of the pending challenge.
func (a *API) ShowChallenge(w http.ResponseWriter, r *http.Request) {
	_, sess, ok, err := a.sessionFromRequest(r)
	if err != nil {
		writeInternalError(w, "session lookup failed", err)
		return
	}
	if !ok {
		if wantsJSON(r) {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, ChallengeResponse{
			Challenge:     "password",
			PasswordField: a.cfg.PasswordField,
			Intended:      sess.IntendedURL,
		})
		return
	}

	retryAfter, _ := strconv.Atoi(r.URL.Query().Get("retry_after"))
	web.RenderChallenge(w, web.ChallengeData{
		Action:        a.cfg.ChallengePath,
		PasswordField: a.cfg.PasswordField,
		Error:         r.URL.Query().Get("error"),
		RetryAfter:    retryAfter,
	})
}

// AttemptReauth handles POST {ChallengePath}.
// Verifies the submitted password against the principal's stored credential
// hash, subject to the brute-force throttle. On success the session's
// re-proof timestamp is refreshed and browser clients resume the intended
// destination.
func (a *API) AttemptReauth(w http.ResponseWriter, r *http.Request) {
	token, sess, ok, err := a.sessionFromRequest(r)
	if err != nil {
		writeInternalError(w, "session lookup failed", err)
		return
	}
	if !ok {
		if wantsJSON(r) {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	asJSON := wantsJSON(r)
	password, ok := a.passwordFromRequest(w, r, asJSON)
	if !ok {
		return
	}

	identity, err := a.resolver.Resolve(r, sess)
	if err != nil {
		if errors.Is(err, reauth.ErrNoIdentity) {
			a.audit.logFailure(AuditReauthValidation, r, "no identity")
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		writeInternalError(w, "failed to resolve identity", err)
		return
	}

	key := throttle.Key(identity.ID(), a.clientIP(r))
	result, err := a.flow.Attempt(r.Context(), identity, password, key)
	if err != nil {
		switch {
		case errors.Is(err, reauth.ErrPasswordRequired):
			a.audit.logFailure(AuditReauthValidation, r, "password required")
			a.rejectValidation(w, r, asJSON)
		case errors.Is(err, reauth.ErrNoIdentity):
			a.audit.logFailure(AuditReauthValidation, r, "no identity")
			writeError(w, http.StatusUnauthorized, "authentication required")
		default:
			writeInternalError(w, "reauthentication attempt failed", err)
		}
		return
	}

	switch result.Outcome {
	case reauth.OutcomeSuccess:
		sess.ReauthenticatedAt = result.VerifiedAt.Unix()
		intended := sess.IntendedURL
		sess.IntendedURL = ""
		if err := a.sessions.Put(token, sess); err != nil {
			writeInternalError(w, "failed to persist session", err)
			return
		}

		a.audit.logEvent(AuditReauthSuccess, r, sess.UserID)

		if a.hook != nil && a.hook(w, r, identity) {
			return
		}

		if asJSON {
			writeJSON(w, http.StatusOK, ReauthResponse{
				Reauthenticated:   true,
				ReauthenticatedAt: sess.ReauthenticatedAt,
				Redirect:          intended,
			})
			return
		}
		if intended == "" {
			intended = a.cfg.DefaultRedirect
		}
		http.Redirect(w, r, intended, http.StatusSeeOther)

	case reauth.OutcomeLockedOut:
		a.audit.logEvent(AuditReauthLockedOut, r, sess.UserID,
			slog.Int("attempts", result.Attempts))
		if asJSON {
			writeRateLimited(w, result.RetryAfter)
			return
		}
		w.Header().Set("Retry-After", retryAfterString(result.RetryAfter))
		http.Redirect(w, r, a.cfg.ChallengePath+"?error=locked_out&retry_after="+
			retryAfterString(result.RetryAfter), http.StatusSeeOther)

	default:
		a.audit.logFailure(AuditReauthFailure, r, "invalid credentials",
			slog.String("user_id", sess.UserID),
			slog.Int("attempts", result.Attempts))
		if asJSON {
			writeFieldErrors(w, map[string]string{
				a.cfg.PasswordField: "invalid credentials",
			})
			return
		}
		http.Redirect(w, r, a.cfg.ChallengePath+"?error=invalid_credentials", http.StatusSeeOther)
	}
}

// passwordFromRequest pulls the submitted secret from a JSON body or form
// values, writing the error response itself on malformed input. Both paths
// read the configured password field name, so JSON and form clients share
// one contract.
func (a *API) passwordFromRequest(w http.ResponseWriter, r *http.Request, asJSON bool) (string, bool) {
	if asJSON {
		body, ok := decodeJSON[map[string]string](w, r, maxReauthBodySize)
		if !ok {
			return "", false
		}
		return body[a.cfg.PasswordField], true
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxReauthBodySize)
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return "", false
	}
	return r.PostFormValue(a.cfg.PasswordField), true
}

// rejectValidation reports a missing password in the mode the client speaks.
func (a *API) rejectValidation(w http.ResponseWriter, r *http.Request, asJSON bool) {
	if asJSON {
		writeFieldErrors(w, map[string]string{
			a.cfg.PasswordField: "password is required",
		})
		return
	}
	http.Redirect(w, r, a.cfg.ChallengePath+"?error=password_required", http.StatusSeeOther)
}
