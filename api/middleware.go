package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/jmcleod/regate/reauth"
	"github.com/jmcleod/regate/session"
)

type contextKey int

const sessionKey contextKey = iota

// sessionFromRequest resolves the session referenced by the request's
// cookie. Expired and idle sessions read as absent. A store failure is
// returned as an error, distinct from absence: the caller must fail the
// request rather than treat the holder as unauthenticated. Pure lookup;
// only RequireFresh touches LastAccessedAt.
func (a *API) sessionFromRequest(r *http.Request) (string, session.Session, bool, error) {
	cookie, err := r.Cookie(a.cfg.CookieName)
	if err != nil || cookie.Value == "" {
		return "", session.Session{}, false, nil
	}
	token := cookie.Value

	sess, ok, err := a.sessions.Get(token)
	if err != nil {
		return "", session.Session{}, false, err
	}
	if !ok {
		return "", session.Session{}, false, nil
	}
	return token, sess, true, nil
}

// RequireFresh fences a handler behind the freshness gate. Requests whose
// session last re-proved its credentials within the configured window pass
// through; stale sessions are sent to the challenge. For browser clients
// the intended destination is recorded on the session so a successful
// re-proof can resume it.
func (a *API) RequireFresh(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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
			http.Redirect(w, r, a.cfg.ChallengePath, http.StatusSeeOther)
			return
		}

		if a.gate.Check(sess.ReauthenticatedAt) == reauth.StatusFresh {
			sess.LastAccessedAt = a.clock.Now()
			if err := a.sessions.Put(token, sess); err != nil {
				writeInternalError(w, "failed to persist session", err)
				return
			}
			ctx := context.WithValue(r.Context(), sessionKey, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		a.audit.logEvent(AuditReauthStale, r, sess.UserID)

		if wantsJSON(r) {
			writeJSON(w, http.StatusUnauthorized, ReauthRequiredResponse{
				Error:     "reauthentication required",
				Challenge: a.cfg.ChallengePath,
			})
			return
		}

		sess.IntendedURL = intendedURL(r)
		if err := a.sessions.Put(token, sess); err != nil {
			writeInternalError(w, "failed to persist session", err)
			return
		}
		http.Redirect(w, r, a.cfg.ChallengePath, http.StatusSeeOther)
	})
}

// SessionFromContext returns the fresh session stored by RequireFresh,
// for handlers running behind it.
func SessionFromContext(ctx context.Context) (session.Session, bool) {
	sess, ok := ctx.Value(sessionKey).(session.Session)
	return sess, ok
}

// intendedURL captures the request target for post-challenge resumption.
// Only same-origin paths are recorded; anything else would open a
// redirect vector.
func intendedURL(r *http.Request) string {
	target := r.URL.RequestURI()
	if !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") {
		return ""
	}
	return target
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

func writeSessionCookie(w http.ResponseWriter, r *http.Request, name, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
	})
}
