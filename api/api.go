// Package api exposes the re-authentication gate over HTTP: a chi router
// serving the challenge endpoints and a middleware that fences sensitive
// routes behind a freshness check.
package api

import (
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	openapimw "github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/regate/reauth"
	"github.com/jmcleod/regate/session"
	"github.com/jmcleod/regate/throttle"

	_ "embed"
)

//go:embed openapi.yaml
var openapiSpec []byte

// IdentityResolver resolves the authenticated principal for a request.
// Implementations typically look up the account referenced by the
// session's UserID. Returning reauth.ErrNoIdentity yields a 401.
type IdentityResolver interface {
	Resolve(r *http.Request, sess session.Session) (reauth.Identity, error)
}

// ReauthenticatedHook runs after a successful re-proof, before the default
// success response. Returning true means the hook wrote the response and
// the default redirect/payload is skipped.
type ReauthenticatedHook func(w http.ResponseWriter, r *http.Request, identity reauth.Identity) bool

// Config tunes the HTTP surface. Zero values fall back to the defaults.
type Config struct {
	// MaxReauthAge is the freshness window: how old the last successful
	// re-proof may be before the gate considers the session stale.
	MaxReauthAge time.Duration
	// PasswordField is the form/JSON field carrying the secret.
	PasswordField string
	// ChallengePath is where the challenge endpoints are mounted, used as
	// the redirect target for stale sessions.
	ChallengePath string
	// DefaultRedirect is where a successful re-proof lands when no
	// intended destination was recorded.
	DefaultRedirect string
	// CookieName is the session cookie read by the middleware and handlers.
	CookieName string
}

// DefaultConfig returns the defaults: 60-minute window, "password" field,
// challenge at /reauth, fallback redirect to /.
func DefaultConfig() Config {
	return Config{
		MaxReauthAge:    60 * time.Minute,
		PasswordField:   "password",
		ChallengePath:   "/reauth",
		DefaultRedirect: "/",
		CookieName:      "regate_session",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxReauthAge <= 0 {
		c.MaxReauthAge = def.MaxReauthAge
	}
	if c.PasswordField == "" {
		c.PasswordField = def.PasswordField
	}
	if c.ChallengePath == "" {
		c.ChallengePath = def.ChallengePath
	}
	if c.DefaultRedirect == "" {
		c.DefaultRedirect = def.DefaultRedirect
	}
	if c.CookieName == "" {
		c.CookieName = def.CookieName
	}
	return c
}

// API holds the dependencies needed by the re-authentication handlers.
type API struct {
	sessions session.Store
	resolver IdentityResolver
	gate     *reauth.Gate
	flow     *reauth.Flow
	clock    reauth.Clock
	audit    *auditLogger
	cfg      Config

	trustedProxies []netip.Prefix
	hook           ReauthenticatedHook
}

// Option configures the API instance.
type Option func(*API)

// WithConfig overrides the default configuration.
func WithConfig(cfg Config) Option {
	return func(a *API) { a.cfg = cfg.withDefaults() }
}

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.audit = newAuditLogger(logger) }
}

// WithClock injects the time source used for freshness and lockout
// decisions. Defaults to the system clock.
func WithClock(clock reauth.Clock) Option {
	return func(a *API) { a.clock = clock }
}

// WithTrustedProxies sets the CIDR ranges whose forwarded-for headers are
// honored when deriving the throttle key's source address. Empty (the
// default) means proxy headers are never trusted.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) { a.trustedProxies = prefixes }
}

// WithReauthenticatedHook installs a post-reauth hook.
func WithReauthenticatedHook(hook ReauthenticatedHook) Option {
	return func(a *API) { a.hook = hook }
}

// New creates a new API instance wiring the gate and challenge flow to the
// given stores, verifier, and identity resolver.
func New(sessions session.Store, attempts throttle.Store, verifier reauth.CredentialVerifier, resolver IdentityResolver, opts ...Option) *API {
	a := &API{
		sessions: sessions,
		resolver: resolver,
		cfg:      DefaultConfig(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.clock == nil {
		a.clock = reauth.SystemClock()
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	a.gate = reauth.NewGate(a.cfg.MaxReauthAge, a.clock)
	a.flow = reauth.NewFlow(attempts, verifier, a.clock)
	return a
}

// IssueSession mints a session for userID, persists it, and sets the
// session cookie. The new session has no re-proof timestamp, so the first
// gated request will be challenged. Returns the session token.
func (a *API) IssueSession(w http.ResponseWriter, r *http.Request, userID string, ttl time.Duration) (string, error) {
	token := session.NewToken()
	now := a.clock.Now()
	err := a.sessions.Put(token, session.Session{
		UserID:         userID,
		ExpiresAt:      now.Add(ttl),
		LastAccessedAt: now,
	})
	if err != nil {
		return "", err
	}
	writeSessionCookie(w, r, a.cfg.CookieName, token)
	return token, nil
}

// Router returns a chi.Router with the challenge and docs routes mounted.
// Mount it at the host router's root so Config.ChallengePath resolves.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", openapimw.SwaggerUI(openapimw.SwaggerUIOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
	}, nil))

	r.Handle("/redoc*", openapimw.Redoc(openapimw.RedocOpts{
		SpecURL: "/openapi.yaml",
		Path:    "redoc",
	}, nil))

	r.Get(a.cfg.ChallengePath, a.ShowChallenge)
	r.Post(a.cfg.ChallengePath, a.AttemptReauth)

	return r
}
