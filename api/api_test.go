package api_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/regate/api"
	"github.com/jmcleod/regate/reauth"
	"github.com/jmcleod/regate/session"
	sessionmemory "github.com/jmcleod/regate/session/memory"
	"github.com/jmcleod/regate/throttle"
	throttlememory "github.com/jmcleod/regate/throttle/memory"
)

const testPassword = "correct horse battery staple"

// testClock starts at the real current time so stores comparing against
// the system clock agree with it, and advances only when told to.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testIdentity struct {
	id   string
	hash string
}

func (i testIdentity) ID() string             { return i.id }
func (i testIdentity) CredentialHash() string { return i.hash }

// countingResolver returns a fixed identity and counts verifier-reachable
// resolutions.
type countingResolver struct {
	identity testIdentity
}

func (r *countingResolver) Resolve(_ *http.Request, sess session.Session) (reauth.Identity, error) {
	if sess.UserID != r.identity.id {
		return nil, reauth.ErrNoIdentity
	}
	return r.identity, nil
}

type fixture struct {
	srv   *httptest.Server
	clock *testClock
}

func setupServer(t *testing.T) *fixture {
	t.Helper()
	return setupServerWith(t, sessionmemory.NewStore(0), api.Config{MaxReauthAge: 30 * time.Minute})
}

func setupServerWith(t *testing.T, sessions session.Store, cfg api.Config) *fixture {
	t.Helper()

	hash, err := reauth.HashArgon2id(testPassword, reauth.Argon2idParams{
		Time: 1, MemoryKiB: 8 * 1024, Parallelism: 1, SaltLen: 16, KeyLen: 32,
	})
	require.NoError(t, err)

	clock := newTestClock()
	attempts := throttlememory.NewStore(throttle.Policy{
		MaxAttempts:     3,
		LockoutDuration: time.Minute,
		DecayWindow:     time.Hour,
	})
	t.Cleanup(attempts.Close)

	resolver := &countingResolver{identity: testIdentity{id: "user-1", hash: hash}}
	a := api.New(sessions, attempts, reauth.Argon2idVerifier{}, resolver,
		api.WithConfig(cfg),
		api.WithClock(clock),
	)

	r := chi.NewRouter()
	r.Get("/login", func(w http.ResponseWriter, r *http.Request) {
		_, err := a.IssueSession(w, r, "user-1", 24*time.Hour)
		require.NoError(t, err)
		w.WriteHeader(http.StatusNoContent)
	})
	r.Group(func(r chi.Router) {
		r.Use(a.RequireFresh)
		r.Get("/settings", func(w http.ResponseWriter, r *http.Request) {
			sess, _ := api.SessionFromContext(r.Context())
			w.Write([]byte("settings ok " + sess.UserID))
		})
		r.Get("/billing", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("billing ok"))
		})
	})
	r.Mount("/", a.Router())

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, clock: clock}
}

// newClient returns a cookie-carrying client that does not follow
// redirects, so tests can assert on Location headers.
func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func login(t *testing.T, client *http.Client, baseURL string) {
	t.Helper()
	resp, err := client.Get(baseURL + "/login")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequest(method, url, &reqBody)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

func postForm(t *testing.T, client *http.Client, target string, values url.Values) *http.Response {
	t.Helper()
	resp, err := client.PostForm(target, values)
	require.NoError(t, err)
	return resp
}

func reauthJSON(t *testing.T, client *http.Client, baseURL, password string) *http.Response {
	t.Helper()
	return doJSON(t, client, http.MethodPost, baseURL+"/reauth", map[string]string{
		"password": password,
	})
}

func TestRequireFresh_NoSessionRedirectsToChallenge(t *testing.T) {
	f := setupServer(t)
	client := newClient(t)

	resp, err := client.Get(f.srv.URL + "/settings")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/reauth", resp.Header.Get("Location"))
}

func TestRequireFresh_NoSessionJSONGets401(t *testing.T) {
	f := setupServer(t)
	client := newClient(t)

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/settings", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRequireFresh_UnprovenSessionIsChallenged(t *testing.T) {
	f := setupServer(t)
	client := newClient(t)
	login(t, client, f.srv.URL)

	resp, err := client.Get(f.srv.URL + "/settings")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/reauth", resp.Header.Get("Location"))
}

func TestRequireFresh_StaleJSONNamesChallenge(t *testing.T) {
	f := setupServer(t)
	client := newClient(t)
	login(t, client, f.srv.URL)

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/settings", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var body api.ReauthRequiredResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "/reauth", body.Challenge)
}

func TestChallenge_FormRendersForBrowsers(t *testing.T) {
	f := setupServer(t)
	client := newClient(t)
	login(t, client, f.srv.URL)

	resp, err := client.Get(f.srv.URL + "/reauth")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `name="password"`)
	assert.Contains(t, string(body), `action="/reauth"`)
}

func TestChallenge_DescriptorForJSONClients(t *testing.T) {
	f := setupServer(t)
	client := newClient(t)
	login(t, client, f.srv.URL)

	resp := doJSON(t, client, http.MethodGet, f.srv.URL+"/reauth", nil)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var challenge api.ChallengeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&challenge))
	assert.Equal(t, "password", challenge.Challenge)
	assert.Equal(t, "password", challenge.PasswordField)
}

func TestChallenge_WithoutSessionGets401(t *testing.T) {
	f := setupServer(t)
	client := newClient(t)

	resp := reauthJSON(t, client, f.srv.URL, testPassword)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestReauth_SuccessUnlocksProtectedRoutes(t *testing.T) {
	f := setupServer(t)
	client := newClient(t)
	login(t, client, f.srv.URL)

	resp := reauthJSON(t, client, f.srv.URL, testPassword)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result api.ReauthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.True(t, result.Reauthenticated)
	assert.NotZero(t, result.ReauthenticatedAt)

	resp2, err := client.Get(f.srv.URL + "/settings")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	body, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	assert.Equal(t, "settings ok user-1", string(body))
}

func TestReauth_FreshnessExpiresAfterWindow(t *testing.T) {
	f := setupServer(t)
	client := newClient(t)
	login(t, client, f.srv.URL)

	resp := reauthJSON(t, client, f.srv.URL, testPassword)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Still fresh inside the window.
	f.clock.Advance(29 * time.Minute)
	resp2, err := client.Get(f.srv.URL + "/settings")
	require.NoError(t, err)
	resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	// Stale once the window has passed.
	f.clock.Advance(2 * time.Minute)
	resp3, err := client.Get(f.srv.URL + "/settings")
	require.NoError(t, err)
	resp3.Body.Close()
	require.Equal(t, http.StatusSeeOther, resp3.StatusCode)
	assert.Equal(t, "/reauth", resp3.Header.Get("Location"))
}

func TestReauth_FormSuccessResumesIntendedURL(t *testing.T) {
	f := setupServer(t)
	client := newClient(t)
	login(t, client, f.srv.URL)

	// The gate records where the browser was headed.
	resp, err := client.Get(f.srv.URL + "/billing")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	resp = postForm(t, client, f.srv.URL+"/reauth", url.Values{"password": {testPassword}})
	defer resp.Body.Close()

	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/billing", resp.Header.Get("Location"))
}

func TestReauth_FormSuccessWithoutIntendedFallsBack(t *testing.T) {
	f := setupServer(t)
	client := newClient(t)
	login(t, client, f.srv.URL)

	resp := postForm(t, client, f.srv.URL+"/reauth", url.Values{"password": {testPassword}})
	defer resp.Body.Close()

	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))
}

func TestReauth_IntendedURLClearedAfterResume(t *testing.T) {
	f := setupServer(t)
	client := newClient(t)
	login(t, client, f.srv.URL)

	resp, err := client.Get(f.srv.URL + "/billing")
	require.NoError(t, err)
	resp.Body.Close()

	resp = postForm(t, client, f.srv.URL+"/reauth", url.Values{"password": {testPassword}})
	resp.Body.Close()
	require.Equal(t, "/billing", resp.Header.Get("Location"))

	// A later re-proof must not resume the stale destination again.
	f.clock.Advance(31 * time.Minute)
	resp = postForm(t, client, f.srv.URL+"/reauth", url.Values{"password": {testPassword}})
	defer resp.Body.Close()
	assert.Equal(t, "/", resp.Header.Get("Location"))
}

func TestReauth_WrongPasswordJSON(t *testing.T) {
	f := setupServer(t)
	client := newClient(t)
	login(t, client, f.srv.URL)

	resp := reauthJSON(t, client, f.srv.URL, "not the password")
	defer resp.Body.Close()

	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var result api.ValidationErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Contains(t, result.Errors, "password")
}

func TestReauth_WrongPasswordFormRedirectsWithError(t *testing.T) {
	f := setupServer(t)
	client := newClient(t)
	login(t, client, f.srv.URL)

	resp := postForm(t, client, f.srv.URL+"/reauth", url.Values{"password": {"not the password"}})
	defer resp.Body.Close()

	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/reauth?error=invalid_credentials", resp.Header.Get("Location"))
}

func TestReauth_EmptyPasswordJSON(t *testing.T) {
	f := setupServer(t)
	client := newClient(t)
	login(t, client, f.srv.URL)

	resp := reauthJSON(t, client, f.srv.URL, "")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestReauth_EmptyPasswordFormRedirectsWithError(t *testing.T) {
	f := setupServer(t)
	client := newClient(t)
	login(t, client, f.srv.URL)

	resp := postForm(t, client, f.srv.URL+"/reauth", url.Values{})
	defer resp.Body.Close()

	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/reauth?error=password_required", resp.Header.Get("Location"))
}

func TestReauth_ValidationFailuresDoNotCountTowardLockout(t *testing.T) {
	f := setupServer(t)
	client := newClient(t)
	login(t, client, f.srv.URL)

	// Well past the limit, all without a password.
	for i := 0; i < 5; i++ {
		resp := reauthJSON(t, client, f.srv.URL, "")
		resp.Body.Close()
	}

	resp := reauthJSON(t, client, f.srv.URL, testPassword)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReauth_LockoutAfterRepeatedFailures(t *testing.T) {
	f := setupServer(t)
	client := newClient(t)
	login(t, client, f.srv.URL)

	for i := 0; i < 3; i++ {
		resp := reauthJSON(t, client, f.srv.URL, "not the password")
		resp.Body.Close()
		require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	}

	// The next attempt is rejected before verification, even with the
	// correct password.
	resp := reauthJSON(t, client, f.srv.URL, testPassword)
	defer resp.Body.Close()
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestReauth_LockoutFormRedirectsWithRetryAfter(t *testing.T) {
	f := setupServer(t)
	client := newClient(t)
	login(t, client, f.srv.URL)

	for i := 0; i < 3; i++ {
		resp := postForm(t, client, f.srv.URL+"/reauth", url.Values{"password": {"not the password"}})
		resp.Body.Close()
	}

	resp := postForm(t, client, f.srv.URL+"/reauth", url.Values{"password": {"not the password"}})
	defer resp.Body.Close()

	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	location := resp.Header.Get("Location")
	assert.True(t, strings.HasPrefix(location, "/reauth?error=locked_out&retry_after="), location)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestReauth_SuccessClearsFailureCount(t *testing.T) {
	f := setupServer(t)
	client := newClient(t)
	login(t, client, f.srv.URL)

	for i := 0; i < 2; i++ {
		resp := reauthJSON(t, client, f.srv.URL, "not the password")
		resp.Body.Close()
	}
	resp := reauthJSON(t, client, f.srv.URL, testPassword)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The slate is clean: two more failures stay below the limit.
	f.clock.Advance(31 * time.Minute)
	for i := 0; i < 2; i++ {
		resp := reauthJSON(t, client, f.srv.URL, "not the password")
		resp.Body.Close()
		require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	}
	resp = reauthJSON(t, client, f.srv.URL, testPassword)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReauth_MalformedJSONBody(t *testing.T) {
	f := setupServer(t)
	client := newClient(t)
	login(t, client, f.srv.URL)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/reauth", strings.NewReader("{not json"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOpenAPISpecServed(t *testing.T) {
	f := setupServer(t)
	client := newClient(t)

	resp, err := client.Get(f.srv.URL + "/openapi.yaml")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "/reauth")
}

// failingSessionStore wraps a working store and fails selected operations,
// standing in for a session backend outage.
type failingSessionStore struct {
	inner   session.Store
	failGet bool
	failPut bool
}

func (s *failingSessionStore) Get(token string) (session.Session, bool, error) {
	if s.failGet {
		return session.Session{}, false, session.ErrUnavailable
	}
	return s.inner.Get(token)
}

func (s *failingSessionStore) Put(token string, sess session.Session) error {
	if s.failPut {
		return session.ErrUnavailable
	}
	return s.inner.Put(token, sess)
}

func (s *failingSessionStore) Delete(token string) error {
	return s.inner.Delete(token)
}

func TestRequireFresh_SessionStoreFailureIsFatal(t *testing.T) {
	failing := &failingSessionStore{inner: sessionmemory.NewStore(0)}
	f := setupServerWith(t, failing, api.Config{MaxReauthAge: 30 * time.Minute})
	client := newClient(t)
	login(t, client, f.srv.URL)

	failing.failGet = true

	// A store outage must not read as "unauthenticated": no redirect to
	// the challenge, no 401.
	resp, err := client.Get(f.srv.URL + "/settings")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/settings", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json")
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestReauth_SessionStoreFailureIsFatal(t *testing.T) {
	failing := &failingSessionStore{inner: sessionmemory.NewStore(0)}
	f := setupServerWith(t, failing, api.Config{MaxReauthAge: 30 * time.Minute})
	client := newClient(t)
	login(t, client, f.srv.URL)

	failing.failGet = true

	resp, err := client.Get(f.srv.URL + "/reauth")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	resp = reauthJSON(t, client, f.srv.URL, testPassword)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestRequireFresh_SessionPersistFailureIsFatal(t *testing.T) {
	failing := &failingSessionStore{inner: sessionmemory.NewStore(0)}
	f := setupServerWith(t, failing, api.Config{MaxReauthAge: 30 * time.Minute})
	client := newClient(t)
	login(t, client, f.srv.URL)

	resp := reauthJSON(t, client, f.srv.URL, testPassword)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	failing.failPut = true

	resp2, err := client.Get(f.srv.URL + "/settings")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp2.StatusCode)
}

func TestReauth_ConfiguredPasswordFieldJSON(t *testing.T) {
	f := setupServerWith(t, sessionmemory.NewStore(0), api.Config{
		MaxReauthAge:  30 * time.Minute,
		PasswordField: "current_password",
	})
	client := newClient(t)
	login(t, client, f.srv.URL)

	// The challenge descriptor advertises the configured field name.
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/reauth", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	require.NoError(t, err)
	var challenge api.ChallengeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&challenge))
	resp.Body.Close()
	assert.Equal(t, "current_password", challenge.PasswordField)

	// The default field name is ignored under a custom config.
	resp = doJSON(t, client, http.MethodPost, f.srv.URL+"/reauth", map[string]string{
		"password": testPassword,
	})
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, string(body), "current_password")

	resp = doJSON(t, client, http.MethodPost, f.srv.URL+"/reauth", map[string]string{
		"current_password": testPassword,
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReauth_ConfiguredPasswordFieldForm(t *testing.T) {
	f := setupServerWith(t, sessionmemory.NewStore(0), api.Config{
		MaxReauthAge:  30 * time.Minute,
		PasswordField: "current_password",
	})
	client := newClient(t)
	login(t, client, f.srv.URL)

	resp := postForm(t, client, f.srv.URL+"/reauth", url.Values{"current_password": {testPassword}})
	resp.Body.Close()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))
}
