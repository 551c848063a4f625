package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/jmcleod/regate/api"
	"github.com/jmcleod/regate/reauth"
	"github.com/jmcleod/regate/session"
	sessionbbolt "github.com/jmcleod/regate/session/bbolt"
	sessionmemory "github.com/jmcleod/regate/session/memory"
	"github.com/jmcleod/regate/throttle"
	throttlebbolt "github.com/jmcleod/regate/throttle/bbolt"
	throttlememory "github.com/jmcleod/regate/throttle/memory"
	throttleredis "github.com/jmcleod/regate/throttle/redis"
)

var (
	port           int
	backend        string
	dataDir        string
	redisAddr      string
	maxAge         time.Duration
	maxAttempts    int
	lockout        time.Duration
	decay          time.Duration
	sessionTTL     time.Duration
	idleTimeout    time.Duration
	trustedProxies []string
	demoUser       string
	demoPassword   string
)

// demoIdentity is the single principal served by the demo resolver.
type demoIdentity struct {
	id   string
	hash string
}

func (d demoIdentity) ID() string             { return d.id }
func (d demoIdentity) CredentialHash() string { return d.hash }

// demoResolver hands out the configured demo identity for every session.
// A real host application resolves the account referenced by the session.
type demoResolver struct {
	identity demoIdentity
}

func (r demoResolver) Resolve(_ *http.Request, sess session.Session) (reauth.Identity, error) {
	if sess.UserID != r.identity.id {
		return nil, reauth.ErrNoIdentity
	}
	return r.identity, nil
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the re-authentication gate demo server",
	Long: `Starts an HTTP server with the challenge endpoints mounted at /reauth and a
demo route /settings fenced behind the freshness gate. GET /session issues a
demo session cookie, standing in for the host application's login.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

		policy := throttle.Policy{
			MaxAttempts:     maxAttempts,
			LockoutDuration: lockout,
			DecayWindow:     decay,
		}

		var (
			attempts throttle.Store
			sessions session.Store
		)
		switch backend {
		case "memory":
			store := throttlememory.NewStore(policy)
			defer store.Close()
			attempts = store
			sessions = sessionmemory.NewStore(idleTimeout)
		case "bbolt":
			if err := os.MkdirAll(dataDir, 0o700); err != nil {
				return fmt.Errorf("failed to create data directory: %w", err)
			}
			ts, err := throttlebbolt.NewStoreFromFile(dataDir+"/throttle.db", nil, policy)
			if err != nil {
				return fmt.Errorf("failed to open throttle storage: %w", err)
			}
			defer ts.Close()
			attempts = ts
			ss, err := sessionbbolt.NewStoreFromFile(dataDir+"/sessions.db", nil, idleTimeout)
			if err != nil {
				return fmt.Errorf("failed to open session storage: %w", err)
			}
			defer ss.Close()
			sessions = ss
		case "redis":
			client := redis.NewClient(&redis.Options{Addr: redisAddr})
			defer client.Close()
			if err := client.Ping(cmd.Context()).Err(); err != nil {
				return fmt.Errorf("failed to reach redis at %s: %w", redisAddr, err)
			}
			attempts = throttleredis.NewStore(client, policy, "regate")
			sessions = sessionmemory.NewStore(idleTimeout)
		default:
			return fmt.Errorf("unknown backend %q (want memory, bbolt, or redis)", backend)
		}

		hash, err := reauth.HashArgon2id(demoPassword, reauth.DefaultArgon2idParams())
		if err != nil {
			return fmt.Errorf("failed to hash demo password: %w", err)
		}
		resolver := demoResolver{identity: demoIdentity{id: demoUser, hash: hash}}

		var proxies []netip.Prefix
		for _, cidr := range trustedProxies {
			prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
			if err != nil {
				return fmt.Errorf("invalid trusted proxy CIDR %q: %w", cidr, err)
			}
			proxies = append(proxies, prefix)
		}

		a := api.New(sessions, attempts, reauth.Argon2idVerifier{}, resolver,
			api.WithConfig(api.Config{MaxReauthAge: maxAge}),
			api.WithLogger(logger),
			api.WithTrustedProxies(proxies),
		)

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		// Demo stand-in for the host application's login.
		r.Get("/session", func(w http.ResponseWriter, r *http.Request) {
			if _, err := a.IssueSession(w, r, demoUser, sessionTTL); err != nil {
				http.Error(w, "failed to issue session", http.StatusInternalServerError)
				return
			}
			http.Redirect(w, r, "/settings", http.StatusSeeOther)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.RequireFresh)
			r.Get("/settings", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
				fmt.Fprintln(w, "sensitive settings: freshness confirmed")
			})
		})

		r.Mount("/", a.Router())

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		fmt.Printf("Starting server on port %d (backend: %s)...\n", port, backend)
		fmt.Printf("Demo session: GET http://localhost:%d/session (user %q)\n", port, demoUser)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on")
	serverCmd.Flags().StringVar(&backend, "backend", "memory", "Attempt/session backend: memory, bbolt, or redis")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data (bbolt backend)")
	serverCmd.Flags().StringVar(&redisAddr, "redis-addr", "localhost:6379", "Redis address (redis backend)")
	serverCmd.Flags().DurationVar(&maxAge, "max-age", 60*time.Minute, "Freshness window for re-authentication")
	serverCmd.Flags().IntVar(&maxAttempts, "max-attempts", 5, "Failed attempts before lockout")
	serverCmd.Flags().DurationVar(&lockout, "lockout", time.Minute, "Lockout duration once the limit is reached")
	serverCmd.Flags().DurationVar(&decay, "decay", time.Hour, "How long failure records persist without activity")
	serverCmd.Flags().DurationVar(&sessionTTL, "session-ttl", 12*time.Hour, "Demo session lifetime")
	serverCmd.Flags().DurationVar(&idleTimeout, "idle-timeout", 2*time.Hour, "Session idle timeout (0 disables)")
	serverCmd.Flags().StringSliceVar(&trustedProxies, "trusted-proxies", nil, "CIDR ranges allowed to set forwarded-for headers")
	serverCmd.Flags().StringVar(&demoUser, "demo-user", "demo", "Demo account user ID")
	serverCmd.Flags().StringVar(&demoPassword, "demo-password", "correct horse battery staple", "Demo account password")
}
