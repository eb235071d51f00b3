// ABOUTME: HTTP server assembly for the tutor gateway
// ABOUTME: Wires routes, middleware, and background maintenance, with graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sagelane/tutor-gateway/internal/auth"
	"github.com/sagelane/tutor-gateway/internal/binder"
	"github.com/sagelane/tutor-gateway/internal/orchestrator"
	"github.com/sagelane/tutor-gateway/internal/store"
)

// Gateway is the HTTP front of the service: the platform callback
// endpoint, the token-protected management API, and health.
type Gateway struct {
	orch           *orchestrator.Orchestrator
	store          store.Store
	binder         *binder.Binder
	verifier       *auth.Verifier
	callbackSecret string
	logger         *slog.Logger

	server *http.Server
	cancel context.CancelFunc
}

// Options for constructing a Gateway.
type Options struct {
	Addr           string
	CallbackSecret string
}

// New creates a Gateway listening on opts.Addr.
func New(
	orch *orchestrator.Orchestrator,
	s store.Store,
	b *binder.Binder,
	verifier *auth.Verifier,
	logger *slog.Logger,
	opts Options,
) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		orch:           orch,
		store:          s,
		binder:         b,
		verifier:       verifier,
		callbackSecret: opts.CallbackSecret,
		logger:         logger.With("component", "gateway"),
	}
	g.server = &http.Server{
		Addr:         opts.Addr,
		Handler:      g.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}
	return g
}

// Routes builds the router. Exposed for tests.
func (g *Gateway) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(g.logRequests)

	r.Get("/health", g.handleHealth)

	// The platform authenticates with a shared secret, not a JWT
	r.Route("/callback", func(r chi.Router) {
		r.Use(g.requireCallbackSecret)
		r.Post("/conversation", g.handleConversationCallback)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware(g.verifier))

		r.Get("/lessons", g.handleListLessons)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", g.handleCreateSession)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", g.handleGetSession)
				r.Get("/state", g.handleGetSession)
				r.Get("/chunk", g.handleGetChunk)
				r.Get("/messages", g.handleListMessages)
				r.Post("/bind", g.handleBindConversation)
				r.Post("/advance", g.handleAdvanceChunk)
				r.Post("/pause", g.handlePauseSession)
				r.Post("/resume", g.handleResumeSession)
				r.Post("/end", g.handleEndSession)
			})
		})
	})

	return r
}

// Start begins serving and launches background maintenance. Blocks until
// the listener fails or Shutdown is called.
func (g *Gateway) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	go g.binder.RunCleanup(ctx)

	g.logger.Info("gateway listening", "addr", g.server.Addr)
	if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops background work and drains in-flight requests.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if g.cancel != nil {
		g.cancel()
	}
	g.logger.Info("gateway shutting down")
	return g.server.Shutdown(ctx)
}

func (g *Gateway) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		g.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func (g *Gateway) requireCallbackSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Callback-Secret") != g.callbackSecret {
			writeError(w, http.StatusUnauthorized, "invalid callback secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}
