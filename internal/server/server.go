// Package server provides the HTTP surface of the dispatch service:
// per-session login/status/send/logout routes, the admin session
// listing and sweep trigger, and health probes. The session identifier
// travels as the session_id cookie or the X-Session-Id header; routing
// only ever hands the extracted string to the registry.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/txn2/dm-dispatch/pkg/auth"
	"github.com/txn2/dm-dispatch/pkg/platform"
)

// Version is set at build time.
var Version = "dev"

const (
	sessionCookie   = "session_id"
	sessionHeader   = "X-Session-Id"
	requestIDHeader = "X-Request-Id"

	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

// Server serves the dispatch API for one platform instance.
type Server struct {
	platform *platform.Platform
	http     *http.Server
}

// New creates a server bound to the configured address.
func New(p *platform.Platform) *Server {
	s := &Server{platform: p}

	mux := http.NewServeMux()
	s.routes(mux)

	s.http = &http.Server{
		Addr:              p.Config().Server.Address,
		Handler:           requestID(auth.TokenMiddleware(mux)),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// routes registers all handlers.
func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.handleLogout)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/send-messages", s.handleSendMessages)
	mux.HandleFunc("GET /api/results", s.handleResults)
	mux.HandleFunc("POST /api/upload-usernames", s.handleUploadUsernames)

	admin := s.platform.Admin
	mux.HandleFunc("GET /api/sessions", auth.RequireAdmin(admin, s.handleListSessions))
	mux.HandleFunc("POST /api/sessions/sweep", auth.RequireAdmin(admin, s.handleSweep))

	checker := s.platform.Health
	mux.HandleFunc("GET /api/health", checker.StatusHandler())
	mux.HandleFunc("GET /healthz", checker.LivenessHandler())
	mux.HandleFunc("GET /readyz", checker.ReadinessHandler())
}

// Start serves until ctx is canceled, then drains and shuts down.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		cfg := s.platform.Config().Server
		slog.Info("server: listening", "address", cfg.Address, "tls", cfg.TLS.Enabled)

		var err error
		if cfg.TLS.Enabled {
			err = s.http.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			err = s.http.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	s.platform.Health.SetReady()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.platform.Health.SetDraining()
	slog.Info("server: draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// sessionID extracts the opaque session identifier from the request.
func sessionID(r *http.Request) string {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return r.Header.Get(sessionHeader)
}

// requestID assigns every request a UUID, echoed in the response for
// correlation with audit events.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(withRequestID(r.Context(), id)))
	})
}

type ctxKey int

const requestIDKey ctxKey = iota

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request's correlation id, or "".
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
