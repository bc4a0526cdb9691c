// Package api serves the local control API used by the reader UI.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/goodtune/storyguard/internal/agent"
	"github.com/goodtune/storyguard/internal/assets"
	"github.com/goodtune/storyguard/internal/lifecycle"
	"github.com/goodtune/storyguard/internal/usage"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Agent is the behaviour the API exposes.
type Agent interface {
	Login(ctx context.Context, userID string) (usage.Status, error)
	Logout(ctx context.Context)
	Lifecycle(state lifecycle.State) bool
	Restart(ctx context.Context) (usage.Status, error)
	Status() agent.Status
	Resolve(remoteURL string) (string, bool)
	Warm(ctx context.Context, urls []string) assets.Report
}

// Reloader reloads the budget policy.
type Reloader interface {
	Reload() error
}

// Config holds the API server configuration.
type Config struct {
	ListenAddr string
	Policy     Reloader // optional
}

// Server is the control API HTTP server.
type Server struct {
	config Config
	agent  Agent
	router *mux.Router
	server *http.Server
	logger zerolog.Logger

	listener net.Listener // pre-bound, e.g. from systemd

	// background work started by requests, stopped with the server
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer creates a new API server.
func NewServer(cfg Config, a Agent, logger zerolog.Logger) *Server {
	baseCtx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config:  cfg,
		agent:   a,
		router:  mux.NewRouter(),
		logger:  logger.With().Str("component", "api").Logger(),
		baseCtx: baseCtx,
		cancel:  cancel,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(RequestIDMiddleware)
	s.router.Use(LoggingMiddleware(s.logger))

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "No such endpoint")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
	})

	v1 := s.router.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/status", s.handleStatus).Methods("GET")

	v1.HandleFunc("/session/login", s.handleLogin).Methods("POST")
	v1.HandleFunc("/session/logout", s.handleLogout).Methods("POST")
	v1.HandleFunc("/session/restart", s.handleRestart).Methods("POST")

	v1.HandleFunc("/lifecycle", s.handleLifecycle).Methods("POST")

	v1.HandleFunc("/assets/resolve", s.handleResolve).Methods("GET")
	v1.HandleFunc("/assets/warm", s.handleWarm).Methods("POST")

	if s.config.Policy != nil {
		v1.HandleFunc("/policy/reload", s.handleReloadPolicy).Methods("POST")
	}
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener makes Start serve on l instead of binding ListenAddr.
func (s *Server) SetListener(l net.Listener) {
	s.listener = l
}

// Start starts the API server in the background.
func (s *Server) Start() error {
	if s.listener == nil {
		l, err := net.Listen("tcp", s.config.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
		}
		s.listener = l
	}

	s.logger.Info().Str("addr", s.listener.Addr().String()).Msg("Starting control API")

	go func() {
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Control API server error")
		}
	}()

	return nil
}

// Stop gracefully stops the server and waits for background warm passes.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping control API")

	err := s.server.Shutdown(ctx)
	s.cancel()
	s.wg.Wait()

	if err != nil {
		return fmt.Errorf("control API shutdown: %w", err)
	}
	return nil
}

// goBackground runs fn detached from the request, bounded by the server's
// lifetime.
func (s *Server) goBackground(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.baseCtx)
	}()
}
