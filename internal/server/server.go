package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"pushdeploy/internal/deployment"
	"pushdeploy/internal/history"
	"pushdeploy/internal/project"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	// HTTP server timeouts
	HTTPReadTimeout  = 10 * time.Second
	HTTPWriteTimeout = 10 * time.Second
	HTTPIdleTimeout  = 60 * time.Second

	// Request timeout for middleware. The deploy route responds before
	// the deployment runs, so this never races a running deployment.
	RequestTimeout = 60 * time.Second

	// Rate limiting - requests per minute
	GlobalRateLimit = 30
	DeployRateLimit = 6
)

// Server represents the HTTP server
type Server struct {
	Registry    *project.Registry
	Coordinator *deployment.Coordinator
	Lock        *deployment.Lock
	History     *history.History
	Logger      *slog.Logger
	Secret      string
	ConfigDir   string
	TestMode    bool
}

// NewServer creates a new server instance
func NewServer(registry *project.Registry, coordinator *deployment.Coordinator, lock *deployment.Lock, hist *history.History, logger *slog.Logger, secret, configDir string, testMode bool) *Server {
	return &Server{
		Registry:    registry,
		Coordinator: coordinator,
		Lock:        lock,
		History:     hist,
		Logger:      logger,
		Secret:      secret,
		ConfigDir:   configDir,
		TestMode:    testMode,
	}
}

// Router creates and configures the HTTP router
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(RequestTimeout))

	// Logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				s.Logger.Info("http_request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration_ms", time.Since(start).Milliseconds())
			}()

			next.ServeHTTP(ww, r)
		})
	})

	// Rate limiting middleware (only if not in test mode)
	if !s.TestMode {
		r.Use(NewRateLimitMiddleware(GlobalRateLimit, s.Logger))
	}

	// Unsigned routes: liveness and read-only lock status
	r.Get("/health", s.HandleHealth)
	r.Get("/status", s.HandleStatus)

	// Signed routes
	r.Group(func(r chi.Router) {
		r.Use(s.requireSignature)

		r.Get("/projects", s.HandleProjects)
		r.Post("/reload-config", s.HandleReloadConfig)

		if !s.TestMode {
			r.With(NewRateLimitMiddleware(DeployRateLimit, s.Logger)).Post("/deploy", s.HandleDeploy)
		} else {
			r.Post("/deploy", s.HandleDeploy)
		}
	})

	return r
}

// Start starts the HTTP server
func (s *Server) Start(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	s.Logger.Info("Starting server", "addr", addr)

	server := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  HTTPReadTimeout,
		WriteTimeout: HTTPWriteTimeout,
		IdleTimeout:  HTTPIdleTimeout,
	}

	return server.ListenAndServe()
}

// WaitForDeployments waits for all in-flight async deployments to complete.
// This is primarily useful for testing.
func (s *Server) WaitForDeployments() {
	s.Coordinator.Wait()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	// Wait for in-flight deployments
	s.Coordinator.Wait()

	if s.History != nil {
		return s.History.Close()
	}
	return nil
}
