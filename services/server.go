package services

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/krshsl/praxis/feedback/queue"
	"github.com/krshsl/praxis/feedback/repository"
	ws "github.com/krshsl/praxis/feedback/websocket"
)

// Server holds all HTTP dependencies
type Server struct {
	config           *Config
	repo             *repository.GORMRepository
	redis            redis.UniversalClient
	sessionEndpoints *SessionEndpoints
	verifier         *TokenVerifier
	wsHub            *ws.Hub
	upgrader         websocket.Upgrader
	logger           *slog.Logger
}

// NewServer creates a new server instance
func NewServer(config *Config, repo *repository.GORMRepository, rdb redis.UniversalClient, q *queue.Queue, hub *ws.Hub, logger *slog.Logger) *Server {
	s := &Server{
		config:           config,
		repo:             repo,
		redis:            rdb,
		sessionEndpoints: NewSessionEndpoints(repo, q, config.Upload, logger.With("component", "sessions")),
		verifier:         NewTokenVerifier(config.JWT.Secret, config.JWT.Required, logger.With("component", "auth")),
		wsHub:            hub,
		logger:           logger,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return CheckOrigin(r, config.Server.AllowedOrigins)
		},
	}
	return s
}

// SetupRoutes configures all HTTP routes
func (s *Server) SetupRoutes() *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health endpoints
	r.Get("/health", s.healthHandler)
	r.Get("/health/ready", s.readyHandler)

	// API v1 route group
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.apiV1Handler)

		r.Group(func(r chi.Router) {
			if s.verifier.Enabled() {
				r.Use(s.verifier.Middleware)
			}
			s.sessionEndpoints.RegisterRoutes(r)
			r.Get("/sessions/{id}/events", s.sessionEventsHandler)
		})
	})

	return r
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	port := s.config.Server.Port
	if port == "" {
		port = "8080"
	}

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting server", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Server forced to shutdown", "error", err)
		return err
	}
	s.logger.Info("Server exited")
	return nil
}

// CheckOrigin validates the origin of WebSocket connections to prevent CSRF attacks
func CheckOrigin(r *http.Request, allowedOriginsStr string) bool {
	origin := r.Header.Get("Origin")

	// If no allowed origins are configured, deny all requests for security
	if allowedOriginsStr == "" {
		slog.Warn("WebSocket connection rejected: no allowed origins configured", "origin", origin)
		return false
	}

	for _, allowed := range strings.Split(allowedOriginsStr, ",") {
		if strings.TrimSpace(allowed) == origin {
			return true
		}
	}

	slog.Warn("WebSocket connection rejected: origin not allowed", "origin", origin, "allowed_origins", allowedOriginsStr)
	return false
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	dbStatus := "up"
	redisStatus := "up"

	if err := s.repo.Ping(ctx); err != nil {
		dbStatus = "down"
		status = "degraded"
	}
	if err := s.redis.Ping(ctx).Err(); err != nil {
		redisStatus = "down"
		status = "degraded"
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
		s.logger.Warn("Readiness check failed", "database", dbStatus, "redis", redisStatus)
	}
	writeJSON(w, code, map[string]string{"status": status, "database": dbStatus, "redis": redisStatus})
}

func (s *Server) apiV1Handler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "API v1", "version": "1.0.0"})
}

// sessionEventsHandler upgrades to a websocket that receives the session's
// progress events
func (s *Server) sessionEventsHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	session, err := s.repo.GetSession(r.Context(), id)
	if err != nil {
		s.logger.Error("Failed to get session", "error", err, "session_id", id)
		http.Error(w, "Failed to subscribe", http.StatusInternalServerError)
		return
	}
	if session == nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	userID, _ := UserIDFromContext(r.Context())
	s.logger.Info("WebSocket connection established", "session_id", id, "user_id", userID)

	client := s.wsHub.Subscribe(conn, id, userID)
	go client.WritePump()
	go client.ReadPump()
}
