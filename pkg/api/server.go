package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/simutrador/pkg/auth"
	"github.com/uhyunpark/simutrador/pkg/metrics"
	"github.com/uhyunpark/simutrador/pkg/protocol"
	"github.com/uhyunpark/simutrador/pkg/session"
	"github.com/uhyunpark/simutrador/pkg/util"
)

// Deps are the services the API fronts.
type Deps struct {
	Auth     *auth.Service
	Sessions *session.Manager
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Clock    util.Clock
}

// Server handles REST API and WebSocket connections
type Server struct {
	cfg      Config
	auth     *auth.Service
	sessions *session.Manager
	metrics  *metrics.Metrics
	logger   *zap.Logger
	clock    util.Clock

	router *mux.Router
	hub    *Hub
	http   *http.Server

	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(cfg Config, deps Deps) *Server {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Clock == nil {
		deps.Clock = util.RealClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		auth:     deps.Auth,
		sessions: deps.Sessions,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		clock:    deps.Clock,
		router:   mux.NewRouter(),
		hub:      NewHub(),
		ctx:      ctx,
		cancel:   cancel,
	}
	go s.hub.Run(ctx)

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/token", s.handleToken).Methods(http.MethodPost)
	s.router.HandleFunc("/limits", s.handleLimits).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	// WebSocket endpoints
	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/ws/health", s.handleHealthSocket)
}

// Handler is the router wrapped in the CORS middleware.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key"},
	})
	return c.Handler(s.router)
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("api_server_starting", zap.String("addr", s.cfg.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown tells every client the server is going away, then stops
// accepting requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.CloseAll(closing{
		reason:    protocol.CloseServerMaintenance,
		message:   "server shutting down",
		code:      CloseCodeMaintenance,
		reconnect: true,
	})
	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}
	s.hub.Wait(ctx)
	s.cancel()
	return err
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		respondError(w, http.StatusUnauthorized, protocol.CodeAuthFailed, "missing X-API-Key header")
		return
	}
	resp, err := s.auth.IssueToken(r.Context(), key)
	switch {
	case errors.Is(err, auth.ErrInvalidAPIKey):
		respondError(w, http.StatusUnauthorized, protocol.CodeAuthFailed, "invalid api key")
		return
	case err != nil:
		s.logger.Error("token_issue_failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "", "could not issue token")
		return
	}
	respondJSON(w, resp)
}

func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authenticate(w, r, bearerToken(r))
	if !ok {
		return
	}
	resp, err := s.auth.Limits(r.Context(), id)
	if err != nil {
		s.logger.Error("limits_lookup_failed", zap.String("user_id", id.UserID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "", "could not load usage")
		return
	}
	respondJSON(w, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.health())
}

func (s *Server) health() protocol.HealthStatus {
	now := s.now()
	sessions := 0
	if s.sessions != nil {
		sessions = s.sessions.Len()
	}
	return protocol.HealthStatus{
		Status:        protocol.HealthOK,
		ServerTime:    &now,
		ServerVersion: s.cfg.Version,
		Message:       fmt.Sprintf("%d connections, %d sessions", s.hub.Len(), sessions),
	}
}

// authenticate resolves a bearer token or writes a 401.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, token string) (auth.Identity, bool) {
	id, err := s.auth.Authenticate(r.Context(), token)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidToken) {
			s.logger.Warn("token_lookup_failed", zap.Error(err))
		}
		respondError(w, http.StatusUnauthorized, protocol.CodeAuthFailed, "invalid or expired token")
		return auth.Identity{}, false
	}
	return id, true
}

// limitsFor applies the server overrides to a plan's limits.
func (s *Server) limitsFor(id auth.Identity) auth.PlanLimits {
	l := s.auth.PlanLimits(id.Plan)
	if s.cfg.IdleTimeout > 0 {
		l.IdleTimeoutSec = int(s.cfg.IdleTimeout / time.Second)
	}
	if s.cfg.MessagesPerSecond > 0 {
		l.MessagesPerSecond = s.cfg.MessagesPerSecond
	}
	return l
}

func (s *Server) idleTimeout(l auth.PlanLimits) time.Duration {
	if s.cfg.IdleTimeout > 0 {
		return s.cfg.IdleTimeout
	}
	return time.Duration(l.IdleTimeoutSec) * time.Second
}

func (s *Server) connectionLifetime(l auth.PlanLimits) time.Duration {
	if s.cfg.MaxConnectionDuration > 0 {
		return s.cfg.MaxConnectionDuration
	}
	return time.Duration(l.MaxSimulationDurationSec) * time.Second
}

func (s *Server) now() time.Time {
	return s.clock.Now().UTC()
}

// ==============================
// Helper Functions
// ==============================

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code protocol.ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(protocol.RESTError{
		Error: message,
		Code:  code,
	})
}
