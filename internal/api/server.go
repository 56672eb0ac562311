// Package api serves the gateway management REST API, the live event
// feed and the Prometheus endpoint.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/single-channel-gateway/internal/auth"
	"github.com/lorawan-server/single-channel-gateway/internal/config"
	"github.com/lorawan-server/single-channel-gateway/internal/forwarder"
	"github.com/lorawan-server/single-channel-gateway/internal/metrics"
	"github.com/lorawan-server/single-channel-gateway/internal/models"
	"github.com/lorawan-server/single-channel-gateway/internal/radio"
	"github.com/lorawan-server/single-channel-gateway/internal/storage"
	"github.com/lorawan-server/single-channel-gateway/internal/validation"
	"github.com/lorawan-server/single-channel-gateway/pkg/lorawan"
)

// Radio is the radio state machine as seen by the API.
type Radio interface {
	Snapshot() radio.Snapshot
	Cancel(token uint16) bool
}

// Controller applies management changes.
type Controller interface {
	Apply(change models.ConfigChange) error
}

// Stats is the statistics tracker as seen by the API.
type Stats interface {
	Counters() models.Counters
	Forwarded() uint64
	History() []models.PacketSummary
	Recent(n int) []models.PacketSummary
}

// Store is the subset of storage.Store read by the API.
type Store interface {
	ListPackets(ctx context.Context, gatewayID lorawan.EUI64, limit, offset int) ([]*models.PacketSummary, int64, error)
	ListEventLogs(ctx context.Context, filters storage.EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error)
}

// Uplink describes one network server link.
type Uplink interface {
	Server() string
	LastPullAck() time.Time
	Tokens() *forwarder.TokenTable
}

// Feed delivers live events.
type Feed interface {
	Subscribe(buffer int) (<-chan models.Event, func())
}

// Deps are the gateway components behind the API. Store, Feed and
// Metrics are optional.
type Deps struct {
	Radio   Radio
	Control Controller
	Stats   Stats
	Store   Store
	Servers []Uplink
	Feed    Feed
	Metrics *metrics.Collector
}

// RESTServer represents the REST API server
type RESTServer struct {
	config    *config.Config
	deps      Deps
	auth      *auth.JWTManager
	validator *validation.Validator
	router    chi.Router
	server    *http.Server
	started   time.Time
}

// NewRESTServer creates a new REST API server
func NewRESTServer(cfg *config.Config, deps Deps) *RESTServer {
	s := &RESTServer{
		config:    cfg,
		deps:      deps,
		auth:      auth.NewJWTManager(cfg.JWT),
		validator: validation.NewValidator(),
		router:    chi.NewRouter(),
		started:   time.Now(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all routes
func (s *RESTServer) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)
	if s.deps.Metrics != nil {
		s.router.Use(s.deps.Metrics.Middleware)
	}

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.allowedOrigins(),
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders: []string{"Link"},
		MaxAge:         300,
	}))

	if s.deps.Metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		s.setupAPIRoutes(r)
	})
}

func (s *RESTServer) allowedOrigins() []string {
	if len(s.config.API.CORSOrigins) == 0 {
		return []string{"*"}
	}
	return s.config.API.CORSOrigins
}

// Handler returns the root handler.
func (s *RESTServer) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the server. It returns nil after Shutdown.
func (s *RESTServer) ListenAndServe() error {
	log.Info().Str("addr", s.server.Addr).Msg("Starting REST API server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type claimsKey struct{}

// ClaimsFromContext returns the token claims of an authenticated request.
func ClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*auth.Claims)
	return claims, ok
}

// authMiddleware is the authentication middleware
func (s *RESTServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.respondError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.respondError(w, http.StatusUnauthorized, "invalid authorization header")
			return
		}

		claims, err := s.auth.ValidateToken(parts[1])
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
