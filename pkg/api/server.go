// Package api exposes the signing engine over HTTP: the signer-facing
// magic-link flow, the issuer's admin API and health probes.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lumenhouse/esign/pkg/artifact"
	"github.com/lumenhouse/esign/pkg/audit"
	"github.com/lumenhouse/esign/pkg/authz"
	"github.com/lumenhouse/esign/pkg/cache"
	"github.com/lumenhouse/esign/pkg/clientinfo"
	"github.com/lumenhouse/esign/pkg/config"
	"github.com/lumenhouse/esign/pkg/integrity"
	"github.com/lumenhouse/esign/pkg/jobs"
	"github.com/lumenhouse/esign/pkg/logger"
	"github.com/lumenhouse/esign/pkg/otp"
	"github.com/lumenhouse/esign/pkg/ratelimit"
	"github.com/lumenhouse/esign/pkg/render"
	"github.com/lumenhouse/esign/pkg/signing"
	"github.com/lumenhouse/esign/pkg/token"
)

// Deps are the components served by the API.
type Deps struct {
	DB        *gorm.DB
	Signing   *signing.Service
	OTP       *otp.Authenticator
	Tokens    *token.Service
	Verifier  *integrity.Verifier
	Artifacts artifact.Store
	Audit     *audit.Store
	Jobs      *jobs.JobStore
	Templates *render.Library
	// Cache may be nil when caching is disabled.
	Cache *cache.CacheManager

	Authenticator *authz.Authenticator
	Authorizer    authz.Authorizer
	// Client resolves the signer's IP and user agent. Defaults to the
	// socket address.
	Client      clientinfo.Resolver
	AuditConfig audit.Config
	Logger      *zap.Logger
}

// Server holds the HTTP routes of the signing engine.
type Server struct {
	cfg       config.ServerConfig
	deps      Deps
	logger    *zap.Logger
	startedAt time.Time
}

// NewServer creates a Server.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	if deps.Client == nil {
		deps.Client = clientinfo.DirectResolver{}
	}
	if deps.Authorizer == nil {
		deps.Authorizer = authz.NewRoleAuthorizer(authz.DefaultPolicy())
	}
	return &Server{
		cfg:       cfg,
		deps:      deps,
		logger:    logger.OrNop(deps.Logger).Named("api"),
		startedAt: time.Now(),
	}
}

// Routes builds the router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(clientinfo.Middleware(s.deps.Client))
	r.Use(accessLog(s.logger))
	r.Use(middleware.Recoverer)
	if s.cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(s.cfg.RequestTimeout))
	}

	r.Get("/healthz", s.healthHandler)
	r.Get("/livez", s.healthHandler)
	r.Get("/readyz", s.readyHandler)

	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
		if s.cfg.PublicRateLimit > 0 {
			limiter := ratelimit.New(s.cfg.PublicRateLimit, s.cfg.PublicRateWindow)
			r.Use(ratelimit.Middleware(limiter, ratelimit.ClientIP))
		}
		s.mountPublic(r)
	})

	r.Route("/admin", func(r chi.Router) {
		if s.deps.Authenticator != nil {
			r.Use(s.deps.Authenticator.Middleware())
		}
		r.Use(audit.DeniedAccessMiddleware(s.deps.Audit, s.deps.AuditConfig, s.logger))
		r.Use(authz.AuthzMiddleware(s.deps.Authorizer))
		s.mountAdmin(r)
	})

	return r
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// readyHandler reports whether the database is reachable.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	dbStatus := map[string]string{"status": "up"}
	ready := true
	if s.deps.DB == nil {
		dbStatus["status"] = "not_configured"
	} else if sqlDB, err := s.deps.DB.DB(); err != nil {
		dbStatus["status"], dbStatus["error"] = "down", err.Error()
		ready = false
	} else if err := sqlDB.PingContext(r.Context()); err != nil {
		dbStatus["status"], dbStatus["error"] = "down", err.Error()
		ready = false
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":   status,
		"database": dbStatus,
	})
}
