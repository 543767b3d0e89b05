package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/Mindburn-Labs/ieim/pkg/audit"
	"github.com/Mindburn-Labs/ieim/pkg/auth"
	"github.com/Mindburn-Labs/ieim/pkg/authz"
	"github.com/Mindburn-Labs/ieim/pkg/hitl"
	"github.com/Mindburn-Labs/ieim/pkg/observability"
)

// TokenValidator abstracts the OIDC validator for the middleware.
type TokenValidator interface {
	ValidateBearer(ctx context.Context, token string) (*auth.Actor, error)
	DirectGrantPassword(ctx context.Context, username, password string) (string, error)
}

// Server wires the review surface: stores, auth, RBAC and observability.
type Server struct {
	Reviews *hitl.FileReviewStore
	HITL    *hitl.Service
	Audit   *audit.Logger

	Validator         TokenValidator
	Sessions          *auth.SessionCodec
	SessionCookieName string
	SessionTTL        time.Duration

	RBAC  *authz.RBACConfig
	Guard *authz.DraftApprovalGuard

	Metrics     *observability.Metrics
	Idempotency IdempotencyStorer

	RatePerSecond int
	Burst         int
	Log           *slog.Logger
}

func (s *Server) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

func (s *Server) cookieName() string {
	if s.SessionCookieName != "" {
		return s.SessionCookieName
	}
	return auth.DefaultSessionCookieName
}

// Router builds the chi router with the full middleware stack.
func (s *Server) Router() http.Handler {
	rps := s.RatePerSecond
	if rps <= 0 {
		rps = 20
	}
	burst := s.Burst
	if burst <= 0 {
		burst = 40
	}
	limiter := NewGlobalRateLimiter(rps, burst)

	r := chi.NewRouter()
	r.Use(auth.RequestIDMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Idempotency-Key", "If-Match"},
		ExposedHeaders: []string{"ETag", "Retry-After", "X-Request-ID"},
		MaxAge:         86400,
	}))
	r.Use(limiter.Middleware)

	r.Get("/healthz", s.handleHealthz)
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
	}
	r.Post("/api/login", s.handleLogin)

	r.Group(func(pr chi.Router) {
		pr.Use(s.authenticate)
		pr.Get("/api/me", s.handleMe)
		pr.Get("/api/review/queues", s.handleListQueues)
		pr.Get("/api/review/queues/{queueID}/items", s.handleListQueueItems)
		pr.Get("/api/review/items/{itemID}", s.handleGetReviewItem)
		pr.Get("/api/review/items/{itemID}/audit", s.handleGetReviewItemAudit)

		pr.Group(func(mr chi.Router) {
			if s.Idempotency != nil {
				mr.Use(IdempotencyMiddleware(s.Idempotency))
			}
			mr.Post("/api/review/items/{itemID}/corrections", s.handleSubmitCorrection)
			mr.Post("/api/review/items/{itemID}/drafts/{draftKind}/{verdict}", s.handleDraftDecision)
		})
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK", "component": "ieim-api"})
}
