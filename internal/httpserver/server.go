// Package httpserver exposes the REST surface for the credit ledger: balance
// reads, charges and credits, transaction history, API key management, and
// the admin endpoints driven by creditctl.
package httpserver

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tokligence/credit-ledger/internal/audit"
	"github.com/tokligence/credit-ledger/internal/credits"
	"github.com/tokligence/credit-ledger/internal/health"
	"github.com/tokligence/credit-ledger/internal/ledger"
	"github.com/tokligence/credit-ledger/internal/metrics"
	"github.com/tokligence/credit-ledger/internal/version"
)

// Server wires the credit service and auditor behind chi routes.
type Server struct {
	credits *credits.Service
	auditor *audit.Auditor
	metrics *metrics.Collector
	health  *health.Checker

	// adminToken guards /admin and, when set, doubles as a service token
	// for /api/v1. Empty disables auth entirely (dev mode).
	adminToken string
}

// New constructs the server. collector may be nil.
func New(svc *credits.Service, auditor *audit.Auditor, collector *metrics.Collector, adminToken string) *Server {
	if collector == nil {
		collector = metrics.NewCollector()
	}
	return &Server{
		credits:    svc,
		auditor:    auditor,
		metrics:    collector,
		adminToken: adminToken,
	}
}

// SetHealthChecker enables dependency probes on /healthz.
func (s *Server) SetHealthChecker(checker *health.Checker) {
	s.health = checker
}

// Router builds the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.instrument)
		r.Use(s.requireAPIKey)

		r.Get("/balance/{userID}", s.handleGetBalance)
		r.Post("/credits", s.handleCredit)
		r.Post("/charges", s.handleCharge)
		r.Post("/usage", s.handleUsage)
		r.Post("/users/{userID}/welcome-bonus", s.handleWelcomeBonus)
		r.Get("/transactions/{userID}", s.handleTransactions)

		r.Route("/keys", func(r chi.Router) {
			r.Get("/", s.handleListKeys)
			r.Post("/", s.handleIssueKey)
			r.Delete("/{keyID}", s.handleRevokeKey)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.instrument)
		r.Use(s.requireAdmin)

		r.Post("/audit", s.handleAudit)
		r.Post("/cache/warm", s.handleCacheWarm)
		r.Post("/cache/clear", s.handleCacheClear)
		r.Post("/migrate", s.handleMigrate)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.respondJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version.Info(),
		})
		return
	}
	report := s.health.Check(r.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, map[string]any{
		"status":     report.Status,
		"version":    version.Info(),
		"components": report.Components,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(metrics.FormatPrometheus(s.metrics.GetSnapshot())))
}

// instrument records per-endpoint counters using the matched route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := chi.RouteContext(r.Context()).RoutePattern()
		if endpoint == "" {
			endpoint = r.URL.Path
		}
		s.metrics.RecordRequest(endpoint, time.Since(start))
		if ww.Status() >= 500 {
			s.metrics.RecordError(endpoint)
		}
	})
}

// requireAPIKey authenticates /api/v1 with either a user API key or the
// admin token. No configured admin token means auth is disabled.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r)
		if token == "" {
			s.respondError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}
		if token == s.adminToken {
			next.ServeHTTP(w, r)
			return
		}
		if _, err := s.credits.ValidateAPIKey(r.Context(), token); err != nil {
			if errors.Is(err, ledger.ErrInvalidAPIKey) {
				s.respondError(w, http.StatusUnauthorized, err)
				return
			}
			s.respondError(w, http.StatusInternalServerError, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken != "" && bearerToken(r) != s.adminToken {
			s.respondError(w, http.StatusUnauthorized, errors.New("admin token required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}

// respondDomainError maps the ledger error taxonomy onto HTTP statuses.
func (s *Server) respondDomainError(w http.ResponseWriter, err error) {
	var insufficient *ledger.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		s.respondJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":           insufficient.Error(),
			"required_cents":  insufficient.RequiredCents,
			"available_cents": insufficient.AvailableCents,
		})
		return
	}
	var quota *ledger.QuotaExceededError
	if errors.As(err, &quota) {
		s.respondJSON(w, http.StatusConflict, map[string]any{
			"error": quota.Error(),
			"limit": quota.Limit,
		})
		return
	}
	if errors.Is(err, ledger.ErrInvalidAPIKey) {
		s.respondError(w, http.StatusUnauthorized, err)
		return
	}
	log.Printf("[httpserver] internal error: %v", err)
	s.respondError(w, http.StatusInternalServerError, err)
}
