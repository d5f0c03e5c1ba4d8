package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tokligence/credit-ledger/internal/audit"
	"github.com/tokligence/credit-ledger/internal/ledger"
	"github.com/tokligence/credit-ledger/internal/pricing"
)

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	balance, err := s.credits.GetBalance(r.Context(), userID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"user_id":       userID,
		"balance_cents": balance,
		"balance":       ledger.Dollars(balance),
	})
}

type creditRequest struct {
	UserID      string          `json:"user_id"`
	AmountCents int64           `json:"amount_cents"`
	Kind        string          `json:"kind,omitempty"`
	Description string          `json:"description,omitempty"`
	Metadata    ledger.Metadata `json:"metadata,omitempty"`
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID == "" || req.AmountCents <= 0 {
		s.respondError(w, http.StatusBadRequest, errors.New("user_id and positive amount_cents required"))
		return
	}
	kind := ledger.Kind(req.Kind)
	if req.Kind == "" {
		kind = ledger.KindCreditPurchase
	}
	if !ledger.ValidKind(kind) || kind == ledger.KindUsageCharge {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid credit kind"))
		return
	}
	tx, err := s.credits.Credit(r.Context(), req.UserID, req.AmountCents, kind, req.Description, req.Metadata)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, tx)
}

type chargeRequest struct {
	UserID      string          `json:"user_id"`
	AmountCents int64           `json:"amount_cents"`
	Description string          `json:"description,omitempty"`
	Metadata    ledger.Metadata `json:"metadata,omitempty"`
}

func (s *Server) handleCharge(w http.ResponseWriter, r *http.Request) {
	var req chargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID == "" || req.AmountCents <= 0 {
		s.respondError(w, http.StatusBadRequest, errors.New("user_id and positive amount_cents required"))
		return
	}
	tx, err := s.credits.Charge(r.Context(), req.UserID, req.AmountCents, req.Description, req.Metadata)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, tx)
}

type usageRequest struct {
	UserID       string `json:"user_id"`
	Model        string `json:"model"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	var req usageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID == "" || req.Model == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("user_id and model required"))
		return
	}
	tx, err := s.credits.ChargeForUsage(r.Context(), req.UserID, req.Model, req.InputTokens, req.OutputTokens)
	if err != nil {
		if errors.Is(err, pricing.ErrUnknownModel) {
			s.respondError(w, http.StatusBadRequest, err)
			return
		}
		s.respondDomainError(w, err)
		return
	}
	if tx == nil {
		// Zero-cost usage: nothing written.
		s.respondJSON(w, http.StatusOK, map[string]any{"charged": false})
		return
	}
	s.respondJSON(w, http.StatusCreated, tx)
}

func (s *Server) handleWelcomeBonus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	granted, err := s.credits.GrantWelcomeBonus(r.Context(), userID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"user_id": userID, "granted": granted})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			s.respondError(w, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		limit = parsed
	}
	entries, err := s.credits.TransactionHistory(r.Context(), userID, limit)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []ledger.Transaction{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"user_id": userID, "transactions": entries})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("user_id required"))
		return
	}
	keys, err := s.credits.ListAPIKeys(r.Context(), userID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if keys == nil {
		keys = []ledger.APIKey{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"user_id": userID, "keys": keys})
}

type issueKeyRequest struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
}

func (s *Server) handleIssueKey(w http.ResponseWriter, r *http.Request) {
	var req issueKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("user_id required"))
		return
	}
	key, secret, err := s.credits.IssueAPIKey(r.Context(), req.UserID, req.Name)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	// The secret appears in this response and nowhere else.
	s.respondJSON(w, http.StatusCreated, map[string]any{"key": key, "secret": secret})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "keyID")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("user_id required"))
		return
	}
	if err := s.credits.DeactivateAPIKey(r.Context(), userID, keyID); err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusNoContent, nil)
}

type auditRequest struct {
	DryRun bool   `json:"dry_run,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	var req auditRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, err)
			return
		}
	}
	report, err := s.auditor.Run(r.Context(), audit.Options{DryRun: req.DryRun, UserID: req.UserID})
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if report.Findings == nil {
		report.Findings = []audit.Finding{}
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleCacheWarm(w http.ResponseWriter, r *http.Request) {
	warmed, err := s.credits.WarmCache(r.Context())
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"warmed": warmed})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if userID := r.URL.Query().Get("user_id"); userID != "" {
		s.credits.ClearUserCache(userID)
		s.respondJSON(w, http.StatusOK, map[string]any{"cleared": userID})
		return
	}
	s.credits.ClearCache()
	s.respondJSON(w, http.StatusOK, map[string]any{"cleared": "all"})
}

type migrateRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	var req migrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("user_id required"))
		return
	}
	migrated, err := s.credits.MigrateUser(r.Context(), req.UserID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"user_id": req.UserID, "migrated": migrated})
}
