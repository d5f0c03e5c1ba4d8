package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tokligence/credit-ledger/internal/retry"
)

func TestFetchAccount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/accounts/alice" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"user_id": "alice",
			"balance_usd": 19.50,
			"clusters": ["us-east"],
			"transactions": [
				{"id": "t1", "kind": "credit_purchase", "amount_usd": 20.00, "created_at": "2024-01-01T00:00:00Z"},
				{"id": "t2", "kind": "usage_charge", "amount_usd": -0.50, "created_at": "2024-01-02T00:00:00Z"}
			]
		}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, "s3cret", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	acct, txs, err := c.FetchAccount(context.Background(), "alice")
	if err != nil {
		t.Fatalf("FetchAccount: %v", err)
	}
	if acct == nil || acct.UserID != "alice" || acct.BalanceCents != 1950 {
		t.Fatalf("unexpected account: %+v", acct)
	}
	if len(txs) != 2 || txs[0].AmountCents != 2000 || txs[1].AmountCents != -50 {
		t.Fatalf("unexpected transactions: %+v", txs)
	}
}

func TestFetchAccountNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "", nil)
	acct, txs, err := c.FetchAccount(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("FetchAccount: %v", err)
	}
	if acct != nil || txs != nil {
		t.Fatalf("expected nil account for 404, got %+v", acct)
	}
}

func TestFetchAccountRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "", nil)
	_, _, err := c.FetchAccount(context.Background(), "alice")
	var te *retry.TransientError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransientError, got %v", err)
	}
	if te.RetryAfter != 7*time.Second {
		t.Fatalf("Retry-After not honored: %v", te.RetryAfter)
	}
}

func TestFetchAccountServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "", nil)
	_, _, err := c.FetchAccount(context.Background(), "alice")
	var te *retry.TransientError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransientError for 5xx, got %v", err)
	}
	if !retry.Retryable(err) {
		t.Fatal("5xx must be classified retryable")
	}
}

func TestFetchAccountClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error": "token revoked"}`))
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "", nil)
	_, _, err := c.FetchAccount(context.Background(), "alice")
	if err == nil || err.Error() != "provider error: token revoked" {
		t.Fatalf("unexpected error: %v", err)
	}
	var te *retry.TransientError
	if errors.As(err, &te) {
		t.Fatal("4xx must not be retryable")
	}
}
