// Package provider talks to the legacy account metadata service that held
// balances before this ledger existed. It is only exercised during
// migration; nothing in the steady-state request path depends on it.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tokligence/credit-ledger/internal/ledger"
	"github.com/tokligence/credit-ledger/internal/retry"
)

// HTTPClient abstracts the Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client fetches legacy account snapshots.
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient HTTPClient
}

// New constructs a client for the given base URL. token may be empty;
// httpClient nil uses a 10s-timeout default.
func New(baseURL, token string, httpClient HTTPClient) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: parsed, token: token, httpClient: httpClient}, nil
}

// accountPayload mirrors the legacy service's account document.
type accountPayload struct {
	UserID       string              `json:"user_id"`
	BalanceUSD   float64             `json:"balance_usd"`
	Clusters     []string            `json:"clusters,omitempty"`
	Preferences  map[string]any      `json:"preferences,omitempty"`
	Transactions []legacyTransaction `json:"transactions,omitempty"`
}

type legacyTransaction struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	AmountUSD   float64   `json:"amount_usd"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// errorResponse matches the legacy service's error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// FetchAccount returns the legacy account and its embedded transactions,
// or nil when the user is unknown there. Rate-limit and 5xx responses come
// back as *retry.TransientError so the retry executor keeps trying;
// a Retry-After header is honored as the next delay.
func (c *Client) FetchAccount(ctx context.Context, userID string) (*ledger.Account, []ledger.Transaction, error) {
	if userID == "" {
		return nil, nil, errors.New("user id required")
	}
	rel, err := url.Parse("/accounts/" + url.PathEscape(userID))
	if err != nil {
		return nil, nil, err
	}
	endpoint := c.baseURL.ResolveReference(rel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, nil, &retry.TransientError{
			Err:        fmt.Errorf("provider error: status %d", resp.StatusCode),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode >= 500:
		return nil, nil, &retry.TransientError{
			Err: fmt.Errorf("provider error: status %d", resp.StatusCode),
		}
	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(resp.Body)
		var errPayload errorResponse
		if err := json.Unmarshal(data, &errPayload); err == nil && strings.TrimSpace(errPayload.Error) != "" {
			return nil, nil, fmt.Errorf("provider error: %s", errPayload.Error)
		}
		return nil, nil, fmt.Errorf("provider error: status %d", resp.StatusCode)
	}

	var payload accountPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, nil, fmt.Errorf("decode provider response: %w", err)
	}

	acct := &ledger.Account{
		UserID:              payload.UserID,
		BalanceCents:        usdToCents(payload.BalanceUSD),
		ClusterEntitlements: payload.Clusters,
		Preferences:         payload.Preferences,
	}
	txs := make([]ledger.Transaction, 0, len(payload.Transactions))
	for _, lt := range payload.Transactions {
		txs = append(txs, ledger.Transaction{
			ID:          lt.ID,
			UserID:      payload.UserID,
			Kind:        ledger.Kind(lt.Kind),
			AmountCents: usdToCents(lt.AmountUSD),
			Description: lt.Description,
			CreatedAt:   lt.CreatedAt,
		})
	}
	return acct, txs, nil
}

func usdToCents(usd float64) int64 {
	if usd >= 0 {
		return int64(usd*100 + 0.5)
	}
	return -int64(-usd*100 + 0.5)
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
