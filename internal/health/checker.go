// Package health reports liveness of the ledger's dependencies for the
// /healthz endpoint.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult holds the result of a health check.
type CheckResult struct {
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// StorePinger is the slice of the ledger store the checker needs.
type StorePinger interface {
	ListUserIDs(ctx context.Context) ([]string, error)
}

// Checker probes the ledger store and, when configured, the legacy provider.
type Checker struct {
	mu sync.RWMutex

	store           StorePinger
	providerBaseURL string

	storeTimeout time.Duration
	httpTimeout  time.Duration
	httpClient   *http.Client
}

// New returns a checker over the store. providerBaseURL may be empty.
func New(store StorePinger, providerBaseURL string) *Checker {
	return &Checker{
		store:           store,
		providerBaseURL: providerBaseURL,
		storeTimeout:    2 * time.Second,
		httpTimeout:     3 * time.Second,
		httpClient:      &http.Client{Timeout: 3 * time.Second},
	}
}

// Report is the healthz payload.
type Report struct {
	Status     Status                 `json:"status"`
	Components map[string]CheckResult `json:"components"`
}

// Check probes every component and aggregates the worst status. The
// provider being down only degrades the service; the store being down makes
// it unhealthy.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.RLock()
	defer c.mu.RUnlock()

	components := map[string]CheckResult{
		"store": c.checkStore(ctx),
	}
	if c.providerBaseURL != "" {
		components["legacy_provider"] = c.checkProvider(ctx)
	}

	overall := StatusHealthy
	if components["store"].Status != StatusHealthy {
		overall = StatusUnhealthy
	} else if p, ok := components["legacy_provider"]; ok && p.Status != StatusHealthy {
		overall = StatusDegraded
	}
	return Report{Status: overall, Components: components}
}

func (c *Checker) checkStore(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()

	start := time.Now()
	_, err := c.store.ListUserIDs(ctx)
	res := CheckResult{
		Status:    StatusHealthy,
		LatencyMS: time.Since(start).Milliseconds(),
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		res.Status = StatusUnhealthy
		res.Error = err.Error()
	}
	return res
}

func (c *Checker) checkProvider(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.httpTimeout)
	defer cancel()

	start := time.Now()
	res := CheckResult{Status: StatusHealthy, Timestamp: time.Now().UTC()}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.providerBaseURL, nil)
	if err != nil {
		res.Status = StatusUnhealthy
		res.Error = err.Error()
		return res
	}
	resp, err := c.httpClient.Do(req)
	res.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		res.Status = StatusUnhealthy
		res.Error = err.Error()
		return res
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		res.Status = StatusDegraded
		res.Error = resp.Status
	}
	return res
}
