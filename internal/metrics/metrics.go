package metrics

import (
	"sync"
	"time"
)

// Collector collects and exports metrics for Prometheus.
// This implementation uses manual metric tracking without external dependencies.
// For production, consider integrating prometheus/client_golang.
type Collector struct {
	mu sync.RWMutex

	// Request metrics
	totalRequests      map[string]int64 // by endpoint
	totalRequestsDur   map[string]int64 // total duration in ms
	requestErrors      map[string]int64 // by endpoint
	requestsInProgress map[string]int64 // current in-flight requests

	// Ledger metrics
	chargesTotal         int64
	chargesRejectedTotal int64 // insufficient credits
	creditsTotal         int64
	chargedCentsTotal    int64
	creditedCentsTotal   int64
	chargesByModel       map[string]int64

	// Cache metrics
	cacheHits   int64
	cacheMisses int64

	// Limiter / retry metrics
	limiterWaits     int64 // tasks that had to wait for a window slot
	retryExhaustions int64
	safeDefaults     int64 // balance reads answered with the configured default

	// Audit metrics
	driftFindings     int64
	duplicateFindings int64
	corrections       int64

	// System metrics
	startTime time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		totalRequests:      make(map[string]int64),
		totalRequestsDur:   make(map[string]int64),
		requestErrors:      make(map[string]int64),
		requestsInProgress: make(map[string]int64),
		chargesByModel:     make(map[string]int64),
		startTime:          time.Now(),
	}
}

// RecordRequest records a request to an endpoint.
func (c *Collector) RecordRequest(endpoint string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalRequests[endpoint]++
	c.totalRequestsDur[endpoint] += duration.Milliseconds()
}

// RecordError records an error for an endpoint.
func (c *Collector) RecordError(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestErrors[endpoint]++
}

// RecordRequestStart increments in-progress requests.
func (c *Collector) RecordRequestStart(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestsInProgress[endpoint]++
}

// RecordRequestEnd decrements in-progress requests.
func (c *Collector) RecordRequestEnd(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestsInProgress[endpoint]--
}

// RecordCharge records a successful charge.
func (c *Collector) RecordCharge(model string, cents int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.chargesTotal++
	c.chargedCentsTotal += cents
	if model != "" {
		c.chargesByModel[model]++
	}
}

// RecordChargeRejected records a charge rejected for insufficient credits.
func (c *Collector) RecordChargeRejected() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.chargesRejectedTotal++
}

// RecordCredit records a successful credit.
func (c *Collector) RecordCredit(cents int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.creditsTotal++
	c.creditedCentsTotal += cents
}

// RecordCacheHit / RecordCacheMiss track cache effectiveness.
func (c *Collector) RecordCacheHit() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cacheHits++
}

func (c *Collector) RecordCacheMiss() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cacheMisses++
}

// RecordLimiterWait records a task that waited for the request window.
func (c *Collector) RecordLimiterWait() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.limiterWaits++
}

// RecordRetryExhaustion records a call that failed after all retries.
func (c *Collector) RecordRetryExhaustion() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.retryExhaustions++
}

// RecordSafeDefault records a balance read answered with the default value.
func (c *Collector) RecordSafeDefault() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.safeDefaults++
}

// RecordAuditFindings records the outcome of a reconciliation run.
func (c *Collector) RecordAuditFindings(drift, duplicates, corrections int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.driftFindings += drift
	c.duplicateFindings += duplicates
	c.corrections += corrections
}

// Snapshot returns a point-in-time snapshot of all metrics.
type Snapshot struct {
	Uptime             int64
	TotalRequests      map[string]int64
	TotalRequestsDur   map[string]int64
	RequestErrors      map[string]int64
	RequestsInProgress map[string]int64

	ChargesTotal         int64
	ChargesRejectedTotal int64
	CreditsTotal         int64
	ChargedCentsTotal    int64
	CreditedCentsTotal   int64
	ChargesByModel       map[string]int64

	CacheHits   int64
	CacheMisses int64

	LimiterWaits     int64
	RetryExhaustions int64
	SafeDefaults     int64

	DriftFindings     int64
	DuplicateFindings int64
	Corrections       int64
}

// GetSnapshot returns a snapshot of current metrics.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		Uptime:             int64(time.Since(c.startTime).Seconds()),
		TotalRequests:      copyMap(c.totalRequests),
		TotalRequestsDur:   copyMap(c.totalRequestsDur),
		RequestErrors:      copyMap(c.requestErrors),
		RequestsInProgress: copyMap(c.requestsInProgress),

		ChargesTotal:         c.chargesTotal,
		ChargesRejectedTotal: c.chargesRejectedTotal,
		CreditsTotal:         c.creditsTotal,
		ChargedCentsTotal:    c.chargedCentsTotal,
		CreditedCentsTotal:   c.creditedCentsTotal,
		ChargesByModel:       copyMap(c.chargesByModel),

		CacheHits:   c.cacheHits,
		CacheMisses: c.cacheMisses,

		LimiterWaits:     c.limiterWaits,
		RetryExhaustions: c.retryExhaustions,
		SafeDefaults:     c.safeDefaults,

		DriftFindings:     c.driftFindings,
		DuplicateFindings: c.duplicateFindings,
		Corrections:       c.corrections,
	}
}

func copyMap(m map[string]int64) map[string]int64 {
	result := make(map[string]int64, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}
