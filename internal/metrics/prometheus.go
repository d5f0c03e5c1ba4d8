package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// FormatPrometheus formats metrics in Prometheus text format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func FormatPrometheus(snap Snapshot) string {
	var sb strings.Builder

	// Process uptime
	sb.WriteString("# HELP creditledger_uptime_seconds Time since the service started\n")
	sb.WriteString("# TYPE creditledger_uptime_seconds gauge\n")
	sb.WriteString(fmt.Sprintf("creditledger_uptime_seconds %d\n", snap.Uptime))
	sb.WriteString("\n")

	// Total requests by endpoint
	sb.WriteString("# HELP creditledger_requests_total Total number of requests by endpoint\n")
	sb.WriteString("# TYPE creditledger_requests_total counter\n")
	for _, endpoint := range sortedKeys(snap.TotalRequests) {
		count := snap.TotalRequests[endpoint]
		sb.WriteString(fmt.Sprintf("creditledger_requests_total{endpoint=\"%s\"} %d\n", endpoint, count))
	}
	sb.WriteString("\n")

	// Request errors by endpoint
	sb.WriteString("# HELP creditledger_request_errors_total Total number of request errors by endpoint\n")
	sb.WriteString("# TYPE creditledger_request_errors_total counter\n")
	for _, endpoint := range sortedKeys(snap.RequestErrors) {
		count := snap.RequestErrors[endpoint]
		sb.WriteString(fmt.Sprintf("creditledger_request_errors_total{endpoint=\"%s\"} %d\n", endpoint, count))
	}
	sb.WriteString("\n")

	// Requests in progress
	sb.WriteString("# HELP creditledger_requests_in_progress Current number of requests being processed\n")
	sb.WriteString("# TYPE creditledger_requests_in_progress gauge\n")
	for _, endpoint := range sortedKeys(snap.RequestsInProgress) {
		count := snap.RequestsInProgress[endpoint]
		if count > 0 { // Only show active endpoints
			sb.WriteString(fmt.Sprintf("creditledger_requests_in_progress{endpoint=\"%s\"} %d\n", endpoint, count))
		}
	}
	sb.WriteString("\n")

	// Request duration (cumulative)
	sb.WriteString("# HELP creditledger_request_duration_ms_total Total request duration in milliseconds\n")
	sb.WriteString("# TYPE creditledger_request_duration_ms_total counter\n")
	for _, endpoint := range sortedKeys(snap.TotalRequestsDur) {
		duration := snap.TotalRequestsDur[endpoint]
		sb.WriteString(fmt.Sprintf("creditledger_request_duration_ms_total{endpoint=\"%s\"} %d\n", endpoint, duration))
	}
	sb.WriteString("\n")

	// Charges
	sb.WriteString("# HELP creditledger_charges_total Total number of successful charges\n")
	sb.WriteString("# TYPE creditledger_charges_total counter\n")
	sb.WriteString(fmt.Sprintf("creditledger_charges_total %d\n", snap.ChargesTotal))
	sb.WriteString("\n")

	sb.WriteString("# HELP creditledger_charges_rejected_total Charges rejected for insufficient credits\n")
	sb.WriteString("# TYPE creditledger_charges_rejected_total counter\n")
	sb.WriteString(fmt.Sprintf("creditledger_charges_rejected_total %d\n", snap.ChargesRejectedTotal))
	sb.WriteString("\n")

	sb.WriteString("# HELP creditledger_credits_total Total number of successful credits\n")
	sb.WriteString("# TYPE creditledger_credits_total counter\n")
	sb.WriteString(fmt.Sprintf("creditledger_credits_total %d\n", snap.CreditsTotal))
	sb.WriteString("\n")

	sb.WriteString("# HELP creditledger_charged_cents_total Total cents charged\n")
	sb.WriteString("# TYPE creditledger_charged_cents_total counter\n")
	sb.WriteString(fmt.Sprintf("creditledger_charged_cents_total %d\n", snap.ChargedCentsTotal))
	sb.WriteString("\n")

	sb.WriteString("# HELP creditledger_credited_cents_total Total cents credited\n")
	sb.WriteString("# TYPE creditledger_credited_cents_total counter\n")
	sb.WriteString(fmt.Sprintf("creditledger_credited_cents_total %d\n", snap.CreditedCentsTotal))
	sb.WriteString("\n")

	// Charges by model
	sb.WriteString("# HELP creditledger_charges_by_model_total Usage charges by model\n")
	sb.WriteString("# TYPE creditledger_charges_by_model_total counter\n")
	for _, model := range sortedKeys(snap.ChargesByModel) {
		count := snap.ChargesByModel[model]
		sb.WriteString(fmt.Sprintf("creditledger_charges_by_model_total{model=\"%s\"} %d\n", model, count))
	}
	sb.WriteString("\n")

	// Cache effectiveness
	sb.WriteString("# HELP creditledger_cache_hits_total Cache hits\n")
	sb.WriteString("# TYPE creditledger_cache_hits_total counter\n")
	sb.WriteString(fmt.Sprintf("creditledger_cache_hits_total %d\n", snap.CacheHits))
	sb.WriteString("\n")

	sb.WriteString("# HELP creditledger_cache_misses_total Cache misses\n")
	sb.WriteString("# TYPE creditledger_cache_misses_total counter\n")
	sb.WriteString(fmt.Sprintf("creditledger_cache_misses_total %d\n", snap.CacheMisses))
	sb.WriteString("\n")

	// Limiter / retry
	sb.WriteString("# HELP creditledger_limiter_waits_total Tasks that waited for a request-window slot\n")
	sb.WriteString("# TYPE creditledger_limiter_waits_total counter\n")
	sb.WriteString(fmt.Sprintf("creditledger_limiter_waits_total %d\n", snap.LimiterWaits))
	sb.WriteString("\n")

	sb.WriteString("# HELP creditledger_retry_exhaustions_total Calls that failed after all retries\n")
	sb.WriteString("# TYPE creditledger_retry_exhaustions_total counter\n")
	sb.WriteString(fmt.Sprintf("creditledger_retry_exhaustions_total %d\n", snap.RetryExhaustions))
	sb.WriteString("\n")

	sb.WriteString("# HELP creditledger_safe_defaults_total Balance reads answered with the configured default\n")
	sb.WriteString("# TYPE creditledger_safe_defaults_total counter\n")
	sb.WriteString(fmt.Sprintf("creditledger_safe_defaults_total %d\n", snap.SafeDefaults))
	sb.WriteString("\n")

	// Audit
	sb.WriteString("# HELP creditledger_audit_drift_findings_total Balance drift findings\n")
	sb.WriteString("# TYPE creditledger_audit_drift_findings_total counter\n")
	sb.WriteString(fmt.Sprintf("creditledger_audit_drift_findings_total %d\n", snap.DriftFindings))
	sb.WriteString("\n")

	sb.WriteString("# HELP creditledger_audit_duplicate_findings_total Duplicate welcome-bonus findings\n")
	sb.WriteString("# TYPE creditledger_audit_duplicate_findings_total counter\n")
	sb.WriteString(fmt.Sprintf("creditledger_audit_duplicate_findings_total %d\n", snap.DuplicateFindings))
	sb.WriteString("\n")

	sb.WriteString("# HELP creditledger_audit_corrections_total Corrective balance writes applied\n")
	sb.WriteString("# TYPE creditledger_audit_corrections_total counter\n")
	sb.WriteString(fmt.Sprintf("creditledger_audit_corrections_total %d\n", snap.Corrections))
	sb.WriteString("\n")

	return sb.String()
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
