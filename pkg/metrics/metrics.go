// Package metrics provides the centralized Prometheus registry reference for
// the ingest pacer. Metric families are defined in the packages that own
// them (ratelimit, fetch, scheduler) to maintain modularity and avoid
// circular dependencies.
//
// This package documents the available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the pacer.
// All metrics are automatically registered via promauto in their packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Admission Metrics (pkg/ratelimit):
//   - pacer_admission_decisions_total{decision} (Counter): decisions by
//     outcome (granted, delayed, quota_exhausted)
//   - pacer_throttled_responses_total (Counter): 429-equivalent responses observed
//   - pacer_retries_total (Counter): retry attempts after upstream failures
//   - pacer_daily_quota_remaining (Gauge): requests left in the quota window
//   - pacer_consecutive_failures (Gauge): current upstream failure streak
//
// Fetch Metrics (pkg/fetch):
//   - pacer_fetch_requests_total{status} (Counter): requests by HTTP status
//   - pacer_fetch_duration_seconds (Histogram): page fetch latency
//   - pacer_fetch_errors_total{class} (Counter): errors by class
//     (throttled, server, client, permanent)
//
// Scheduler Metrics (pkg/scheduler):
//   - pacer_days_processed_total{mode} (Counter): committed days by window mode
//   - pacer_rows_written_total (Counter): rows upserted into the warehouse
//   - pacer_tenant_runs_total{outcome} (Counter): runs by outcome
//     (success, failed, current)
//   - pacer_tenant_run_duration_seconds (Histogram): per-tenant run duration
//
// Example Prometheus Queries:
//
//   # Throttle rate
//   rate(pacer_throttled_responses_total[5m]) /
//   rate(pacer_admission_decisions_total{decision="granted"}[5m])
//
//   # Quota headroom
//   pacer_daily_quota_remaining
//
//   # Failed tenant runs over the last hour
//   increase(pacer_tenant_runs_total{outcome="failed"}[1h])
//
//   # P95 page fetch latency
//   histogram_quantile(0.95, rate(pacer_fetch_duration_seconds_bucket[5m]))
