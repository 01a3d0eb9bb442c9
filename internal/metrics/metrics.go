// Package metrics exposes the Prometheus instrumentation shared by
// the HTTP layer and the background workers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestDuration tracks request latency per route and status
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "privacy_core",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by method, route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	// PolicyDecisions counts evaluations by reason code
	PolicyDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "privacy_core",
		Subsystem: "policy",
		Name:      "decisions_total",
		Help:      "Policy decisions by reason code.",
	}, []string{"reason"})

	// ReceiptsAppended counts audit receipts by event type
	ReceiptsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "privacy_core",
		Subsystem: "audit",
		Name:      "receipts_appended_total",
		Help:      "Audit receipts appended to the chain by event type.",
	}, []string{"event_type"})

	// AnchorsCreated counts Merkle anchors committed
	AnchorsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "privacy_core",
		Subsystem: "audit",
		Name:      "anchors_created_total",
		Help:      "Merkle anchors committed to the external sink.",
	})

	// CapsulesShredded counts capsules crypto-shredded by the sweeper
	CapsulesShredded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "privacy_core",
		Subsystem: "capsule",
		Name:      "shredded_total",
		Help:      "Time capsules crypto-shredded after TTL expiry.",
	})

	// NonceReplays counts rejected nonce reuse attempts
	NonceReplays = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "privacy_core",
		Subsystem: "query",
		Name:      "nonce_replays_total",
		Help:      "Query dispatches rejected for nonce reuse.",
	})

	// BudgetConsumeRetries counts CAS retries during budget consumption
	BudgetConsumeRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "privacy_core",
		Subsystem: "privacy",
		Name:      "budget_consume_retries_total",
		Help:      "Compare-and-swap retries while consuming privacy budgets.",
	})
)
