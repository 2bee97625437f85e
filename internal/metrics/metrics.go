// Package metrics exposes the Prometheus collectors shared across the
// evaluation pipeline, the feedback loop, and the background workers.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts API requests by route and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_http_requests_total",
			Help: "API requests by method, route and status code",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration observes API latency by route.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_http_request_duration_seconds",
			Help:    "API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// EvaluationsTotal counts evaluated transactions by action.
	EvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_evaluations_total",
			Help: "Evaluated transactions by final action",
		},
		[]string{"action"},
	)

	// EvaluationDuration observes end-to-end pipeline latency.
	EvaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentinel_evaluation_duration_seconds",
			Help:    "Evaluation pipeline latency from dispatch to score",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// RuleTriggersTotal counts rule triggers by rule type.
	RuleTriggersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_rule_triggers_total",
			Help: "Triggered rules by type",
		},
		[]string{"rule_type"},
	)

	// RuleErrorsTotal counts evaluator failures by rule type.
	RuleErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_rule_errors_total",
			Help: "Evaluator errors swallowed by the rule engine",
		},
		[]string{"rule_type"},
	)

	// ReviewFeedbackTotal counts operator verdicts by status.
	ReviewFeedbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_review_feedback_total",
			Help: "Review feedback submissions by terminal status",
		},
		[]string{"status"},
	)

	// AutoAcceptedTotal counts review items expired by the sweeper.
	AutoAcceptedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_review_auto_accepted_total",
			Help: "Review items transitioned to AUTO_ACCEPTED by the sweeper",
		},
	)

	// WeightAdjustmentsTotal counts applied weight changes by direction.
	WeightAdjustmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_weight_adjustments_total",
			Help: "Rule weight changes applied by the adjuster",
		},
		[]string{"direction"},
	)

	// ShadowEvaluationsTotal counts shadow-scored evaluations by divergence.
	ShadowEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_shadow_evaluations_total",
			Help: "Shadow-weight evaluations, split by whether the action diverged",
		},
		[]string{"divergence"},
	)

	// SilentClients gauges clients currently in the silence-alerted set.
	SilentClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_silent_clients",
			Help: "Clients whose transaction flow stopped unexpectedly",
		},
	)

	// NotificationsTotal counts notifier dispatches by kind and outcome.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_notifications_total",
			Help: "Notifier dispatches by kind and outcome",
		},
		[]string{"kind", "status"},
	)

	// StreamMessagesTotal counts ingest-stream message outcomes.
	StreamMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_stream_messages_total",
			Help: "Ingest stream messages by outcome",
		},
		[]string{"outcome"},
	)

	// GraphRefreshDuration observes beneficiary graph rebuild time.
	GraphRefreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentinel_graph_refresh_duration_seconds",
			Help:    "Beneficiary graph rebuild duration",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	// GraphBeneficiaries gauges distinct beneficiaries in the live snapshot.
	GraphBeneficiaries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_graph_beneficiaries",
			Help: "Distinct beneficiaries in the current graph snapshot",
		},
	)

	// GraphLastRefresh gauges the unix timestamp of the last graph swap.
	GraphLastRefresh = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_graph_last_refresh_timestamp",
			Help: "Unix time of the last beneficiary graph swap",
		},
	)

	// AuditEventsTotal counts events persisted by the audit consumer.
	AuditEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_audit_events_total",
			Help: "Audit events persisted by the Kafka consumer",
		},
		[]string{"event_type"},
	)

	// KafkaPublishErrorsTotal counts failed audit publications.
	KafkaPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_kafka_publish_errors_total",
			Help: "Evaluation events that failed to publish",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EvaluationsTotal,
		EvaluationDuration,
		RuleTriggersTotal,
		RuleErrorsTotal,
		ReviewFeedbackTotal,
		AutoAcceptedTotal,
		WeightAdjustmentsTotal,
		ShadowEvaluationsTotal,
		SilentClients,
		NotificationsTotal,
		StreamMessagesTotal,
		GraphRefreshDuration,
		GraphBeneficiaries,
		GraphLastRefresh,
		AuditEventsTotal,
		KafkaPublishErrorsTotal,
	)
}

// Middleware records request counts and latency per gin route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the Prometheus scrape endpoint.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
