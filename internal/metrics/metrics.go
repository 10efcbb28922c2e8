package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for VigilPay.
type Metrics struct {
	// Payment lifecycle metrics
	PaymentsCreatedTotal   *prometheus.CounterVec
	PaymentsConfirmedTotal *prometheus.CounterVec
	PaymentsOverpaidTotal  *prometheus.CounterVec
	OverpaidBaseUnitsTotal *prometheus.CounterVec
	ConfirmationLatency    *prometheus.HistogramVec
	ManualReviewTotal      *prometheus.CounterVec

	// Monitor loop metrics
	MonitorCyclesTotal   prometheus.Counter
	MonitorCycleDuration prometheus.Histogram
	MonitorBatchSize     prometheus.Gauge
	MonitorInFlight      prometheus.Gauge
	MonitorErrorsTotal   *prometheus.CounterVec
	RetryAttemptsTotal   *prometheus.CounterVec
	RetryTallySize       prometheus.Gauge

	// RPC call metrics
	RPCCallsTotal   *prometheus.CounterVec
	RPCCallDuration *prometheus.HistogramVec
	RPCErrorsTotal  *prometheus.CounterVec

	// Webhook metrics
	WebhooksTotal       *prometheus.CounterVec
	WebhookRetriesTotal *prometheus.CounterVec
	WebhookDLQTotal     *prometheus.CounterVec
	WebhookDuration     *prometheus.HistogramVec

	// Live stream metrics
	LiveConnectionsActive prometheus.Gauge
	LiveBroadcastsTotal   *prometheus.CounterVec

	// Email metrics
	EmailsTotal *prometheus.CounterVec

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec

	// Database metrics
	DBQueryDuration     *prometheus.HistogramVec
	DBConnectionsActive prometheus.Gauge
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Payment lifecycle metrics
		PaymentsCreatedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_payments_created_total",
				Help: "Total number of payment intents created",
			},
			[]string{"payment_type"},
		),
		PaymentsConfirmedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_payments_confirmed_total",
				Help: "Total number of payments confirmed on-chain",
			},
			[]string{"payment_type", "validation_method"},
		),
		PaymentsOverpaidTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_payments_overpaid_total",
				Help: "Total number of confirmed payments that exceeded the requested amount",
			},
			[]string{"payment_type"},
		),
		OverpaidBaseUnitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_overpaid_base_units_total",
				Help: "Cumulative overpayment across confirmed payments, in base units",
			},
			[]string{"payment_type"},
		),
		ConfirmationLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vigil_confirmation_latency_seconds",
				Help:    "Time from payment intent creation to on-chain confirmation",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"payment_type"},
		),
		ManualReviewTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_manual_review_total",
				Help: "Total number of payments flagged for manual review",
			},
			[]string{"reason"},
		),

		// Monitor loop metrics
		MonitorCyclesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vigil_monitor_cycles_total",
				Help: "Total number of monitor poll cycles",
			},
		),
		MonitorCycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vigil_monitor_cycle_duration_seconds",
				Help:    "Duration of a single monitor poll cycle (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
		),
		MonitorBatchSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "vigil_monitor_batch_size",
				Help: "Number of pending payments picked up in the last poll cycle",
			},
		),
		MonitorInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "vigil_monitor_in_flight",
				Help: "Number of payments currently being checked",
			},
		),
		MonitorErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_monitor_errors_total",
				Help: "Total number of classified monitor errors",
			},
			[]string{"error_kind", "severity"},
		),
		RetryAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_retry_attempts_total",
				Help: "Total number of RPC retry attempts by error kind",
			},
			[]string{"error_kind"},
		),
		RetryTallySize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "vigil_retry_tally_size",
				Help: "Number of references tracked in the retry tally",
			},
		),

		// RPC call metrics
		RPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_rpc_calls_total",
				Help: "Total number of RPC calls to the Solana node",
			},
			[]string{"method", "network"},
		),
		RPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vigil_rpc_call_duration_seconds",
				Help:    "Duration of RPC calls to the Solana node (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "network"},
		),
		RPCErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_rpc_errors_total",
				Help: "Total number of RPC errors",
			},
			[]string{"method", "network", "error_type"},
		),

		// Webhook metrics
		WebhooksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_webhooks_total",
				Help: "Total number of webhook deliveries",
			},
			[]string{"event_type", "status"},
		),
		WebhookRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_webhook_retries_total",
				Help: "Total number of webhook retry attempts",
			},
			[]string{"event_type", "attempt"},
		),
		WebhookDLQTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_webhook_dlq_total",
				Help: "Total number of webhooks sent to DLQ",
			},
			[]string{"event_type"},
		),
		WebhookDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vigil_webhook_duration_seconds",
				Help:    "Time taken for webhook delivery",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"event_type"},
		),

		// Live stream metrics
		LiveConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "vigil_live_connections_active",
				Help: "Number of websocket clients watching payment status",
			},
		),
		LiveBroadcastsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_live_broadcasts_total",
				Help: "Total number of events broadcast to live watchers",
			},
			[]string{"event_type"},
		),

		// Email metrics
		EmailsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_emails_total",
				Help: "Total number of confirmation emails attempted",
			},
			[]string{"status"},
		),

		// Rate limiting metrics
		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"limit_type", "identifier"},
		),

		// Database metrics
		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vigil_db_query_duration_seconds",
				Help:    "Database query duration (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"operation", "backend"},
		),
		DBConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "vigil_db_connections_active",
				Help: "Number of active database connections",
			},
		),
	}
}

// ObservePaymentCreated records a newly created payment intent.
func (m *Metrics) ObservePaymentCreated(paymentType string) {
	m.PaymentsCreatedTotal.WithLabelValues(paymentType).Inc()
}

// ObservePaymentConfirmed records a confirmed payment with its
// creation-to-confirmation latency and any overpayment.
func (m *Metrics) ObservePaymentConfirmed(paymentType, validationMethod string, latency time.Duration, overpaidBaseUnits uint64) {
	m.PaymentsConfirmedTotal.WithLabelValues(paymentType, validationMethod).Inc()
	m.ConfirmationLatency.WithLabelValues(paymentType).Observe(latency.Seconds())
	if overpaidBaseUnits > 0 {
		m.PaymentsOverpaidTotal.WithLabelValues(paymentType).Inc()
		m.OverpaidBaseUnitsTotal.WithLabelValues(paymentType).Add(float64(overpaidBaseUnits))
	}
}

// ObserveManualReview records a payment flagged for operator attention.
func (m *Metrics) ObserveManualReview(reason string) {
	m.ManualReviewTotal.WithLabelValues(reason).Inc()
}

// ObserveMonitorCycle records one monitor poll cycle.
func (m *Metrics) ObserveMonitorCycle(duration time.Duration, batchSize int) {
	m.MonitorCyclesTotal.Inc()
	m.MonitorCycleDuration.Observe(duration.Seconds())
	m.MonitorBatchSize.Set(float64(batchSize))
}

// ObserveMonitorError records a classified monitor error.
func (m *Metrics) ObserveMonitorError(errorKind, severity string) {
	m.MonitorErrorsTotal.WithLabelValues(errorKind, severity).Inc()
}

// ObserveRetryAttempt records a retry of a transient RPC failure.
func (m *Metrics) ObserveRetryAttempt(errorKind string) {
	m.RetryAttemptsTotal.WithLabelValues(errorKind).Inc()
}

// ObserveRPCCall records an RPC call to the Solana node.
func (m *Metrics) ObserveRPCCall(method, network string, duration time.Duration, err error) {
	m.RPCCallsTotal.WithLabelValues(method, network).Inc()
	m.RPCCallDuration.WithLabelValues(method, network).Observe(duration.Seconds())

	if err != nil {
		errorType := "unknown"
		if errStr := err.Error(); errStr != "" {
			switch {
			case strings.Contains(errStr, "timeout"):
				errorType = "timeout"
			case strings.Contains(errStr, "rate limit"):
				errorType = "rate_limit"
			case strings.Contains(errStr, "connection"):
				errorType = "connection"
			case strings.Contains(errStr, "not found"):
				errorType = "not_found"
			default:
				errorType = "other"
			}
		}
		m.RPCErrorsTotal.WithLabelValues(method, network, errorType).Inc()
	}
}

// ObserveWebhook records webhook delivery.
func (m *Metrics) ObserveWebhook(eventType, status string, duration time.Duration, attempt int, sentToDLQ bool) {
	m.WebhooksTotal.WithLabelValues(eventType, status).Inc()
	m.WebhookDuration.WithLabelValues(eventType).Observe(duration.Seconds())

	if attempt > 1 {
		m.WebhookRetriesTotal.WithLabelValues(eventType, formatAttempt(attempt)).Inc()
	}

	if sentToDLQ {
		m.WebhookDLQTotal.WithLabelValues(eventType).Inc()
	}
}

// ObserveLiveBroadcast records an event pushed to live watchers.
func (m *Metrics) ObserveLiveBroadcast(eventType string) {
	m.LiveBroadcastsTotal.WithLabelValues(eventType).Inc()
}

// ObserveEmail records a confirmation email attempt ("sent", "failed", "skipped").
func (m *Metrics) ObserveEmail(status string) {
	m.EmailsTotal.WithLabelValues(status).Inc()
}

// ObserveRateLimit records a rate limit hit.
func (m *Metrics) ObserveRateLimit(limitType, identifier string) {
	m.RateLimitHitsTotal.WithLabelValues(limitType, identifier).Inc()
}

// ObserveDBQuery records a database query.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

func formatAttempt(attempt int) string {
	if attempt <= 5 {
		return string(rune('0' + attempt))
	}
	return "5+"
}
