package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements gatepass.Metrics using Prometheus.
type Metrics struct {
	webhooksTotal              *prometheus.CounterVec
	webhookDuration            *prometheus.HistogramVec
	verificationsTotal         *prometheus.CounterVec
	provisionsTotal            *prometheus.CounterVec
	deliveriesTotal            *prometheus.CounterVec
	tierChangesTotal           *prometheus.CounterVec
	apiCallsTotal              *prometheus.CounterVec
	apiCallDuration            *prometheus.HistogramVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
	broadcastMessagesTotal     *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhooksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_total",
			Help:      "Total number of inbound payment webhooks by event and status.",
		}, []string{"event", "status"}),

		webhookDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_duration_seconds",
			Help:      "Latency of payment webhook processing.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event"}),

		verificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_verifications_total",
			Help:      "Total number of provider re-verifications by result.",
		}, []string{"status"}),

		provisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grant_provisions_total",
			Help:      "Total number of access grant provisioning outcomes.",
		}, []string{"outcome"}),

		deliveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Total number of message deliveries by kind.",
		}, []string{"kind", "success"}),

		tierChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_changes_total",
			Help:      "Total number of subscription tier changes.",
		}, []string{"from", "to"}),

		apiCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_calls_total",
			Help:      "Total number of outbound API calls.",
		}, []string{"service", "endpoint", "status"}),

		apiCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_call_duration_seconds",
			Help:      "Latency of outbound API calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "endpoint"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),

		broadcastMessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_messages_total",
			Help:      "Total number of broadcast messages by result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) RecordWebhook(event, status string) {
	m.webhooksTotal.WithLabelValues(event, status).Inc()
}

func (m *Metrics) RecordWebhookDuration(event string, duration time.Duration) {
	m.webhookDuration.WithLabelValues(event).Observe(duration.Seconds())
}

func (m *Metrics) RecordVerification(status string) {
	m.verificationsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordProvision(outcome string) {
	m.provisionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordDelivery(kind string, success bool) {
	m.deliveriesTotal.WithLabelValues(kind, strconv.FormatBool(success)).Inc()
}

func (m *Metrics) RecordTierChange(fromTier, toTier string) {
	m.tierChangesTotal.WithLabelValues(fromTier, toTier).Inc()
}

func (m *Metrics) RecordAPICall(service, endpoint, status string) {
	m.apiCallsTotal.WithLabelValues(service, endpoint, status).Inc()
}

func (m *Metrics) RecordAPICallDuration(service, endpoint string, duration time.Duration) {
	m.apiCallDuration.WithLabelValues(service, endpoint).Observe(duration.Seconds())
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

func (m *Metrics) RecordBroadcast(sent, failed int) {
	m.broadcastMessagesTotal.WithLabelValues("sent").Add(float64(sent))
	m.broadcastMessagesTotal.WithLabelValues("failed").Add(float64(failed))
}
