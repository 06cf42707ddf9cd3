package gatepass

import "time"

// Metrics defines the interface for tracking pipeline operations.
// All methods are optional - components fall back to NoopMetrics.
type Metrics interface {
	// RecordWebhook records an inbound webhook.
	// status: "processed", "ignored", "rejected", "retry" or "undelivered"
	RecordWebhook(event, status string)

	// RecordWebhookDuration records how long a webhook took to process.
	RecordWebhookDuration(event string, duration time.Duration)

	// RecordVerification records a provider re-verification result.
	RecordVerification(status string)

	// RecordProvision records a provisioning outcome (e.g. "provisioned", "duplicate", "failed").
	RecordProvision(outcome string)

	// RecordDelivery records a notification attempt ("rich", "plain") and whether it succeeded.
	RecordDelivery(kind string, success bool)

	// RecordTierChange records when a recipient's tier changes.
	RecordTierChange(fromTier, toTier string)

	// RecordAPICall records an outbound API call.
	// service: "flutterwave" or "telegram"; status: HTTP status code or "error"
	RecordAPICall(service, endpoint, status string)

	// RecordAPICallDuration records how long an outbound API call took.
	RecordAPICallDuration(service, endpoint string, duration time.Duration)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)

	// RecordBroadcast records the result of a broadcast.
	RecordBroadcast(sent, failed int)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhook(_, _ string)                                 {}
func (n *NoopMetrics) RecordWebhookDuration(_ string, _ time.Duration)           {}
func (n *NoopMetrics) RecordVerification(_ string)                               {}
func (n *NoopMetrics) RecordProvision(_ string)                                  {}
func (n *NoopMetrics) RecordDelivery(_ string, _ bool)                           {}
func (n *NoopMetrics) RecordTierChange(_, _ string)                              {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                              {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)        {}
func (n *NoopMetrics) RecordStorageOperation(_ string, _ time.Duration, _ error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(_ string)                  {}
func (n *NoopMetrics) RecordBroadcast(_, _ int)                                  {}
