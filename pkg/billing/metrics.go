package billing

import "time"

// Metrics defines the interface for tracking billing provider operations and
// subscription reconciliation.
// All methods are optional - providers should gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the billing provider.
	// eventType: The type of event (e.g., "subscription.updated")
	// outcome: "merged", "noop", "ignored", "unmatched", "stale" or "failed"
	RecordWebhookEvent(provider, eventType, outcome string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: The type of error (e.g., "auth_failed", "invalid_payload", "processing_error")
	RecordWebhookError(provider, errorType string)

	// RecordStatusChange records a local subscription status transition.
	RecordStatusChange(provider, fromStatus, toStatus string)

	// RecordReconcile records a reconciliation run (user sync or webhook merge).
	// source: "webhook" or "sync"
	RecordReconcile(provider, source, outcome string)

	// RecordUpdateConflict records a lost compare-and-swap on the record store.
	RecordUpdateConflict(operation string)

	// RecordAPICall records an API call to the billing provider.
	// endpoint: The API endpoint called (e.g., "/v2/subscriptions/{id}")
	// status: HTTP status code as string (e.g., "200", "404", "500")
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordStatusChange(_, _, _ string)                            {}
func (n *NoopMetrics) RecordReconcile(_, _, _ string)                               {}
func (n *NoopMetrics) RecordUpdateConflict(_ string)                                {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
