package webhook

import "time"

// Metrics defines the interface for tracking webhook dispatch and
// reconciliation operations. All methods are optional - callers should
// gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from a provider.
	// status: "success" or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long a delivery took end
	// to end.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: e.g. "auth_failed", "invalid_payload", "storage_error"
	RecordWebhookError(provider, errorType string)

	// RecordReconcileOutcome records the engine outcome for one event
	// (applied, noop, duplicate, ignored, dead_lettered).
	RecordReconcileOutcome(provider, outcome string)

	// RecordTierChange records when an account's tier changes.
	RecordTierChange(provider, fromTier, toTier string)

	// RecordDeadLetter records an event parked for offline replay.
	RecordDeadLetter(provider, reason string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordReconcileOutcome(_, _ string)                           {}
func (n *NoopMetrics) RecordTierChange(_, _, _ string)                              {}
func (n *NoopMetrics) RecordDeadLetter(_, _ string)                                 {}
