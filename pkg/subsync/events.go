package subsync

import "time"

// EventKind is the internal event algebra shared by every provider.
type EventKind string

const (
	// EventActivated opens a subscription record.
	EventActivated EventKind = "activated"
	// EventRenewed confirms or extends a billing period.
	EventRenewed EventKind = "renewed"
	// EventPaymentFailed is a soft failure inside the grace window.
	EventPaymentFailed EventKind = "payment_failed"
	// EventCanceled ends a subscription, immediately or at period end.
	EventCanceled EventKind = "canceled"
	// EventExpired is a hard end of entitlement.
	EventExpired EventKind = "expired"
	// EventUnrecognized is any provider event type with no mapping.
	// It is acknowledged and ignored so new provider vocabulary never
	// breaks delivery.
	EventUnrecognized EventKind = "unrecognized"
)

// Event is one normalized billing event. Normalization is pure and total:
// providers produce either a well-formed Event or one with
// EventUnrecognized, never an error that would fail the webhook.
type Event struct {
	// Provider is the emitting provider's name.
	Provider string `json:"provider"`

	// ID is the provider event id. Empty for legacy payload formats
	// that carry none; such events bypass the ledger and rely on the
	// transition table's inherent idempotence.
	ID string `json:"id,omitempty"`

	Kind       EventKind `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`

	// SubscriptionRef is the provider-assigned subscription id.
	SubscriptionRef string `json:"subscription_ref,omitempty"`

	// CustomerRef is the provider's customer or payer reference.
	CustomerRef string `json:"customer_ref,omitempty"`

	// CorrelationID is the application-attached checkout identifier,
	// present only on the first activation of a (account, provider)
	// pair.
	CorrelationID string `json:"correlation_id,omitempty"`

	Plan string `json:"plan,omitempty"`

	PeriodStart time.Time `json:"period_start,omitzero"`
	PeriodEnd   time.Time `json:"period_end,omitzero"`

	// CancelAtPeriodEnd deferred-cancels on Canceled and mirrors the
	// provider flag on Renewed.
	CancelAtPeriodEnd bool `json:"cancel_at_period_end,omitempty"`

	// Immediate marks a Canceled event that ends entitlement now rather
	// than at period end.
	Immediate bool `json:"immediate,omitempty"`

	// TrialHint marks an Activated event for a trialing subscription.
	TrialHint bool `json:"trial_hint,omitempty"`
}
