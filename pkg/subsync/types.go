package subsync

import (
	"time"
)

// Tier is the access-control classification of an account. It is derived
// exclusively from reconciled subscription state; nothing outside this
// package writes it.
type Tier string

const (
	// TierLocked means the account has no entitling subscription.
	TierLocked Tier = "locked"
	// TierTrial means the account is inside a trial window.
	TierTrial Tier = "trial"
	// TierActive means at least one provider reports a paying subscription.
	TierActive Tier = "active"
)

// Status is the lifecycle status of one subscription record.
type Status string

const (
	// StatusPendingActivation is set on first activation before the first
	// renewal confirms the billing period.
	StatusPendingActivation Status = "pending_activation"
	// StatusActive is a subscription in good standing.
	StatusActive Status = "active"
	// StatusPastDue is a subscription with a failed payment inside the
	// provider's grace window.
	StatusPastDue Status = "past_due"
	// StatusCanceled is terminal. A new activation for the same provider
	// opens a new record instead of reviving this one.
	StatusCanceled Status = "canceled"
	// StatusExpired is terminal.
	StatusExpired Status = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCanceled || s == StatusExpired
}

// Entitling reports whether a record in this status contributes to an
// account-level active tier on its own. Deferred cancellations are handled
// separately because they stay entitled until the paid period ends.
func (s Status) Entitling() bool {
	switch s {
	case StatusPendingActivation, StatusActive, StatusPastDue:
		return true
	default:
		return false
	}
}

// Account is the engine's view of one user. Created at signup with
// TierTrial; mutated only through Storage.ApplyTransition.
type Account struct {
	ID string

	// Tier is a pure function of the most recently reconciled
	// subscription state.
	Tier Tier

	// Plan is the active plan identifier, empty when none.
	Plan string

	// TrialEndsAt bounds the signup trial, nil when the trial is spent.
	TrialEndsAt *time.Time

	// CustomerRefs maps provider name to that provider's customer or
	// payer reference. At most one entry per provider.
	CustomerRefs map[string]string

	UpdatedAt time.Time
}

// CustomerRef returns the stored reference for a provider, if any.
func (a *Account) CustomerRef(provider string) string {
	if a == nil || a.CustomerRefs == nil {
		return ""
	}
	return a.CustomerRefs[provider]
}

// Subscription is one provider-side subscription record. At most one
// non-terminal record exists per (account, provider) pair; terminal records
// are retained for history.
type Subscription struct {
	AccountID string
	Provider  string

	// ProviderSubID is the provider-assigned subscription id, unique
	// within the provider's namespace.
	ProviderSubID string

	Plan   string
	Status Status

	PeriodStart time.Time
	PeriodEnd   time.Time

	// CancelAtPeriodEnd marks a deferred cancellation: the record keeps
	// entitling the account until PeriodEnd passes.
	CancelAtPeriodEnd bool

	// Trial marks a record opened from a trial activation.
	Trial bool

	// LastEventAt is the timestamp of the last applied provider event,
	// used as the per-record sequence marker.
	LastEventAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// entitledAt reports whether this record entitles the account at the given
// instant, counting deferred cancellations whose paid period has not ended.
func (s *Subscription) entitledAt(now time.Time) bool {
	if s == nil {
		return false
	}
	if s.Status.Entitling() {
		return true
	}
	if s.Status == StatusCanceled && s.CancelAtPeriodEnd && s.PeriodEnd.After(now) {
		return true
	}
	return false
}

// LedgerEntry records one applied (provider, event id) pair together with
// the outcome of its reconciliation. Append-only; prunable after the
// provider's own redelivery window.
type LedgerEntry struct {
	Provider string
	EventID  string
	Outcome  Outcome
	At       time.Time
}

// AuditEntry records one reconciliation for offline inspection.
type AuditEntry struct {
	AccountID  string
	Provider   string
	EventID    string
	EventKind  EventKind
	FromStatus Status
	ToStatus   Status
	FromTier   Tier
	ToTier     Tier
	Note       string
	At         time.Time
}

// DeadLetter is an event that was acknowledged to the provider but not
// fully applied. It carries the normalized event so replay can re-run the
// ordinary reconciliation path.
type DeadLetter struct {
	Provider  string    `json:"provider"`
	EventID   string    `json:"event_id"`
	AccountID string    `json:"account_id,omitempty"`
	Event     Event     `json:"event"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// Outcome classifies what one reconciliation did.
type Outcome string

const (
	// OutcomeApplied means state changed.
	OutcomeApplied Outcome = "applied"
	// OutcomeNoop means the transition table produced no change
	// (terminal record, duplicate soft-fail).
	OutcomeNoop Outcome = "noop"
	// OutcomeDuplicate means the ledger already held the event id.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeIgnored means the event kind was unrecognized.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeDeadLettered means storage failed and the event was parked
	// for replay.
	OutcomeDeadLettered Outcome = "dead_lettered"
)

// Result is what Engine.Process reports back to the dispatcher.
type Result struct {
	Outcome   Outcome
	AccountID string
	Provider  string
	EventID   string
	EventKind EventKind

	// TierChanged is set when the account tier moved.
	TierChanged bool
	FromTier    Tier
	ToTier      Tier
}
