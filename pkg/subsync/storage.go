package subsync

import (
	"context"
	"time"
)

// Storage defines the interface for subscription state persistence.
// All methods use concrete types from this package to avoid import cycles.
type Storage interface {
	// GetAccount retrieves an account by internal id.
	// Returns ErrAccountNotFound when absent.
	GetAccount(ctx context.Context, accountID string) (*Account, error)

	// FindAccountByCustomerRef resolves a provider customer reference to
	// an account. Returns ErrAccountNotFound when no account carries it.
	FindAccountByCustomerRef(ctx context.Context, provider, ref string) (*Account, error)

	// CreateAccount inserts a new account. Used at signup, outside the
	// reconciliation path.
	CreateAccount(ctx context.Context, acct *Account) error

	// GetSubscription retrieves a record by its provider-assigned id.
	// Returns ErrSubscriptionNotFound when absent.
	GetSubscription(ctx context.Context, provider, providerSubID string) (*Subscription, error)

	// ListSubscriptions returns every record for an account, newest
	// first, including terminal ones.
	ListSubscriptions(ctx context.Context, accountID string) ([]*Subscription, error)

	// GetLedgerEntry retrieves a processed-event ledger entry.
	// Returns nil, nil when no entry exists (not an error).
	GetLedgerEntry(ctx context.Context, provider, eventID string) (*LedgerEntry, error)

	// ApplyTransition executes one reconciliation's side effects as a
	// single atomic unit scoped to the account: subscription upsert,
	// account mutation, audit insert and ledger insert all land together
	// or not at all. A concurrent insert of the same ledger entry makes
	// the whole unit fail with ErrDuplicateEvent.
	ApplyTransition(ctx context.Context, apply *Apply) error

	// ListDeferredCancellations returns canceled-at-period-end records
	// whose paid period ended before the given instant and whose account
	// tier has not been re-derived yet.
	ListDeferredCancellations(ctx context.Context, before time.Time) ([]*Subscription, error)

	// PruneLedger deletes ledger entries older than the given instant and
	// returns how many were removed. Safe at any retention window longer
	// than the providers' redelivery horizon.
	PruneLedger(ctx context.Context, before time.Time) (int, error)
}

// Apply is the side-effect instruction set produced by one reconciliation.
type Apply struct {
	AccountID string

	// Subscription is upserted when non-nil, keyed by
	// (provider, provider subscription id).
	Subscription *Subscription

	// Tier sets the account tier when non-nil.
	Tier *Tier

	// Plan sets the account's active plan when non-nil. An empty string
	// clears it.
	Plan *string

	// Supersede marks a previous record canceled in the same unit,
	// keyed by (provider, provider subscription id).
	Supersede *SubscriptionKey

	// SetCustomerRef stores a provider customer reference on the account
	// when non-nil, linking subsequent events without a correlation id.
	SetCustomerRef *CustomerRefUpdate

	// Audit is inserted when non-nil.
	Audit *AuditEntry

	// Ledger is inserted when non-nil. Nil for events without an id.
	Ledger *LedgerEntry
}

// CustomerRefUpdate links a provider reference to an account.
type CustomerRefUpdate struct {
	Provider string
	Ref      string
}

// SubscriptionKey identifies one record within a provider's namespace.
type SubscriptionKey struct {
	Provider      string
	ProviderSubID string
}

// DeadLetterer is a durable parking lot for events that were acknowledged
// to the provider but not fully applied.
type DeadLetterer interface {
	// Push appends a dead letter.
	Push(ctx context.Context, dl *DeadLetter) error

	// List returns up to limit dead letters, oldest first.
	List(ctx context.Context, limit int) ([]*DeadLetter, error)

	// Remove deletes the dead letter for (provider, event id) after a
	// successful replay.
	Remove(ctx context.Context, provider, eventID string) error
}
