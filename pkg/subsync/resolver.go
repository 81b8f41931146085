package subsync

import (
	"context"
	"errors"
	"fmt"
)

// resolveAccount maps a provider-side identity to an internal account.
// Resolution order: the application-attached correlation id (present only
// on the first activation of a pair), then the provider's own customer
// reference looked up against stored linkage.
func (e *Engine) resolveAccount(ctx context.Context, ev *Event) (*Account, error) {
	if ev.Kind == EventActivated && ev.CorrelationID != "" {
		acct, err := e.storage.GetAccount(ctx, ev.CorrelationID)
		if err == nil {
			return acct, nil
		}
		if !errors.Is(err, ErrAccountNotFound) {
			return nil, fmt.Errorf("correlation lookup failed: %w", err)
		}
		// Fall through: a stale or foreign correlation id does not
		// block resolution via the customer reference.
	}

	if ev.CustomerRef != "" {
		acct, err := e.storage.FindAccountByCustomerRef(ctx, ev.Provider, ev.CustomerRef)
		if err == nil {
			return acct, nil
		}
		if !errors.Is(err, ErrAccountNotFound) {
			return nil, fmt.Errorf("customer ref lookup failed: %w", err)
		}
	}

	// Events that carry only a subscription reference resolve through the
	// record the reference created.
	if ev.SubscriptionRef != "" {
		sub, err := e.storage.GetSubscription(ctx, ev.Provider, ev.SubscriptionRef)
		if err == nil {
			return e.storage.GetAccount(ctx, sub.AccountID)
		}
		if !errors.Is(err, ErrSubscriptionNotFound) {
			return nil, fmt.Errorf("subscription lookup failed: %w", err)
		}
	}

	return nil, ErrUnresolvedAccount
}
