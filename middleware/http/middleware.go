// Package http provides HTTP middleware that gates requests on the
// account's reconciled subscription tier.
package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// AccountIDExtractor extracts the account ID from an HTTP request.
// Return empty string if the caller is not authenticated.
type AccountIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Storage is where account tiers are read from (required). Wrap it
	// with storage/tiered when the gate sits on a hot path.
	Storage subsync.Storage

	// GetAccountID extracts the account ID from the request (required)
	GetAccountID AccountIDExtractor

	// Tiers lists the tiers allowed through.
	// Default: trial and active.
	Tiers []subsync.Tier

	// OnDenied is called when the account's tier is not allowed.
	// If nil, returns 403 Forbidden.
	OnDenied func(w http.ResponseWriter, r *http.Request, acct *subsync.Account)

	// OnUnauthorized is called when no account ID could be extracted.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when the tier lookup fails.
	// If nil, returns 500 Internal Server Error. Unknown accounts are
	// denied, not errored.
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

func (c *Config) allowed(tier subsync.Tier) bool {
	tiers := c.Tiers
	if len(tiers) == 0 {
		tiers = []subsync.Tier{subsync.TierTrial, subsync.TierActive}
	}
	for _, t := range tiers {
		if t == tier {
			return true
		}
	}
	return false
}

// RequireTier creates an HTTP middleware that admits only requests whose
// account holds one of the configured tiers.
func RequireTier(config Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accountID := config.GetAccountID(r)
			if accountID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			acct, err := config.Storage.GetAccount(r.Context(), accountID)
			if err != nil {
				if errors.Is(err, subsync.ErrAccountNotFound) {
					// No account record means no entitlement.
					deny(w, r, config, nil)
					return
				}
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			if !config.allowed(acct.Tier) {
				deny(w, r, config, acct)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAccount(r.Context(), acct)))
		})
	}
}

// HandlerFunc creates the same gate for http.HandlerFunc chains
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := RequireTier(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

func deny(w http.ResponseWriter, r *http.Request, config Config, acct *subsync.Account) {
	if config.OnDenied != nil {
		config.OnDenied(w, r, acct)
		return
	}
	http.Error(w, "Forbidden", http.StatusForbidden)
}

// Common extractors for convenience

// ContextKey is a type for context keys
type ContextKey string

const (
	// AccountIDKey is the context key for the account ID
	AccountIDKey ContextKey = "subsync:accountID"

	// accountKey carries the loaded account for downstream handlers
	accountKey ContextKey = "subsync:account"
)

// FromContext returns an AccountIDExtractor that reads the account ID from
// the request context
func FromContext(key ContextKey) AccountIDExtractor {
	return func(r *http.Request) string {
		if accountID, ok := r.Context().Value(key).(string); ok {
			return accountID
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor that reads the account ID from
// a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithAccountID adds an account ID to the request context
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, AccountIDKey, accountID)
}

// WithAccount stores the gated account in the context
func WithAccount(ctx context.Context, acct *subsync.Account) context.Context {
	return context.WithValue(ctx, accountKey, acct)
}

// AccountFromContext returns the account loaded by the gate, if any
func AccountFromContext(ctx context.Context) (*subsync.Account, bool) {
	acct, ok := ctx.Value(accountKey).(*subsync.Account)
	return acct, ok
}
