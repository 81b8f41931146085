// Package gin provides Gin middleware that gates requests on the account's
// reconciled subscription tier.
package gin

import (
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// AccountIDExtractor extracts the account ID from a Gin context.
// Return empty string if the caller is not authenticated.
type AccountIDExtractor func(c *gongin.Context) string

// AccountContextKey is the Gin context key the gated account is stored under.
const AccountContextKey = "subsync:account"

// Config holds middleware configuration
type Config struct {
	// Storage is where account tiers are read from (required). Wrap it
	// with storage/tiered when the gate sits on a hot path.
	Storage subsync.Storage

	// GetAccountID extracts the account ID from the context (required)
	GetAccountID AccountIDExtractor

	// Tiers lists the tiers allowed through.
	// Default: trial and active.
	Tiers []subsync.Tier

	// DeniedStatusCode is the HTTP status code returned when the tier is
	// not allowed. Default: 403 (Forbidden).
	DeniedStatusCode int

	// OnDenied is called when the account's tier is not allowed.
	// If nil, uses the default JSON response with DeniedStatusCode.
	OnDenied func(c *gongin.Context, acct *subsync.Account)

	// OnUnauthorized is called when no account ID could be extracted.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when the tier lookup fails.
	// If nil, returns 500 Internal Server Error.
	OnError func(c *gongin.Context, err error)
}

// RequireTier creates a Gin middleware that admits only requests whose
// account holds one of the configured tiers.
func RequireTier(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Storage == nil {
		panic("subsync/gin: Config.Storage is required")
	}
	if cfg.GetAccountID == nil {
		panic("subsync/gin: Config.GetAccountID is required")
	}

	// Set defaults
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = []subsync.Tier{subsync.TierTrial, subsync.TierActive}
	}
	if cfg.DeniedStatusCode == 0 {
		cfg.DeniedStatusCode = http.StatusForbidden
	}

	return func(c *gongin.Context) {
		accountID := cfg.GetAccountID(c)
		if accountID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		acct, err := cfg.Storage.GetAccount(c.Request.Context(), accountID)
		if err != nil {
			if errors.Is(err, subsync.ErrAccountNotFound) {
				// No account record means no entitlement.
				deny(c, cfg, nil)
				return
			}
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}

		if !allowed(cfg.Tiers, acct.Tier) {
			deny(c, cfg, acct)
			return
		}

		c.Set(AccountContextKey, acct)
		c.Next()
	}
}

func allowed(tiers []subsync.Tier, tier subsync.Tier) bool {
	for _, t := range tiers {
		if t == tier {
			return true
		}
	}
	return false
}

func deny(c *gongin.Context, cfg Config, acct *subsync.Account) {
	if cfg.OnDenied != nil {
		cfg.OnDenied(c, acct)
	} else if acct != nil {
		c.JSON(cfg.DeniedStatusCode, gongin.H{
			"error": "Subscription required",
			"tier":  string(acct.Tier),
		})
	} else {
		c.JSON(cfg.DeniedStatusCode, gongin.H{"error": "Subscription required"})
	}
	c.Abort()
}

// AccountFromContext returns the account loaded by the gate, if any
func AccountFromContext(c *gongin.Context) (*subsync.Account, bool) {
	if val, exists := c.Get(AccountContextKey); exists {
		if acct, ok := val.(*subsync.Account); ok {
			return acct, true
		}
	}
	return nil, false
}

// Convenience extractors for Account ID

// FromContext returns an AccountIDExtractor that gets the account ID from
// Gin context values. This is the recommended approach for integrating with
// auth middleware that sets the caller via c.Set("AccountID", "...").
func FromContext(key string) AccountIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor that gets the account ID from a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns an AccountIDExtractor that gets the account ID from a route parameter
func FromParam(paramName string) AccountIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns an AccountIDExtractor that gets the account ID from a query parameter
func FromQuery(queryName string) AccountIDExtractor {
	return func(c *gongin.Context) string {
		return c.Query(queryName)
	}
}
