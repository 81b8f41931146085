// Package echo provides Echo middleware that gates requests on the account's
// reconciled subscription tier.
package echo

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// AccountIDExtractor extracts the account ID from an Echo context.
// Return empty string if the caller is not authenticated.
type AccountIDExtractor func(c echo.Context) string

// AccountContextKey is the Echo context key the gated account is stored under.
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
	OnDenied func(c echo.Context, acct *subsync.Account) error

	// OnUnauthorized is called when no account ID could be extracted.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(c echo.Context) error

	// OnError is called when the tier lookup fails.
	// If nil, returns 500 Internal Server Error.
	OnError func(c echo.Context, err error) error
}

// RequireTier creates an Echo middleware that admits only requests whose
// account holds one of the configured tiers.
func RequireTier(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Storage == nil {
		panic("subsync/echo: Config.Storage is required")
	}
	if cfg.GetAccountID == nil {
		panic("subsync/echo: Config.GetAccountID is required")
	}

	// Set defaults
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = []subsync.Tier{subsync.TierTrial, subsync.TierActive}
	}
	if cfg.DeniedStatusCode == 0 {
		cfg.DeniedStatusCode = http.StatusForbidden
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			accountID := cfg.GetAccountID(c)
			if accountID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			acct, err := cfg.Storage.GetAccount(c.Request().Context(), accountID)
			if err != nil {
				if errors.Is(err, subsync.ErrAccountNotFound) {
					// No account record means no entitlement.
					return deny(c, cfg, nil)
				}
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}

			if !allowed(cfg.Tiers, acct.Tier) {
				return deny(c, cfg, acct)
			}

			c.Set(AccountContextKey, acct)
			return next(c)
		}
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

func deny(c echo.Context, cfg Config, acct *subsync.Account) error {
	if cfg.OnDenied != nil {
		return cfg.OnDenied(c, acct)
	}
	body := map[string]string{"error": "Subscription required"}
	if acct != nil {
		body["tier"] = string(acct.Tier)
	}
	return c.JSON(cfg.DeniedStatusCode, body)
}

// AccountFromContext returns the account loaded by the gate, if any
func AccountFromContext(c echo.Context) (*subsync.Account, bool) {
	if acct, ok := c.Get(AccountContextKey).(*subsync.Account); ok {
		return acct, true
	}
	return nil, false
}

// Convenience extractors for Account ID

// FromContext returns an AccountIDExtractor that gets the account ID from
// Echo context values set by auth middleware
func FromContext(key string) AccountIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor that gets the account ID from a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns an AccountIDExtractor that gets the account ID from a route parameter
func FromParam(paramName string) AccountIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns an AccountIDExtractor that gets the account ID from a query parameter
func FromQuery(queryName string) AccountIDExtractor {
	return func(c echo.Context) string {
		return c.QueryParam(queryName)
	}
}
