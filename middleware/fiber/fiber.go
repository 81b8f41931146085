// Package fiber provides Fiber middleware that gates requests on the
// account's reconciled subscription tier.
package fiber

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// AccountIDExtractor extracts the account ID from a Fiber context.
// Return empty string if the caller is not authenticated.
type AccountIDExtractor func(c *fiber.Ctx) string

// AccountContextKey is the Fiber locals key the gated account is stored under.
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
	OnDenied func(c *fiber.Ctx, acct *subsync.Account) error

	// OnUnauthorized is called when no account ID could be extracted.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when the tier lookup fails.
	// If nil, returns 500 Internal Server Error.
	OnError func(c *fiber.Ctx, err error) error
}

// RequireTier creates a Fiber middleware that admits only requests whose
// account holds one of the configured tiers.
func RequireTier(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Storage == nil {
		panic("subsync/fiber: Config.Storage is required")
	}
	if cfg.GetAccountID == nil {
		panic("subsync/fiber: Config.GetAccountID is required")
	}

	// Set defaults
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = []subsync.Tier{subsync.TierTrial, subsync.TierActive}
	}
	if cfg.DeniedStatusCode == 0 {
		cfg.DeniedStatusCode = http.StatusForbidden
	}

	return func(c *fiber.Ctx) error {
		accountID := cfg.GetAccountID(c)
		if accountID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(http.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		acct, err := cfg.Storage.GetAccount(c.UserContext(), accountID)
		if err != nil {
			if errors.Is(err, subsync.ErrAccountNotFound) {
				// No account record means no entitlement.
				return deny(c, cfg, nil)
			}
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}

		if !allowed(cfg.Tiers, acct.Tier) {
			return deny(c, cfg, acct)
		}

		c.Locals(AccountContextKey, acct)
		return c.Next()
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

func deny(c *fiber.Ctx, cfg Config, acct *subsync.Account) error {
	if cfg.OnDenied != nil {
		return cfg.OnDenied(c, acct)
	}
	body := fiber.Map{"error": "Subscription required"}
	if acct != nil {
		body["tier"] = string(acct.Tier)
	}
	return c.Status(cfg.DeniedStatusCode).JSON(body)
}

// AccountFromContext returns the account loaded by the gate, if any
func AccountFromContext(c *fiber.Ctx) (*subsync.Account, bool) {
	if acct, ok := c.Locals(AccountContextKey).(*subsync.Account); ok {
		return acct, true
	}
	return nil, false
}

// Convenience extractors for Account ID

// FromLocals returns an AccountIDExtractor that gets the account ID from
// Fiber locals set by auth middleware
func FromLocals(key string) AccountIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor that gets the account ID from a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns an AccountIDExtractor that gets the account ID from a route parameter
func FromParam(paramName string) AccountIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// FromQuery returns an AccountIDExtractor that gets the account ID from a query parameter
func FromQuery(queryName string) AccountIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Query(queryName)
	}
}
