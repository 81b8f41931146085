package webhook

import (
	"errors"
	"net/http"

	"github.com/mihaimyh/subsync/pkg/subsync"
	"github.com/mihaimyh/subsync/pkg/webhook/internal"
)

const maxAccountIDLen = 255

// AccountIDExtractor extracts the account id from an HTTP request.
// Return empty string if the caller is not authenticated.
type AccountIDExtractor func(r *http.Request) string

// StatusConfig configures the account status endpoint.
type StatusConfig struct {
	// Engine is the reconciliation engine (required).
	Engine *subsync.Engine

	// GetAccountID extracts the account id from the request (required).
	GetAccountID AccountIDExtractor
}

// StatusHandler returns a read-only JSON endpoint exposing the reconciled
// tier, plan and subscription records of one account.
func StatusHandler(cfg StatusConfig) (http.Handler, error) {
	if cfg.Engine == nil || cfg.GetAccountID == nil {
		return nil, ErrProviderNotConfigured
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		accountID := cfg.GetAccountID(r)
		if accountID == "" || len(accountID) > maxAccountIDLen {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		status, err := cfg.Engine.Status(r.Context(), accountID)
		if err != nil {
			if errors.Is(err, subsync.ErrAccountNotFound) {
				http.Error(w, "account not found", http.StatusNotFound)
				return
			}
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		_ = internal.WriteJSON(w, http.StatusOK, status)
	}), nil
}
