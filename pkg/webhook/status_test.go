package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mihaimyh/subsync/pkg/subsync"
	"github.com/mihaimyh/subsync/storage/memory"
)

func statusFixture(t *testing.T) http.Handler {
	t.Helper()

	storage := memory.New()
	engine, err := subsync.NewEngine(subsync.Config{Storage: storage})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	if err := storage.CreateAccount(context.Background(), &subsync.Account{ID: "acct-1", Tier: subsync.TierActive, Plan: "pro-monthly"}); err != nil {
		t.Fatalf("Failed to create account: %v", err)
	}
	err = storage.ApplyTransition(context.Background(), &subsync.Apply{
		AccountID: "acct-1",
		Subscription: &subsync.Subscription{
			AccountID:     "acct-1",
			Provider:      "stripe",
			ProviderSubID: "sub_1",
			Plan:          "pro-monthly",
			Status:        subsync.StatusActive,
			PeriodEnd:     time.Now().UTC().Add(30 * 24 * time.Hour),
		},
	})
	if err != nil {
		t.Fatalf("ApplyTransition failed: %v", err)
	}

	handler, err := StatusHandler(StatusConfig{
		Engine: engine,
		GetAccountID: func(r *http.Request) string {
			return r.Header.Get("X-Account-ID")
		},
	})
	if err != nil {
		t.Fatalf("Failed to create status handler: %v", err)
	}
	return handler
}

func TestStatusHandler_Success(t *testing.T) {
	handler := statusFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/billing/status", nil)
	req.Header.Set("X-Account-ID", "acct-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var status subsync.AccountStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if status.Tier != subsync.TierActive || status.Plan != "pro-monthly" {
		t.Errorf("Unexpected status: %+v", status)
	}
	if len(status.Subscriptions) != 1 {
		t.Errorf("Expected one subscription, got %d", len(status.Subscriptions))
	}
}

func TestStatusHandler_Unauthorized(t *testing.T) {
	handler := statusFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/billing/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", rec.Code)
	}

	// Oversized ids are rejected before touching storage.
	req = httptest.NewRequest(http.MethodGet, "/billing/status", nil)
	req.Header.Set("X-Account-ID", strings.Repeat("a", 300))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for oversized id, got %d", rec.Code)
	}
}

func TestStatusHandler_NotFound(t *testing.T) {
	handler := statusFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/billing/status", nil)
	req.Header.Set("X-Account-ID", "acct-missing")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestStatusHandler_MethodNotAllowed(t *testing.T) {
	handler := statusFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/billing/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rec.Code)
	}
}

func TestStatusHandler_Validation(t *testing.T) {
	if _, err := StatusHandler(StatusConfig{}); !errors.Is(err, ErrProviderNotConfigured) {
		t.Errorf("Expected ErrProviderNotConfigured, got %v", err)
	}
}
