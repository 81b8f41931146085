package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mihaimyh/subsync/pkg/subsync"
	"github.com/mihaimyh/subsync/storage/memory"
)

// Test helper to create a storage with one account at the given tier
func setupTestStorage(t *testing.T, tier subsync.Tier) *memory.Storage {
	t.Helper()

	storage := memory.New()
	err := storage.CreateAccount(context.Background(), &subsync.Account{
		ID:   "acct-1",
		Tier: tier,
	})
	if err != nil {
		t.Fatalf("Failed to create account: %v", err)
	}
	return storage
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireTier_Allowed(t *testing.T) {
	storage := setupTestStorage(t, subsync.TierActive)

	handler := RequireTier(Config{
		Storage:      storage,
		GetAccountID: FromHeader("X-Account-ID"),
	})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/notes", nil)
	req.Header.Set("X-Account-ID", "acct-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
}

func TestRequireTier_TrialAllowedByDefault(t *testing.T) {
	storage := setupTestStorage(t, subsync.TierTrial)

	handler := RequireTier(Config{
		Storage:      storage,
		GetAccountID: FromHeader("X-Account-ID"),
	})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/notes", nil)
	req.Header.Set("X-Account-ID", "acct-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
}

func TestRequireTier_LockedDenied(t *testing.T) {
	storage := setupTestStorage(t, subsync.TierLocked)

	handler := RequireTier(Config{
		Storage:      storage,
		GetAccountID: FromHeader("X-Account-ID"),
	})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/notes", nil)
	req.Header.Set("X-Account-ID", "acct-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", rec.Code)
	}
}

func TestRequireTier_ActiveOnly(t *testing.T) {
	storage := setupTestStorage(t, subsync.TierTrial)

	handler := RequireTier(Config{
		Storage:      storage,
		GetAccountID: FromHeader("X-Account-ID"),
		Tiers:        []subsync.Tier{subsync.TierActive},
	})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/export", nil)
	req.Header.Set("X-Account-ID", "acct-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for trial on active-only route, got %d", rec.Code)
	}
}

func TestRequireTier_MissingAccountID(t *testing.T) {
	storage := setupTestStorage(t, subsync.TierActive)

	handler := RequireTier(Config{
		Storage:      storage,
		GetAccountID: FromHeader("X-Account-ID"),
	})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/notes", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", rec.Code)
	}
}

func TestRequireTier_UnknownAccountDenied(t *testing.T) {
	storage := memory.New()

	handler := RequireTier(Config{
		Storage:      storage,
		GetAccountID: FromHeader("X-Account-ID"),
	})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/notes", nil)
	req.Header.Set("X-Account-ID", "acct-missing")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for unknown account, got %d", rec.Code)
	}
}

func TestRequireTier_OnDeniedHook(t *testing.T) {
	storage := setupTestStorage(t, subsync.TierLocked)

	var deniedTier subsync.Tier
	handler := RequireTier(Config{
		Storage:      storage,
		GetAccountID: FromHeader("X-Account-ID"),
		OnDenied: func(w http.ResponseWriter, r *http.Request, acct *subsync.Account) {
			if acct != nil {
				deniedTier = acct.Tier
			}
			w.WriteHeader(http.StatusPaymentRequired)
		},
	})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/notes", nil)
	req.Header.Set("X-Account-ID", "acct-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Errorf("Expected 402 from OnDenied, got %d", rec.Code)
	}
	if deniedTier != subsync.TierLocked {
		t.Errorf("OnDenied did not receive the account, tier=%s", deniedTier)
	}
}

type failingStorage struct {
	subsync.Storage
}

func (failingStorage) GetAccount(ctx context.Context, accountID string) (*subsync.Account, error) {
	return nil, errors.New("backend down")
}

func TestRequireTier_StorageError(t *testing.T) {
	handler := RequireTier(Config{
		Storage:      failingStorage{},
		GetAccountID: FromHeader("X-Account-ID"),
	})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/notes", nil)
	req.Header.Set("X-Account-ID", "acct-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", rec.Code)
	}
}

func TestRequireTier_AccountInContext(t *testing.T) {
	storage := setupTestStorage(t, subsync.TierActive)

	var gotAccount *subsync.Account
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccount, _ = AccountFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	handler := RequireTier(Config{
		Storage:      storage,
		GetAccountID: FromHeader("X-Account-ID"),
	})(inner)

	req := httptest.NewRequest(http.MethodGet, "/notes", nil)
	req.Header.Set("X-Account-ID", "acct-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if gotAccount == nil || gotAccount.ID != "acct-1" {
		t.Errorf("Account not propagated to context: %+v", gotAccount)
	}
}

func TestFromContext(t *testing.T) {
	storage := setupTestStorage(t, subsync.TierActive)

	handler := RequireTier(Config{
		Storage:      storage,
		GetAccountID: FromContext(AccountIDKey),
	})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/notes", nil)
	req = req.WithContext(WithAccountID(req.Context(), "acct-1"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
}
