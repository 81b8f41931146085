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

// stubProvider authenticates on a fixed token and normalizes a canned
// event, isolating dispatcher behavior from any real wire format.
type stubProvider struct {
	event *subsync.Event
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) VerifyAndParse(header http.Header, body []byte) (*Envelope, error) {
	if header.Get("Authorization") != "Bearer stub-token" {
		return nil, ErrInvalidSignature
	}
	if !json.Valid(body) {
		return nil, ErrInvalidPayload
	}
	return &Envelope{Provider: "stub", EventID: "evt_1", Type: "stub.event", Payload: body}, nil
}

func (s *stubProvider) Normalize(env *Envelope) *subsync.Event {
	if s.event != nil {
		return s.event
	}
	return &subsync.Event{Provider: "stub", ID: env.EventID, Kind: subsync.EventUnrecognized}
}

type handlerFixture struct {
	handler     *Handler
	storage     *memory.Storage
	deadLetters *memory.DeadLetters
	provider    *stubProvider
}

func newHandlerFixture(t *testing.T, cfg Config) *handlerFixture {
	t.Helper()

	storage := memory.New()
	deadLetters := memory.NewDeadLetters()
	engine, err := subsync.NewEngine(subsync.Config{Storage: storage, DeadLetters: deadLetters})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	if err := storage.CreateAccount(context.Background(), &subsync.Account{ID: "acct-1", Tier: subsync.TierLocked}); err != nil {
		t.Fatalf("Failed to create account: %v", err)
	}

	provider := &stubProvider{}
	cfg.Engine = engine
	handler, err := NewHandler(provider, cfg)
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}
	return &handlerFixture{handler: handler, storage: storage, deadLetters: deadLetters, provider: provider}
}

func activationEvent() *subsync.Event {
	return &subsync.Event{
		Provider:        "stub",
		ID:              "evt_1",
		Kind:            subsync.EventActivated,
		OccurredAt:      time.Now().UTC(),
		SubscriptionRef: "sub_1",
		CustomerRef:     "cus_1",
		CorrelationID:   "acct-1",
		Plan:            "pro-monthly",
		PeriodEnd:       time.Now().UTC().Add(30 * 24 * time.Hour),
	}
}

func postWebhook(t *testing.T, h *Handler, body string, authorized bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stub", strings.NewReader(body))
	if authorized {
		req.Header.Set("Authorization", "Bearer stub-token")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_AppliedEvent(t *testing.T) {
	f := newHandlerFixture(t, Config{})
	f.provider.event = activationEvent()

	rec := postWebhook(t, f.handler, `{}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var ack struct {
		Received bool   `json:"received"`
		Outcome  string `json:"outcome"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil {
		t.Fatalf("Failed to parse ack: %v", err)
	}
	if !ack.Received || ack.Outcome != string(subsync.OutcomeApplied) {
		t.Errorf("Unexpected ack: %+v", ack)
	}

	acct, _ := f.storage.GetAccount(context.Background(), "acct-1")
	if acct.Tier != subsync.TierActive {
		t.Errorf("Expected account upgraded, got %s", acct.Tier)
	}
}

func TestHandler_BadSignature(t *testing.T) {
	f := newHandlerFixture(t, Config{})

	rec := postWebhook(t, f.handler, `{}`, false)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", rec.Code)
	}
}

func TestHandler_InvalidPayload(t *testing.T) {
	f := newHandlerFixture(t, Config{})

	rec := postWebhook(t, f.handler, `not json`, true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	f := newHandlerFixture(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "/webhooks/stub", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rec.Code)
	}
}

func TestHandler_PayloadTooLarge(t *testing.T) {
	f := newHandlerFixture(t, Config{MaxBodyBytes: 16})

	rec := postWebhook(t, f.handler, `{"padding": "`+strings.Repeat("x", 64)+`"}`, true)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413, got %d", rec.Code)
	}
}

func TestHandler_UnrecognizedEventAcked(t *testing.T) {
	f := newHandlerFixture(t, Config{})

	// Unknown provider vocabulary must never fail the delivery.
	rec := postWebhook(t, f.handler, `{}`, true)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 for unrecognized event, got %d", rec.Code)
	}
}

func TestHandler_StorageFailureStillAcks(t *testing.T) {
	f := newHandlerFixture(t, Config{})
	f.provider.event = activationEvent()
	f.storage.FailNextApply(errors.New("connection reset"))

	rec := postWebhook(t, f.handler, `{}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("Authenticated deliveries must ack through storage failures, got %d", rec.Code)
	}
	if f.deadLetters.Len() != 1 {
		t.Errorf("Expected the event parked, got %d dead letters", f.deadLetters.Len())
	}
}

func TestHandler_OnEventCallback(t *testing.T) {
	var captured *subsync.Result
	f := newHandlerFixture(t, Config{
		OnEvent: func(_ context.Context, res *subsync.Result) error {
			captured = res
			return nil
		},
	})
	f.provider.event = activationEvent()

	postWebhook(t, f.handler, `{}`, true)
	if captured == nil {
		t.Fatal("Callback was not invoked")
	}
	if captured.Outcome != subsync.OutcomeApplied || captured.AccountID != "acct-1" {
		t.Errorf("Unexpected callback result: %+v", captured)
	}
}

func TestHandler_CallbackErrorAbsorbed(t *testing.T) {
	f := newHandlerFixture(t, Config{
		OnEvent: func(_ context.Context, _ *subsync.Result) error {
			return errors.New("downstream broken")
		},
	})
	f.provider.event = activationEvent()

	rec := postWebhook(t, f.handler, `{}`, true)
	if rec.Code != http.StatusOK {
		t.Errorf("Callback errors must not fail the delivery, got %d", rec.Code)
	}
}

func TestNewHandler_Validation(t *testing.T) {
	if _, err := NewHandler(nil, Config{}); !errors.Is(err, ErrProviderNotConfigured) {
		t.Errorf("Expected ErrProviderNotConfigured for nil provider, got %v", err)
	}
	if _, err := NewHandler(&stubProvider{}, Config{}); !errors.Is(err, ErrProviderNotConfigured) {
		t.Errorf("Expected ErrProviderNotConfigured for nil engine, got %v", err)
	}
}
