package webhook

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/subsync/pkg/subsync"
	"github.com/mihaimyh/subsync/pkg/webhook/internal"
)

const defaultMaxBodyBytes = 256 * 1024

// Config holds dispatcher configuration shared by all providers.
type Config struct {
	// Engine is the reconciliation engine (required).
	Engine *subsync.Engine

	// Logger is optional; a NoopLogger is used when nil.
	Logger subsync.Logger

	// Metrics is an optional metrics collector. If nil, metrics will be
	// silently ignored (no-op).
	Metrics Metrics

	// MaxBodyBytes limits the accepted payload size. Defaults to 256KB;
	// provider payloads are typically well under 100KB.
	MaxBodyBytes int64

	// OnEvent is an optional callback invoked after an event has been
	// reconciled. Callback errors are logged, never surfaced to the
	// provider.
	OnEvent func(ctx context.Context, res *subsync.Result) error
}

// Handler is the HTTP-facing entry point for one provider. It wires
// verification, normalization and reconciliation, and acknowledges the
// delivery with a 2xx once the payload is authenticated, even if
// downstream processing failed - providers disable endpoints that keep
// failing, so failures are absorbed into the dead-letter log instead.
type Handler struct {
	provider Provider
	engine   *subsync.Engine
	logger   subsync.Logger
	metrics  Metrics
	maxBody  int64
	onEvent  func(ctx context.Context, res *subsync.Result) error
}

// NewHandler creates the dispatcher for one provider.
func NewHandler(provider Provider, cfg Config) (*Handler, error) {
	if provider == nil || cfg.Engine == nil {
		return nil, ErrProviderNotConfigured
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &subsync.NoopLogger{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &Handler{
		provider: provider,
		engine:   cfg.Engine,
		logger:   logger,
		metrics:  metrics,
		maxBody:  maxBody,
		onEvent:  cfg.OnEvent,
	}, nil
}

// ackResponse is the minimal acknowledgement body providers receive.
type ackResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	provider := h.provider.Name()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, h.maxBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			h.metrics.RecordWebhookError(provider, "payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			h.metrics.RecordWebhookError(provider, "invalid_payload")
		}
		return
	}

	env, err := h.provider.VerifyAndParse(r.Header, body)
	if err != nil {
		if errors.Is(err, ErrInvalidSignature) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			h.metrics.RecordWebhookError(provider, "auth_failed")
			return
		}
		http.Error(w, "invalid payload", http.StatusBadRequest)
		h.metrics.RecordWebhookError(provider, "invalid_payload")
		return
	}

	eventType := env.Type
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	// Authenticated from here on: everything but a failed dead-letter
	// write acknowledges with a 2xx so the provider does not disable or
	// endlessly retry the endpoint.
	ev := h.provider.Normalize(env)
	res, err := h.engine.Process(r.Context(), ev)
	if err != nil {
		// Neither applied nor parked; let the provider redeliver.
		http.Error(w, "processing failed", http.StatusInternalServerError)
		h.metrics.RecordWebhookEvent(provider, eventType, "error")
		h.metrics.RecordWebhookError(provider, "storage_error")
		h.metrics.RecordWebhookProcessingDuration(provider, eventType, time.Since(startTime))
		return
	}

	h.recordOutcome(provider, eventType, res)
	if h.onEvent != nil {
		if cbErr := h.onEvent(r.Context(), res); cbErr != nil {
			h.logger.Warn("webhook callback failed",
				subsync.Field{Key: "provider", Value: provider},
				subsync.Field{Key: "event_id", Value: res.EventID},
				subsync.Field{Key: "error", Value: cbErr.Error()})
		}
	}

	_ = internal.WriteJSON(w, http.StatusOK, ackResponse{Received: true, Outcome: string(res.Outcome)})
	h.metrics.RecordWebhookProcessingDuration(provider, eventType, time.Since(startTime))
}

func (h *Handler) recordOutcome(provider, eventType string, res *subsync.Result) {
	h.metrics.RecordWebhookEvent(provider, eventType, "success")
	h.metrics.RecordReconcileOutcome(provider, string(res.Outcome))
	if res.Outcome == subsync.OutcomeDeadLettered {
		h.metrics.RecordDeadLetter(provider, "storage_error")
	}
	if res.TierChanged {
		h.metrics.RecordTierChange(provider, string(res.FromTier), string(res.ToTier))
	}
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
