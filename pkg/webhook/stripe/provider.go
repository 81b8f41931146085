package stripe

import (
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subsync/pkg/webhook"
)

const providerName = "stripe"

// Config holds Stripe provider configuration.
type Config struct {
	// WebhookSecret is the endpoint signing secret ("whsec_...").
	WebhookSecret string

	// PlanMapping maps Stripe price or product IDs to internal plan
	// identifiers. For example:
	// map[string]string{"price_1N...": "practice"}
	PlanMapping map[string]string
}

// Provider implements webhook.Provider for Stripe's card-based recurring
// billing.
type Provider struct {
	webhookSecret string
	planMapping   map[string]string
}

// NewProvider creates a new Stripe webhook provider.
func NewProvider(config Config) (*Provider, error) {
	secret := strings.TrimSpace(config.WebhookSecret)
	if secret == "" {
		return nil, webhook.ErrProviderNotConfigured
	}

	planMapping := make(map[string]string)
	for k, v := range config.PlanMapping {
		planMapping[strings.ToLower(strings.TrimSpace(k))] = v
	}

	return &Provider{
		webhookSecret: secret,
		planMapping:   planMapping,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// VerifyAndParse authenticates the payload with Stripe's signed-header
// scheme (HMAC-SHA256 over the exact raw bytes, constant-time comparison
// inside ConstructEvent) and wraps it into an envelope.
func (p *Provider) VerifyAndParse(header http.Header, body []byte) (*webhook.Envelope, error) {
	sig := header.Get("Stripe-Signature")
	if sig == "" {
		sig = header.Get("stripe-signature")
	}
	if sig == "" {
		return nil, webhook.ErrInvalidSignature
	}

	event, err := stripe.ConstructEvent(body, sig, p.webhookSecret)
	if err != nil {
		return nil, webhook.ErrInvalidSignature
	}

	return &webhook.Envelope{
		Provider:   providerName,
		EventID:    event.ID,
		Type:       string(event.Type),
		OccurredAt: time.Unix(event.Created, 0).UTC(),
		Payload:    event.Data.Raw,
	}, nil
}

// MapPricePlan maps a Stripe price or product ID to an internal plan.
// Unmapped prices yield the raw price id so the record still carries
// something identifiable.
func (p *Provider) MapPricePlan(priceID string) string {
	if priceID == "" {
		return ""
	}
	key := strings.ToLower(strings.TrimSpace(priceID))
	if plan, ok := p.planMapping[key]; ok {
		return plan
	}
	return priceID
}
