package paypal

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/subsync/pkg/webhook"
)

const providerName = "paypal"

// Config holds PayPal provider configuration.
type Config struct {
	// WebhookSecret authenticates deliveries, either as a shared token
	// or as the HMAC key when EnableHMAC is set.
	WebhookSecret string

	// EnableHMAC additionally accepts an HMAC-SHA256 signature over the
	// raw body in the Paypal-Transmission-Sig header (base64).
	EnableHMAC bool

	// PlanMapping maps PayPal plan IDs to internal plan identifiers.
	PlanMapping map[string]string
}

// Provider implements webhook.Provider for PayPal's account-based
// recurring billing (billing agreements / subscriptions).
type Provider struct {
	secret      []byte
	acceptHMAC  bool
	planMapping map[string]string
}

// NewProvider creates a new PayPal webhook provider.
func NewProvider(config Config) (*Provider, error) {
	secret := strings.TrimSpace(config.WebhookSecret)
	if strings.HasPrefix(strings.ToLower(secret), "bearer ") {
		secret = strings.TrimSpace(secret[len("bearer "):])
	}
	if secret == "" {
		return nil, webhook.ErrProviderNotConfigured
	}

	planMapping := make(map[string]string)
	for k, v := range config.PlanMapping {
		planMapping[strings.ToLower(strings.TrimSpace(k))] = v
	}

	return &Provider{
		secret:      []byte(secret),
		acceptHMAC:  config.EnableHMAC,
		planMapping: planMapping,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// eventEnvelope is the outer PayPal webhook shape.
type eventEnvelope struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	CreateTime string          `json:"create_time"`
	Resource   json.RawMessage `json:"resource"`
}

// VerifyAndParse authenticates the payload against the shared webhook
// secret and wraps it into an envelope. Token comparison is constant time;
// HMAC mode verifies a base64 SHA256 signature over the exact raw bytes.
func (p *Provider) VerifyAndParse(header http.Header, body []byte) (*webhook.Envelope, error) {
	if !p.verifyRequest(extractTokenOrSignature(header), body) {
		return nil, webhook.ErrInvalidSignature
	}

	var outer eventEnvelope
	if err := json.Unmarshal(body, &outer); err != nil {
		return nil, webhook.ErrInvalidPayload
	}
	if outer.EventType == "" {
		return nil, webhook.ErrInvalidPayload
	}

	occurredAt := time.Time{}
	if outer.CreateTime != "" {
		if parsed, err := time.Parse(time.RFC3339, outer.CreateTime); err == nil {
			occurredAt = parsed.UTC()
		}
	}

	return &webhook.Envelope{
		Provider:   providerName,
		EventID:    outer.ID,
		Type:       outer.EventType,
		OccurredAt: occurredAt,
		Payload:    outer.Resource,
	}, nil
}

// extractTokenOrSignature extracts the authentication token or signature
// from the request headers.
func extractTokenOrSignature(header http.Header) string {
	authHeader := strings.TrimSpace(header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[len("bearer "):])
	}
	if authHeader != "" {
		return authHeader
	}
	sig := strings.TrimSpace(header.Get("Paypal-Transmission-Sig"))
	if sig == "" {
		sig = strings.TrimSpace(header.Get("paypal-transmission-sig"))
	}
	return sig
}

func (p *Provider) verifyRequest(tokenOrSig string, body []byte) bool {
	if len(p.secret) == 0 || strings.TrimSpace(tokenOrSig) == "" {
		return false
	}

	if subtle.ConstantTimeCompare([]byte(tokenOrSig), p.secret) == 1 {
		return true
	}

	if !p.acceptHMAC {
		return false
	}
	expected, err := base64.StdEncoding.DecodeString(tokenOrSig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, p.secret)
	if _, err := mac.Write(body); err != nil {
		return false
	}
	return hmac.Equal(expected, mac.Sum(nil))
}

// MapPlan maps a PayPal plan id to an internal plan identifier.
func (p *Provider) MapPlan(planID string) string {
	if planID == "" {
		return ""
	}
	key := strings.ToLower(strings.TrimSpace(planID))
	if plan, ok := p.planMapping[key]; ok {
		return plan
	}
	return planID
}
