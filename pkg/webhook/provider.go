package webhook

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Provider adapts one billing backend's webhook dialect to the engine.
// This allows the application to serve Stripe and PayPal through the same
// dispatch pipeline with zero logic changes.
type Provider interface {
	// Name returns the provider name (e.g. "stripe", "paypal").
	Name() string

	// VerifyAndParse authenticates the raw payload against the
	// provider's signing scheme and returns a provider-tagged envelope.
	// The signature is computed over the exact raw bytes; a mismatch or
	// missing signature returns ErrInvalidSignature and the body must
	// not be processed further.
	VerifyAndParse(header http.Header, body []byte) (*Envelope, error)

	// Normalize maps a verified envelope into the internal event
	// algebra. Normalization is pure and total: unmapped event types
	// yield an event with subsync.EventUnrecognized, never an error
	// that would fail the delivery.
	Normalize(env *Envelope) *subsync.Event
}

// Envelope is a verified, provider-tagged webhook event awaiting
// normalization.
type Envelope struct {
	// Provider is the emitting provider's name.
	Provider string

	// EventID is the provider event id; empty for legacy formats.
	EventID string

	// Type is the provider-specific event type string.
	Type string

	// OccurredAt is the provider's event timestamp.
	OccurredAt time.Time

	// Payload is the raw inner object for the normalizer.
	Payload json.RawMessage
}
