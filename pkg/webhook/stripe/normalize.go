package stripe

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/mihaimyh/subsync/pkg/subsync"
	"github.com/mihaimyh/subsync/pkg/webhook"
)

// expandableID decodes Stripe's expandable references, which arrive either
// as a bare id string or as an expanded object with an "id" field.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

// checkoutSession is the slice of checkout.session.completed we consume.
type checkoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          expandableID      `json:"customer"`
	Subscription      expandableID      `json:"subscription"`
	Metadata          map[string]string `json:"metadata"`
}

// subscriptionPayload is the slice of customer.subscription.* we consume.
// Period bounds live at the top level in webhook payloads, with the item
// level as fallback for newer API versions.
type subscriptionPayload struct {
	ID                 string       `json:"id"`
	Status             string       `json:"status"`
	Customer           expandableID `json:"customer"`
	CancelAtPeriodEnd  bool         `json:"cancel_at_period_end"`
	CurrentPeriodStart int64        `json:"current_period_start"`
	CurrentPeriodEnd   int64        `json:"current_period_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// invoicePayload is the slice of invoice.payment_* we consume.
type invoicePayload struct {
	ID           string       `json:"id"`
	Customer     expandableID `json:"customer"`
	Subscription expandableID `json:"subscription"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription expandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

// Normalize maps a verified Stripe envelope into the internal event
// algebra. Unmapped event types yield EventUnrecognized; malformed inner
// payloads do too, since a parse failure after signature verification is a
// vocabulary change, not an attack.
func (p *Provider) Normalize(env *webhook.Envelope) *subsync.Event {
	base := subsync.Event{
		Provider:   providerName,
		ID:         env.EventID,
		Kind:       subsync.EventUnrecognized,
		OccurredAt: env.OccurredAt,
	}

	switch env.Type {
	case "checkout.session.completed":
		return p.normalizeCheckout(env, base)
	case "customer.subscription.created", "customer.subscription.updated":
		return p.normalizeSubscription(env, base)
	case "customer.subscription.deleted":
		return p.normalizeDeleted(env, base)
	case "invoice.payment_succeeded":
		return p.normalizeInvoice(env, base, subsync.EventRenewed)
	case "invoice.payment_failed":
		return p.normalizeInvoice(env, base, subsync.EventPaymentFailed)
	default:
		return &base
	}
}

func (p *Provider) normalizeCheckout(env *webhook.Envelope, base subsync.Event) *subsync.Event {
	var session checkoutSession
	if err := json.Unmarshal(env.Payload, &session); err != nil {
		return &base
	}
	if session.Mode != "subscription" || session.Subscription == "" {
		// One-time payments never touch subscription state.
		return &base
	}

	correlationID := session.ClientReferenceID
	if correlationID == "" && session.Metadata != nil {
		correlationID = session.Metadata["account_id"]
	}

	base.Kind = subsync.EventActivated
	base.SubscriptionRef = string(session.Subscription)
	base.CustomerRef = string(session.Customer)
	base.CorrelationID = correlationID
	if session.Metadata != nil {
		base.Plan = session.Metadata["plan"]
	}
	return &base
}

func (p *Provider) normalizeSubscription(env *webhook.Envelope, base subsync.Event) *subsync.Event {
	var sub subscriptionPayload
	if err := json.Unmarshal(env.Payload, &sub); err != nil {
		return &base
	}

	start, end := sub.CurrentPeriodStart, sub.CurrentPeriodEnd
	priceID := ""
	if len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if start == 0 {
			start = item.CurrentPeriodStart
		}
		if end == 0 {
			end = item.CurrentPeriodEnd
		}
		priceID = item.Price.ID
	}

	base.SubscriptionRef = sub.ID
	base.CustomerRef = string(sub.Customer)
	base.Plan = p.MapPricePlan(priceID)
	base.PeriodStart = unixTime(start)
	base.PeriodEnd = unixTime(end)
	base.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	if sub.Metadata != nil {
		base.CorrelationID = sub.Metadata["account_id"]
	}

	switch sub.Status {
	case "active":
		base.Kind = subsync.EventRenewed
	case "trialing":
		base.Kind = subsync.EventActivated
		base.TrialHint = true
	default:
		// past_due, canceled and the rest arrive through their
		// dedicated invoice/deletion events.
	}
	return &base
}

func (p *Provider) normalizeDeleted(env *webhook.Envelope, base subsync.Event) *subsync.Event {
	var sub subscriptionPayload
	if err := json.Unmarshal(env.Payload, &sub); err != nil {
		return &base
	}

	// Stripe fires deleted when the subscription actually terminates,
	// including at the period end of a deferred cancellation, so the
	// entitlement ends now either way.
	base.Kind = subsync.EventCanceled
	base.Immediate = true
	base.SubscriptionRef = sub.ID
	base.CustomerRef = string(sub.Customer)
	return &base
}

func (p *Provider) normalizeInvoice(env *webhook.Envelope, base subsync.Event, kind subsync.EventKind) *subsync.Event {
	var inv invoicePayload
	if err := json.Unmarshal(env.Payload, &inv); err != nil {
		return &base
	}

	subID := string(inv.Subscription)
	if subID == "" {
		subID = string(inv.Parent.SubscriptionDetails.Subscription)
	}
	if subID == "" {
		// Not a subscription invoice.
		return &base
	}

	base.Kind = kind
	base.SubscriptionRef = subID
	base.CustomerRef = string(inv.Customer)
	if kind == subsync.EventRenewed && len(inv.Lines.Data) > 0 {
		period := inv.Lines.Data[0].Period
		base.PeriodStart = unixTime(period.Start)
		base.PeriodEnd = unixTime(period.End)
	}
	return &base
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
