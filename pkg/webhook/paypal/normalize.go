package paypal

import (
	"encoding/json"
	"time"

	"github.com/mihaimyh/subsync/pkg/subsync"
	"github.com/mihaimyh/subsync/pkg/webhook"
)

// subscriptionResource is the slice of BILLING.SUBSCRIPTION.* resources we
// consume.
type subscriptionResource struct {
	ID         string `json:"id"`
	PlanID     string `json:"plan_id"`
	CustomID   string `json:"custom_id"`
	Subscriber struct {
		PayerID string `json:"payer_id"`
	} `json:"subscriber"`
	StartTime   string `json:"start_time"`
	BillingInfo struct {
		NextBillingTime string `json:"next_billing_time"`
	} `json:"billing_info"`
}

// saleResource is the slice of PAYMENT.SALE.* resources we consume. Sales
// tie back to the subscription through the billing agreement id.
type saleResource struct {
	ID                 string `json:"id"`
	BillingAgreementID string `json:"billing_agreement_id"`
	CustomID           string `json:"custom"`
}

// Normalize maps a verified PayPal envelope into the internal event
// algebra. PayPal's suspension is a soft failure, not a hard cancel: the
// agreement can be reactivated, so it maps to a payment failure and keeps
// the grace semantics.
func (p *Provider) Normalize(env *webhook.Envelope) *subsync.Event {
	base := subsync.Event{
		Provider:   providerName,
		ID:         env.EventID,
		Kind:       subsync.EventUnrecognized,
		OccurredAt: env.OccurredAt,
	}

	switch env.Type {
	case "BILLING.SUBSCRIPTION.ACTIVATED", "BILLING.SUBSCRIPTION.CREATED":
		return p.normalizeSubscription(env, base, subsync.EventActivated)
	case "BILLING.SUBSCRIPTION.RE-ACTIVATED", "BILLING.SUBSCRIPTION.RENEWED", "BILLING.SUBSCRIPTION.UPDATED":
		return p.normalizeSubscription(env, base, subsync.EventRenewed)
	case "BILLING.SUBSCRIPTION.CANCELLED":
		// PayPal cancellations leave the agreement paid through the
		// current period; the downgrade waits for the period sweep.
		ev := p.normalizeSubscription(env, base, subsync.EventCanceled)
		ev.CancelAtPeriodEnd = true
		return ev
	case "BILLING.SUBSCRIPTION.SUSPENDED", "BILLING.SUBSCRIPTION.PAYMENT.FAILED":
		return p.normalizeSubscription(env, base, subsync.EventPaymentFailed)
	case "BILLING.SUBSCRIPTION.EXPIRED":
		return p.normalizeSubscription(env, base, subsync.EventExpired)
	case "PAYMENT.SALE.COMPLETED":
		return p.normalizeSale(env, base)
	default:
		return &base
	}
}

func (p *Provider) normalizeSubscription(env *webhook.Envelope, base subsync.Event, kind subsync.EventKind) *subsync.Event {
	var res subscriptionResource
	if err := json.Unmarshal(env.Payload, &res); err != nil {
		return &base
	}
	if res.ID == "" {
		return &base
	}

	base.Kind = kind
	base.SubscriptionRef = res.ID
	base.CustomerRef = res.Subscriber.PayerID
	base.CorrelationID = res.CustomID
	base.Plan = p.MapPlan(res.PlanID)
	base.PeriodStart = parseRFC3339(res.StartTime)
	base.PeriodEnd = parseRFC3339(res.BillingInfo.NextBillingTime)
	return &base
}

func (p *Provider) normalizeSale(env *webhook.Envelope, base subsync.Event) *subsync.Event {
	var res saleResource
	if err := json.Unmarshal(env.Payload, &res); err != nil {
		return &base
	}
	if res.BillingAgreementID == "" {
		// One-time sale without a subscription behind it.
		return &base
	}

	base.Kind = subsync.EventRenewed
	base.SubscriptionRef = res.BillingAgreementID
	base.CorrelationID = res.CustomID
	return &base
}

func parseRFC3339(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return parsed.UTC()
}
