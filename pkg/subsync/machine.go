package subsync

import (
	"fmt"
	"time"
)

// Transition is the side-effect instruction set computed by one
// reconciliation. It is pure data; the applier executes it atomically.
type Transition struct {
	Outcome Outcome

	// Subscription is the record to upsert, nil when nothing changes.
	Subscription *Subscription

	// Supersede names a previous non-terminal record (by provider
	// subscription id) to cancel in the same unit, preserving the
	// one-open-record-per-provider invariant.
	Supersede string

	// Tier is the new account tier, nil when unchanged.
	Tier *Tier

	// Plan is the new account plan, nil when unchanged.
	Plan *string

	// SetCustomerRef links the provider's customer reference to the
	// account on first activation.
	SetCustomerRef *CustomerRefUpdate

	// Note explains no-ops and fallbacks for the audit trail.
	Note string
}

// Reconcile applies one normalized event to the current stored state of an
// account and computes the next state. It is a pure function: no storage,
// no clock reads beyond the supplied now.
//
// The transition table, per (record state x event kind):
//
//	none               Activated      -> pending_activation or active
//	none               Renewed etc.   -> implicit activation (see below)
//	pending_activation Renewed        -> active
//	active             Renewed        -> active (refresh period)
//	active             PaymentFailed  -> past_due (grace, tier kept)
//	past_due           Renewed        -> active
//	past_due           PaymentFailed  -> past_due (no-op)
//	active/past_due    Canceled       -> canceled (deferred or immediate)
//	active/past_due    Expired        -> expired
//	terminal           anything       -> no-op
//
// Events that reference a subscription id with no stored record are treated
// as an implicit activation into the state the event implies, because
// providers do not reliably replay missed creation events. This also makes
// a Canceled delivered before its Activated converge to the same terminal
// record as the in-order delivery.
func Reconcile(acct *Account, subs []*Subscription, ev *Event, now time.Time) *Transition {
	if acct == nil || ev == nil {
		return &Transition{Outcome: OutcomeIgnored, Note: "missing account or event"}
	}
	if ev.Kind == EventUnrecognized {
		return &Transition{Outcome: OutcomeIgnored, Note: "unrecognized event type"}
	}
	if ev.SubscriptionRef == "" {
		return &Transition{Outcome: OutcomeNoop, Note: "event carries no subscription reference"}
	}

	target := findSubscription(subs, ev.Provider, ev.SubscriptionRef)

	var tr *Transition
	switch ev.Kind {
	case EventActivated:
		tr = reconcileActivated(acct, subs, target, ev, now)
	case EventRenewed:
		tr = reconcileRenewed(acct, target, ev, now)
	case EventPaymentFailed:
		tr = reconcilePaymentFailed(acct, target, ev, now)
	case EventCanceled:
		tr = reconcileCanceled(acct, target, ev, now)
	case EventExpired:
		tr = reconcileExpired(acct, target, ev, now)
	default:
		return &Transition{Outcome: OutcomeIgnored, Note: fmt.Sprintf("no transition for kind %q", ev.Kind)}
	}

	finishTransition(acct, subs, ev, now, tr)
	return tr
}

func reconcileActivated(acct *Account, subs []*Subscription, target *Subscription, ev *Event, now time.Time) *Transition {
	if target != nil {
		if target.Status.Terminal() {
			// Replayed or reordered activation of a finished
			// subscription. A genuinely new subscription carries a
			// new provider id.
			return &Transition{Outcome: OutcomeNoop, Note: "activation for terminal record"}
		}
		if stale(target, ev) {
			return &Transition{Outcome: OutcomeNoop, Note: "stale activation"}
		}
		next := *target
		refreshFromEvent(&next, ev, now)
		return &Transition{Outcome: OutcomeApplied, Subscription: &next}
	}

	status := StatusPendingActivation
	if !ev.PeriodEnd.IsZero() {
		status = StatusActive
	}
	next := newRecord(acct, ev, status, now)
	tr := &Transition{Outcome: OutcomeApplied, Subscription: next}

	// A fresh activation while another record for the same provider is
	// still open is a plan change or checkout retry; close the old one
	// in the same unit.
	if open := openSubscription(subs, ev.Provider, ev.SubscriptionRef); open != nil {
		tr.Supersede = open.ProviderSubID
		tr.Note = fmt.Sprintf("supersedes %s", open.ProviderSubID)
	}
	return tr
}

func reconcileRenewed(acct *Account, target *Subscription, ev *Event, now time.Time) *Transition {
	if target == nil {
		next := newRecord(acct, ev, StatusActive, now)
		return &Transition{Outcome: OutcomeApplied, Subscription: next, Note: "implicit activation"}
	}
	if target.Status.Terminal() {
		return &Transition{Outcome: OutcomeNoop, Note: "renewal for terminal record"}
	}
	if stale(target, ev) {
		return &Transition{Outcome: OutcomeNoop, Note: "stale renewal"}
	}
	next := *target
	next.Status = StatusActive
	next.Trial = false
	refreshFromEvent(&next, ev, now)
	next.CancelAtPeriodEnd = ev.CancelAtPeriodEnd
	return &Transition{Outcome: OutcomeApplied, Subscription: &next}
}

func reconcilePaymentFailed(acct *Account, target *Subscription, ev *Event, now time.Time) *Transition {
	if target == nil {
		next := newRecord(acct, ev, StatusPastDue, now)
		return &Transition{Outcome: OutcomeApplied, Subscription: next, Note: "implicit activation"}
	}
	if target.Status.Terminal() {
		return &Transition{Outcome: OutcomeNoop, Note: "payment failure for terminal record"}
	}
	if target.Status == StatusPastDue {
		return &Transition{Outcome: OutcomeNoop, Note: "duplicate soft-fail"}
	}
	if stale(target, ev) {
		return &Transition{Outcome: OutcomeNoop, Note: "stale payment failure"}
	}
	next := *target
	next.Status = StatusPastDue
	next.LastEventAt = eventTime(ev, now)
	next.UpdatedAt = now
	return &Transition{Outcome: OutcomeApplied, Subscription: &next}
}

func reconcileCanceled(acct *Account, target *Subscription, ev *Event, now time.Time) *Transition {
	if target == nil {
		// Cancellation arrived before its activation. Materialize the
		// record directly in its terminal state so the late activation
		// lands on a terminal record and no-ops.
		next := newRecord(acct, ev, StatusCanceled, now)
		next.CancelAtPeriodEnd = !ev.Immediate
		return &Transition{Outcome: OutcomeApplied, Subscription: next, Note: "canceled before activation"}
	}
	if target.Status.Terminal() {
		return &Transition{Outcome: OutcomeNoop, Note: "cancellation for terminal record"}
	}
	next := *target
	next.Status = StatusCanceled
	next.CancelAtPeriodEnd = !ev.Immediate
	if !ev.PeriodEnd.IsZero() {
		next.PeriodEnd = ev.PeriodEnd
	}
	next.LastEventAt = eventTime(ev, now)
	next.UpdatedAt = now
	return &Transition{Outcome: OutcomeApplied, Subscription: &next}
}

func reconcileExpired(acct *Account, target *Subscription, ev *Event, now time.Time) *Transition {
	if target == nil {
		next := newRecord(acct, ev, StatusExpired, now)
		return &Transition{Outcome: OutcomeApplied, Subscription: next, Note: "expired before activation"}
	}
	if target.Status.Terminal() {
		return &Transition{Outcome: OutcomeNoop, Note: "expiry for terminal record"}
	}
	next := *target
	next.Status = StatusExpired
	next.CancelAtPeriodEnd = false
	next.LastEventAt = eventTime(ev, now)
	next.UpdatedAt = now
	return &Transition{Outcome: OutcomeApplied, Subscription: &next}
}

// finishTransition derives the account-level consequences: tier, plan and
// customer-reference linkage.
func finishTransition(acct *Account, subs []*Subscription, ev *Event, now time.Time, tr *Transition) {
	if tr.Outcome != OutcomeApplied {
		return
	}

	// Project the post-transition record set.
	projected := make([]*Subscription, 0, len(subs)+1)
	replaced := false
	for _, s := range subs {
		switch {
		case tr.Subscription != nil && s.Provider == tr.Subscription.Provider && s.ProviderSubID == tr.Subscription.ProviderSubID:
			projected = append(projected, tr.Subscription)
			replaced = true
		case tr.Supersede != "" && s.Provider == ev.Provider && s.ProviderSubID == tr.Supersede:
			closed := *s
			closed.Status = StatusCanceled
			closed.UpdatedAt = now
			projected = append(projected, &closed)
		default:
			projected = append(projected, s)
		}
	}
	if tr.Subscription != nil && !replaced {
		projected = append(projected, tr.Subscription)
	}

	// The account must never be locked out while either provider still
	// reports entitlement, so the tier is an OR over all records.
	tier := deriveTier(acct, projected, now)
	if tier != acct.Tier {
		t := tier
		tr.Tier = &t
	}

	plan := derivePlan(acct, projected, now)
	if plan != acct.Plan {
		p := plan
		tr.Plan = &p
	}

	if ev.CustomerRef != "" && acct.CustomerRef(ev.Provider) == "" {
		tr.SetCustomerRef = &CustomerRefUpdate{Provider: ev.Provider, Ref: ev.CustomerRef}
	}
}

// deriveTier computes the account tier from the full record set. Paid
// entitlement on any provider wins; a trial-only entitlement yields the
// trial tier; otherwise the signup trial window decides between trial and
// locked.
func deriveTier(acct *Account, subs []*Subscription, now time.Time) Tier {
	trialOnly := false
	for _, s := range subs {
		if !s.entitledAt(now) {
			continue
		}
		if !s.Trial {
			return TierActive
		}
		trialOnly = true
	}
	if trialOnly {
		return TierTrial
	}
	if acct.TrialEndsAt != nil && acct.TrialEndsAt.After(now) {
		return TierTrial
	}
	return TierLocked
}

// derivePlan picks the plan of the most recently updated entitled record,
// or empty when nothing entitles the account.
func derivePlan(acct *Account, subs []*Subscription, now time.Time) string {
	var best *Subscription
	for _, s := range subs {
		if !s.entitledAt(now) || s.Plan == "" {
			continue
		}
		if best == nil || s.UpdatedAt.After(best.UpdatedAt) {
			best = s
		}
	}
	if best == nil {
		return ""
	}
	return best.Plan
}

func newRecord(acct *Account, ev *Event, status Status, now time.Time) *Subscription {
	plan := ev.Plan
	if plan == "" {
		// Best-effort inference for implicit activations.
		plan = acct.Plan
	}
	return &Subscription{
		AccountID:     acct.ID,
		Provider:      ev.Provider,
		ProviderSubID: ev.SubscriptionRef,
		Plan:          plan,
		Status:        status,
		PeriodStart:   ev.PeriodStart,
		PeriodEnd:     ev.PeriodEnd,
		Trial:         ev.TrialHint,
		LastEventAt:   eventTime(ev, now),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func refreshFromEvent(s *Subscription, ev *Event, now time.Time) {
	if ev.Plan != "" {
		s.Plan = ev.Plan
	}
	if !ev.PeriodStart.IsZero() {
		s.PeriodStart = ev.PeriodStart
	}
	if !ev.PeriodEnd.IsZero() {
		s.PeriodEnd = ev.PeriodEnd
	}
	if s.Status == StatusPastDue || s.Status == StatusPendingActivation {
		s.Status = StatusActive
	}
	s.LastEventAt = eventTime(ev, now)
	s.UpdatedAt = now
}

// stale reports whether the event predates the last applied one for the
// record. Equal timestamps are applied; true duplicates are caught by the
// ledger when the provider assigns event ids.
func stale(s *Subscription, ev *Event) bool {
	return !ev.OccurredAt.IsZero() && !s.LastEventAt.IsZero() && ev.OccurredAt.Before(s.LastEventAt)
}

func eventTime(ev *Event, now time.Time) time.Time {
	if !ev.OccurredAt.IsZero() {
		return ev.OccurredAt
	}
	return now
}

func findSubscription(subs []*Subscription, provider, ref string) *Subscription {
	for _, s := range subs {
		if s.Provider == provider && s.ProviderSubID == ref {
			return s
		}
	}
	return nil
}

// openSubscription returns the non-terminal record for a provider other
// than the given subscription id, if one exists.
func openSubscription(subs []*Subscription, provider, exceptRef string) *Subscription {
	for _, s := range subs {
		if s.Provider == provider && s.ProviderSubID != exceptRef && !s.Status.Terminal() {
			return s
		}
	}
	return nil
}
