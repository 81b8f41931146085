package subsync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Config holds engine configuration.
type Config struct {
	// Storage is the account/subscription store (required).
	Storage Storage

	// DeadLetters parks events that were acknowledged but not applied.
	// Optional; when nil, storage failures surface as errors and rely on
	// provider redelivery alone.
	DeadLetters DeadLetterer

	// Logger is optional; a NoopLogger is used when nil.
	Logger Logger

	// Now is the clock, overridable in tests. Defaults to time.Now UTC.
	Now func() time.Time
}

// Engine reconciles normalized billing events against stored subscription
// state. It is the sole writer of account tier, plan and subscription
// records.
type Engine struct {
	storage     Storage
	deadLetters DeadLetterer
	locks       *accountLocks
	logger      Logger
	now         func() time.Time
}

// NewEngine creates a reconciliation engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Storage == nil {
		return nil, ErrEngineNotConfigured
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &NoopLogger{}
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		storage:     cfg.Storage,
		deadLetters: cfg.DeadLetters,
		locks:       newAccountLocks(),
		logger:      logger,
		now:         now,
	}, nil
}

// Process applies one normalized event end to end: resolve the account,
// detect replays in the processed-event ledger, compute the transition and
// apply its side effects atomically.
//
// The returned error is non-nil only when the event was neither applied nor
// durably parked; every other outcome has been absorbed and the caller must
// acknowledge the delivery.
func (e *Engine) Process(ctx context.Context, ev *Event) (*Result, error) {
	if ev == nil {
		return nil, fmt.Errorf("nil event")
	}

	res := &Result{
		Provider:  ev.Provider,
		EventID:   ev.ID,
		EventKind: ev.Kind,
	}

	if ev.Kind == EventUnrecognized {
		e.logger.Debug("ignoring unrecognized event",
			Field{"provider", ev.Provider}, Field{"event_id", ev.ID})
		res.Outcome = OutcomeIgnored
		return res, nil
	}

	acct, err := e.resolveAccount(ctx, ev)
	if err != nil {
		if errors.Is(err, ErrUnresolvedAccount) {
			// Usually a race between checkout completion and webhook
			// delivery; the provider's redelivery wins it eventually.
			e.logger.Warn("event did not resolve to an account",
				Field{"provider", ev.Provider},
				Field{"event_id", ev.ID},
				Field{"kind", ev.Kind})
			res.Outcome = OutcomeIgnored
			return res, nil
		}
		return e.absorb(ctx, ev, "", res, err)
	}
	res.AccountID = acct.ID

	e.locks.lock(acct.ID)
	defer e.locks.unlock(acct.ID)

	return e.reconcileLocked(ctx, acct.ID, ev, res)
}

// reconcileLocked runs the read-compute-write sequence. The caller holds
// the account lock.
func (e *Engine) reconcileLocked(ctx context.Context, accountID string, ev *Event, res *Result) (*Result, error) {
	now := e.now()

	if ev.ID != "" {
		prior, err := e.storage.GetLedgerEntry(ctx, ev.Provider, ev.ID)
		if err != nil {
			return e.absorb(ctx, ev, accountID, res, err)
		}
		if prior != nil {
			e.logger.Debug("duplicate delivery",
				Field{"provider", ev.Provider},
				Field{"event_id", ev.ID},
				Field{"first_outcome", prior.Outcome})
			res.Outcome = OutcomeDuplicate
			return res, nil
		}
	}

	// Re-read under the lock: the resolve step ran outside it.
	acct, err := e.storage.GetAccount(ctx, accountID)
	if err != nil {
		return e.absorb(ctx, ev, accountID, res, err)
	}
	subs, err := e.storage.ListSubscriptions(ctx, accountID)
	if err != nil {
		return e.absorb(ctx, ev, accountID, res, err)
	}

	tr := Reconcile(acct, subs, ev, now)
	if tr.Outcome == OutcomeIgnored {
		res.Outcome = OutcomeIgnored
		return res, nil
	}

	apply := e.buildApply(acct, ev, tr, now)
	if err := e.storage.ApplyTransition(ctx, apply); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			// Lost a cross-process race on the ledger insert; the
			// other writer's unit carries the effects.
			res.Outcome = OutcomeDuplicate
			return res, nil
		}
		return e.absorb(ctx, ev, accountID, res, err)
	}

	res.Outcome = tr.Outcome
	if tr.Tier != nil {
		res.TierChanged = true
		res.FromTier = acct.Tier
		res.ToTier = *tr.Tier
	}

	e.logger.Info("event reconciled",
		Field{"provider", ev.Provider},
		Field{"event_id", ev.ID},
		Field{"kind", ev.Kind},
		Field{"account_id", accountID},
		Field{"outcome", tr.Outcome})
	return res, nil
}

// buildApply turns a transition into the applier's instruction set, adding
// the audit and ledger entries.
func (e *Engine) buildApply(acct *Account, ev *Event, tr *Transition, now time.Time) *Apply {
	audit := &AuditEntry{
		AccountID: acct.ID,
		Provider:  ev.Provider,
		EventID:   ev.ID,
		EventKind: ev.Kind,
		FromTier:  acct.Tier,
		ToTier:    acct.Tier,
		Note:      tr.Note,
		At:        now,
	}
	if tr.Tier != nil {
		audit.ToTier = *tr.Tier
	}
	if tr.Subscription != nil {
		audit.ToStatus = tr.Subscription.Status
	}

	apply := &Apply{
		AccountID:      acct.ID,
		Subscription:   tr.Subscription,
		Tier:           tr.Tier,
		Plan:           tr.Plan,
		SetCustomerRef: tr.SetCustomerRef,
		Audit:          audit,
	}
	if ev.ID != "" {
		apply.Ledger = &LedgerEntry{
			Provider: ev.Provider,
			EventID:  ev.ID,
			Outcome:  tr.Outcome,
			At:       now,
		}
	}
	if tr.Supersede != "" {
		apply.Supersede = &SubscriptionKey{Provider: ev.Provider, ProviderSubID: tr.Supersede}
	}
	return apply
}

// absorb dead-letters an event whose side effects could not land. The
// ledger was not written, so provider redelivery retries it safely; the
// dead letter covers providers whose redelivery window has passed.
func (e *Engine) absorb(ctx context.Context, ev *Event, accountID string, res *Result, cause error) (*Result, error) {
	e.logger.Error("reconciliation failed",
		Field{"provider", ev.Provider},
		Field{"event_id", ev.ID},
		Field{"account_id", accountID},
		Field{"error", cause.Error()})

	if e.deadLetters == nil {
		return nil, cause
	}

	dl := &DeadLetter{
		Provider:  ev.Provider,
		EventID:   ev.ID,
		AccountID: accountID,
		Event:     *ev,
		Reason:    cause.Error(),
		At:        e.now(),
	}
	if err := e.deadLetters.Push(ctx, dl); err != nil {
		e.logger.Error("dead-letter write failed",
			Field{"provider", ev.Provider},
			Field{"event_id", ev.ID},
			Field{"error", err.Error()})
		return nil, fmt.Errorf("%w: %s", ErrDeadLetterFailed, cause)
	}

	res.Outcome = OutcomeDeadLettered
	return res, nil
}

// ReplayDeadLetters re-runs parked events through the ordinary
// reconciliation path. Replay is structurally idempotent: an event whose
// original delivery half-landed is deduplicated by the ledger, and one
// that never landed applies as if delivered for the first time. Returns
// how many dead letters were drained.
func (e *Engine) ReplayDeadLetters(ctx context.Context, limit int) (int, error) {
	if e.deadLetters == nil {
		return 0, ErrEngineNotConfigured
	}
	letters, err := e.deadLetters.List(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list dead letters: %w", err)
	}

	drained := 0
	for _, dl := range letters {
		ev := dl.Event
		res, err := e.Process(ctx, &ev)
		if err != nil {
			return drained, err
		}
		if res.Outcome == OutcomeDeadLettered {
			// Still failing; leave the letter in place.
			continue
		}
		if err := e.deadLetters.Remove(ctx, dl.Provider, dl.EventID); err != nil {
			return drained, fmt.Errorf("failed to remove dead letter: %w", err)
		}
		drained++
	}
	return drained, nil
}

// SweepExpiredCancellations re-derives account tier for accounts whose
// deferred cancellation has run past its paid period. The engine only
// reacts to events otherwise; an external scheduler calls this
// periodically. Returns how many accounts were downgraded or re-derived.
func (e *Engine) SweepExpiredCancellations(ctx context.Context) (int, error) {
	now := e.now()
	expired, err := e.storage.ListDeferredCancellations(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list deferred cancellations: %w", err)
	}

	seen := make(map[string]bool)
	swept := 0
	for _, sub := range expired {
		if seen[sub.AccountID] {
			continue
		}
		seen[sub.AccountID] = true

		changed, err := e.sweepAccount(ctx, sub.AccountID, now)
		if err != nil {
			e.logger.Error("sweep failed for account",
				Field{"account_id", sub.AccountID},
				Field{"error", err.Error()})
			continue
		}
		if changed {
			swept++
		}
	}
	return swept, nil
}

func (e *Engine) sweepAccount(ctx context.Context, accountID string, now time.Time) (bool, error) {
	e.locks.lock(accountID)
	defer e.locks.unlock(accountID)

	acct, err := e.storage.GetAccount(ctx, accountID)
	if err != nil {
		return false, err
	}
	subs, err := e.storage.ListSubscriptions(ctx, accountID)
	if err != nil {
		return false, err
	}

	tier := deriveTier(acct, subs, now)
	plan := derivePlan(acct, subs, now)
	if tier == acct.Tier && plan == acct.Plan {
		return false, nil
	}

	apply := &Apply{
		AccountID: accountID,
		Audit: &AuditEntry{
			AccountID: accountID,
			FromTier:  acct.Tier,
			ToTier:    tier,
			Note:      "deferred cancellation sweep",
			At:        now,
		},
	}
	if tier != acct.Tier {
		t := tier
		apply.Tier = &t
	}
	if plan != acct.Plan {
		p := plan
		apply.Plan = &p
	}
	if err := e.storage.ApplyTransition(ctx, apply); err != nil {
		return false, err
	}

	e.logger.Info("sweep re-derived account tier",
		Field{"account_id", accountID},
		Field{"from_tier", acct.Tier},
		Field{"to_tier", tier})
	return true, nil
}

// AccountStatus is the read model consumed by dashboards and the status
// endpoint.
type AccountStatus struct {
	AccountID     string          `json:"account_id"`
	Tier          Tier            `json:"tier"`
	Plan          string          `json:"plan,omitempty"`
	TrialEndsAt   *time.Time      `json:"trial_ends_at,omitempty"`
	Subscriptions []*Subscription `json:"subscriptions"`
}

// Status returns the current reconciled view of one account.
func (e *Engine) Status(ctx context.Context, accountID string) (*AccountStatus, error) {
	acct, err := e.storage.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	subs, err := e.storage.ListSubscriptions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &AccountStatus{
		AccountID:     acct.ID,
		Tier:          acct.Tier,
		Plan:          acct.Plan,
		TrialEndsAt:   acct.TrialEndsAt,
		Subscriptions: subs,
	}, nil
}

// PruneLedger garbage-collects ledger entries older than the retention
// window. No correctness impact as long as the window exceeds the
// providers' own redelivery horizon.
func (e *Engine) PruneLedger(ctx context.Context, retention time.Duration) (int, error) {
	return e.storage.PruneLedger(ctx, e.now().Add(-retention))
}
