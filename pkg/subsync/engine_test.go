package subsync_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/subsync/pkg/subsync"
	"github.com/mihaimyh/subsync/storage/memory"
)

var engineNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

type engineFixture struct {
	engine      *subsync.Engine
	storage     *memory.Storage
	deadLetters *memory.DeadLetters
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	storage := memory.New()
	deadLetters := memory.NewDeadLetters()
	engine, err := subsync.NewEngine(subsync.Config{
		Storage:     storage,
		DeadLetters: deadLetters,
		Now:         func() time.Time { return engineNow },
	})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return &engineFixture{engine: engine, storage: storage, deadLetters: deadLetters}
}

func (f *engineFixture) createAccount(t *testing.T, id string, tier subsync.Tier) {
	t.Helper()
	err := f.storage.CreateAccount(context.Background(), &subsync.Account{ID: id, Tier: tier})
	if err != nil {
		t.Fatalf("Failed to create account: %v", err)
	}
}

func activationEvent(eventID, accountID string) *subsync.Event {
	return &subsync.Event{
		Provider:        "stripe",
		ID:              eventID,
		Kind:            subsync.EventActivated,
		OccurredAt:      engineNow,
		SubscriptionRef: "sub_1",
		CustomerRef:     "cus_1",
		CorrelationID:   accountID,
		Plan:            "pro-monthly",
		PeriodStart:     engineNow,
		PeriodEnd:       engineNow.Add(30 * 24 * time.Hour),
	}
}

func TestEngine_ProcessActivation(t *testing.T) {
	f := newEngineFixture(t)
	f.createAccount(t, "acct-1", subsync.TierLocked)

	res, err := f.engine.Process(context.Background(), activationEvent("evt_1", "acct-1"))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.Outcome != subsync.OutcomeApplied {
		t.Fatalf("Expected applied, got %s", res.Outcome)
	}
	if !res.TierChanged || res.ToTier != subsync.TierActive {
		t.Errorf("Expected tier change to active, got %+v", res)
	}

	acct, err := f.storage.GetAccount(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acct.Tier != subsync.TierActive {
		t.Errorf("Expected account tier active, got %s", acct.Tier)
	}
	if acct.Plan != "pro-monthly" {
		t.Errorf("Expected plan pro-monthly, got %q", acct.Plan)
	}
	if acct.CustomerRef("stripe") != "cus_1" {
		t.Errorf("Expected customer ref linked, got %q", acct.CustomerRef("stripe"))
	}

	entry, err := f.storage.GetLedgerEntry(context.Background(), "stripe", "evt_1")
	if err != nil {
		t.Fatalf("GetLedgerEntry failed: %v", err)
	}
	if entry == nil || entry.Outcome != subsync.OutcomeApplied {
		t.Errorf("Expected ledger entry with applied outcome, got %+v", entry)
	}

	if audits := f.storage.Audits(); len(audits) != 1 {
		t.Errorf("Expected one audit entry, got %d", len(audits))
	}
}

func TestEngine_DuplicateDelivery(t *testing.T) {
	f := newEngineFixture(t)
	f.createAccount(t, "acct-1", subsync.TierLocked)

	ev := activationEvent("evt_1", "acct-1")
	if _, err := f.engine.Process(context.Background(), ev); err != nil {
		t.Fatalf("First delivery failed: %v", err)
	}

	res, err := f.engine.Process(context.Background(), ev)
	if err != nil {
		t.Fatalf("Redelivery failed: %v", err)
	}
	if res.Outcome != subsync.OutcomeDuplicate {
		t.Errorf("Expected duplicate, got %s", res.Outcome)
	}
	if audits := f.storage.Audits(); len(audits) != 1 {
		t.Errorf("Redelivery must not add audit entries, got %d", len(audits))
	}
}

func TestEngine_UnrecognizedEventIgnored(t *testing.T) {
	f := newEngineFixture(t)

	res, err := f.engine.Process(context.Background(), &subsync.Event{
		Provider: "stripe",
		ID:       "evt_1",
		Kind:     subsync.EventUnrecognized,
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.Outcome != subsync.OutcomeIgnored {
		t.Errorf("Expected ignored, got %s", res.Outcome)
	}
}

func TestEngine_UnresolvedAccountIgnored(t *testing.T) {
	f := newEngineFixture(t)

	ev := &subsync.Event{
		Provider:        "stripe",
		ID:              "evt_1",
		Kind:            subsync.EventRenewed,
		SubscriptionRef: "sub_unknown",
		CustomerRef:     "cus_unknown",
	}
	res, err := f.engine.Process(context.Background(), ev)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.Outcome != subsync.OutcomeIgnored {
		t.Errorf("Expected ignored, got %s", res.Outcome)
	}
	if f.deadLetters.Len() != 0 {
		t.Errorf("Unresolved events must not be dead-lettered, got %d", f.deadLetters.Len())
	}
}

func TestEngine_ResolveByCustomerRef(t *testing.T) {
	f := newEngineFixture(t)
	f.createAccount(t, "acct-1", subsync.TierLocked)

	// Link the customer ref via activation, then deliver a renewal that
	// carries only the customer ref.
	if _, err := f.engine.Process(context.Background(), activationEvent("evt_1", "acct-1")); err != nil {
		t.Fatalf("Activation failed: %v", err)
	}

	renewal := &subsync.Event{
		Provider:        "stripe",
		ID:              "evt_2",
		Kind:            subsync.EventRenewed,
		OccurredAt:      engineNow.Add(time.Hour),
		SubscriptionRef: "sub_1",
		CustomerRef:     "cus_1",
		PeriodEnd:       engineNow.Add(60 * 24 * time.Hour),
	}
	res, err := f.engine.Process(context.Background(), renewal)
	if err != nil {
		t.Fatalf("Renewal failed: %v", err)
	}
	if res.Outcome != subsync.OutcomeApplied {
		t.Errorf("Expected applied, got %s", res.Outcome)
	}
	if res.AccountID != "acct-1" {
		t.Errorf("Expected resolution to acct-1, got %q", res.AccountID)
	}
}

func TestEngine_ResolveBySubscriptionRef(t *testing.T) {
	f := newEngineFixture(t)
	f.createAccount(t, "acct-1", subsync.TierLocked)
	if _, err := f.engine.Process(context.Background(), activationEvent("evt_1", "acct-1")); err != nil {
		t.Fatalf("Activation failed: %v", err)
	}

	// Cancellations may carry neither correlation id nor customer ref.
	cancel := &subsync.Event{
		Provider:        "stripe",
		ID:              "evt_2",
		Kind:            subsync.EventCanceled,
		OccurredAt:      engineNow.Add(time.Hour),
		SubscriptionRef: "sub_1",
		Immediate:       true,
	}
	res, err := f.engine.Process(context.Background(), cancel)
	if err != nil {
		t.Fatalf("Cancellation failed: %v", err)
	}
	if res.AccountID != "acct-1" {
		t.Errorf("Expected resolution via subscription record, got %q", res.AccountID)
	}
	if !res.TierChanged || res.ToTier != subsync.TierLocked {
		t.Errorf("Expected downgrade to locked, got %+v", res)
	}
}

func TestEngine_StorageFailureDeadLetters(t *testing.T) {
	f := newEngineFixture(t)
	f.createAccount(t, "acct-1", subsync.TierLocked)
	f.storage.FailNextApply(errors.New("connection reset"))

	res, err := f.engine.Process(context.Background(), activationEvent("evt_1", "acct-1"))
	if err != nil {
		t.Fatalf("Process should absorb the failure: %v", err)
	}
	if res.Outcome != subsync.OutcomeDeadLettered {
		t.Fatalf("Expected dead_lettered, got %s", res.Outcome)
	}

	// Nothing half-landed: no ledger entry, tier unchanged.
	entry, err := f.storage.GetLedgerEntry(context.Background(), "stripe", "evt_1")
	if err != nil {
		t.Fatalf("GetLedgerEntry failed: %v", err)
	}
	if entry != nil {
		t.Error("Ledger must not record a failed apply")
	}
	acct, _ := f.storage.GetAccount(context.Background(), "acct-1")
	if acct.Tier != subsync.TierLocked {
		t.Errorf("Tier must be unchanged after a failed apply, got %s", acct.Tier)
	}
	if f.deadLetters.Len() != 1 {
		t.Errorf("Expected one dead letter, got %d", f.deadLetters.Len())
	}
}

func TestEngine_StorageFailureWithoutDeadLetterer(t *testing.T) {
	storage := memory.New()
	engine, err := subsync.NewEngine(subsync.Config{Storage: storage})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	if err := storage.CreateAccount(context.Background(), &subsync.Account{ID: "acct-1", Tier: subsync.TierLocked}); err != nil {
		t.Fatalf("Failed to create account: %v", err)
	}
	storage.FailNextApply(errors.New("connection reset"))

	if _, err := engine.Process(context.Background(), activationEvent("evt_1", "acct-1")); err == nil {
		t.Error("Expected an error when no dead letterer is configured")
	}
}

func TestEngine_ReplayDeadLetters(t *testing.T) {
	f := newEngineFixture(t)
	f.createAccount(t, "acct-1", subsync.TierLocked)
	f.storage.FailNextApply(errors.New("connection reset"))

	if _, err := f.engine.Process(context.Background(), activationEvent("evt_1", "acct-1")); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	drained, err := f.engine.ReplayDeadLetters(context.Background(), 10)
	if err != nil {
		t.Fatalf("ReplayDeadLetters failed: %v", err)
	}
	if drained != 1 {
		t.Errorf("Expected 1 drained, got %d", drained)
	}
	if f.deadLetters.Len() != 0 {
		t.Errorf("Expected dead letters empty, got %d", f.deadLetters.Len())
	}

	acct, _ := f.storage.GetAccount(context.Background(), "acct-1")
	if acct.Tier != subsync.TierActive {
		t.Errorf("Replay should apply the parked event, got tier %s", acct.Tier)
	}
}

func TestEngine_ReplayLeavesFailingLetters(t *testing.T) {
	f := newEngineFixture(t)
	f.createAccount(t, "acct-1", subsync.TierLocked)
	f.storage.FailNextApply(errors.New("connection reset"))
	if _, err := f.engine.Process(context.Background(), activationEvent("evt_1", "acct-1")); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	// The replay itself hits the same failure.
	f.storage.FailNextApply(errors.New("still down"))
	drained, err := f.engine.ReplayDeadLetters(context.Background(), 10)
	if err != nil {
		t.Fatalf("ReplayDeadLetters failed: %v", err)
	}
	if drained != 0 {
		t.Errorf("Expected 0 drained, got %d", drained)
	}
	if f.deadLetters.Len() != 1 {
		t.Errorf("Failing letter must stay parked, got %d", f.deadLetters.Len())
	}
}

func TestEngine_SweepExpiredCancellations(t *testing.T) {
	f := newEngineFixture(t)
	f.createAccount(t, "acct-1", subsync.TierActive)

	// A deferred cancellation whose paid period has already ended.
	err := f.storage.ApplyTransition(context.Background(), &subsync.Apply{
		AccountID: "acct-1",
		Subscription: &subsync.Subscription{
			AccountID:         "acct-1",
			Provider:          "paypal",
			ProviderSubID:     "I-1",
			Status:            subsync.StatusCanceled,
			CancelAtPeriodEnd: true,
			PeriodEnd:         engineNow.Add(-time.Hour),
		},
	})
	if err != nil {
		t.Fatalf("ApplyTransition failed: %v", err)
	}

	swept, err := f.engine.SweepExpiredCancellations(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if swept != 1 {
		t.Errorf("Expected 1 account swept, got %d", swept)
	}

	acct, _ := f.storage.GetAccount(context.Background(), "acct-1")
	if acct.Tier != subsync.TierLocked {
		t.Errorf("Expected downgrade to locked, got %s", acct.Tier)
	}

	// A second sweep finds nothing to change.
	swept, err = f.engine.SweepExpiredCancellations(context.Background())
	if err != nil {
		t.Fatalf("Second sweep failed: %v", err)
	}
	if swept != 0 {
		t.Errorf("Expected idempotent sweep, got %d", swept)
	}
}

func TestEngine_Status(t *testing.T) {
	f := newEngineFixture(t)
	f.createAccount(t, "acct-1", subsync.TierLocked)
	if _, err := f.engine.Process(context.Background(), activationEvent("evt_1", "acct-1")); err != nil {
		t.Fatalf("Activation failed: %v", err)
	}

	status, err := f.engine.Status(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Tier != subsync.TierActive {
		t.Errorf("Expected tier active, got %s", status.Tier)
	}
	if len(status.Subscriptions) != 1 {
		t.Errorf("Expected one subscription, got %d", len(status.Subscriptions))
	}

	if _, err := f.engine.Status(context.Background(), "acct-missing"); !errors.Is(err, subsync.ErrAccountNotFound) {
		t.Errorf("Expected ErrAccountNotFound, got %v", err)
	}
}

func TestEngine_PruneLedger(t *testing.T) {
	f := newEngineFixture(t)
	f.createAccount(t, "acct-1", subsync.TierLocked)
	if _, err := f.engine.Process(context.Background(), activationEvent("evt_1", "acct-1")); err != nil {
		t.Fatalf("Activation failed: %v", err)
	}

	pruned, err := f.engine.PruneLedger(context.Background(), 90*24*time.Hour)
	if err != nil {
		t.Fatalf("PruneLedger failed: %v", err)
	}
	if pruned != 0 {
		t.Errorf("Fresh entries must survive the retention window, got %d pruned", pruned)
	}

	pruned, err = f.engine.PruneLedger(context.Background(), -time.Hour)
	if err != nil {
		t.Fatalf("PruneLedger failed: %v", err)
	}
	if pruned != 1 {
		t.Errorf("Expected 1 pruned, got %d", pruned)
	}
}

func TestEngine_ConcurrentSameAccount(t *testing.T) {
	f := newEngineFixture(t)
	f.createAccount(t, "acct-1", subsync.TierLocked)
	if _, err := f.engine.Process(context.Background(), activationEvent("evt_0", "acct-1")); err != nil {
		t.Fatalf("Activation failed: %v", err)
	}

	// Concurrent renewals for one account serialize on the account lock;
	// each distinct event id must land exactly once.
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 20; i++ {
		i := i
		g.Go(func() error {
			ev := &subsync.Event{
				Provider:        "stripe",
				ID:              fmt.Sprintf("evt_c%d", i),
				Kind:            subsync.EventRenewed,
				OccurredAt:      engineNow.Add(time.Duration(i) * time.Second),
				SubscriptionRef: "sub_1",
				CustomerRef:     "cus_1",
			}
			_, err := f.engine.Process(ctx, ev)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Concurrent processing failed: %v", err)
	}

	// One audit per applied event plus the initial activation.
	if audits := f.storage.Audits(); len(audits) != 21 {
		t.Errorf("Expected 21 audit entries, got %d", len(audits))
	}
}

func TestEngine_ConcurrentDuplicateDeliveries(t *testing.T) {
	f := newEngineFixture(t)
	f.createAccount(t, "acct-1", subsync.TierLocked)

	var g errgroup.Group
	applied := make(chan subsync.Outcome, 10)
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			res, err := f.engine.Process(context.Background(), activationEvent("evt_1", "acct-1"))
			if err != nil {
				return err
			}
			applied <- res.Outcome
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Concurrent processing failed: %v", err)
	}
	close(applied)

	counts := make(map[subsync.Outcome]int)
	for o := range applied {
		counts[o]++
	}
	if counts[subsync.OutcomeApplied] != 1 {
		t.Errorf("Exactly one delivery must apply, got %d", counts[subsync.OutcomeApplied])
	}
	if counts[subsync.OutcomeDuplicate] != 9 {
		t.Errorf("Expected 9 duplicates, got %d", counts[subsync.OutcomeDuplicate])
	}
}

func TestNewEngine_RequiresStorage(t *testing.T) {
	if _, err := subsync.NewEngine(subsync.Config{}); !errors.Is(err, subsync.ErrEngineNotConfigured) {
		t.Errorf("Expected ErrEngineNotConfigured, got %v", err)
	}
}
