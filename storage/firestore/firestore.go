// Package firestore provides a Firestore implementation of the subsync.Storage
// and subsync.DeadLetterer interfaces. ApplyTransition runs inside a Firestore
// transaction, which keeps ledger insert, subscription upsert, and account
// mutation atomic.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Storage implements subsync.Storage using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	accountsCollection      string
	subscriptionsCollection string
	ledgerCollection        string
	auditCollection         string
	deadLettersCollection   string
}

// Config holds Firestore storage configuration
type Config struct {
	// AccountsCollection is the Firestore collection for accounts.
	// Default: "billing_accounts"
	AccountsCollection string

	// SubscriptionsCollection is the Firestore collection for subscription records.
	// Default: "billing_subscriptions"
	SubscriptionsCollection string

	// LedgerCollection is the Firestore collection for the processed-event ledger.
	// Default: "billing_event_ledger"
	LedgerCollection string

	// AuditCollection is the Firestore collection for the audit trail.
	// Default: "billing_audit"
	AuditCollection string

	// DeadLettersCollection is the Firestore collection for parked events.
	// Default: "billing_dead_letters"
	DeadLettersCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.AccountsCollection == "" {
		config.AccountsCollection = "billing_accounts"
	}
	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "billing_subscriptions"
	}
	if config.LedgerCollection == "" {
		config.LedgerCollection = "billing_event_ledger"
	}
	if config.AuditCollection == "" {
		config.AuditCollection = "billing_audit"
	}
	if config.DeadLettersCollection == "" {
		config.DeadLettersCollection = "billing_dead_letters"
	}

	return &Storage{
		client:                  client,
		accountsCollection:      config.AccountsCollection,
		subscriptionsCollection: config.SubscriptionsCollection,
		ledgerCollection:        config.LedgerCollection,
		auditCollection:         config.AuditCollection,
		deadLettersCollection:   config.DeadLettersCollection,
	}, nil
}

// GetAccount implements subsync.Storage
func (s *Storage) GetAccount(ctx context.Context, accountID string) (*subsync.Account, error) {
	snap, err := s.client.Collection(s.accountsCollection).Doc(accountID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subsync.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if !snap.Exists() {
		return nil, subsync.ErrAccountNotFound
	}
	return accountFromData(accountID, snap.Data()), nil
}

// FindAccountByCustomerRef implements subsync.Storage
func (s *Storage) FindAccountByCustomerRef(ctx context.Context, provider, ref string) (*subsync.Account, error) {
	iter := s.client.Collection(s.accountsCollection).
		Where("customerRefs."+provider, "==", ref).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		return nil, subsync.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account by customer ref: %w", err)
	}
	return accountFromData(snap.Ref.ID, snap.Data()), nil
}

// CreateAccount implements subsync.Storage
func (s *Storage) CreateAccount(ctx context.Context, acct *subsync.Account) error {
	if acct == nil || acct.ID == "" {
		return fmt.Errorf("invalid account")
	}

	doc := s.client.Collection(s.accountsCollection).Doc(acct.ID)
	_, err := doc.Create(ctx, accountToData(acct))
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// GetSubscription implements subsync.Storage
func (s *Storage) GetSubscription(ctx context.Context, provider, providerSubID string) (*subsync.Subscription, error) {
	snap, err := s.subscriptionDoc(provider, providerSubID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subsync.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if !snap.Exists() {
		return nil, subsync.ErrSubscriptionNotFound
	}
	return subscriptionFromData(snap.Data()), nil
}

// ListSubscriptions implements subsync.Storage
func (s *Storage) ListSubscriptions(ctx context.Context, accountID string) ([]*subsync.Subscription, error) {
	iter := s.client.Collection(s.subscriptionsCollection).
		Where("accountId", "==", accountID).
		Documents(ctx)
	defer iter.Stop()

	var subs []*subsync.Subscription
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list subscriptions: %w", err)
		}
		subs = append(subs, subscriptionFromData(snap.Data()))
	}
	return subs, nil
}

// GetLedgerEntry implements subsync.Storage
func (s *Storage) GetLedgerEntry(ctx context.Context, provider, eventID string) (*subsync.LedgerEntry, error) {
	snap, err := s.ledgerDoc(provider, eventID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil // No entry yet is not an error
		}
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}
	if !snap.Exists() {
		return nil, nil
	}

	data := snap.Data()
	return &subsync.LedgerEntry{
		Provider: provider,
		EventID:  eventID,
		Outcome:  subsync.Outcome(getString(data, "outcome")),
		At:       getTime(data, "at"),
	}, nil
}

// ApplyTransition implements subsync.Storage. All reads happen before any
// write, as Firestore transactions require.
func (s *Storage) ApplyTransition(ctx context.Context, apply *subsync.Apply) error {
	if apply == nil || apply.AccountID == "" {
		return fmt.Errorf("invalid apply")
	}

	acctDoc := s.client.Collection(s.accountsCollection).Doc(apply.AccountID)

	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		acctSnap, err := tx.Get(acctDoc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return subsync.ErrAccountNotFound
			}
			return err
		}
		if !acctSnap.Exists() {
			return subsync.ErrAccountNotFound
		}

		var ledgerDoc *firestore.DocumentRef
		if apply.Ledger != nil {
			ledgerDoc = s.ledgerDoc(apply.Ledger.Provider, apply.Ledger.EventID)
			snap, err := tx.Get(ledgerDoc)
			if err != nil && status.Code(err) != codes.NotFound {
				return err
			}
			if snap.Exists() {
				return subsync.ErrDuplicateEvent
			}
		}

		if apply.Ledger != nil {
			if err := tx.Create(ledgerDoc, map[string]interface{}{
				"provider": apply.Ledger.Provider,
				"eventId":  apply.Ledger.EventID,
				"outcome":  string(apply.Ledger.Outcome),
				"at":       apply.Ledger.At,
			}); err != nil {
				return err
			}
		}

		if apply.Subscription != nil {
			sub := apply.Subscription
			if err := tx.Set(s.subscriptionDoc(sub.Provider, sub.ProviderSubID),
				subscriptionToData(sub)); err != nil {
				return err
			}
		}
		if apply.Supersede != nil {
			if err := tx.Set(s.subscriptionDoc(apply.Supersede.Provider, apply.Supersede.ProviderSubID),
				map[string]interface{}{
					"status":    string(subsync.StatusCanceled),
					"updatedAt": time.Now().UTC(),
				}, firestore.MergeAll); err != nil {
				return err
			}
		}

		acctData := map[string]interface{}{
			"updatedAt": time.Now().UTC(),
		}
		if apply.Tier != nil {
			acctData["tier"] = string(*apply.Tier)
		}
		if apply.Plan != nil {
			acctData["plan"] = *apply.Plan
		}
		if apply.SetCustomerRef != nil {
			acctData["customerRefs"] = map[string]interface{}{
				apply.SetCustomerRef.Provider: apply.SetCustomerRef.Ref,
			}
		}
		if err := tx.Set(acctDoc, acctData, firestore.MergeAll); err != nil {
			return err
		}

		if apply.Audit != nil {
			a := apply.Audit
			auditDoc := s.client.Collection(s.auditCollection).NewDoc()
			if err := tx.Create(auditDoc, map[string]interface{}{
				"accountId":  a.AccountID,
				"provider":   a.Provider,
				"eventId":    a.EventID,
				"eventKind":  string(a.EventKind),
				"fromStatus": string(a.FromStatus),
				"toStatus":   string(a.ToStatus),
				"fromTier":   string(a.FromTier),
				"toTier":     string(a.ToTier),
				"note":       a.Note,
				"at":         a.At,
			}); err != nil {
				return err
			}
		}

		return nil
	})
}

// ListDeferredCancellations implements subsync.Storage
func (s *Storage) ListDeferredCancellations(ctx context.Context, before time.Time) ([]*subsync.Subscription, error) {
	iter := s.client.Collection(s.subscriptionsCollection).
		Where("status", "==", string(subsync.StatusCanceled)).
		Where("cancelAtPeriodEnd", "==", true).
		Where("periodEnd", "<", before).
		Documents(ctx)
	defer iter.Stop()

	var subs []*subsync.Subscription
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list deferred cancellations: %w", err)
		}
		subs = append(subs, subscriptionFromData(snap.Data()))
	}
	return subs, nil
}

// PruneLedger implements subsync.Storage
func (s *Storage) PruneLedger(ctx context.Context, before time.Time) (int, error) {
	iter := s.client.Collection(s.ledgerCollection).
		Where("at", "<", before).
		Documents(ctx)
	defer iter.Stop()

	pruned := 0
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return pruned, fmt.Errorf("failed to prune ledger: %w", err)
		}
		if _, err := snap.Ref.Delete(ctx); err != nil {
			return pruned, fmt.Errorf("failed to delete ledger entry: %w", err)
		}
		pruned++
	}
	return pruned, nil
}

// Push implements subsync.DeadLetterer
func (s *Storage) Push(ctx context.Context, dl *subsync.DeadLetter) error {
	if dl == nil {
		return fmt.Errorf("invalid dead letter")
	}

	doc := s.client.Collection(s.deadLettersCollection).Doc(docID(dl.Provider, dl.EventID))
	_, err := doc.Set(ctx, dl)
	if err != nil {
		return fmt.Errorf("failed to push dead letter: %w", err)
	}
	return nil
}

// List implements subsync.DeadLetterer
func (s *Storage) List(ctx context.Context, limit int) ([]*subsync.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}

	iter := s.client.Collection(s.deadLettersCollection).
		OrderBy("At", firestore.Asc).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	var letters []*subsync.DeadLetter
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list dead letters: %w", err)
		}

		var dl subsync.DeadLetter
		if err := snap.DataTo(&dl); err != nil {
			return nil, fmt.Errorf("failed to decode dead letter: %w", err)
		}
		letters = append(letters, &dl)
	}
	return letters, nil
}

// Remove implements subsync.DeadLetterer
func (s *Storage) Remove(ctx context.Context, provider, eventID string) error {
	_, err := s.client.Collection(s.deadLettersCollection).Doc(docID(provider, eventID)).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("failed to remove dead letter: %w", err)
	}
	return nil
}

func (s *Storage) subscriptionDoc(provider, providerSubID string) *firestore.DocumentRef {
	return s.client.Collection(s.subscriptionsCollection).Doc(docID(provider, providerSubID))
}

func (s *Storage) ledgerDoc(provider, eventID string) *firestore.DocumentRef {
	return s.client.Collection(s.ledgerCollection).Doc(docID(provider, eventID))
}

func docID(provider, id string) string {
	return fmt.Sprintf("%s_%s", provider, id)
}

func accountToData(acct *subsync.Account) map[string]interface{} {
	data := map[string]interface{}{
		"tier":      string(acct.Tier),
		"plan":      acct.Plan,
		"updatedAt": time.Now().UTC(),
	}
	if acct.TrialEndsAt != nil {
		data["trialEndsAt"] = *acct.TrialEndsAt
	}
	if len(acct.CustomerRefs) > 0 {
		refs := make(map[string]interface{}, len(acct.CustomerRefs))
		for k, v := range acct.CustomerRefs {
			refs[k] = v
		}
		data["customerRefs"] = refs
	}
	return data
}

func accountFromData(id string, data map[string]interface{}) *subsync.Account {
	acct := &subsync.Account{
		ID:        id,
		Tier:      subsync.Tier(getString(data, "tier")),
		Plan:      getString(data, "plan"),
		UpdatedAt: getTime(data, "updatedAt"),
	}
	if t, ok := data["trialEndsAt"].(time.Time); ok && !t.IsZero() {
		acct.TrialEndsAt = &t
	}
	if m, ok := data["customerRefs"].(map[string]interface{}); ok {
		refs := make(map[string]string, len(m))
		for k, v := range m {
			if sVal, ok := v.(string); ok {
				refs[k] = sVal
			}
		}
		acct.CustomerRefs = refs
	}
	return acct
}

func subscriptionToData(sub *subsync.Subscription) map[string]interface{} {
	return map[string]interface{}{
		"accountId":         sub.AccountID,
		"provider":          sub.Provider,
		"providerSubId":     sub.ProviderSubID,
		"plan":              sub.Plan,
		"status":            string(sub.Status),
		"periodStart":       sub.PeriodStart,
		"periodEnd":         sub.PeriodEnd,
		"cancelAtPeriodEnd": sub.CancelAtPeriodEnd,
		"trial":             sub.Trial,
		"lastEventAt":       sub.LastEventAt,
		"createdAt":         sub.CreatedAt,
		"updatedAt":         sub.UpdatedAt,
	}
}

func subscriptionFromData(data map[string]interface{}) *subsync.Subscription {
	return &subsync.Subscription{
		AccountID:         getString(data, "accountId"),
		Provider:          getString(data, "provider"),
		ProviderSubID:     getString(data, "providerSubId"),
		Plan:              getString(data, "plan"),
		Status:            subsync.Status(getString(data, "status")),
		PeriodStart:       getTime(data, "periodStart"),
		PeriodEnd:         getTime(data, "periodEnd"),
		CancelAtPeriodEnd: getBool(data, "cancelAtPeriodEnd"),
		Trial:             getBool(data, "trial"),
		LastEventAt:       getTime(data, "lastEventAt"),
		CreatedAt:         getTime(data, "createdAt"),
		UpdatedAt:         getTime(data, "updatedAt"),
	}
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
