// Package memory provides an in-memory implementation of the
// subsync.Storage and subsync.DeadLetterer interfaces.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Storage implements subsync.Storage using in-memory maps. The whole
// ApplyTransition runs under one mutex, which gives it the same
// all-or-nothing behavior per account as a database transaction.
type Storage struct {
	mu            sync.RWMutex
	accounts      map[string]*subsync.Account
	subscriptions map[string]*subsync.Subscription // provider/subID
	ledger        map[string]*subsync.LedgerEntry  // provider/eventID
	audits        []*subsync.AuditEntry

	// failNextApply, when set, makes the next ApplyTransition fail with
	// the configured error without mutating anything.
	failNextApply error
}

// New creates a new in-memory storage adapter.
func New() *Storage {
	return &Storage{
		accounts:      make(map[string]*subsync.Account),
		subscriptions: make(map[string]*subsync.Subscription),
		ledger:        make(map[string]*subsync.LedgerEntry),
	}
}

// FailNextApply makes the next ApplyTransition return err, simulating a
// storage outage mid-reconciliation.
func (s *Storage) FailNextApply(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNextApply = err
}

// GetAccount implements subsync.Storage.
func (s *Storage) GetAccount(ctx context.Context, accountID string) (*subsync.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return nil, subsync.ErrAccountNotFound
	}
	return copyAccount(acct), nil
}

// FindAccountByCustomerRef implements subsync.Storage.
func (s *Storage) FindAccountByCustomerRef(ctx context.Context, provider, ref string) (*subsync.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, acct := range s.accounts {
		if acct.CustomerRefs[provider] == ref {
			return copyAccount(acct), nil
		}
	}
	return nil, subsync.ErrAccountNotFound
}

// CreateAccount implements subsync.Storage.
func (s *Storage) CreateAccount(ctx context.Context, acct *subsync.Account) error {
	if acct == nil || acct.ID == "" {
		return fmt.Errorf("invalid account")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[acct.ID]; exists {
		return fmt.Errorf("account %s already exists", acct.ID)
	}
	s.accounts[acct.ID] = copyAccount(acct)
	return nil
}

// GetSubscription implements subsync.Storage.
func (s *Storage) GetSubscription(ctx context.Context, provider, providerSubID string) (*subsync.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[subKey(provider, providerSubID)]
	if !ok {
		return nil, subsync.ErrSubscriptionNotFound
	}
	subCopy := *sub
	return &subCopy, nil
}

// ListSubscriptions implements subsync.Storage.
func (s *Storage) ListSubscriptions(ctx context.Context, accountID string) ([]*subsync.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var subs []*subsync.Subscription
	for _, sub := range s.subscriptions {
		if sub.AccountID == accountID {
			subCopy := *sub
			subs = append(subs, &subCopy)
		}
	}
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].UpdatedAt.After(subs[j].UpdatedAt)
	})
	return subs, nil
}

// GetLedgerEntry implements subsync.Storage.
func (s *Storage) GetLedgerEntry(ctx context.Context, provider, eventID string) (*subsync.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.ledger[subKey(provider, eventID)]
	if !ok {
		return nil, nil // No entry yet is not an error
	}
	entryCopy := *entry
	return &entryCopy, nil
}

// ApplyTransition implements subsync.Storage. All side effects land under
// one lock acquisition or none do.
func (s *Storage) ApplyTransition(ctx context.Context, apply *subsync.Apply) error {
	if apply == nil || apply.AccountID == "" {
		return fmt.Errorf("invalid apply")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNextApply != nil {
		err := s.failNextApply
		s.failNextApply = nil
		return err
	}

	acct, ok := s.accounts[apply.AccountID]
	if !ok {
		return subsync.ErrAccountNotFound
	}

	if apply.Ledger != nil {
		key := subKey(apply.Ledger.Provider, apply.Ledger.EventID)
		if _, exists := s.ledger[key]; exists {
			return subsync.ErrDuplicateEvent
		}
		entryCopy := *apply.Ledger
		s.ledger[key] = &entryCopy
	}

	if apply.Subscription != nil {
		subCopy := *apply.Subscription
		s.subscriptions[subKey(subCopy.Provider, subCopy.ProviderSubID)] = &subCopy
	}
	if apply.Supersede != nil {
		if old, ok := s.subscriptions[subKey(apply.Supersede.Provider, apply.Supersede.ProviderSubID)]; ok {
			old.Status = subsync.StatusCanceled
			old.UpdatedAt = time.Now().UTC()
		}
	}

	if apply.Tier != nil {
		acct.Tier = *apply.Tier
	}
	if apply.Plan != nil {
		acct.Plan = *apply.Plan
	}
	if apply.SetCustomerRef != nil {
		if acct.CustomerRefs == nil {
			acct.CustomerRefs = make(map[string]string)
		}
		acct.CustomerRefs[apply.SetCustomerRef.Provider] = apply.SetCustomerRef.Ref
	}
	acct.UpdatedAt = time.Now().UTC()

	if apply.Audit != nil {
		auditCopy := *apply.Audit
		s.audits = append(s.audits, &auditCopy)
	}
	return nil
}

// ListDeferredCancellations implements subsync.Storage.
func (s *Storage) ListDeferredCancellations(ctx context.Context, before time.Time) ([]*subsync.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var subs []*subsync.Subscription
	for _, sub := range s.subscriptions {
		if sub.Status == subsync.StatusCanceled && sub.CancelAtPeriodEnd && !sub.PeriodEnd.IsZero() && sub.PeriodEnd.Before(before) {
			subCopy := *sub
			subs = append(subs, &subCopy)
		}
	}
	return subs, nil
}

// PruneLedger implements subsync.Storage.
func (s *Storage) PruneLedger(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for key, entry := range s.ledger {
		if entry.At.Before(before) {
			delete(s.ledger, key)
			pruned++
		}
	}
	return pruned, nil
}

// Audits returns a copy of the audit trail, oldest first. Test helper.
func (s *Storage) Audits() []*subsync.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*subsync.AuditEntry, 0, len(s.audits))
	for _, a := range s.audits {
		aCopy := *a
		out = append(out, &aCopy)
	}
	return out
}

// Clear removes all data (useful for testing).
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts = make(map[string]*subsync.Account)
	s.subscriptions = make(map[string]*subsync.Subscription)
	s.ledger = make(map[string]*subsync.LedgerEntry)
	s.audits = nil
}

func subKey(provider, id string) string {
	return fmt.Sprintf("%s/%s", provider, id)
}

func copyAccount(acct *subsync.Account) *subsync.Account {
	acctCopy := *acct
	if acct.CustomerRefs != nil {
		refs := make(map[string]string, len(acct.CustomerRefs))
		for k, v := range acct.CustomerRefs {
			refs[k] = v
		}
		acctCopy.CustomerRefs = refs
	}
	return &acctCopy
}

// DeadLetters implements subsync.DeadLetterer in memory.
type DeadLetters struct {
	mu      sync.Mutex
	letters []*subsync.DeadLetter
}

// NewDeadLetters creates an in-memory dead-letter log.
func NewDeadLetters() *DeadLetters {
	return &DeadLetters{}
}

// Push implements subsync.DeadLetterer.
func (d *DeadLetters) Push(ctx context.Context, dl *subsync.DeadLetter) error {
	if dl == nil {
		return fmt.Errorf("invalid dead letter")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	dlCopy := *dl
	for i, existing := range d.letters {
		if existing.Provider == dl.Provider && existing.EventID == dl.EventID {
			d.letters[i] = &dlCopy
			return nil
		}
	}
	d.letters = append(d.letters, &dlCopy)
	return nil
}

// List implements subsync.DeadLetterer.
func (d *DeadLetters) List(ctx context.Context, limit int) ([]*subsync.DeadLetter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if limit <= 0 || limit > len(d.letters) {
		limit = len(d.letters)
	}
	out := make([]*subsync.DeadLetter, 0, limit)
	for _, dl := range d.letters[:limit] {
		dlCopy := *dl
		out = append(out, &dlCopy)
	}
	return out, nil
}

// Remove implements subsync.DeadLetterer.
func (d *DeadLetters) Remove(ctx context.Context, provider, eventID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, dl := range d.letters {
		if dl.Provider == provider && dl.EventID == eventID {
			d.letters = append(d.letters[:i], d.letters[i+1:]...)
			return nil
		}
	}
	return nil
}

// Len returns how many letters are parked. Test helper.
func (d *DeadLetters) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.letters)
}
