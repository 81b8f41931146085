// Package tiered provides a read-through caching adapter over any
// subsync.Storage backend. Account reads served to access-control middleware
// are high frequency and tolerate short staleness; everything else passes
// through to the backing store, which stays the source of truth.
package tiered

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Config configures the caching behavior
type Config struct {
	// Backing is the durable storage (e.g., Postgres, Firestore) as the
	// source of truth
	Backing subsync.Storage

	// TTL bounds how stale a cached account may get. Default: 30s.
	TTL time.Duration

	// MaxEntries caps the cache size; the cache is flushed when it
	// overflows. Default: 10000.
	MaxEntries int
}

// Storage wraps a subsync.Storage with an in-process account cache.
// Writes flow through to the backing store and invalidate the touched
// account, so a reconciliation is visible to the next read on this process
// immediately and to other processes after at most one TTL.
type Storage struct {
	backing subsync.Storage
	conf    Config

	mu       sync.RWMutex
	accounts map[string]cacheEntry
	refIndex map[string]string // provider/ref -> account id
}

type cacheEntry struct {
	acct      *subsync.Account
	expiresAt time.Time
}

// New creates a new caching storage adapter.
func New(config Config) (*Storage, error) {
	if config.Backing == nil {
		return nil, errors.New("tiered storage: backing storage is required")
	}
	if config.TTL <= 0 {
		config.TTL = 30 * time.Second
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = 10000
	}

	return &Storage{
		backing:  config.Backing,
		conf:     config,
		accounts: make(map[string]cacheEntry),
		refIndex: make(map[string]string),
	}, nil
}

// GetAccount implements subsync.Storage with a read-through strategy.
func (s *Storage) GetAccount(ctx context.Context, accountID string) (*subsync.Account, error) {
	if acct := s.cached(accountID); acct != nil {
		return acct, nil
	}

	acct, err := s.backing.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	s.fill(acct)
	return acct, nil
}

// FindAccountByCustomerRef implements subsync.Storage. The ref index only
// holds mappings observed on this process; misses fall through.
func (s *Storage) FindAccountByCustomerRef(ctx context.Context, provider, ref string) (*subsync.Account, error) {
	s.mu.RLock()
	accountID, ok := s.refIndex[provider+"/"+ref]
	s.mu.RUnlock()
	if ok {
		if acct := s.cached(accountID); acct != nil {
			return acct, nil
		}
	}

	acct, err := s.backing.FindAccountByCustomerRef(ctx, provider, ref)
	if err != nil {
		return nil, err
	}
	s.fill(acct)
	return acct, nil
}

// CreateAccount implements subsync.Storage.
func (s *Storage) CreateAccount(ctx context.Context, acct *subsync.Account) error {
	if err := s.backing.CreateAccount(ctx, acct); err != nil {
		return err
	}
	if acct != nil {
		s.Invalidate(acct.ID)
	}
	return nil
}

// GetSubscription implements subsync.Storage, passing through.
func (s *Storage) GetSubscription(ctx context.Context, provider, providerSubID string) (*subsync.Subscription, error) {
	return s.backing.GetSubscription(ctx, provider, providerSubID)
}

// ListSubscriptions implements subsync.Storage, passing through.
func (s *Storage) ListSubscriptions(ctx context.Context, accountID string) ([]*subsync.Subscription, error) {
	return s.backing.ListSubscriptions(ctx, accountID)
}

// GetLedgerEntry implements subsync.Storage, passing through. Idempotency
// checks must never see stale data.
func (s *Storage) GetLedgerEntry(ctx context.Context, provider, eventID string) (*subsync.LedgerEntry, error) {
	return s.backing.GetLedgerEntry(ctx, provider, eventID)
}

// ApplyTransition implements subsync.Storage. The touched account leaves the
// cache whether or not the backing write succeeded; on failure the cached
// view may predate a partially observed state elsewhere.
func (s *Storage) ApplyTransition(ctx context.Context, apply *subsync.Apply) error {
	if apply != nil {
		s.Invalidate(apply.AccountID)
	}
	return s.backing.ApplyTransition(ctx, apply)
}

// ListDeferredCancellations implements subsync.Storage, passing through.
func (s *Storage) ListDeferredCancellations(ctx context.Context, before time.Time) ([]*subsync.Subscription, error) {
	return s.backing.ListDeferredCancellations(ctx, before)
}

// PruneLedger implements subsync.Storage, passing through.
func (s *Storage) PruneLedger(ctx context.Context, before time.Time) (int, error) {
	return s.backing.PruneLedger(ctx, before)
}

// Invalidate drops one account from the cache.
func (s *Storage) Invalidate(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, accountID)
}

// Flush drops the whole cache.
func (s *Storage) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = make(map[string]cacheEntry)
	s.refIndex = make(map[string]string)
}

func (s *Storage) cached(accountID string) *subsync.Account {
	s.mu.RLock()
	entry, ok := s.accounts[accountID]
	s.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return nil
	}
	return copyAccount(entry.acct)
}

func (s *Storage) fill(acct *subsync.Account) {
	if acct == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.accounts) >= s.conf.MaxEntries {
		s.accounts = make(map[string]cacheEntry)
		s.refIndex = make(map[string]string)
	}
	s.accounts[acct.ID] = cacheEntry{
		acct:      copyAccount(acct),
		expiresAt: time.Now().Add(s.conf.TTL),
	}
	for provider, ref := range acct.CustomerRefs {
		s.refIndex[provider+"/"+ref] = acct.ID
	}
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
