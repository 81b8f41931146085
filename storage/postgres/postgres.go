// Package postgres provides a PostgreSQL implementation of the subsync.Storage
// and subsync.DeadLetterer interfaces. ApplyTransition runs inside a SQL
// transaction with SELECT FOR UPDATE on the account row, so every side effect
// of one reconciliation commits atomically or not at all.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Schema is the DDL this adapter expects. Apply it with EnsureSchema or
// through your own migration tooling.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id             TEXT PRIMARY KEY,
	tier           TEXT NOT NULL,
	plan           TEXT NOT NULL DEFAULT '',
	trial_ends_at  TIMESTAMPTZ,
	customer_refs  JSONB,
	updated_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS subscriptions (
	provider             TEXT NOT NULL,
	provider_sub_id      TEXT NOT NULL,
	account_id           TEXT NOT NULL REFERENCES accounts(id),
	plan                 TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL,
	period_start         TIMESTAMPTZ,
	period_end           TIMESTAMPTZ,
	cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
	trial                BOOLEAN NOT NULL DEFAULT FALSE,
	last_event_at        TIMESTAMPTZ,
	created_at           TIMESTAMPTZ NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (provider, provider_sub_id)
);
CREATE INDEX IF NOT EXISTS subscriptions_account_idx ON subscriptions (account_id);

CREATE TABLE IF NOT EXISTS event_ledger (
	provider TEXT NOT NULL,
	event_id TEXT NOT NULL,
	outcome  TEXT NOT NULL,
	at       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (provider, event_id)
);

CREATE TABLE IF NOT EXISTS audit_log (
	id          BIGSERIAL PRIMARY KEY,
	account_id  TEXT NOT NULL,
	provider    TEXT NOT NULL,
	event_id    TEXT NOT NULL DEFAULT '',
	event_kind  TEXT NOT NULL,
	from_status TEXT NOT NULL DEFAULT '',
	to_status   TEXT NOT NULL DEFAULT '',
	from_tier   TEXT NOT NULL DEFAULT '',
	to_tier     TEXT NOT NULL DEFAULT '',
	note        TEXT NOT NULL DEFAULT '',
	at          TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letters (
	provider   TEXT NOT NULL,
	event_id   TEXT NOT NULL,
	account_id TEXT NOT NULL DEFAULT '',
	event      JSONB NOT NULL,
	reason     TEXT NOT NULL,
	at         TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (provider, event_id)
);
`

// Storage implements subsync.Storage and subsync.DeadLetterer using PostgreSQL.
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool, config: config}, nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema applies the adapter's DDL. Intended for tests and small
// deployments; larger systems should run migrations out of band.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetAccount implements subsync.Storage
func (s *Storage) GetAccount(ctx context.Context, accountID string) (*subsync.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx,
		`SELECT id, tier, plan, trial_ends_at, customer_refs, updated_at
			FROM accounts WHERE id = $1`,
		accountID))
}

// FindAccountByCustomerRef implements subsync.Storage
func (s *Storage) FindAccountByCustomerRef(ctx context.Context, provider, ref string) (*subsync.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx,
		`SELECT id, tier, plan, trial_ends_at, customer_refs, updated_at
			FROM accounts WHERE customer_refs->>$1 = $2`,
		provider, ref))
}

// CreateAccount implements subsync.Storage
func (s *Storage) CreateAccount(ctx context.Context, acct *subsync.Account) error {
	if acct == nil || acct.ID == "" {
		return fmt.Errorf("invalid account")
	}

	refs, err := marshalRefs(acct.CustomerRefs)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO accounts (id, tier, plan, trial_ends_at, customer_refs, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
		acct.ID, string(acct.Tier), acct.Plan, acct.TrialEndsAt, refs, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// GetSubscription implements subsync.Storage
func (s *Storage) GetSubscription(ctx context.Context, provider, providerSubID string) (*subsync.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		subscriptionColumns+` WHERE provider = $1 AND provider_sub_id = $2`,
		provider, providerSubID))
	if err == pgx.ErrNoRows {
		return nil, subsync.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// ListSubscriptions implements subsync.Storage
func (s *Storage) ListSubscriptions(ctx context.Context, accountID string) ([]*subsync.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		subscriptionColumns+` WHERE account_id = $1 ORDER BY updated_at DESC`,
		accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	return collectSubscriptions(rows)
}

// GetLedgerEntry implements subsync.Storage
func (s *Storage) GetLedgerEntry(ctx context.Context, provider, eventID string) (*subsync.LedgerEntry, error) {
	var entry subsync.LedgerEntry
	err := s.pool.QueryRow(ctx,
		`SELECT provider, event_id, outcome, at
			FROM event_ledger WHERE provider = $1 AND event_id = $2`,
		provider, eventID).Scan(&entry.Provider, &entry.EventID, &entry.Outcome, &entry.At)

	if err == pgx.ErrNoRows {
		return nil, nil // No entry yet is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}
	return &entry, nil
}

// ApplyTransition implements subsync.Storage. The account row is locked
// FOR UPDATE first, so concurrent reconciliations for the same account
// serialize at the database even across processes.
func (s *Storage) ApplyTransition(ctx context.Context, apply *subsync.Apply) error {
	if apply == nil || apply.AccountID == "" {
		return fmt.Errorf("invalid apply")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", subsync.ErrStorageUnavailable, err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	var locked string
	err = tx.QueryRow(ctx,
		`SELECT id FROM accounts WHERE id = $1 FOR UPDATE`,
		apply.AccountID).Scan(&locked)
	if err == pgx.ErrNoRows {
		return subsync.ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock account: %w", err)
	}

	if apply.Ledger != nil {
		tag, err := tx.Exec(ctx,
			`INSERT INTO event_ledger (provider, event_id, outcome, at)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (provider, event_id) DO NOTHING`,
			apply.Ledger.Provider, apply.Ledger.EventID, string(apply.Ledger.Outcome), apply.Ledger.At)
		if err != nil {
			return fmt.Errorf("failed to record ledger entry: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Another transaction applied this event first.
			return subsync.ErrDuplicateEvent
		}
	}

	if apply.Subscription != nil {
		sub := apply.Subscription
		_, err = tx.Exec(ctx,
			`INSERT INTO subscriptions
					(provider, provider_sub_id, account_id, plan, status, period_start, period_end,
					 cancel_at_period_end, trial, last_event_at, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
				ON CONFLICT (provider, provider_sub_id) DO UPDATE SET
					plan = EXCLUDED.plan,
					status = EXCLUDED.status,
					period_start = EXCLUDED.period_start,
					period_end = EXCLUDED.period_end,
					cancel_at_period_end = EXCLUDED.cancel_at_period_end,
					trial = EXCLUDED.trial,
					last_event_at = EXCLUDED.last_event_at,
					updated_at = EXCLUDED.updated_at`,
			sub.Provider, sub.ProviderSubID, sub.AccountID, sub.Plan, string(sub.Status),
			nullTime(sub.PeriodStart), nullTime(sub.PeriodEnd), sub.CancelAtPeriodEnd,
			sub.Trial, nullTime(sub.LastEventAt), sub.CreatedAt, sub.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert subscription: %w", err)
		}
	}

	if apply.Supersede != nil {
		_, err = tx.Exec(ctx,
			`UPDATE subscriptions SET status = $1, updated_at = NOW()
				WHERE provider = $2 AND provider_sub_id = $3`,
			string(subsync.StatusCanceled), apply.Supersede.Provider, apply.Supersede.ProviderSubID)
		if err != nil {
			return fmt.Errorf("failed to supersede subscription: %w", err)
		}
	}

	if apply.Tier != nil {
		if _, err = tx.Exec(ctx,
			`UPDATE accounts SET tier = $1, updated_at = NOW() WHERE id = $2`,
			string(*apply.Tier), apply.AccountID); err != nil {
			return fmt.Errorf("failed to update tier: %w", err)
		}
	}
	if apply.Plan != nil {
		if _, err = tx.Exec(ctx,
			`UPDATE accounts SET plan = $1, updated_at = NOW() WHERE id = $2`,
			*apply.Plan, apply.AccountID); err != nil {
			return fmt.Errorf("failed to update plan: %w", err)
		}
	}
	if apply.SetCustomerRef != nil {
		if _, err = tx.Exec(ctx,
			`UPDATE accounts
				SET customer_refs = COALESCE(customer_refs, '{}'::jsonb) || jsonb_build_object($1::text, $2::text),
					updated_at = NOW()
				WHERE id = $3`,
			apply.SetCustomerRef.Provider, apply.SetCustomerRef.Ref, apply.AccountID); err != nil {
			return fmt.Errorf("failed to set customer ref: %w", err)
		}
	}

	if apply.Audit != nil {
		a := apply.Audit
		_, err = tx.Exec(ctx,
			`INSERT INTO audit_log
					(account_id, provider, event_id, event_kind, from_status, to_status, from_tier, to_tier, note, at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			a.AccountID, a.Provider, a.EventID, string(a.EventKind),
			string(a.FromStatus), string(a.ToStatus), string(a.FromTier), string(a.ToTier),
			a.Note, a.At)
		if err != nil {
			return fmt.Errorf("failed to record audit entry: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit failed: %v", subsync.ErrStorageUnavailable, err)
	}
	return nil
}

// ListDeferredCancellations implements subsync.Storage
func (s *Storage) ListDeferredCancellations(ctx context.Context, before time.Time) ([]*subsync.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		subscriptionColumns+`
			WHERE status = $1 AND cancel_at_period_end AND period_end IS NOT NULL AND period_end < $2`,
		string(subsync.StatusCanceled), before)
	if err != nil {
		return nil, fmt.Errorf("failed to list deferred cancellations: %w", err)
	}
	defer rows.Close()

	return collectSubscriptions(rows)
}

// PruneLedger implements subsync.Storage
func (s *Storage) PruneLedger(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM event_ledger WHERE at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune ledger: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Push implements subsync.DeadLetterer
func (s *Storage) Push(ctx context.Context, dl *subsync.DeadLetter) error {
	if dl == nil {
		return fmt.Errorf("invalid dead letter")
	}

	event, err := json.Marshal(dl.Event)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter event: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO dead_letters (provider, event_id, account_id, event, reason, at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (provider, event_id) DO UPDATE SET
				reason = EXCLUDED.reason,
				at = EXCLUDED.at`,
		dl.Provider, dl.EventID, dl.AccountID, string(event), dl.Reason, dl.At)
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

	rows, err := s.pool.Query(ctx,
		`SELECT provider, event_id, account_id, event, reason, at
			FROM dead_letters ORDER BY at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []*subsync.DeadLetter
	for rows.Next() {
		var dl subsync.DeadLetter
		var event []byte
		if err := rows.Scan(&dl.Provider, &dl.EventID, &dl.AccountID, &event, &dl.Reason, &dl.At); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		if err := json.Unmarshal(event, &dl.Event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead letter event: %w", err)
		}
		letters = append(letters, &dl)
	}
	return letters, rows.Err()
}

// Remove implements subsync.DeadLetterer
func (s *Storage) Remove(ctx context.Context, provider, eventID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM dead_letters WHERE provider = $1 AND event_id = $2`,
		provider, eventID)
	if err != nil {
		return fmt.Errorf("failed to remove dead letter: %w", err)
	}
	return nil
}

const subscriptionColumns = `SELECT provider, provider_sub_id, account_id, plan, status,
	period_start, period_end, cancel_at_period_end, trial, last_event_at, created_at, updated_at
	FROM subscriptions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*subsync.Account, error) {
	var acct subsync.Account
	var plan string
	var refs []byte

	err := row.Scan(&acct.ID, &acct.Tier, &plan, &acct.TrialEndsAt, &refs, &acct.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, subsync.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	acct.Plan = plan
	if len(refs) > 0 {
		if err := json.Unmarshal(refs, &acct.CustomerRefs); err != nil {
			return nil, fmt.Errorf("failed to decode customer refs: %w", err)
		}
	}
	return &acct, nil
}

func scanSubscription(row rowScanner) (*subsync.Subscription, error) {
	var sub subsync.Subscription
	var periodStart, periodEnd, lastEventAt *time.Time

	err := row.Scan(&sub.Provider, &sub.ProviderSubID, &sub.AccountID, &sub.Plan, &sub.Status,
		&periodStart, &periodEnd, &sub.CancelAtPeriodEnd, &sub.Trial, &lastEventAt,
		&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if periodStart != nil {
		sub.PeriodStart = *periodStart
	}
	if periodEnd != nil {
		sub.PeriodEnd = *periodEnd
	}
	if lastEventAt != nil {
		sub.LastEventAt = *lastEventAt
	}
	return &sub, nil
}

func collectSubscriptions(rows pgx.Rows) ([]*subsync.Subscription, error) {
	var subs []*subsync.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func marshalRefs(refs map[string]string) (*string, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(refs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode customer refs: %w", err)
	}
	s := string(data)
	return &s, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
