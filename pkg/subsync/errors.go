package subsync

import "errors"

var (
	// ErrEngineNotConfigured is returned when the engine is built without
	// its required collaborators
	ErrEngineNotConfigured = errors.New("reconciliation engine not configured")

	// ErrAccountNotFound is returned when no account matches an id
	ErrAccountNotFound = errors.New("account not found")

	// ErrSubscriptionNotFound is returned when no record matches a
	// provider subscription id
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrUnresolvedAccount is returned when neither the correlation id
	// nor a stored customer reference identifies an account
	ErrUnresolvedAccount = errors.New("account could not be resolved from event")

	// ErrDuplicateEvent is returned by storage when a ledger entry for the
	// same (provider, event id) already exists
	ErrDuplicateEvent = errors.New("event already processed")

	// ErrStorageUnavailable is returned when the backing store cannot be
	// reached
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrDeadLetterFailed is returned when an event could not be applied
	// and could not be parked for replay either; the only case where the
	// dispatcher is allowed to fail the delivery
	ErrDeadLetterFailed = errors.New("dead-letter write failed")
)
