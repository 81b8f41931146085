package webhook

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is built
	// without its secret or the handler without an engine
	ErrProviderNotConfigured = errors.New("webhook provider not configured")

	// ErrInvalidSignature is returned when signature verification fails;
	// the only error the dispatcher turns into a non-2xx response
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrInvalidPayload is returned when the webhook payload cannot be
	// parsed at all
	ErrInvalidPayload = errors.New("invalid webhook payload")
)
