package domain

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrForbidden            = errors.New("forbidden")
	ErrValidation           = errors.New("validation failed")
	ErrInvalidEventType     = errors.New("invalid event type")
	ErrInvalidPayload       = errors.New("payload must be valid JSON")
	ErrUnsupportedEventType = errors.New("event type not subscribed")
	ErrNotRetryable         = errors.New("attempt is not in a retryable state")
)
