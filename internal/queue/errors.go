package queue

import "errors"

var (
	// ErrNotFound is returned when a message is absent or deleted.
	ErrNotFound = errors.New("queue: message not found")
	// ErrConflict is returned when a write is rejected or a message is leased.
	ErrConflict = errors.New("queue: conflict")
	// ErrMalformedState is returned when a message's keys cannot be interpreted.
	ErrMalformedState = errors.New("queue: malformed message state")
	// ErrInvalid is returned for requests that fail validation.
	ErrInvalid = errors.New("queue: invalid request")
	// ErrTooLarge is returned when a payload exceeds Limits.MaxPayloadBytes.
	ErrTooLarge = errors.New("queue: payload too large")
)
