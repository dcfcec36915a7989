package natsbus

import "errors"

// Domain-specific errors for NATS operations.
var (
	// ErrNotConnected is returned when publishing on a closed or disconnected client.
	ErrNotConnected = errors.New("natsbus: client not connected")

	// ErrConnectionFailed is returned when the initial connection attempt fails.
	ErrConnectionFailed = errors.New("natsbus: connection failed")

	// ErrPublishFailed is returned when a publish or its flush fails.
	ErrPublishFailed = errors.New("natsbus: publish failed")

	// ErrInvalidSubject is returned for an empty subject or one with wildcards.
	ErrInvalidSubject = errors.New("natsbus: invalid subject")
)
