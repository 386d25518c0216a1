package session

import "errors"

var (
	// ErrNotFound is returned for unknown, expired, destroyed or corrupted sessions.
	ErrNotFound = errors.New("session not found")

	// ErrStoreUnavailable is returned when the backing store cannot be reached.
	ErrStoreUnavailable = errors.New("session store unavailable")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")

	errTokenCollision = errors.New("session: token collision")
)
