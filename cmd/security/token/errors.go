package token

import "errors"

// Public, stable errors for callers.
var (
	ErrKeyMissing  = errors.New("session hash key missing")
	ErrKeyTooShort = errors.New("session hash key too short")
)
