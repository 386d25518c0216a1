package signature

import "errors"

// Public, stable errors for callers.
var (
	ErrKeyMissing  = errors.New("signature key missing")
	ErrKeyTooShort = errors.New("signature key too short")
)
