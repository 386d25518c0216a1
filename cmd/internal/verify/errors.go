package verify

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingPayload is returned when the credential is empty.
	ErrMissingPayload = errors.New("missing payload")

	// ErrMissingSignature is returned when no signature accompanies the payload.
	ErrMissingSignature = errors.New("missing signature")

	// ErrMalformedPayload is returned when the payload cannot be parsed or lacks required fields.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrSignatureMismatch is returned when the signature does not match.
	ErrSignatureMismatch = errors.New("signature mismatch")

	// ErrStalePayload is returned by the optional freshness check on launch data.
	ErrStalePayload = errors.New("stale payload")
)

// Error is a typed verification failure with a stable Op + Kind contract.
// Msg is for logs only; it never includes signature material.
type Error struct {
	Op   string
	Kind error
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Kind }

func fail(op string, kind error, msg string) error {
	return &Error{Op: op, Kind: kind, Msg: msg}
}

// KindOf returns the sentinel kind carried by err, or nil if err is not a verification failure.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrMissingPayload,
		ErrMissingSignature,
		ErrMalformedPayload,
		ErrSignatureMismatch,
		ErrStalePayload,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
