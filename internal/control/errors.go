package control

import (
	"errors"
	"fmt"
)

// DecodeErrorKind classifies why a control message was rejected.
type DecodeErrorKind string

const (
	InvalidJSON  DecodeErrorKind = "invalid_json"
	MissingField DecodeErrorKind = "missing_field"
	OutOfRange   DecodeErrorKind = "out_of_range"
	InvalidValue DecodeErrorKind = "invalid_value"
)

// DecodeError reports a control message that cannot be turned into a Command.
type DecodeError struct {
	Kind DecodeErrorKind
	Err  error
}

func (e *DecodeError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err == nil {
		return fmt.Sprintf("control decode error: %s", e.Kind)
	}
	return fmt.Sprintf("control decode error: %s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is matches another *DecodeError by Kind, so callers can test with
// errors.Is(err, &control.DecodeError{Kind: control.MissingField}).
func (e *DecodeError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*DecodeError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// IsKind reports whether err is a *DecodeError of the given kind.
func IsKind(err error, kind DecodeErrorKind) bool {
	var derr *DecodeError
	if errors.As(err, &derr) {
		return derr.Kind == kind
	}
	return false
}
