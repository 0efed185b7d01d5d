package frame

import (
	"errors"
	"fmt"
)

var (
	// ErrTruncated indicates a recognised key without enough value tokens after it.
	ErrTruncated = errors.New("truncated frame")

	// ErrNonFinite indicates a NaN or infinite float token.
	ErrNonFinite = errors.New("non-finite number")

	// ErrInvalidEncoding indicates a notification payload that is not valid UTF-8.
	ErrInvalidEncoding = errors.New("payload is not valid UTF-8")
)

// ParseError reports a telemetry frame that could not be decoded. The whole frame is rejected.
type ParseError struct {
	Key   Key    // key whose value failed, empty for payload-level failures
	Token string // offending token, empty when the token is missing
	Index int    // token index in the stream, -1 for payload-level failures
	Err   error
}

func (e *ParseError) Error() string {
	switch {
	case e.Key == "":
		return fmt.Sprintf("frame parse error: %v", e.Err)
	case e.Token == "":
		return fmt.Sprintf("frame parse error: key %q at token %d: %v", e.Key, e.Index, e.Err)
	default:
		return fmt.Sprintf("frame parse error: key %q token %q at %d: %v", e.Key, e.Token, e.Index, e.Err)
	}
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
