package protocol

import (
	"errors"
	"fmt"
)

// Decode errors. Every error returned by Decode wraps one of these.
var (
	ErrTruncated           = errors.New("truncated frame")
	ErrUnknownCommand      = errors.New("unknown command")
	ErrMalformedTerminator = errors.New("malformed terminator")
	ErrValueOutOfRange     = errors.New("data value out of range")
	ErrWrongDirection      = errors.New("message not valid in this direction")
)

// ErrArgumentRange is returned by Encode when a field does not fit its wire
// encoding.
var ErrArgumentRange = errors.New("argument out of range")

// DecodeError describes a frame that could not be decoded.
type DecodeError struct {
	Frame []byte
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode % X: %v", e.Frame, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(frame []byte, err error, detail string, args ...any) error {
	if detail != "" {
		err = fmt.Errorf("%w: "+detail, append([]any{err}, args...)...)
	}
	return &DecodeError{Frame: append([]byte(nil), frame...), Err: err}
}
