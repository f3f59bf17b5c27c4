package probe

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	// ErrTimeout is reported when no reply arrives before the trial deadline.
	ErrTimeout = errors.New("reply timed out")
	// ErrEmptyPayload rejects trials that would put nothing on the wire.
	ErrEmptyPayload = errors.New("empty payload")
	// ErrConnectionLost is returned for trials after the stream broke.
	ErrConnectionLost = errors.New("connection lost")
	// ErrNotConnected is returned for trials on a session that is not open.
	ErrNotConnected = errors.New("session not connected")
)

// ConnectError means the transport handle could not be acquired. It aborts a run.
type ConnectError struct {
	Target Target
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s://%s: %v", e.Target.Transport, e.Target.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// DecodeError reports reply bytes that are not valid UTF-8.
type DecodeError struct {
	Reply  []byte
	Offset int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("reply is not valid UTF-8 at byte %d of %d", e.Offset, len(e.Reply))
}

func newDecodeError(reply []byte) *DecodeError {
	offset := 0
	for offset < len(reply) {
		r, size := utf8.DecodeRune(reply[offset:])
		if r == utf8.RuneError && size <= 1 {
			break
		}
		offset += size
	}
	return &DecodeError{Reply: reply, Offset: offset}
}
