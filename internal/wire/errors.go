package wire

import (
	"errors"
	"fmt"
)

const (
	OpFrame   = "frame"
	OpPayload = "payload"
)

var (
	ErrEmptyPayload  = errors.New("empty payload")
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// ProtocolError reports malformed input. Op is OpFrame when the byte stream
// itself can no longer be trusted, OpPayload when a single frame was bad.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error [%s]: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err leaves the stream unusable.
func IsFatal(err error) bool {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Op == OpFrame
	}
	return err != nil
}
