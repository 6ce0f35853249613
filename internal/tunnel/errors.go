package tunnel

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocol is the sentinel for any frame-contract violation. The
	// session treats it as fatal for the connection, not the process.
	ErrProtocol = errors.New("tunnel protocol error")

	ErrUnknownKind   = errors.New("unknown frame kind")
	ErrBadHeader     = errors.New("malformed frame header")
	ErrMissingID     = errors.New("missing request id")
	ErrFrameTooLarge = errors.New("frame body too large")
	ErrUnexpectedEnd = errors.New("truncated frame")
)

// RejectedError reports that the cloud refused the handshake: wrong secret,
// org mismatch, or a bad keepalive delegation. Reconnecting cannot help.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("handshake rejected: %s", e.Reason)
}
