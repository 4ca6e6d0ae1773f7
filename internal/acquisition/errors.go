package acquisition

import (
	"errors"
	"fmt"
)

// Kind classifies how far a failure reaches.
type Kind int

const (
	// Recoverable failures are logged and the current state is kept.
	Recoverable Kind = iota
	// Refused commands were not valid in the current state.
	Refused
	// SessionFatal failures end the streaming session.
	SessionFatal
	// Unrecoverable failures leave the controller disconnected.
	Unrecoverable
)

func (k Kind) String() string {
	switch k {
	case Recoverable:
		return "recoverable"
	case Refused:
		return "refused"
	case SessionFatal:
		return "session fatal"
	case Unrecoverable:
		return "unrecoverable"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

var (
	ErrNotConnected  = errors.New("board is not connected")
	ErrNotHandshaken = errors.New("board handshake did not complete")
	ErrStreaming     = errors.New("board is streaming")
	ErrNoValidFrame  = errors.New("board sent no valid frame")
)

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("[controller] %s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var acqErr *Error
	if errors.As(err, &acqErr) {
		return acqErr.Kind, true
	}
	return 0, false
}
