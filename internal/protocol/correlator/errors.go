package correlator

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout            = errors.New("correlator: no response from desktop app")
	ErrDisconnected       = errors.New("correlator: disconnected from desktop app")
	ErrAccountMismatch    = errors.New("correlator: desktop app is logged into a different account")
	ErrChannelInvalidated = errors.New("correlator: secure channel invalidated by desktop app")
)

// SendError reports a call that never left the process.
type SendError struct {
	Command string
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("correlator: send %s: %v", e.Command, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}
