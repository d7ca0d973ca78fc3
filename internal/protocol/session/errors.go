package session

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected    = errors.New("session: not connected to desktop app")
	ErrEndpointMissing = errors.New("session: desktop app endpoint not found")
	ErrConnectTimeout  = errors.New("session: connect timed out")
)

// ConnectionError reports a failed connect to one endpoint.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("session: connect %q: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
