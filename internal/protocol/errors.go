package protocol

import "errors"

var (
	ErrMalformedEnvelope = errors.New("protocol: malformed envelope")
	ErrMissingMessage    = errors.New("protocol: envelope has no message")
	ErrPlaintextResponse = errors.New("protocol: response is not encrypted")
)
