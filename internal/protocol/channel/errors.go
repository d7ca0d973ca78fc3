package channel

import "errors"

var (
	ErrNoSecureChannel  = errors.New("channel: no secure channel established")
	ErrHandshakeTimeout = errors.New("channel: handshake timed out")
	ErrHandshakeFailed  = errors.New("channel: handshake failed")
	ErrChannelReset     = errors.New("channel: channel invalidated")
)
