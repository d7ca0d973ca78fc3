package session

import (
	"context"
	"io"
	"time"

	"github.com/danmuck/bioipc/internal/protocol/frame"
	"github.com/rs/zerolog"
)

// DialFunc opens the platform connection to endpoint.
type DialFunc func(ctx context.Context, endpoint string) (io.ReadWriteCloser, error)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines connection defaults.
type Config struct {
	// Endpoint resolves the address to dial; nil means DefaultEndpoint.
	Endpoint func() string
	// Dial defaults to the platform dialer (unix socket or named pipe).
	Dial DialFunc

	ConnectTimeout     time.Duration
	WriteTimeout       time.Duration
	ReadBufferSize     int
	MaxConnectAttempts int
	Backoff            BackoffConfig
	Limits             frame.Limits

	Log *zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:     5 * time.Second,
		WriteTimeout:       15 * time.Second,
		ReadBufferSize:     32 * 1024,
		MaxConnectAttempts: 1,
		Backoff:            DefaultBackoff(),
		Limits:             frame.DefaultLimits(),
	}
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
}

// DefaultPollBackoff paces WaitForEndpoint when the endpoint cannot be watched.
func DefaultPollBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   1.5,
		MaxDelay:     2 * time.Second,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Endpoint == nil {
		c.Endpoint = DefaultEndpoint
	}
	if c.Dial == nil {
		c.Dial = dialEndpoint
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.MaxConnectAttempts == 0 {
		c.MaxConnectAttempts = d.MaxConnectAttempts
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = d.Limits
	}
	return c
}
