// Package biometrics is the typed client for biometric unlock through the
// desktop app. Every failure degrades to "biometrics unavailable": status
// queries report StatusDesktopDisconnected, unlock returns nil and
// authenticate returns false, so callers can fall back to another unlock path.
package biometrics

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/bioipc/internal/crypto"
	"github.com/danmuck/bioipc/internal/logging"
	"github.com/danmuck/bioipc/internal/protocol"
	"github.com/danmuck/bioipc/internal/protocol/channel"
	"github.com/danmuck/bioipc/internal/protocol/correlator"
	"github.com/danmuck/bioipc/internal/protocol/session"
	"github.com/rs/zerolog"
)

// KeyValidator checks unlocked key material before it is handed out.
type KeyValidator func(ctx context.Context, userID string, key []byte) bool

type Config struct {
	AppID string
	// ActiveUserID names the locally logged-in account; nil means none.
	ActiveUserID func() string

	StatusTimeout      time.Duration
	InteractionTimeout time.Duration

	Session     session.Config
	Correlator  correlator.Config
	ValidateKey KeyValidator

	Log *zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		StatusTimeout:      10 * time.Second,
		InteractionTimeout: 60 * time.Second,
	}
}

func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.StatusTimeout <= 0 {
		c.StatusTimeout = d.StatusTimeout
	}
	if c.InteractionTimeout <= 0 {
		c.InteractionTimeout = d.InteractionTimeout
	}
	if c.ActiveUserID == nil {
		c.ActiveUserID = func() string { return "" }
	}
	return c
}

// ConnState is the client's position in the connection state machine.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateNoChannel
	StateChannelPending
	StateChannelEstablished
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateNoChannel:
		return "connected(no-channel)"
	case StateChannelPending:
		return "connected(channel-pending)"
	case StateChannelEstablished:
		return "connected(channel-established)"
	default:
		return "disconnected"
	}
}

type Client struct {
	cfg  Config
	log  zerolog.Logger
	tr   *session.Transport
	corr *correlator.Correlator
}

func New(cfg Config) *Client {
	cfg = cfg.WithDefaults()
	log := logging.Component("biometrics")
	if cfg.Log != nil {
		log = *cfg.Log
	}

	sessCfg := cfg.Session
	if sessCfg.Log == nil {
		sessCfg.Log = cfg.Log
	}
	tr := session.NewTransport(sessCfg)

	corrCfg := cfg.Correlator
	corrCfg.AppID = cfg.AppID
	corrCfg.ActiveUserID = cfg.ActiveUserID
	if corrCfg.Log == nil {
		corrCfg.Log = cfg.Log
	}
	corr := correlator.New(corrCfg, tr)

	tr.OnMessage(corr.HandleMessage)
	tr.OnDisconnect(corr.HandleDisconnect)
	return &Client{cfg: cfg, log: log, tr: tr, corr: corr}
}

// Endpoint is the resolved desktop app address.
func (c *Client) Endpoint() string { return c.tr.Endpoint() }

// IsDesktopAppAvailable reports whether the desktop endpoint exists.
func (c *Client) IsDesktopAppAvailable() bool {
	return c.tr.Available()
}

func (c *Client) Connect(ctx context.Context) error {
	if err := c.tr.Connect(ctx); err != nil {
		return err
	}
	c.log.Debug().Str("endpoint", c.tr.Endpoint()).Msg("connected to desktop app")
	return nil
}

// Disconnect closes the connection; pending calls fail with correlator.ErrDisconnected.
func (c *Client) Disconnect() error {
	return c.tr.Close()
}

func (c *Client) State() ConnState {
	if !c.tr.IsConnected() {
		if c.tr.IsConnecting() {
			return StateConnecting
		}
		return StateDisconnected
	}
	switch c.corr.Channel().State() {
	case channel.StatePending:
		return StateChannelPending
	case channel.StateEstablished:
		return StateChannelEstablished
	default:
		return StateNoChannel
	}
}

func (c *Client) call(ctx context.Context, msg protocol.Message, timeout time.Duration) (protocol.Response, error) {
	if err := c.Connect(ctx); err != nil {
		return protocol.Response{}, err
	}
	return c.corr.Call(ctx, msg, timeout)
}

func (c *Client) GetStatus(ctx context.Context) Status {
	return c.status(ctx, protocol.Message{Command: protocol.CommandGetBiometricsStatus})
}

func (c *Client) GetStatusForUser(ctx context.Context, userID string) Status {
	return c.status(ctx, protocol.Message{Command: protocol.CommandGetBiometricsStatusForUser, UserID: userID})
}

func (c *Client) status(ctx context.Context, msg protocol.Message) Status {
	if !c.IsDesktopAppAvailable() {
		return StatusDesktopDisconnected
	}
	resp, err := c.call(ctx, msg, c.cfg.StatusTimeout)
	if err != nil {
		c.logFailure(msg.Command, err)
		return StatusDesktopDisconnected
	}
	n, ok := resp.Int()
	if !ok {
		return StatusAvailable
	}
	return Status(n)
}

var (
	ErrUnlockDeclined = errors.New("biometrics: desktop app declined biometric unlock")
	ErrInvalidUserKey = errors.New("biometrics: desktop app returned an unusable user key")
)

// UnlockForUser asks the desktop app to unlock userID with biometrics and
// returns the user key, or nil when biometric unlock did not succeed.
func (c *Client) UnlockForUser(ctx context.Context, userID string) []byte {
	key, err := c.Unlock(ctx, userID)
	if err != nil {
		c.logFailure(protocol.CommandUnlockWithBiometricsForUser, err)
		return nil
	}
	return key
}

// Unlock is UnlockForUser with the failure cause.
func (c *Client) Unlock(ctx context.Context, userID string) ([]byte, error) {
	msg := protocol.Message{Command: protocol.CommandUnlockWithBiometricsForUser, UserID: userID}
	resp, err := c.call(ctx, msg, c.cfg.InteractionTimeout)
	if err != nil {
		return nil, err
	}
	if !resp.Bool() || resp.UserKeyB64 == "" {
		return nil, ErrUnlockDeclined
	}
	key, err := base64.StdEncoding.DecodeString(resp.UserKeyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUserKey, err)
	}
	if _, err := crypto.NewSymmetricKey(key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUserKey, err)
	}
	if c.cfg.ValidateKey != nil && !c.cfg.ValidateKey(ctx, userID, key) {
		return nil, fmt.Errorf("%w: validation failed", ErrInvalidUserKey)
	}
	return key, nil
}

// Authenticate asks the desktop app for a biometric prompt without releasing keys.
func (c *Client) Authenticate(ctx context.Context) bool {
	return c.boolCommand(ctx, protocol.CommandAuthenticateWithBiometrics, c.cfg.InteractionTimeout)
}

// CanEnableBiometricUnlockRemote asks the desktop app directly.
func (c *Client) CanEnableBiometricUnlockRemote(ctx context.Context) bool {
	return c.boolCommand(ctx, protocol.CommandCanEnableBiometricUnlock, c.cfg.StatusTimeout)
}

func (c *Client) boolCommand(ctx context.Context, command string, timeout time.Duration) bool {
	resp, err := c.call(ctx, protocol.Message{Command: command}, timeout)
	if err != nil {
		c.logFailure(command, err)
		return false
	}
	return resp.Bool()
}

// CanEnableBiometricUnlock derives enablement from the overall status.
func (c *Client) CanEnableBiometricUnlock(ctx context.Context) bool {
	return c.GetStatus(ctx).CanEnable()
}

// IsBiometricUnlockAvailable reports whether the active user can unlock now.
func (c *Client) IsBiometricUnlockAvailable(ctx context.Context) bool {
	userID := c.cfg.ActiveUserID()
	if userID == "" {
		return false
	}
	return c.GetStatusForUser(ctx, userID) == StatusAvailable
}

func (c *Client) StatusDescription(ctx context.Context) string {
	return c.GetStatus(ctx).Description()
}

func (c *Client) logFailure(command string, err error) {
	ev := c.log.Debug()
	switch {
	case errors.Is(err, correlator.ErrAccountMismatch), errors.Is(err, ErrInvalidUserKey):
		ev = c.log.Warn()
	case errors.Is(err, correlator.ErrTimeout), errors.Is(err, correlator.ErrChannelInvalidated):
		ev = c.log.Info()
	}
	ev.Str("command", command).Str("reason", FailureReason(err)).Err(err).Msg("biometrics command failed")
}

// FailureReason names the class of err for operators.
func FailureReason(err error) string {
	var connErr *session.ConnectionError
	var sendErr *correlator.SendError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, session.ErrEndpointMissing):
		return "desktop app not running"
	case errors.As(err, &connErr):
		return "could not connect to desktop app"
	case errors.Is(err, correlator.ErrAccountMismatch):
		return "desktop app is logged into a different account"
	case errors.Is(err, correlator.ErrChannelInvalidated):
		return "desktop app invalidated the secure channel"
	case errors.Is(err, correlator.ErrTimeout), errors.Is(err, channel.ErrHandshakeTimeout):
		return "desktop app did not respond"
	case errors.Is(err, correlator.ErrDisconnected):
		return "disconnected from desktop app"
	case errors.Is(err, ErrUnlockDeclined):
		return "biometric unlock declined"
	case errors.Is(err, ErrInvalidUserKey):
		return "desktop app returned an unusable key"
	case errors.As(err, &sendErr):
		return "request could not be sent"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "unexpected error"
	}
}
