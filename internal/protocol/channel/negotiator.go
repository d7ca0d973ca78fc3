package channel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/bioipc/internal/crypto"
	"github.com/danmuck/bioipc/internal/logging"
	"github.com/danmuck/bioipc/internal/observability"
	"github.com/danmuck/bioipc/internal/protocol"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// State is the negotiator's view of the channel.
type State int

const (
	StateNone State = iota
	StatePending
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateEstablished:
		return "established"
	default:
		return "none"
	}
}

// Config wires the negotiator to its collaborators.
type Config struct {
	AppID            string
	KeyBits          int
	HandshakeTimeout time.Duration

	// NextMessageID allocates ids from the correlator's counter.
	NextMessageID func() int64
	// ActiveUserID is stamped on setupEncryption when non-nil.
	ActiveUserID func() string
	// Send delivers a plaintext envelope to the transport.
	Send func(protocol.Envelope) error

	GenerateKeyPair func(bits int) (*crypto.KeyPair, error)
	Now             func() time.Time
	Log             *zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		KeyBits:          crypto.DefaultRSABits,
		HandshakeTimeout: 60 * time.Second,
	}
}

func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.KeyBits <= 0 {
		c.KeyBits = d.KeyBits
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.GenerateKeyPair == nil {
		c.GenerateKeyPair = crypto.GenerateKeyPair
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.ActiveUserID == nil {
		c.ActiveUserID = func() string { return "" }
	}
	if c.NextMessageID == nil {
		var mu sync.Mutex
		var next int64
		c.NextMessageID = func() int64 {
			mu.Lock()
			defer mu.Unlock()
			next++
			return next
		}
	}
	return c
}

// Negotiator owns the key pair and shared secret for one connection lifetime.
// Safe for concurrent use.
type Negotiator struct {
	cfg   Config
	log   zerolog.Logger
	group singleflight.Group

	mu      sync.Mutex
	keys    *crypto.KeyPair
	secret  crypto.SymmetricKey
	pending *handshake
}

type handshake struct {
	id   int64
	keys *crypto.KeyPair
	done chan struct{}
	once sync.Once
	err  error
}

func (h *handshake) finish(err error) bool {
	fired := false
	h.once.Do(func() {
		fired = true
		h.err = err
		close(h.done)
	})
	return fired
}

func NewNegotiator(cfg Config) *Negotiator {
	cfg = cfg.WithDefaults()
	log := logging.Component("channel")
	if cfg.Log != nil {
		log = *cfg.Log
	}
	return &Negotiator{cfg: cfg, log: log}
}

func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch {
	case !n.secret.IsZero():
		return StateEstablished
	case n.pending != nil:
		return StatePending
	default:
		return StateNone
	}
}

// PublicKey returns the SPKI DER public key of the current key pair, or nil.
func (n *Negotiator) PublicKey() []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.keys == nil {
		return nil
	}
	return n.keys.PublicKey
}

// PendingMessageID reports the messageId of the in-flight setupEncryption.
func (n *Negotiator) PendingMessageID() (int64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pending == nil {
		return 0, false
	}
	return n.pending.id, true
}

// BeginHandshake sends setupEncryption with a fresh key pair unless a handshake
// is already in flight, in which case it joins that one. The returned channel
// closes when the handshake settles; it carries no timeout of its own.
func (n *Negotiator) BeginHandshake() (<-chan struct{}, error) {
	hs, err := n.begin()
	if err != nil {
		return nil, err
	}
	return hs.done, nil
}

func (n *Negotiator) begin() (*handshake, error) {
	n.mu.Lock()
	if hs := n.pending; hs != nil {
		n.mu.Unlock()
		return hs, nil
	}
	n.mu.Unlock()

	keys, err := n.cfg.GenerateKeyPair(n.cfg.KeyBits)
	if err != nil {
		return nil, fmt.Errorf("%w: generate key pair: %v", ErrHandshakeFailed, err)
	}

	n.mu.Lock()
	if hs := n.pending; hs != nil {
		n.mu.Unlock()
		return hs, nil
	}
	hs := &handshake{id: n.cfg.NextMessageID(), keys: keys, done: make(chan struct{})}
	n.keys = keys
	n.secret = crypto.SymmetricKey{}
	n.pending = hs
	n.mu.Unlock()

	msg := protocol.Message{
		Command:   protocol.CommandSetupEncryption,
		MessageID: hs.id,
		UserID:    n.cfg.ActiveUserID(),
		Timestamp: n.cfg.Now().UnixMilli(),
		PublicKey: base64.StdEncoding.EncodeToString(keys.PublicKey),
	}
	n.log.Debug().Int64("message_id", hs.id).Msg("sending setupEncryption")
	if err := n.cfg.Send(protocol.PlainEnvelope(n.cfg.AppID, msg)); err != nil {
		n.fail(hs, fmt.Errorf("%w: send setupEncryption: %w", ErrHandshakeFailed, err))
		return nil, hs.err
	}
	return hs, nil
}

// CompleteHandshake installs the shared secret carried by a setupEncryption
// reply. Without a pending handshake or secret it only logs.
func (n *Negotiator) CompleteHandshake(sharedSecretB64 string) {
	n.mu.Lock()
	hs := n.pending
	n.mu.Unlock()
	if hs == nil {
		n.log.Warn().Msg("setupEncryption reply without a pending handshake")
		return
	}
	if sharedSecretB64 == "" {
		n.log.Warn().Int64("message_id", hs.id).Msg("setupEncryption reply without sharedSecret")
		return
	}

	key, err := n.unwrapSecret(hs.keys, sharedSecretB64)
	if err != nil {
		n.fail(hs, fmt.Errorf("%w: %w", ErrHandshakeFailed, err))
		return
	}

	n.mu.Lock()
	if n.pending != hs {
		n.mu.Unlock()
		n.log.Debug().Int64("message_id", hs.id).Msg("handshake superseded before completion")
		return
	}
	n.pending = nil
	n.secret = key
	n.mu.Unlock()

	hs.finish(nil)
	observability.RecordHandshake(observability.OutcomeOK)
	n.log.Info().Int64("message_id", hs.id).Msg("secure channel established")
}

func (n *Negotiator) unwrapSecret(keys *crypto.KeyPair, b64 string) (crypto.SymmetricKey, error) {
	blob, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return crypto.SymmetricKey{}, fmt.Errorf("decode sharedSecret: %w", err)
	}
	raw, err := keys.DecryptOAEP(blob)
	if err != nil {
		return crypto.SymmetricKey{}, fmt.Errorf("decrypt sharedSecret: %w", err)
	}
	return crypto.NewSymmetricKey(raw)
}

// fail settles hs with err if it is still the pending handshake.
func (n *Negotiator) fail(hs *handshake, err error) {
	n.mu.Lock()
	if n.pending == hs {
		n.pending = nil
	}
	n.mu.Unlock()
	if !hs.finish(err) {
		return
	}
	if errors.Is(err, ErrChannelReset) {
		n.log.Info().Int64("message_id", hs.id).Msg("pending handshake dropped by channel reset")
		return
	}
	outcome := observability.OutcomeHandshakeFailed
	if errors.Is(err, ErrHandshakeTimeout) {
		outcome = observability.OutcomeHandshakeTimeout
	}
	observability.RecordHandshake(outcome)
	n.log.Warn().Int64("message_id", hs.id).Err(err).Msg("handshake failed")
}

// Encrypt serializes msg and encrypts it under the shared secret, running or
// joining the handshake first when no secret is established.
func (n *Negotiator) Encrypt(ctx context.Context, msg protocol.Message) (crypto.EncString, error) {
	key, err := n.sharedSecret(ctx)
	if err != nil {
		return crypto.EncString{}, err
	}
	plain, err := json.Marshal(msg)
	if err != nil {
		return crypto.EncString{}, err
	}
	return crypto.EncryptString(key, plain)
}

func (n *Negotiator) sharedSecret(ctx context.Context) (crypto.SymmetricKey, error) {
	n.mu.Lock()
	key := n.secret
	n.mu.Unlock()
	if !key.IsZero() {
		return key, nil
	}

	ch := n.group.DoChan("handshake", func() (any, error) {
		return n.runHandshake()
	})
	select {
	case <-ctx.Done():
		return crypto.SymmetricKey{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return crypto.SymmetricKey{}, res.Err
		}
		return res.Val.(crypto.SymmetricKey), nil
	}
}

// runHandshake is shared by all concurrent Encrypt callers via singleflight.
// A handshake dropped by Invalidate(ErrChannelReset) is restarted within the
// same HandshakeTimeout budget.
func (n *Negotiator) runHandshake() (crypto.SymmetricKey, error) {
	timer := time.NewTimer(n.cfg.HandshakeTimeout)
	defer timer.Stop()
	expired := false
	for {
		n.mu.Lock()
		key := n.secret
		n.mu.Unlock()
		if !key.IsZero() {
			return key, nil
		}
		if expired {
			return crypto.SymmetricKey{}, ErrHandshakeTimeout
		}

		hs, err := n.begin()
		if err != nil {
			return crypto.SymmetricKey{}, err
		}
		select {
		case <-hs.done:
		case <-timer.C:
			expired = true
			n.fail(hs, ErrHandshakeTimeout)
			<-hs.done
		}
		if hs.err != nil && !errors.Is(hs.err, ErrChannelReset) {
			return crypto.SymmetricKey{}, hs.err
		}
		if hs.err != nil {
			n.log.Debug().Int64("message_id", hs.id).Msg("handshake reset, restarting")
		}
	}
}

// Decrypt opens an inbound EncString with the shared secret.
func (n *Negotiator) Decrypt(payload protocol.EncStringJSON) ([]byte, error) {
	n.mu.Lock()
	key := n.secret
	n.mu.Unlock()
	if key.IsZero() {
		return nil, ErrNoSecureChannel
	}
	s, err := payload.EncString()
	if err != nil {
		return nil, err
	}
	return crypto.DecryptString(key, s)
}

// Invalidate drops the key pair and secret. A pending handshake settles with
// reason; ErrChannelReset (the nil default) makes Encrypt callers waiting on it
// start a fresh handshake, any other reason fails them.
func (n *Negotiator) Invalidate(reason error) {
	if reason == nil {
		reason = ErrChannelReset
	}
	n.mu.Lock()
	hs := n.pending
	n.pending = nil
	n.keys = nil
	n.secret = crypto.SymmetricKey{}
	n.mu.Unlock()
	if hs != nil {
		n.fail(hs, reason)
	}
}

// RejectHandshake fails the pending handshake with reason when messageID is
// nil or names that handshake's setupEncryption. It reports whether a
// handshake was rejected.
func (n *Negotiator) RejectHandshake(reason error, messageID *int64) bool {
	n.mu.Lock()
	hs := n.pending
	if hs == nil || (messageID != nil && *messageID != hs.id) {
		n.mu.Unlock()
		return false
	}
	n.mu.Unlock()
	n.fail(hs, reason)
	return true
}
