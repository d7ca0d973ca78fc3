package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/bioipc/internal/crypto"
	"github.com/danmuck/bioipc/internal/logging"
	"github.com/danmuck/bioipc/internal/observability"
	"github.com/danmuck/bioipc/internal/protocol"
	"github.com/danmuck/bioipc/internal/protocol/channel"
	"github.com/rs/zerolog"
)

// Transport is the framed connection the correlator writes to.
type Transport interface {
	Send(payload []byte) error
	Close() error
}

type Config struct {
	AppID           string
	CallTimeout     time.Duration
	FreshnessWindow time.Duration

	// ActiveUserID is stamped on calls that carry no userId of their own.
	ActiveUserID func() string
	// OnFingerprint receives the phrase when the desktop app asks for verification.
	OnFingerprint func(phrase []string)

	Channel channel.Config
	Now     func() time.Time
	Log     *zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		CallTimeout:     60 * time.Second,
		FreshnessWindow: 10 * time.Second,
	}
}

func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.FreshnessWindow <= 0 {
		c.FreshnessWindow = d.FreshnessWindow
	}
	if c.ActiveUserID == nil {
		c.ActiveUserID = func() string { return "" }
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Correlator owns the messageId counter, the pending-call table and the
// secure channel for one client.
type Correlator struct {
	cfg Config
	log zerolog.Logger
	tr  Transport
	ch  *channel.Negotiator

	// never reset, so ids stay unique across reconnects
	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]*pendingCall
}

type pendingCall struct {
	id      int64
	command string
	started time.Time
	timer   *time.Timer
	cancel  context.CancelFunc
	done    chan result
}

type result struct {
	resp protocol.Response
	err  error
}

func New(cfg Config, tr Transport) *Correlator {
	cfg = cfg.WithDefaults()
	log := logging.Component("correlator")
	if cfg.Log != nil {
		log = *cfg.Log
	}
	c := &Correlator{
		cfg:     cfg,
		log:     log,
		tr:      tr,
		pending: make(map[int64]*pendingCall),
	}

	chCfg := cfg.Channel
	chCfg.AppID = cfg.AppID
	chCfg.NextMessageID = c.NextMessageID
	chCfg.ActiveUserID = cfg.ActiveUserID
	chCfg.Send = c.sendEnvelope
	if chCfg.Now == nil {
		chCfg.Now = cfg.Now
	}
	if chCfg.Log == nil {
		chCfg.Log = cfg.Log
	}
	c.ch = channel.NewNegotiator(chCfg)
	return c
}

// Channel exposes the negotiator for state inspection.
func (c *Correlator) Channel() *channel.Negotiator {
	return c.ch
}

func (c *Correlator) NextMessageID() int64 {
	return c.nextID.Add(1)
}

// Pending reports the number of calls awaiting settlement.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) sendEnvelope(env protocol.Envelope) error {
	payload, err := protocol.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	return c.tr.Send(payload)
}

// Call sends msg and waits for the reply carrying its messageId. A timeout of
// zero uses the configured CallTimeout; the timer covers any handshake the
// call has to wait for. ctx cancellation abandons the call.
func (c *Correlator) Call(ctx context.Context, msg protocol.Message, timeout time.Duration) (protocol.Response, error) {
	if timeout <= 0 {
		timeout = c.cfg.CallTimeout
	}
	id := c.NextMessageID()
	msg.MessageID = id
	msg.Timestamp = c.cfg.Now().UnixMilli()
	if msg.UserID == "" {
		msg.UserID = c.cfg.ActiveUserID()
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	pc := &pendingCall{
		id:      id,
		command: msg.Command,
		started: time.Now(),
		cancel:  cancel,
		done:    make(chan result, 1),
	}
	c.mu.Lock()
	c.pending[id] = pc
	pc.timer = time.AfterFunc(timeout, func() {
		if c.settle(id, result{err: ErrTimeout}) {
			c.log.Warn().Int64("message_id", id).Str("command", msg.Command).Dur("timeout", timeout).Msg("call timed out")
		}
	})
	c.mu.Unlock()

	if err := c.send(callCtx, msg); err != nil {
		if isRejection(err) {
			c.settle(id, result{err: err})
		} else if c.take(id) != nil {
			pc.stop()
			observability.RecordCall(pc.command, observability.OutcomeSendError, time.Since(pc.started))
			c.log.Debug().Int64("message_id", id).Str("command", msg.Command).Err(err).Msg("call not sent")
			return protocol.Response{}, &SendError{Command: msg.Command, Err: err}
		}
		// Already settled by a timeout, disconnect or rejection; that result wins.
	}

	select {
	case r := <-pc.done:
		return r.resp, r.err
	case <-ctx.Done():
		if c.take(id) != nil {
			pc.stop()
			observability.RecordCall(pc.command, observability.OutcomeCanceled, time.Since(pc.started))
			return protocol.Response{}, ctx.Err()
		}
		r := <-pc.done
		return r.resp, r.err
	}
}

func (c *Correlator) send(ctx context.Context, msg protocol.Message) error {
	enc, err := c.ch.Encrypt(ctx, msg)
	if err != nil {
		return err
	}
	return c.sendEnvelope(protocol.EncryptedEnvelope(c.cfg.AppID, enc))
}

func (pc *pendingCall) stop() {
	if pc.timer != nil {
		pc.timer.Stop()
	}
	pc.cancel()
}

// take removes id from the table; whoever takes a call settles it.
func (c *Correlator) take(id int64) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return pc
}

func (c *Correlator) settle(id int64, r result) bool {
	pc := c.take(id)
	if pc == nil {
		return false
	}
	pc.stop()
	pc.done <- r
	observability.RecordCall(pc.command, outcome(r.err), time.Since(pc.started))
	return true
}

// isRejection reports errors that settle a call the same way whether they
// arrive before or after the request was written.
func isRejection(err error) bool {
	return errors.Is(err, ErrDisconnected) ||
		errors.Is(err, ErrAccountMismatch) ||
		errors.Is(err, ErrChannelInvalidated)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return observability.OutcomeOK
	case errors.Is(err, ErrTimeout):
		return observability.OutcomeTimeout
	case errors.Is(err, ErrDisconnected):
		return observability.OutcomeDisconnected
	case errors.Is(err, ErrAccountMismatch):
		return observability.OutcomeAccountMismatch
	case errors.Is(err, ErrChannelInvalidated):
		return observability.OutcomeInvalidated
	default:
		return observability.OutcomeSendError
	}
}

// HandleDisconnect invalidates the channel and fails every pending call with
// ErrDisconnected. The table is empty when it returns.
func (c *Correlator) HandleDisconnect() {
	c.ch.Invalidate(ErrDisconnected)

	c.mu.Lock()
	drained := c.pending
	c.pending = make(map[int64]*pendingCall)
	c.mu.Unlock()

	for _, pc := range drained {
		pc.stop()
		pc.done <- result{err: ErrDisconnected}
		observability.RecordCall(pc.command, observability.OutcomeDisconnected, time.Since(pc.started))
	}
	observability.RecordDisconnect()
	if len(drained) > 0 {
		c.log.Info().Int("pending", len(drained)).Msg("disconnect failed pending calls")
	}
}

// HandleMessage dispatches one inbound frame payload. It never panics.
func (c *Correlator) HandleMessage(raw json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			observability.RecordDrop(observability.DropMalformed)
			c.log.Error().Interface("panic", r).Msg("inbound dispatch panicked")
		}
	}()

	in, err := protocol.Decode(raw)
	if err != nil {
		reason := observability.DropMalformed
		if errors.Is(err, protocol.ErrPlaintextResponse) {
			reason = observability.DropPlaintext
		}
		observability.RecordDrop(reason)
		c.log.Warn().Err(err).Msg("dropping inbound message")
		return
	}
	if app := in.App(); app != "" && app != c.cfg.AppID {
		observability.RecordDrop(observability.DropForeignApp)
		c.log.Trace().Str("app_id", app).Msg("ignoring message for another app")
		return
	}

	switch m := in.(type) {
	case protocol.SetupEncryption:
		if m.AppID != c.cfg.AppID {
			return
		}
		c.ch.CompleteHandshake(m.SharedSecret)

	case protocol.InvalidateEncryption:
		if m.AppID != c.cfg.AppID {
			return
		}
		c.log.Info().Msg("desktop app invalidated the secure channel")
		c.ch.Invalidate(channel.ErrChannelReset)
		if m.MessageID != nil {
			c.settle(*m.MessageID, result{err: ErrChannelInvalidated})
		}

	case protocol.WrongUserID:
		c.log.Info().Msg("account mismatch: desktop app is logged into a different account")
		if m.MessageID != nil && c.settle(*m.MessageID, result{err: ErrAccountMismatch}) {
			return
		}
		if !c.ch.RejectHandshake(ErrAccountMismatch, m.MessageID) {
			c.log.Debug().Msg("wrongUserId matched no pending call or handshake")
		}

	case protocol.VerifyFingerprint:
		c.log.Info().Msg("desktop app requested fingerprint verification")
		c.showFingerprint()

	case protocol.FingerprintVerified:
		c.log.Info().Msg("desktop app verified fingerprint")

	case protocol.FingerprintRejected:
		c.log.Warn().Msg("desktop app rejected fingerprint")

	case protocol.Connected:
		c.log.Info().Msg("desktop app reported connected")

	case protocol.Disconnected:
		c.log.Info().Msg("desktop app reported disconnected")
		_ = c.tr.Close()

	case protocol.EncryptedResponse:
		if m.AppID != c.cfg.AppID {
			return
		}
		c.handleResponse(m)
	}
}

func (c *Correlator) showFingerprint() {
	pub := c.ch.PublicKey()
	if pub == nil || c.cfg.OnFingerprint == nil {
		return
	}
	phrase, err := crypto.Fingerprint(c.cfg.AppID, pub)
	if err != nil {
		c.log.Warn().Err(err).Msg("fingerprint unavailable")
		return
	}
	c.cfg.OnFingerprint(phrase)
}

func (c *Correlator) handleResponse(m protocol.EncryptedResponse) {
	plain, err := c.ch.Decrypt(m.Payload)
	if err != nil {
		observability.RecordDrop(observability.DropUndecryptable)
		c.log.Warn().Err(err).Msg("dropping undecryptable response")
		return
	}
	resp, err := protocol.DecodeResponse(plain)
	if err != nil {
		observability.RecordDrop(observability.DropMalformed)
		c.log.Warn().Err(err).Msg("dropping malformed response")
		return
	}

	skew := c.cfg.Now().Sub(time.UnixMilli(resp.Timestamp))
	if skew < 0 {
		skew = -skew
	}
	if skew > c.cfg.FreshnessWindow {
		observability.RecordDrop(observability.DropStale)
		c.log.Info().Int64("message_id", resp.MessageID).Dur("skew", skew).Msg("dropping stale response")
		return
	}

	if !c.settle(resp.MessageID, result{resp: resp}) {
		observability.RecordDrop(observability.DropUnmatched)
		c.log.Debug().Int64("message_id", resp.MessageID).Msg("response without a pending call")
	}
}
