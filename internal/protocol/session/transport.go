package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/danmuck/bioipc/internal/logging"
	"github.com/danmuck/bioipc/internal/protocol/frame"
	"github.com/rs/zerolog"
)

// Transport is one client's connection to the desktop app. At most one
// physical connection is live at a time.
type Transport struct {
	cfg Config
	log zerolog.Logger
	rng *rand.Rand

	// connectMu serializes dials so concurrent Connect calls share one attempt.
	connectMu sync.Mutex

	mu           sync.Mutex
	conn         *conn
	dialing      bool
	onMessage    func(json.RawMessage)
	onDisconnect func()
}

type conn struct {
	rwc      io.ReadWriteCloser
	endpoint string
	writeMu  sync.Mutex
	once     sync.Once
}

func NewTransport(cfg Config) *Transport {
	cfg = cfg.WithDefaults()
	log := logging.Component("session")
	if cfg.Log != nil {
		log = *cfg.Log
	}
	return &Transport{
		cfg: cfg,
		log: log,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Endpoint returns the currently resolved endpoint.
func (t *Transport) Endpoint() string {
	return t.cfg.Endpoint()
}

// Available reports whether the endpoint exists. It never blocks on the peer.
func (t *Transport) Available() bool {
	return EndpointExists(t.cfg.Endpoint())
}

func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// IsConnecting reports whether a Connect call is dialing the endpoint.
func (t *Transport) IsConnecting() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dialing
}

func (t *Transport) setDialing(v bool) {
	t.mu.Lock()
	t.dialing = v
	t.mu.Unlock()
}

// OnMessage replaces the inbound payload handler. Handlers run on the read goroutine.
func (t *Transport) OnMessage(h func(json.RawMessage)) {
	t.mu.Lock()
	t.onMessage = h
	t.mu.Unlock()
}

// OnDisconnect replaces the disconnect handler. It fires once per connection.
func (t *Transport) OnDisconnect(h func()) {
	t.mu.Lock()
	t.onDisconnect = h
	t.mu.Unlock()
}

// Connect dials the endpoint unless already connected.
func (t *Transport) Connect(ctx context.Context) error {
	t.connectMu.Lock()
	defer t.connectMu.Unlock()
	if t.IsConnected() {
		return nil
	}
	t.setDialing(true)
	defer t.setDialing(false)

	endpoint := t.cfg.Endpoint()
	var attempt int
	for {
		attempt++
		err := t.connectOnce(ctx, endpoint)
		if err == nil {
			return nil
		}
		t.log.Debug().Int("attempt", attempt).Str("endpoint", endpoint).Err(err).Msg("connect failed")
		if !t.shouldRetry(attempt) || ctx.Err() != nil {
			return err
		}
		if err := sleepBackoff(ctx, t.cfg.Backoff, attempt, t.rng); err != nil {
			return err
		}
	}
}

func (t *Transport) shouldRetry(attempt int) bool {
	if t.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < t.cfg.MaxConnectAttempts
}

func (t *Transport) connectOnce(ctx context.Context, endpoint string) error {
	if endpoint == "" {
		return &ConnectionError{Endpoint: endpoint, Err: ErrEndpointMissing}
	}
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	rwc, err := t.cfg.Dial(dialCtx, endpoint)
	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s: %v", ErrConnectTimeout, t.cfg.ConnectTimeout, err)
		}
		return &ConnectionError{Endpoint: endpoint, Err: err}
	}

	c := &conn{rwc: rwc, endpoint: endpoint}
	t.mu.Lock()
	t.conn = c
	t.mu.Unlock()
	t.log.Debug().Str("endpoint", endpoint).Msg("connected")

	go t.readLoop(c)
	return nil
}

// Send frames payload and writes it to the live connection.
func (t *Transport) Send(payload []byte) error {
	t.mu.Lock()
	c := t.conn
	t.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}

	buf, err := frame.Encode(payload, t.cfg.Limits)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if d, ok := c.rwc.(interface{ SetWriteDeadline(time.Time) error }); ok {
		_ = d.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	if _, err := c.rwc.Write(buf); err != nil {
		return fmt.Errorf("session: write: %w", err)
	}
	t.log.Trace().Int("bytes", len(payload)).Msg("sent frame")
	return nil
}

// Close tears down the live connection, if any. The disconnect handler runs
// before Close returns.
func (t *Transport) Close() error {
	t.mu.Lock()
	c := t.conn
	t.mu.Unlock()
	if c == nil {
		return nil
	}
	t.finish(c, nil)
	return nil
}

func (t *Transport) readLoop(c *conn) {
	dec := frame.NewDecoder(t.cfg.Limits)
	buf := make([]byte, t.cfg.ReadBufferSize)
	var cause error
	for {
		n, err := c.rwc.Read(buf)
		if n > 0 {
			frames, ferr := dec.Feed(buf[:n])
			for _, payload := range frames {
				t.dispatch(payload)
			}
			if ferr != nil {
				t.log.Error().Err(ferr).Msg("unrecoverable framing error, closing connection")
				cause = ferr
				break
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				cause = err
			}
			break
		}
	}
	dec.Reset()
	t.finish(c, cause)
}

func (t *Transport) dispatch(payload []byte) {
	if !json.Valid(payload) {
		t.log.Warn().Int("bytes", len(payload)).Msg("dropping malformed frame payload")
		return
	}
	t.mu.Lock()
	h := t.onMessage
	t.mu.Unlock()
	if h != nil {
		h(json.RawMessage(payload))
	}
}

// finish closes c exactly once and notifies the disconnect handler.
func (t *Transport) finish(c *conn, cause error) {
	fired := false
	c.once.Do(func() {
		fired = true
		_ = c.rwc.Close()
	})
	if !fired {
		return
	}

	t.mu.Lock()
	if t.conn == c {
		t.conn = nil
	}
	h := t.onDisconnect
	t.mu.Unlock()

	ev := t.log.Debug().Str("endpoint", c.endpoint)
	if cause != nil {
		ev = t.log.Warn().Str("endpoint", c.endpoint).Err(cause)
	}
	ev.Msg("disconnected")
	if h != nil {
		h()
	}
}
