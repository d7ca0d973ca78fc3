package channel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/bioipc/internal/crypto"
	"github.com/danmuck/bioipc/internal/protocol"
	"github.com/danmuck/bioipc/internal/testutil/testlog"
)

var (
	testKeysOnce sync.Once
	testKeys     *crypto.KeyPair
)

func sharedTestKeys(t *testing.T) *crypto.KeyPair {
	t.Helper()
	testKeysOnce.Do(func() {
		kp, err := crypto.GenerateKeyPair(1024)
		if err != nil {
			t.Fatalf("generate key pair: %v", err)
		}
		testKeys = kp
	})
	return testKeys
}

// peer answers setupEncryption the way the desktop app does.
type peer struct {
	t      *testing.T
	key    crypto.SymmetricKey
	setups atomic.Int32
	sent   chan protocol.Message
}

func newPeer(t *testing.T) *peer {
	key, err := crypto.GenerateSymmetricKey()
	if err != nil {
		t.Fatalf("generate symmetric key: %v", err)
	}
	return &peer{t: t, key: key, sent: make(chan protocol.Message, 8)}
}

func (p *peer) send(env protocol.Envelope) error {
	msg, ok := env.Message.(protocol.Message)
	if !ok {
		p.t.Errorf("expected plaintext handshake message, got %T", env.Message)
		return nil
	}
	if msg.Command == protocol.CommandSetupEncryption {
		p.setups.Add(1)
	}
	p.sent <- msg
	return nil
}

func (p *peer) secretFor(msg protocol.Message) string {
	pub, err := base64.StdEncoding.DecodeString(msg.PublicKey)
	if err != nil {
		p.t.Fatalf("decode public key: %v", err)
	}
	blob, err := crypto.EncryptOAEP(pub, p.key.Bytes())
	if err != nil {
		p.t.Fatalf("wrap secret: %v", err)
	}
	return base64.StdEncoding.EncodeToString(blob)
}

func newTestNegotiator(t *testing.T, p *peer, mutate func(*Config)) *Negotiator {
	keys := sharedTestKeys(t)
	cfg := Config{
		AppID:           "app-1",
		Send:            p.send,
		ActiveUserID:    func() string { return "user-1" },
		GenerateKeyPair: func(int) (*crypto.KeyPair, error) { return keys, nil },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewNegotiator(cfg)
}

func recvSetup(t *testing.T, p *peer) protocol.Message {
	t.Helper()
	select {
	case msg := <-p.sent:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for setupEncryption")
	}
	return protocol.Message{}
}

func TestConcurrentEncryptSharesOneHandshake(t *testing.T) {
	testlog.Start(t)
	p := newPeer(t)
	n := newTestNegotiator(t, p, nil)

	const callers = 4
	results := make(chan crypto.EncString, callers)
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			s, err := n.Encrypt(context.Background(), protocol.Message{Command: protocol.CommandGetBiometricsStatus, MessageID: 9})
			if err != nil {
				errs <- err
				return
			}
			results <- s
		}()
	}

	setup := recvSetup(t, p)
	if setup.Command != protocol.CommandSetupEncryption || setup.UserID != "user-1" || setup.MessageID == 0 {
		t.Fatalf("unexpected setup message: %+v", setup)
	}
	if n.State() != StatePending {
		t.Fatalf("state got=%s want=pending", n.State())
	}
	n.CompleteHandshake(p.secretFor(setup))

	for i := 0; i < callers; i++ {
		select {
		case err := <-errs:
			t.Fatalf("encrypt: %v", err)
		case s := <-results:
			plain, err := crypto.DecryptString(p.key, s)
			if err != nil {
				t.Fatalf("peer decrypt: %v", err)
			}
			var msg protocol.Message
			if err := json.Unmarshal(plain, &msg); err != nil || msg.MessageID != 9 {
				t.Fatalf("decoded message got=%+v err=%v", msg, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for encrypt")
		}
	}
	if got := p.setups.Load(); got != 1 {
		t.Fatalf("setupEncryption sent %d times, want 1", got)
	}
	if n.State() != StateEstablished {
		t.Fatalf("state got=%s want=established", n.State())
	}
}

func TestDecryptRoundTripAfterHandshake(t *testing.T) {
	testlog.Start(t)
	p := newPeer(t)
	n := newTestNegotiator(t, p, nil)

	if _, err := n.Decrypt(protocol.EncStringJSON{EncryptedString: "2.a|b|c"}); !errors.Is(err, ErrNoSecureChannel) {
		t.Fatalf("expected ErrNoSecureChannel, got %v", err)
	}

	done, err := n.BeginHandshake()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	n.CompleteHandshake(p.secretFor(recvSetup(t, p)))
	<-done

	s, err := crypto.EncryptString(p.key, []byte(`{"messageId":3}`))
	if err != nil {
		t.Fatalf("peer encrypt: %v", err)
	}
	plain, err := n.Decrypt(protocol.NewEncStringJSON(s))
	if err != nil || string(plain) != `{"messageId":3}` {
		t.Fatalf("decrypt got=%q err=%v", plain, err)
	}
}

func TestCompleteHandshakeWithoutPendingIsNoop(t *testing.T) {
	testlog.Start(t)
	p := newPeer(t)
	n := newTestNegotiator(t, p, nil)
	n.CompleteHandshake("AAAA")
	if n.State() != StateNone {
		t.Fatalf("state got=%s want=none", n.State())
	}

	if _, err := n.BeginHandshake(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	recvSetup(t, p)
	n.CompleteHandshake("")
	if n.State() != StatePending {
		t.Fatalf("empty secret must leave the handshake pending, state=%s", n.State())
	}
}

func TestBeginHandshakeJoinsInFlight(t *testing.T) {
	testlog.Start(t)
	p := newPeer(t)
	n := newTestNegotiator(t, p, nil)
	a, err := n.BeginHandshake()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	b, err := n.BeginHandshake()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if a != b {
		t.Fatalf("second BeginHandshake must join the first")
	}
	if got := p.setups.Load(); got != 1 {
		t.Fatalf("setupEncryption sent %d times, want 1", got)
	}
}

func TestUndecryptableSecretFailsHandshake(t *testing.T) {
	testlog.Start(t)
	p := newPeer(t)
	n := newTestNegotiator(t, p, nil)
	errc := make(chan error, 1)
	go func() {
		_, err := n.Encrypt(context.Background(), protocol.Message{Command: "x"})
		errc <- err
	}()
	recvSetup(t, p)
	n.CompleteHandshake(base64.StdEncoding.EncodeToString([]byte("garbage")))
	select {
	case err := <-errc:
		if !errors.Is(err, ErrHandshakeFailed) {
			t.Fatalf("expected ErrHandshakeFailed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for encrypt")
	}
	if n.State() != StateNone {
		t.Fatalf("state got=%s want=none", n.State())
	}
}

func TestInvalidateFailsPendingHandshake(t *testing.T) {
	testlog.Start(t)
	p := newPeer(t)
	n := newTestNegotiator(t, p, nil)
	reason := errors.New("peer went away")
	errc := make(chan error, 1)
	go func() {
		_, err := n.Encrypt(context.Background(), protocol.Message{Command: "x"})
		errc <- err
	}()
	recvSetup(t, p)
	n.Invalidate(reason)
	select {
	case err := <-errc:
		if !errors.Is(err, reason) {
			t.Fatalf("expected invalidate reason, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for encrypt")
	}
	if n.PublicKey() != nil {
		t.Fatalf("invalidate must drop the key pair")
	}
}

func TestInvalidateResetRestartsPendingHandshake(t *testing.T) {
	testlog.Start(t)
	p := newPeer(t)
	n := newTestNegotiator(t, p, nil)
	errc := make(chan error, 1)
	go func() {
		_, err := n.Encrypt(context.Background(), protocol.Message{Command: "x"})
		errc <- err
	}()
	first := recvSetup(t, p)
	n.Invalidate(nil)

	second := recvSetup(t, p)
	if second.MessageID == first.MessageID {
		t.Fatalf("restarted handshake reused messageId %d", first.MessageID)
	}
	select {
	case err := <-errc:
		t.Fatalf("encrypt settled before the new handshake completed: %v", err)
	default:
	}
	n.CompleteHandshake(p.secretFor(second))
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("encrypt after reset: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for encrypt")
	}
	if got := p.setups.Load(); got != 2 {
		t.Fatalf("setupEncryption sent %d times, want 2", got)
	}
}

func TestInvalidateThenReHandshake(t *testing.T) {
	testlog.Start(t)
	p := newPeer(t)
	n := newTestNegotiator(t, p, nil)
	done, _ := n.BeginHandshake()
	n.CompleteHandshake(p.secretFor(recvSetup(t, p)))
	<-done

	n.Invalidate(nil)
	if n.State() != StateNone {
		t.Fatalf("state got=%s want=none", n.State())
	}
	errc := make(chan error, 1)
	go func() {
		_, err := n.Encrypt(context.Background(), protocol.Message{Command: "x"})
		errc <- err
	}()
	n.CompleteHandshake(p.secretFor(recvSetup(t, p)))
	if err := <-errc; err != nil {
		t.Fatalf("encrypt after re-handshake: %v", err)
	}
	if got := p.setups.Load(); got != 2 {
		t.Fatalf("setupEncryption sent %d times, want 2", got)
	}
}

func TestRejectHandshakeByMessageID(t *testing.T) {
	testlog.Start(t)
	p := newPeer(t)
	n := newTestNegotiator(t, p, nil)
	reason := errors.New("wrong user")
	done, _ := n.BeginHandshake()
	setup := recvSetup(t, p)

	other := setup.MessageID + 100
	if n.RejectHandshake(reason, &other) {
		t.Fatalf("rejected handshake with unrelated messageId")
	}
	if id, ok := n.PendingMessageID(); !ok || id != setup.MessageID {
		t.Fatalf("pending id got=%d ok=%v", id, ok)
	}
	if !n.RejectHandshake(reason, nil) {
		t.Fatalf("expected handshake rejected without messageId")
	}
	<-done
	if n.RejectHandshake(reason, nil) {
		t.Fatalf("nothing pending, nothing to reject")
	}
}

func TestHandshakeTimeout(t *testing.T) {
	testlog.Start(t)
	p := newPeer(t)
	n := newTestNegotiator(t, p, func(c *Config) { c.HandshakeTimeout = 30 * time.Millisecond })
	_, err := n.Encrypt(context.Background(), protocol.Message{Command: "x"})
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("expected ErrHandshakeTimeout, got %v", err)
	}
	if n.State() != StateNone {
		t.Fatalf("state got=%s want=none", n.State())
	}
}

func TestEncryptHonoursContext(t *testing.T) {
	testlog.Start(t)
	p := newPeer(t)
	n := newTestNegotiator(t, p, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := n.Encrypt(ctx, protocol.Message{Command: "x"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if n.State() != StatePending {
		t.Fatalf("handshake keeps running for other callers, state=%s", n.State())
	}
}

func TestSendFailureFailsHandshake(t *testing.T) {
	testlog.Start(t)
	p := newPeer(t)
	boom := errors.New("not connected")
	n := newTestNegotiator(t, p, func(c *Config) {
		c.Send = func(protocol.Envelope) error { return boom }
	})
	_, err := n.Encrypt(context.Background(), protocol.Message{Command: "x"})
	if !errors.Is(err, boom) || !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("expected wrapped send failure, got %v", err)
	}
	if n.State() != StateNone {
		t.Fatalf("state got=%s want=none", n.State())
	}
}
