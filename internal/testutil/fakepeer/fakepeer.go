//go:build !windows

// Package fakepeer runs a scripted desktop app on a unix socket. It speaks the
// real wire format and performs the real key exchange.
package fakepeer

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/bioipc/internal/crypto"
	"github.com/danmuck/bioipc/internal/protocol"
	"github.com/danmuck/bioipc/internal/protocol/frame"
)

// Reply is what the peer answers to one decrypted request.
type Reply struct {
	Response   any
	UserKeyB64 string
	// Skew shifts the reply timestamp away from now.
	Skew time.Duration
}

// Handler decides the reply to msg; returning false sends nothing.
type Handler func(msg protocol.Message) (Reply, bool)

type Peer struct {
	Path  string
	AppID string

	ln       net.Listener
	requests chan protocol.Message
	setups   atomic.Int32
	accepts  atomic.Int32
	reject   atomic.Bool

	mu      sync.Mutex
	key     crypto.SymmetricKey
	handler Handler
	conns   map[*peerConn]struct{}
	wg      sync.WaitGroup
}

type peerConn struct {
	net.Conn
	writeMu sync.Mutex
}

// DefaultHandler answers status queries with Available and everything else with true.
func DefaultHandler(msg protocol.Message) (Reply, bool) {
	switch msg.Command {
	case protocol.CommandGetBiometricsStatus, protocol.CommandGetBiometricsStatusForUser:
		return Reply{Response: 0}, true
	default:
		return Reply{Response: true}, true
	}
}

// Start listens on a fresh socket under a short temp dir and serves until the
// test ends.
func Start(t testing.TB, appID string) *Peer {
	t.Helper()
	dir, err := os.MkdirTemp("", "fakepeer")
	if err != nil {
		t.Fatalf("fakepeer: temp dir: %v", err)
	}
	path := filepath.Join(dir, "s.bw")
	ln, err := net.Listen("unix", path)
	if err != nil {
		_ = os.RemoveAll(dir)
		t.Fatalf("fakepeer: listen: %v", err)
	}
	p := &Peer{
		Path:     path,
		AppID:    appID,
		ln:       ln,
		requests: make(chan protocol.Message, 64),
		handler:  DefaultHandler,
		conns:    make(map[*peerConn]struct{}),
	}
	p.wg.Add(1)
	go p.serve()
	t.Cleanup(func() {
		p.Close()
		_ = os.RemoveAll(dir)
	})
	return p
}

// Handle replaces the request handler.
func (p *Peer) Handle(h Handler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

// RejectHandshakes makes the peer answer setupEncryption with wrongUserId.
func (p *Peer) RejectHandshakes(on bool) {
	p.reject.Store(on)
}

// Setups counts setupEncryption requests seen.
func (p *Peer) Setups() int { return int(p.setups.Load()) }

// Accepts counts accepted connections.
func (p *Peer) Accepts() int { return int(p.accepts.Load()) }

// Requests yields every decrypted request in arrival order.
func (p *Peer) Requests() <-chan protocol.Message { return p.requests }

// Send writes v as a frame to every open connection.
func (p *Peer) Send(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.mu.Lock()
	conns := make([]*peerConn, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()
	if len(conns) == 0 {
		return errors.New("fakepeer: no connections")
	}
	for _, c := range conns {
		if err := c.write(raw); err != nil {
			return err
		}
	}
	return nil
}

// DropConnections closes every open connection but keeps listening.
func (p *Peer) DropConnections() {
	p.mu.Lock()
	for c := range p.conns {
		_ = c.Close()
	}
	p.mu.Unlock()
}

func (p *Peer) Close() {
	_ = p.ln.Close()
	p.DropConnections()
	p.wg.Wait()
}

func (p *Peer) serve() {
	defer p.wg.Done()
	for {
		nc, err := p.ln.Accept()
		if err != nil {
			return
		}
		p.accepts.Add(1)
		c := &peerConn{Conn: nc}
		p.mu.Lock()
		p.conns[c] = struct{}{}
		p.mu.Unlock()
		p.wg.Add(1)
		go p.handleConn(c)
	}
}

func (p *Peer) handleConn(c *peerConn) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.conns, c)
		p.mu.Unlock()
		_ = c.Close()
	}()
	for {
		payload, err := frame.ReadFrame(c, frame.DefaultLimits())
		if err != nil {
			return
		}
		if err := p.handleFrame(c, payload); err != nil {
			return
		}
	}
}

func (p *Peer) handleFrame(c *peerConn, payload []byte) error {
	var env struct {
		AppID   string          `json:"appId"`
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return err
	}
	var peek struct {
		Command string `json:"command"`
	}
	_ = json.Unmarshal(env.Message, &peek)
	if peek.Command == protocol.CommandSetupEncryption {
		var msg protocol.Message
		if err := json.Unmarshal(env.Message, &msg); err != nil {
			return err
		}
		return p.handleSetup(c, msg)
	}

	var enc protocol.EncStringJSON
	if err := json.Unmarshal(env.Message, &enc); err != nil {
		return err
	}
	s, err := enc.EncString()
	if err != nil {
		return err
	}
	p.mu.Lock()
	key := p.key
	h := p.handler
	p.mu.Unlock()
	plain, err := crypto.DecryptString(key, s)
	if err != nil {
		return p.writeJSON(c, map[string]any{"command": protocol.CommandInvalidateEncryption, "appId": p.AppID})
	}
	var msg protocol.Message
	if err := json.Unmarshal(plain, &msg); err != nil {
		return err
	}
	select {
	case p.requests <- msg:
	default:
	}

	reply, ok := h(msg)
	if !ok {
		return nil
	}
	body, err := json.Marshal(map[string]any{
		"timestamp":  time.Now().Add(reply.Skew).UnixMilli(),
		"command":    msg.Command,
		"messageId":  msg.MessageID,
		"response":   reply.Response,
		"userKeyB64": reply.UserKeyB64,
	})
	if err != nil {
		return err
	}
	out, err := crypto.EncryptString(key, body)
	if err != nil {
		return err
	}
	return p.writeJSON(c, map[string]any{
		"appId":   p.AppID,
		"command": msg.Command,
		"message": protocol.NewEncStringJSON(out),
	})
}

func (p *Peer) handleSetup(c *peerConn, msg protocol.Message) error {
	p.setups.Add(1)
	if p.reject.Load() {
		return p.writeJSON(c, map[string]any{"command": protocol.CommandWrongUserID, "appId": p.AppID})
	}
	pub, err := base64.StdEncoding.DecodeString(msg.PublicKey)
	if err != nil {
		return err
	}
	key, err := crypto.GenerateSymmetricKey()
	if err != nil {
		return err
	}
	blob, err := crypto.EncryptOAEP(pub, key.Bytes())
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.key = key
	p.mu.Unlock()
	return p.writeJSON(c, map[string]any{
		"command":      protocol.CommandSetupEncryption,
		"appId":        p.AppID,
		"sharedSecret": base64.StdEncoding.EncodeToString(blob),
	})
}

func (p *Peer) writeJSON(c *peerConn, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(raw)
}

func (c *peerConn) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return frame.WriteFrame(c, payload, frame.DefaultLimits())
}
