package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/danmuck/bioipc/internal/crypto"
	"github.com/danmuck/bioipc/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
)

func int64p(v int64) *int64 { return &v }

func TestDecodeControlCommands(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		raw  string
		want Inbound
	}{
		{`{"command":"setupEncryption","appId":"a","sharedSecret":"c2VjcmV0"}`,
			SetupEncryption{Header: Header{AppID: "a"}, SharedSecret: "c2VjcmV0"}},
		{`{"command":"invalidateEncryption","appId":"a","messageId":4}`,
			InvalidateEncryption{Header: Header{AppID: "a"}, MessageID: int64p(4)}},
		{`{"command":"wrongUserId","appId":"a"}`,
			WrongUserID{Header: Header{AppID: "a"}}},
		{`{"command":"wrongUserId","appId":"a","messageId":0}`,
			WrongUserID{Header: Header{AppID: "a"}, MessageID: int64p(0)}},
		{`{"command":"disconnected"}`, Disconnected{}},
		{`{"command":"connected"}`, Connected{}},
		{`{"command":"verifyDesktopIPCFingerprint","appId":"a"}`, VerifyFingerprint{Header{AppID: "a"}}},
		{`{"command":"verifiedDesktopIPCFingerprint"}`, FingerprintVerified{}},
		{`{"command":"rejectedDesktopIPCFingerprint"}`, FingerprintRejected{}},
	}
	for _, tc := range cases {
		got, err := Decode([]byte(tc.raw))
		if err != nil {
			t.Fatalf("decode %s: %v", tc.raw, err)
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Fatalf("decode %s mismatch (-want +got):\n%s", tc.raw, diff)
		}
	}
}

func TestDecodeEncryptedResponseForms(t *testing.T) {
	testlog.Start(t)
	key, _ := crypto.GenerateSymmetricKey()
	enc, err := crypto.EncryptString(key, []byte(`{"messageId":3}`))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	full := NewEncStringJSON(enc)
	legacy := full
	legacy.EncryptedString = ""

	for name, msg := range map[string]any{"object": full, "legacy-object": legacy, "string": enc.String()} {
		raw, _ := json.Marshal(map[string]any{"appId": "a", "message": msg})
		in, err := Decode(raw)
		if err != nil {
			t.Fatalf("%s: decode: %v", name, err)
		}
		resp, ok := in.(EncryptedResponse)
		if !ok {
			t.Fatalf("%s: unexpected type %T", name, in)
		}
		if resp.App() != "a" {
			t.Fatalf("%s: app=%q", name, resp.App())
		}
		s, err := resp.Payload.EncString()
		if err != nil {
			t.Fatalf("%s: enc string: %v", name, err)
		}
		plain, err := crypto.DecryptString(key, s)
		if err != nil || string(plain) != `{"messageId":3}` {
			t.Fatalf("%s: decrypt got=%q err=%v", name, plain, err)
		}
	}
}

func TestDecodeRejects(t *testing.T) {
	testlog.Start(t)
	cases := map[string]error{
		`not json`:                     ErrMalformedEnvelope,
		`{"appId":"a"}`:                ErrMissingMessage,
		`{"appId":"a","message":null}`: ErrMissingMessage,
		`{"appId":"a","message":[1]}`:  ErrMalformedEnvelope,
		`{"appId":"a","message":{"command":"x","messageId":1}}`: ErrPlaintextResponse,
	}
	for raw, want := range cases {
		if _, err := Decode([]byte(raw)); !errors.Is(err, want) {
			t.Fatalf("Decode(%s) expected %v, got %v", raw, want, err)
		}
	}
}

func TestEnvelopeEncoding(t *testing.T) {
	testlog.Start(t)
	raw, err := EncodeEnvelope(PlainEnvelope("app-1", Message{
		Command:   CommandSetupEncryption,
		MessageID: 0,
		Timestamp: 1700000000000,
		PublicKey: "cHVi",
	}))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := map[string]any{
		"appId": "app-1",
		"message": map[string]any{
			"command":   "setupEncryption",
			"messageId": float64(0),
			"timestamp": float64(1700000000000),
			"publicKey": "cHVi",
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("envelope mismatch (-want +got):\n%s", diff)
	}
}

func TestResponseFieldHelpers(t *testing.T) {
	testlog.Start(t)
	r, err := DecodeResponse([]byte(`{"timestamp":1,"command":"c","messageId":2,"response":true,"userKeyB64":"a2V5"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !r.Bool() || r.UserKeyB64 != "a2V5" || r.MessageID != 2 {
		t.Fatalf("unexpected response: %+v", r)
	}
	if _, ok := r.Int(); ok {
		t.Fatalf("bool response must not read as int")
	}
	r, _ = DecodeResponse([]byte(`{"response":7}`))
	if n, ok := r.Int(); !ok || n != 7 || r.Bool() {
		t.Fatalf("unexpected int response: %d %v", n, ok)
	}
}
