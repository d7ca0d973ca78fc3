package crypto

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/danmuck/bioipc/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
)

func TestEncStringRoundTripMacKey(t *testing.T) {
	testlog.Start(t)
	key, err := GenerateSymmetricKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	plaintext := []byte(`{"command":"getBiometricsStatus","messageId":1}`)
	enc, err := EncryptString(key, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if enc.Type != AesCbc256HmacSha256B64 || len(enc.MAC) != 32 {
		t.Fatalf("unexpected enc string: type=%d mac=%d", enc.Type, len(enc.MAC))
	}

	parsed, err := ParseEncString(enc.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got, err := DecryptString(key, parsed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("plaintext mismatch: %q", got)
	}
}

func TestEncStringRoundTripEncKeyOnly(t *testing.T) {
	testlog.Start(t)
	key, err := NewSymmetricKey(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	enc, err := EncryptString(key, []byte("sixteen bytes!!!"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if enc.Type != AesCbc256B64 || strings.Count(enc.String(), "|") != 1 {
		t.Fatalf("unexpected enc string %q", enc.String())
	}
	got, err := DecryptString(key, enc)
	if err != nil || string(got) != "sixteen bytes!!!" {
		t.Fatalf("decrypt got=%q err=%v", got, err)
	}
}

func TestDecryptRejectsTamperedData(t *testing.T) {
	testlog.Start(t)
	key, _ := GenerateSymmetricKey()
	enc, _ := EncryptString(key, []byte("secret"))
	enc.Data[0] ^= 0xff
	if _, err := DecryptString(key, enc); !errors.Is(err, ErrMacMismatch) {
		t.Fatalf("expected ErrMacMismatch, got %v", err)
	}
}

func TestDecryptRejectsWrongKeyShape(t *testing.T) {
	testlog.Start(t)
	key, _ := GenerateSymmetricKey()
	enc, _ := EncryptString(key, []byte("secret"))
	short, _ := NewSymmetricKey(key.EncKey)
	if _, err := DecryptString(short, enc); !errors.Is(err, ErrKeyTypeMismatch) {
		t.Fatalf("expected ErrKeyTypeMismatch, got %v", err)
	}
}

func TestParseEncStringErrors(t *testing.T) {
	testlog.Start(t)
	for _, raw := range []string{"", "nodot", "x.aaaa|bbbb", "9.aaaa|bbbb", "2.aaaa|bbbb", "0.!!!|AAAA"} {
		if _, err := ParseEncString(raw); !errors.Is(err, ErrInvalidEncString) {
			t.Fatalf("ParseEncString(%q) expected ErrInvalidEncString, got %v", raw, err)
		}
	}
}

func TestNewSymmetricKeyLength(t *testing.T) {
	testlog.Start(t)
	if _, err := NewSymmetricKey(make([]byte, 48)); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	key, err := NewSymmetricKey(bytes.Repeat([]byte{1}, 64))
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	if len(key.Bytes()) != 64 || key.Type() != AesCbc256HmacSha256B64 {
		t.Fatalf("unexpected key: %d bytes type=%d", len(key.Bytes()), key.Type())
	}
}

func TestOAEPRoundTrip(t *testing.T) {
	testlog.Start(t)
	kp, err := GenerateKeyPair(1024)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	secret := bytes.Repeat([]byte{0x42}, 64)
	ct, err := EncryptOAEP(kp.PublicKey, secret)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := kp.DecryptOAEP(ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, secret) {
		t.Fatalf("secret mismatch")
	}
	if _, err := EncryptOAEP([]byte("junk"), secret); !errors.Is(err, ErrInvalidPublicKey) {
		t.Fatalf("expected ErrInvalidPublicKey, got %v", err)
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	testlog.Start(t)
	pub := []byte("public-key-bytes")
	a, err := Fingerprint("app-1", pub)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	b, _ := Fingerprint("app-1", pub)
	c, _ := Fingerprint("app-2", pub)
	if len(a) != 5 {
		t.Fatalf("expected 5 words, got %d: %v", len(a), a)
	}
	if strings.Join(a, "-") != strings.Join(b, "-") {
		t.Fatalf("fingerprint not deterministic: %v vs %v", a, b)
	}
	if strings.Join(a, "-") == strings.Join(c, "-") {
		t.Fatalf("fingerprint ignores material")
	}
	if _, err := Fingerprint("app-1", nil); !errors.Is(err, ErrEmptyFingerprintKey) {
		t.Fatalf("expected ErrEmptyFingerprintKey, got %v", err)
	}
}

func TestFingerprintKnownAnswer(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		material string
		want     []string
	}{
		{"app-1", []string{"dimmer", "prodigy", "ought", "dipped", "uncorrupt"}},
		{"3c1f6f0e-6a53-4a4e-9a0e-2f6c9b0f8d11", []string{"dimmer", "scholar", "fidgety", "uncrown", "friday"}},
	}
	for _, tc := range cases {
		got, err := Fingerprint(tc.material, []byte("public-key-bytes"))
		if err != nil {
			t.Fatalf("fingerprint %s: %v", tc.material, err)
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Fatalf("fingerprint %s mismatch (-want +got):\n%s", tc.material, diff)
		}
	}
}

func TestEFFLargeWordsRollOrder(t *testing.T) {
	testlog.Start(t)
	words := effLargeWords()
	if len(words) != 7776 {
		t.Fatalf("expected 7776 words, got %d", len(words))
	}
	if words[0] != "abacus" || words[1] != "abdomen" || words[6] != "ablaze" || words[7775] != "zoom" {
		t.Fatalf("unexpected word order: %q %q %q %q", words[0], words[1], words[6], words[7775])
	}
}

func TestHashPhraseSmallList(t *testing.T) {
	testlog.Start(t)
	words := []string{"a", "b", "c", "d"}
	got := hashPhrase([]byte{0x1b}, words)
	// 64 bits / 2 bits per word; 0x1b = 0b00011011 -> digits base 4 from least significant: 3,2,1,0,0...
	if len(got) != 32 {
		t.Fatalf("expected 32 words, got %d", len(got))
	}
	if got[0] != "d" || got[1] != "c" || got[2] != "b" || got[3] != "a" || got[4] != "a" {
		t.Fatalf("unexpected phrase prefix: %v", got[:5])
	}
}
