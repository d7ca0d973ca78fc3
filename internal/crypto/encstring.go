package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// EncryptionType is the numeric EncString type tag.
type EncryptionType int

const (
	AesCbc256B64           EncryptionType = 0
	AesCbc256HmacSha256B64 EncryptionType = 2
)

var (
	ErrInvalidEncString = errors.New("crypto: invalid enc string")
	ErrInvalidKey       = errors.New("crypto: invalid symmetric key")
	ErrKeyTypeMismatch  = errors.New("crypto: key does not match enc string type")
	ErrMacMismatch      = errors.New("crypto: mac mismatch")
	ErrInvalidPadding   = errors.New("crypto: invalid padding")
)

// SymmetricKey is a 32-byte AES key, optionally paired with a 32-byte MAC key.
type SymmetricKey struct {
	EncKey []byte
	MacKey []byte
}

// NewSymmetricKey splits raw key material: 32 bytes is AES only, 64 bytes is AES|HMAC.
func NewSymmetricKey(raw []byte) (SymmetricKey, error) {
	switch len(raw) {
	case 32:
		return SymmetricKey{EncKey: bytes.Clone(raw)}, nil
	case 64:
		return SymmetricKey{EncKey: bytes.Clone(raw[:32]), MacKey: bytes.Clone(raw[32:])}, nil
	default:
		return SymmetricKey{}, fmt.Errorf("%w: length %d", ErrInvalidKey, len(raw))
	}
}

// GenerateSymmetricKey returns a fresh 64-byte AES|HMAC key.
func GenerateSymmetricKey() (SymmetricKey, error) {
	raw := make([]byte, 64)
	if _, err := rand.Read(raw); err != nil {
		return SymmetricKey{}, err
	}
	return NewSymmetricKey(raw)
}

func (k SymmetricKey) Type() EncryptionType {
	if len(k.MacKey) > 0 {
		return AesCbc256HmacSha256B64
	}
	return AesCbc256B64
}

// Bytes returns EncKey|MacKey.
func (k SymmetricKey) Bytes() []byte {
	out := make([]byte, 0, len(k.EncKey)+len(k.MacKey))
	out = append(out, k.EncKey...)
	return append(out, k.MacKey...)
}

func (k SymmetricKey) IsZero() bool {
	return len(k.EncKey) == 0
}

// EncString is one symmetric ciphertext in "<type>.<iv>|<data>|<mac>" form.
type EncString struct {
	Type EncryptionType
	IV   []byte
	Data []byte
	MAC  []byte
}

func (e EncString) String() string {
	parts := []string{
		base64.StdEncoding.EncodeToString(e.IV),
		base64.StdEncoding.EncodeToString(e.Data),
	}
	if e.Type == AesCbc256HmacSha256B64 {
		parts = append(parts, base64.StdEncoding.EncodeToString(e.MAC))
	}
	return strconv.Itoa(int(e.Type)) + "." + strings.Join(parts, "|")
}

func ParseEncString(s string) (EncString, error) {
	head, body, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok {
		return EncString{}, fmt.Errorf("%w: missing type", ErrInvalidEncString)
	}
	t, err := strconv.Atoi(head)
	if err != nil {
		return EncString{}, fmt.Errorf("%w: type %q", ErrInvalidEncString, head)
	}
	parts := strings.Split(body, "|")

	var want int
	switch EncryptionType(t) {
	case AesCbc256B64:
		want = 2
	case AesCbc256HmacSha256B64:
		want = 3
	default:
		return EncString{}, fmt.Errorf("%w: unsupported type %d", ErrInvalidEncString, t)
	}
	if len(parts) != want {
		return EncString{}, fmt.Errorf("%w: type %d wants %d parts, got %d", ErrInvalidEncString, t, want, len(parts))
	}

	decoded := make([][]byte, len(parts))
	for i, p := range parts {
		b, err := base64.StdEncoding.DecodeString(p)
		if err != nil {
			return EncString{}, fmt.Errorf("%w: part %d: %v", ErrInvalidEncString, i, err)
		}
		decoded[i] = b
	}
	out := EncString{Type: EncryptionType(t), IV: decoded[0], Data: decoded[1]}
	if out.Type == AesCbc256HmacSha256B64 {
		out.MAC = decoded[2]
	}
	return out, nil
}

// EncryptString seals plaintext with key, picking the EncString type from the key shape.
func EncryptString(key SymmetricKey, plaintext []byte) (EncString, error) {
	if len(key.EncKey) != 32 {
		return EncString{}, ErrInvalidKey
	}
	block, err := aes.NewCipher(key.EncKey)
	if err != nil {
		return EncString{}, err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return EncString{}, err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	data := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(data, padded)

	out := EncString{Type: key.Type(), IV: iv, Data: data}
	if out.Type == AesCbc256HmacSha256B64 {
		out.MAC = computeMAC(key.MacKey, iv, data)
	}
	return out, nil
}

// DecryptString verifies the MAC (when present) before decrypting.
func DecryptString(key SymmetricKey, s EncString) ([]byte, error) {
	if len(key.EncKey) != 32 {
		return nil, ErrInvalidKey
	}
	if s.Type != key.Type() {
		return nil, ErrKeyTypeMismatch
	}
	if s.Type == AesCbc256HmacSha256B64 {
		if !hmac.Equal(s.MAC, computeMAC(key.MacKey, s.IV, s.Data)) {
			return nil, ErrMacMismatch
		}
	}
	if len(s.IV) != aes.BlockSize || len(s.Data) == 0 || len(s.Data)%aes.BlockSize != 0 {
		return nil, ErrInvalidEncString
	}
	block, err := aes.NewCipher(key.EncKey)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(s.Data))
	cipher.NewCBCDecrypter(block, s.IV).CryptBlocks(out, s.Data)
	return pkcs7Unpad(out, aes.BlockSize)
}

func computeMAC(macKey, iv, data []byte) []byte {
	m := hmac.New(sha256.New, macKey)
	m.Write(iv)
	m.Write(data)
	return m.Sum(nil)
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, ErrInvalidPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, ErrInvalidPadding
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, ErrInvalidPadding
		}
	}
	return b[:len(b)-n], nil
}
