package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"errors"
	"fmt"
)

// DefaultRSABits is the handshake key size.
const DefaultRSABits = 2048

var ErrInvalidPublicKey = errors.New("crypto: invalid public key")

// KeyPair is one handshake key pair. PublicKey is SPKI DER, the form sent on the wire.
type KeyPair struct {
	PublicKey  []byte
	PrivateKey *rsa.PrivateKey
}

func GenerateKeyPair(bits int) (*KeyPair, error) {
	if bits <= 0 {
		bits = DefaultRSABits
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}
	pub, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// DecryptOAEP reverses EncryptOAEP. The OAEP hash is fixed to SHA-1 by the peer.
func (kp *KeyPair) DecryptOAEP(ciphertext []byte) ([]byte, error) {
	if kp == nil || kp.PrivateKey == nil {
		return nil, errors.New("crypto: missing private key")
	}
	return rsa.DecryptOAEP(sha1.New(), rand.Reader, kp.PrivateKey, ciphertext, nil)
}

// EncryptOAEP encrypts plaintext to an SPKI DER RSA public key.
func EncryptOAEP(publicKeyDER, plaintext []byte) ([]byte, error) {
	parsed, err := x509.ParsePKIXPublicKey(publicKeyDER)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not rsa", ErrInvalidPublicKey)
	}
	return rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, plaintext, nil)
}
