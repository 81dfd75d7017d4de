// Package secure holds the key material, shared-secret derivation and
// authenticated encryption used on every encrypted peerlink channel.
package secure

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// PublicKeySize is the length of an X25519 public key.
	PublicKeySize = 32
	// SecretSize is the length of a derived shared secret (AES-256 key).
	SecretSize = 32

	sharedSecretInfo = "peerlink-shared-secret-v1"
)

// ErrKeyMaterial is returned for key material that is not a valid X25519
// public key in base64 form.
var ErrKeyMaterial = errors.New("secure: invalid key material")

// KeyPair is the long-lived X25519 key pair of this install.
type KeyPair struct {
	private *ecdh.PrivateKey
}

// GenerateKeyPair creates a fresh X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate x25519 key: %w", err)
	}
	return &KeyPair{private: priv}, nil
}

// KeyPairFromBytes restores a key pair from its private scalar.
func KeyPairFromBytes(b []byte) (*KeyPair, error) {
	priv, err := ecdh.X25519().NewPrivateKey(b)
	if err != nil {
		return nil, fmt.Errorf("restore x25519 key: %w", err)
	}
	return &KeyPair{private: priv}, nil
}

// PrivateBytes returns the private scalar for persistence.
func (k *KeyPair) PrivateBytes() []byte {
	return k.private.Bytes()
}

// PublicBytes returns the raw public key.
func (k *KeyPair) PublicBytes() []byte {
	return k.private.PublicKey().Bytes()
}

// KeyMaterial is the public key as carried on the wire. Standard base64
// never contains ':' so it is safe inside colon-delimited lines.
func (k *KeyPair) KeyMaterial() string {
	return base64.StdEncoding.EncodeToString(k.PublicBytes())
}

// ParseKeyMaterial decodes wire key material into a public key.
func ParseKeyMaterial(s string) (*ecdh.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) != PublicKeySize {
		return nil, ErrKeyMaterial
	}
	pub, err := ecdh.X25519().NewPublicKey(raw)
	if err != nil {
		return nil, ErrKeyMaterial
	}
	return pub, nil
}

// Fingerprint is a short human-comparable digest of key material, shown
// on both devices during pairing.
func Fingerprint(keyMaterial string) string {
	sum := sha256.Sum256([]byte(keyMaterial))
	h := hex.EncodeToString(sum[:6])
	return h[0:4] + "-" + h[4:8] + "-" + h[8:12]
}

// DeriveSharedSecret derives the pairing secret between the local key pair
// and the remote key material. Both sides get the same secret: the ECDH
// output is symmetric and the HKDF salt is the two public keys in sorted
// order, so the result does not depend on who initiated.
func DeriveSharedSecret(local *KeyPair, remoteKeyMaterial string) ([]byte, error) {
	if local == nil {
		return nil, errors.New("secure: nil local key pair")
	}
	remote, err := ParseKeyMaterial(remoteKeyMaterial)
	if err != nil {
		return nil, err
	}

	ikm, err := local.private.ECDH(remote)
	if err != nil {
		return nil, fmt.Errorf("secure: ecdh: %w", err)
	}

	salt := canonicalPair(local.PublicBytes(), remote.Bytes())
	r := hkdf.New(sha256.New, ikm, salt, []byte(sharedSecretInfo))

	secret := make([]byte, SecretSize)
	if _, err := io.ReadFull(r, secret); err != nil {
		return nil, fmt.Errorf("secure: hkdf read: %w", err)
	}
	return secret, nil
}

// canonicalPair concatenates a and b in bytewise order.
func canonicalPair(a, b []byte) []byte {
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
