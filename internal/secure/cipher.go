package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

const (
	// NonceSize is the AES-GCM nonce length prepended to every ciphertext.
	NonceSize = 12
	tagSize   = 16
)

// ErrDecrypt is returned for any ciphertext that fails to open: wrong key,
// tampering, truncation or bad encoding.
var ErrDecrypt = errors.New("secure: decryption failed")

func newAEAD(secret []byte) (cipher.AEAD, error) {
	if len(secret) != SecretSize {
		return nil, fmt.Errorf("secure: secret must be %d bytes, got %d", SecretSize, len(secret))
	}
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, fmt.Errorf("secure: new cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext with AES-256-GCM under secret.
// Output format: nonce(12) || ciphertext || tag(16).
func Encrypt(secret, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(secret)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+tagSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("secure: read nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens data produced by Encrypt.
func Decrypt(secret, data []byte) ([]byte, error) {
	if len(data) < NonceSize+tagSize {
		return nil, ErrDecrypt
	}
	aead, err := newAEAD(secret)
	if err != nil {
		return nil, ErrDecrypt
	}
	plaintext, err := aead.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// EncryptString is Encrypt followed by standard base64, the form used on
// the wire.
func EncryptString(secret, plaintext []byte) (string, error) {
	ct, err := Encrypt(secret, plaintext)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// DecryptString reverses EncryptString.
func DecryptString(secret []byte, s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrDecrypt
	}
	return Decrypt(secret, raw)
}

// Confirmation is a short keyed tag proving knowledge of secret for id.
func Confirmation(secret []byte, id string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(id))
	return hex.EncodeToString(mac.Sum(nil)[:16])
}

// VerifyConfirmation checks a tag produced by Confirmation in constant time.
func VerifyConfirmation(secret []byte, id, tag string) bool {
	return hmac.Equal([]byte(Confirmation(secret, id)), []byte(tag))
}
