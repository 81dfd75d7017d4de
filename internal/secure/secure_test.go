package secure

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustKeyPair(t *testing.T) *KeyPair {
	t.Helper()
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	return kp
}

func TestDeriveSharedSecret_Symmetric(t *testing.T) {
	for i := 0; i < 10; i++ {
		a := mustKeyPair(t)
		b := mustKeyPair(t)

		ab, err := DeriveSharedSecret(a, b.KeyMaterial())
		require.NoError(t, err)
		ba, err := DeriveSharedSecret(b, a.KeyMaterial())
		require.NoError(t, err)

		assert.Equal(t, ab, ba)
		assert.Len(t, ab, SecretSize)
	}
}

func TestDeriveSharedSecret_DistinctPairs(t *testing.T) {
	a, b, c := mustKeyPair(t), mustKeyPair(t), mustKeyPair(t)

	ab, err := DeriveSharedSecret(a, b.KeyMaterial())
	require.NoError(t, err)
	ac, err := DeriveSharedSecret(a, c.KeyMaterial())
	require.NoError(t, err)

	assert.NotEqual(t, ab, ac)
}

func TestDeriveSharedSecret_BadKeyMaterial(t *testing.T) {
	a := mustKeyPair(t)
	tests := []string{"", "not-base64!!", base64.StdEncoding.EncodeToString([]byte("short"))}
	for _, km := range tests {
		_, err := DeriveSharedSecret(a, km)
		assert.ErrorIs(t, err, ErrKeyMaterial, "key material %q", km)
	}
}

func TestKeyPair_RestoreFromBytes(t *testing.T) {
	a := mustKeyPair(t)
	restored, err := KeyPairFromBytes(a.PrivateBytes())
	require.NoError(t, err)
	assert.Equal(t, a.KeyMaterial(), restored.KeyMaterial())
	assert.False(t, strings.Contains(a.KeyMaterial(), ":"))
}

func TestCanonicalPair_OrderIndependent(t *testing.T) {
	x := []byte{1, 2, 3}
	y := []byte{0, 9, 9}
	assert.Equal(t, canonicalPair(x, y), canonicalPair(y, x))
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	secret := bytes.Repeat([]byte{7}, SecretSize)
	for _, p := range []string{"", "hello", strings.Repeat("x", 4096), `{"title":"a:b:c"}`} {
		ct, err := EncryptString(secret, []byte(p))
		require.NoError(t, err)
		got, err := DecryptString(secret, ct)
		require.NoError(t, err)
		assert.Equal(t, p, string(got))
	}
}

func TestEncrypt_FreshNonce(t *testing.T) {
	secret := bytes.Repeat([]byte{1}, SecretSize)
	a, err := Encrypt(secret, []byte("same"))
	require.NoError(t, err)
	b, err := Encrypt(secret, []byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a[:NonceSize], b[:NonceSize])
}

func TestDecrypt_FailsClosed(t *testing.T) {
	secret := bytes.Repeat([]byte{1}, SecretSize)
	other := bytes.Repeat([]byte{2}, SecretSize)
	ct, err := Encrypt(secret, []byte("payload"))
	require.NoError(t, err)

	tampered := append([]byte(nil), ct...)
	tampered[len(tampered)-1] ^= 0xff

	tests := []struct {
		name   string
		secret []byte
		data   []byte
	}{
		{"wrong key", other, ct},
		{"tampered", secret, tampered},
		{"truncated", secret, ct[:len(ct)-5]},
		{"nonce only", secret, ct[:NonceSize]},
		{"empty", secret, nil},
		{"short secret", secret[:10], ct},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decrypt(tt.secret, tt.data)
			assert.ErrorIs(t, err, ErrDecrypt)
			assert.Nil(t, got)
		})
	}

	_, err = DecryptString(secret, "%%%")
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestConfirmation(t *testing.T) {
	secret := bytes.Repeat([]byte{3}, SecretSize)
	tag := Confirmation(secret, "peer-1")
	assert.True(t, VerifyConfirmation(secret, "peer-1", tag))
	assert.False(t, VerifyConfirmation(secret, "peer-2", tag))
	assert.False(t, VerifyConfirmation(bytes.Repeat([]byte{4}, SecretSize), "peer-1", tag))
}

func TestFingerprint(t *testing.T) {
	a, err := GenerateKeyPair()
	require.NoError(t, err)
	b, err := GenerateKeyPair()
	require.NoError(t, err)

	fp := Fingerprint(a.KeyMaterial())
	assert.Len(t, fp, 14)
	assert.Equal(t, fp, Fingerprint(a.KeyMaterial()))
	assert.NotEqual(t, fp, Fingerprint(b.KeyMaterial()))
}
