// Package identity provides the persistent install identity: a random uuid,
// a display name and the X25519 key pair used for pairing.
package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/edgecli/peerlink/internal/secure"
)

const (
	// ConfigDir is the directory for peerlink state
	ConfigDir = ".peerlink"
	// IdentityFile is the filename for the identity
	IdentityFile = "identity.json"
)

// Identity is created once per install and never changes afterwards.
type Identity struct {
	UUID        string
	DisplayName string
	Keys        *secure.KeyPair
}

// KeyMaterial returns the public key material sent in handshakes.
func (id *Identity) KeyMaterial() string {
	return id.Keys.KeyMaterial()
}

// fileIdentity is the on-disk form.
type fileIdentity struct {
	UUID        string `json:"uuid"`
	DisplayName string `json:"display_name"`
	PrivateKey  []byte `json:"private_key"`
}

// New creates an identity in memory without persisting it.
func New(displayName string) (*Identity, error) {
	keys, err := secure.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &Identity{
		UUID:        uuid.New().String(),
		DisplayName: normalizeName(displayName),
		Keys:        keys,
	}, nil
}

// LoadOrCreate returns the identity stored at path, creating one if it
// doesn't exist. displayName is only used when a new identity is created.
// An empty path means ~/.peerlink/identity.json.
func LoadOrCreate(path, displayName string) (*Identity, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	// Try to read existing identity
	data, err := os.ReadFile(path)
	if err == nil {
		return decode(data)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity: %w", err)
	}

	id, err := New(displayName)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create identity dir: %w", err)
	}
	out, err := json.MarshalIndent(fileIdentity{
		UUID:        id.UUID,
		DisplayName: id.DisplayName,
		PrivateKey:  id.Keys.PrivateBytes(),
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, out, 0600); err != nil {
		return nil, fmt.Errorf("write identity: %w", err)
	}
	return id, nil
}

func decode(data []byte) (*Identity, error) {
	var fi fileIdentity
	if err := json.Unmarshal(data, &fi); err != nil {
		return nil, fmt.Errorf("parse identity: %w", err)
	}
	if _, err := uuid.Parse(fi.UUID); err != nil {
		return nil, fmt.Errorf("identity has invalid uuid %q: %w", fi.UUID, err)
	}
	keys, err := secure.KeyPairFromBytes(fi.PrivateKey)
	if err != nil {
		return nil, err
	}
	return &Identity{
		UUID:        fi.UUID,
		DisplayName: normalizeName(fi.DisplayName),
		Keys:        keys,
	}, nil
}

// DefaultPath returns ~/.peerlink/identity.json
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, IdentityFile), nil
}

func normalizeName(name string) string {
	name = strings.TrimSpace(name)
	if name != "" {
		return name
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "peerlink"
}
