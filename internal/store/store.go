// Package store persists the auth registry snapshot. FileStore keeps a
// JSON or YAML document on disk; BadgerStore keeps one key per record in
// an embedded badger database.
package store

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/edgecli/peerlink/internal/registry"
)

// Store loads and saves auth registry snapshots.
type Store interface {
	Load() (registry.Snapshot, error)
	Save(registry.Snapshot) error
	Close() error
}

// record is the persisted form of registry.AuthRecord. Secrets are base64
// strings so JSON and YAML encode them the same way.
type record struct {
	UUID            string    `json:"uuid" yaml:"uuid"`
	PeerKeyMaterial string    `json:"peer_key_material,omitempty" yaml:"peer_key_material,omitempty"`
	SharedSecret    string    `json:"shared_secret,omitempty" yaml:"shared_secret,omitempty"`
	Accepted        bool      `json:"accepted" yaml:"accepted"`
	DisplayName     string    `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	LastIP          string    `json:"last_ip,omitempty" yaml:"last_ip,omitempty"`
	LastPort        int       `json:"last_port,omitempty" yaml:"last_port,omitempty"`
	PairedAt        time.Time `json:"paired_at" yaml:"paired_at"`
}

type document struct {
	Version  int      `json:"version" yaml:"version"`
	Records  []record `json:"records" yaml:"records"`
	Rejected []string `json:"rejected" yaml:"rejected"`
}

func fromRecord(r registry.AuthRecord) record {
	return record{
		UUID:            r.UUID,
		PeerKeyMaterial: r.PeerKeyMaterial,
		SharedSecret:    base64.StdEncoding.EncodeToString(r.SharedSecret),
		Accepted:        r.Accepted,
		DisplayName:     r.DisplayName,
		LastIP:          r.LastIP,
		LastPort:        r.LastPort,
		PairedAt:        r.PairedAt,
	}
}

func (r record) toRecord() (registry.AuthRecord, error) {
	secret, err := base64.StdEncoding.DecodeString(r.SharedSecret)
	if err != nil {
		return registry.AuthRecord{}, fmt.Errorf("record %s: bad shared secret: %w", r.UUID, err)
	}
	if len(secret) == 0 {
		secret = nil
	}
	return registry.AuthRecord{
		UUID:            r.UUID,
		PeerKeyMaterial: r.PeerKeyMaterial,
		SharedSecret:    secret,
		Accepted:        r.Accepted,
		DisplayName:     r.DisplayName,
		LastIP:          r.LastIP,
		LastPort:        r.LastPort,
		PairedAt:        r.PairedAt,
	}, nil
}

func toDocument(s registry.Snapshot) document {
	doc := document{Version: 1, Records: make([]record, 0, len(s.Records)), Rejected: s.Rejected}
	if doc.Rejected == nil {
		doc.Rejected = []string{}
	}
	for _, r := range s.Records {
		doc.Records = append(doc.Records, fromRecord(r))
	}
	return doc
}

func (d document) toSnapshot() (registry.Snapshot, error) {
	s := registry.Snapshot{Rejected: d.Rejected}
	for _, r := range d.Records {
		ar, err := r.toRecord()
		if err != nil {
			return registry.Snapshot{}, err
		}
		s.Records = append(s.Records, ar)
	}
	return s, nil
}
