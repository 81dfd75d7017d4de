package discovery

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/edgecli/peerlink/internal/logging"
	"github.com/edgecli/peerlink/internal/registry"
	"github.com/edgecli/peerlink/internal/secure"
)

// ErrNoMatch is returned when no stored secret opens a manual line.
var ErrNoMatch = errors.New("discovery: no paired peer matches manual line")

// ManualAnnounce is the plaintext of a manual discovery line.
type ManualAnnounce struct {
	UUID        string `json:"uuid"`
	DisplayName string `json:"displayName"`
	Port        int    `json:"port"`
	Confirm     string `json:"confirm"`
}

// SealManual encrypts m with secret and sets its confirmation tag. The
// result is a bare base64 line with no header.
func SealManual(secret []byte, m ManualAnnounce) (string, error) {
	m.Confirm = secure.Confirmation(secret, m.UUID)
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal manual discovery: %w", err)
	}
	return secure.EncryptString(secret, data)
}

// OpenManual tries every accepted secret against raw. The first record
// that decrypts it and whose uuid and confirmation tag match wins.
func OpenManual(auth registry.AuthLookup, raw string) (ManualAnnounce, registry.AuthRecord, error) {
	for _, rec := range auth.ListAccepted() {
		plain, err := secure.DecryptString(rec.SharedSecret, raw)
		if err != nil {
			continue
		}
		var m ManualAnnounce
		if err := json.Unmarshal(plain, &m); err != nil {
			continue
		}
		if m.UUID != rec.UUID || !secure.VerifyConfirmation(rec.SharedSecret, m.UUID, m.Confirm) {
			continue
		}
		return m, rec, nil
	}
	return ManualAnnounce{}, registry.AuthRecord{}, ErrNoMatch
}

// HandleManual verifies raw as a manual discovery line received from ip
// and refreshes the sender's address. Lines no stored secret opens are
// dropped. Reports whether the line was accepted.
func (s *Service) HandleManual(raw, ip string) bool {
	m, rec, err := OpenManual(s.auth, raw)
	if err != nil {
		s.log.WithField("from", ip).Debug("dropping unrecognized line")
		return false
	}
	s.auth.Touch(rec.UUID, ip, m.Port)
	s.log.WithFields(logrus.Fields{
		"peer": logging.ShortID(rec.UUID),
		"ip":   ip,
	}).Debug("manual discovery from paired peer")
	if s.OnManual != nil {
		s.OnManual(rec.UUID)
	}
	return true
}
