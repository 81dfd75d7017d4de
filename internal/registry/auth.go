package registry

import (
	"bytes"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edgecli/peerlink/internal/logging"
)

// AuthRecord is the pairing state for one peer. Accepted=false records are
// rejection memory.
type AuthRecord struct {
	UUID            string
	PeerKeyMaterial string
	SharedSecret    []byte
	Accepted        bool
	DisplayName     string
	LastIP          string
	LastPort        int
	PairedAt        time.Time
}

func (r AuthRecord) clone() AuthRecord {
	r.SharedSecret = bytes.Clone(r.SharedSecret)
	return r
}

// Snapshot is the durable form of the auth registry.
type Snapshot struct {
	Records  []AuthRecord
	Rejected []string
}

// Persister stores snapshots after every mutation.
type Persister interface {
	Save(Snapshot) error
}

// AuthLookup is the read-only view other components need.
type AuthLookup interface {
	Lookup(uuid string) (AuthRecord, bool)
	ListAccepted() []AuthRecord
}

// Auth is the auth registry plus rejection set. The in-memory maps are
// authoritative; the persister is a side effect.
type Auth struct {
	records  map[string]AuthRecord
	rejected map[string]struct{}
	mu       sync.RWMutex

	persist Persister
	saveMu  sync.Mutex
	log     logrus.FieldLogger
}

// NewAuth creates an empty auth registry. p may be nil.
func NewAuth(p Persister, log logrus.FieldLogger) *Auth {
	return &Auth{
		records:  make(map[string]AuthRecord),
		rejected: make(map[string]struct{}),
		persist:  p,
		log:      logging.Component(log, "auth"),
	}
}

// Restore replaces the registry contents with s without persisting.
func (a *Auth) Restore(s Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.records = make(map[string]AuthRecord, len(s.Records))
	a.rejected = make(map[string]struct{}, len(s.Rejected))
	for _, r := range s.Records {
		if r.UUID == "" {
			continue
		}
		a.records[r.UUID] = r.clone()
		if !r.Accepted {
			a.rejected[r.UUID] = struct{}{}
		}
	}
	for _, id := range s.Rejected {
		a.rejected[id] = struct{}{}
	}
}

// Snapshot returns a copy of the registry contents.
func (a *Auth) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s := Snapshot{
		Records:  make([]AuthRecord, 0, len(a.records)),
		Rejected: make([]string, 0, len(a.rejected)),
	}
	for _, r := range a.records {
		s.Records = append(s.Records, r.clone())
	}
	for id := range a.rejected {
		s.Rejected = append(s.Rejected, id)
	}
	sort.Slice(s.Records, func(i, j int) bool { return s.Records[i].UUID < s.Records[j].UUID })
	sort.Strings(s.Rejected)
	return s
}

// Lookup returns the record for uuid.
func (a *Auth) Lookup(uuid string) (AuthRecord, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	r, ok := a.records[uuid]
	if !ok {
		return AuthRecord{}, false
	}
	return r.clone(), true
}

// IsAccepted reports whether uuid has an accepted pairing.
func (a *Auth) IsAccepted(uuid string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, ok := a.records[uuid]
	return ok && r.Accepted
}

// IsRejected reports whether uuid is in rejection memory.
func (a *Auth) IsRejected(uuid string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.rejected[uuid]
	return ok
}

// ListAccepted returns accepted records ordered by uuid.
func (a *Auth) ListAccepted() []AuthRecord {
	a.mu.RLock()
	out := make([]AuthRecord, 0, len(a.records))
	for _, r := range a.records {
		if r.Accepted {
			out = append(out, r.clone())
		}
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

// Accept stores rec as the only record for its uuid and clears any
// rejection memory for it.
func (a *Auth) Accept(rec AuthRecord) {
	rec.Accepted = true
	if rec.PairedAt.IsZero() {
		rec.PairedAt = time.Now()
	}

	a.mu.Lock()
	a.records[rec.UUID] = rec.clone()
	delete(a.rejected, rec.UUID)
	a.mu.Unlock()

	a.save()
}

// Reject remembers uuid as rejected, replacing any record it had.
func (a *Auth) Reject(uuid, displayName string) {
	a.mu.Lock()
	a.records[uuid] = AuthRecord{UUID: uuid, DisplayName: displayName, Accepted: false, PairedAt: time.Now()}
	a.rejected[uuid] = struct{}{}
	a.mu.Unlock()

	a.save()
}

// Touch refreshes the last known address of an accepted peer. The shared
// secret is never touched. Returns false for unknown or rejected uuids.
func (a *Auth) Touch(uuid, ip string, port int) bool {
	a.mu.Lock()
	r, ok := a.records[uuid]
	if !ok || !r.Accepted {
		a.mu.Unlock()
		return false
	}
	changed := false
	if ip != "" && ip != r.LastIP {
		r.LastIP = ip
		changed = true
	}
	if port > 0 && port != r.LastPort {
		r.LastPort = port
		changed = true
	}
	if changed {
		a.records[uuid] = r
	}
	a.mu.Unlock()

	if changed {
		a.save()
	}
	return true
}

// Forget removes every trace of uuid. Returns false if nothing was stored.
func (a *Auth) Forget(uuid string) bool {
	a.mu.Lock()
	_, hadRecord := a.records[uuid]
	_, hadReject := a.rejected[uuid]
	delete(a.records, uuid)
	delete(a.rejected, uuid)
	a.mu.Unlock()

	if hadRecord || hadReject {
		a.save()
		return true
	}
	return false
}

// ClearRejection lifts rejection memory for uuid so it may prompt again.
func (a *Auth) ClearRejection(uuid string) bool {
	a.mu.Lock()
	_, ok := a.rejected[uuid]
	delete(a.rejected, uuid)
	if r, exists := a.records[uuid]; exists && !r.Accepted {
		delete(a.records, uuid)
		ok = true
	}
	a.mu.Unlock()

	if ok {
		a.save()
	}
	return ok
}

// save writes the latest snapshot. saveMu orders concurrent saves so the
// last write always reflects the newest state.
func (a *Auth) save() {
	if a.persist == nil {
		return
	}
	a.saveMu.Lock()
	defer a.saveMu.Unlock()

	if err := a.persist.Save(a.Snapshot()); err != nil {
		a.log.WithError(err).Warn("failed to persist auth registry, keeping in-memory state")
	}
}
