// Package registry provides the mutex-guarded maps shared by peerlink
// components: the device registry of discovered peers and the auth
// registry of pairings and rejections.
package registry

import (
	"net"
	"sort"
	"strconv"
	"sync"
	"time"
)

// PeerDescriptor is what is known about a peer from network traffic.
type PeerDescriptor struct {
	UUID        string
	DisplayName string
	IP          string
	Port        int
	LastSeen    time.Time
}

// Addr returns host:port for dialing the peer.
func (p PeerDescriptor) Addr() string {
	return net.JoinHostPort(p.IP, strconv.Itoa(p.Port))
}

// Devices tracks discovered peers by uuid with a reverse ip index.
type Devices struct {
	peers map[string]*PeerDescriptor
	byIP  map[string]string
	mu    sync.RWMutex
	now   func() time.Time
}

// NewDevices creates an empty device registry
func NewDevices() *Devices {
	return &Devices{
		peers: make(map[string]*PeerDescriptor),
		byIP:  make(map[string]string),
		now:   time.Now,
	}
}

// Upsert merges p into the registry, non-empty fields winning. An IP bound
// to a different uuid is rebound to p.UUID and the old entry at that
// address is dropped. Returns true if the uuid was not known before.
func (d *Devices) Upsert(p PeerDescriptor) bool {
	if p.UUID == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if p.LastSeen.IsZero() {
		p.LastSeen = d.now()
	}

	if p.IP != "" {
		if prev, ok := d.byIP[p.IP]; ok && prev != p.UUID {
			if old, ok := d.peers[prev]; ok && old.IP == p.IP {
				delete(d.peers, prev)
			}
		}
		d.byIP[p.IP] = p.UUID
	}

	entry, exists := d.peers[p.UUID]
	if !exists {
		cp := p
		d.peers[p.UUID] = &cp
		return true
	}

	if p.DisplayName != "" {
		entry.DisplayName = p.DisplayName
	}
	if p.IP != "" {
		entry.IP = p.IP
	}
	if p.Port != 0 {
		entry.Port = p.Port
	}
	if p.LastSeen.After(entry.LastSeen) {
		entry.LastSeen = p.LastSeen
	}
	return false
}

// Get returns a peer by uuid
func (d *Devices) Get(uuid string) (PeerDescriptor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entry, ok := d.peers[uuid]
	if !ok {
		return PeerDescriptor{}, false
	}
	return *entry, true
}

// LookupIP returns the uuid currently bound to ip.
func (d *Devices) LookupIP(ip string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	uuid, ok := d.byIP[ip]
	if !ok {
		return "", false
	}
	if _, live := d.peers[uuid]; !live {
		return "", false
	}
	return uuid, true
}

// List returns all peers ordered by display name then uuid.
func (d *Devices) List() []PeerDescriptor {
	d.mu.RLock()
	out := make([]PeerDescriptor, 0, len(d.peers))
	for _, entry := range d.peers {
		out = append(out, *entry)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].UUID < out[j].UUID
	})
	return out
}

// Remove deletes a peer and its ip bindings.
func (d *Devices) Remove(uuid string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeLocked(uuid)
}

func (d *Devices) removeLocked(uuid string) {
	delete(d.peers, uuid)
	for ip, owner := range d.byIP {
		if owner == uuid {
			delete(d.byIP, ip)
		}
	}
}

// PurgeStale removes peers not seen within maxAge and returns their uuids.
func (d *Devices) PurgeStale(maxAge time.Duration) []string {
	threshold := d.now().Add(-maxAge)

	d.mu.Lock()
	defer d.mu.Unlock()

	var removed []string
	for uuid, entry := range d.peers {
		if entry.LastSeen.Before(threshold) {
			d.removeLocked(uuid)
			removed = append(removed, uuid)
		}
	}
	sort.Strings(removed)
	return removed
}

// Count returns the number of known peers
func (d *Devices) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}
