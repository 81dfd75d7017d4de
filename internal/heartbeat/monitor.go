// Package heartbeat keeps paired peers' liveness. Each tick every accepted
// peer gets a one-shot HEARTBEAT; receiving one refreshes the sender and
// triggers a reverse heartbeat if we never sent ours.
package heartbeat

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edgecli/peerlink/internal/identity"
	"github.com/edgecli/peerlink/internal/logging"
	"github.com/edgecli/peerlink/internal/registry"
	"github.com/edgecli/peerlink/internal/wire"
)

const (
	// DefaultInterval is how often accepted peers are pinged
	DefaultInterval = 10 * time.Second
	// DefaultThreshold is how long a peer stays online without traffic
	DefaultThreshold = 30 * time.Second
	// DefaultTimeout bounds one heartbeat send
	DefaultTimeout = 10 * time.Second
)

// Auth is the slice of the auth registry the monitor needs.
type Auth interface {
	registry.AuthLookup
	Touch(uuid, ip string, port int) bool
}

// Options configures a Monitor.
type Options struct {
	Identity   *identity.Identity
	Auth       Auth
	Dialer     wire.Dialer
	ListenPort int

	Interval       time.Duration
	Threshold      time.Duration
	ConnectTimeout time.Duration
	Timeout        time.Duration

	// Devices, when set, gets the address of every valid heartbeat.
	Devices interface {
		Upsert(p registry.PeerDescriptor) bool
	}

	// OnChange is called when a peer's derived online status flips.
	OnChange func(uuid string, online bool)
	Log      logrus.FieldLogger
}

// Status is the liveness view of one peer.
type Status struct {
	Online      bool
	Established bool
	LastSeen    time.Time
}

type presence struct {
	lastSeen    time.Time
	established bool // heard a heartbeat from them
	sent        bool // delivered ours at least once
	sending     bool // reverse heartbeat in flight
	online      bool // last status reported through OnChange
}

// Monitor tracks heartbeat presence of paired peers.
type Monitor struct {
	opts Options
	log  logrus.FieldLogger
	now  func() time.Time

	mu       sync.Mutex
	presence map[string]*presence
	stopped  bool
	wg       sync.WaitGroup
}

// New creates a monitor.
func New(opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	return &Monitor{
		opts:     opts,
		log:      logging.Component(opts.Log, "heartbeat"),
		now:      time.Now,
		presence: make(map[string]*presence),
	}
}

// Run beats every accepted peer each interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	m.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.stopped = true
			m.mu.Unlock()
			m.wg.Wait()
			return nil
		case <-ticker.C:
			m.beat(ctx)
			m.checkLiveness()
		}
	}
}

func (m *Monitor) beat(ctx context.Context) {
	for _, rec := range m.opts.Auth.ListAccepted() {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.send(ctx, rec)
		}()
	}
}

func (m *Monitor) send(ctx context.Context, rec registry.AuthRecord) {
	if rec.LastIP == "" || rec.LastPort == 0 {
		return
	}
	addr := net.JoinHostPort(rec.LastIP, strconv.Itoa(rec.LastPort))
	self := m.opts.Identity

	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	line := wire.FormatHeartbeat(self.UUID, self.KeyMaterial(), m.opts.ListenPort)
	if err := wire.Send(ctx, m.opts.Dialer, addr, line, m.opts.ConnectTimeout); err != nil {
		m.log.WithError(err).WithField("peer", logging.ShortID(rec.UUID)).Debug("heartbeat failed")
		return
	}

	m.mu.Lock()
	m.entry(rec.UUID).sent = true
	m.mu.Unlock()
}

// Handle processes an inbound HEARTBEAT line. Unknown peers are ignored:
// heartbeats never create authentication.
func (m *Monitor) Handle(ctx context.Context, conn net.Conn, line wire.Line) {
	rec, ok := m.opts.Auth.Lookup(line.UUID)
	if !ok || !rec.Accepted {
		m.log.WithField("peer", logging.ShortID(line.UUID)).Info("ignoring heartbeat from unpaired peer")
		return
	}
	// The uuid is public; only the stored key ties the line to the pairing.
	if line.KeyMaterial != rec.PeerKeyMaterial {
		m.log.WithField("peer", logging.ShortID(line.UUID)).Warn("ignoring heartbeat with mismatched key material")
		return
	}

	ip := wire.RemoteIP(conn)
	m.opts.Auth.Touch(line.UUID, ip, line.Port)
	if m.opts.Devices != nil && ip != "" {
		m.opts.Devices.Upsert(registry.PeerDescriptor{UUID: line.UUID, DisplayName: rec.DisplayName, IP: ip, Port: line.Port})
	}
	m.mark(line.UUID, true)

	m.mu.Lock()
	p := m.entry(line.UUID)
	reverse := !p.sent && !p.sending && !m.stopped
	if reverse {
		p.sending = true
		m.wg.Add(1)
	}
	m.mu.Unlock()

	if reverse {
		rec, _ = m.opts.Auth.Lookup(line.UUID)
		go m.sendReverse(ctx, rec)
	}
}

func (m *Monitor) sendReverse(ctx context.Context, rec registry.AuthRecord) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		m.entry(rec.UUID).sending = false
		m.mu.Unlock()
	}()

	m.log.WithField("peer", logging.ShortID(rec.UUID)).Debug("sending reverse heartbeat")
	m.send(ctx, rec)
}

// Touch records data received from uuid.
func (m *Monitor) Touch(uuid string) {
	m.mark(uuid, false)
}

func (m *Monitor) mark(uuid string, heartbeat bool) {
	m.mu.Lock()
	p := m.entry(uuid)
	p.lastSeen = m.now()
	if heartbeat {
		p.established = true
	}
	flipped := !p.online
	p.online = true
	m.mu.Unlock()

	if flipped && m.opts.OnChange != nil {
		m.opts.OnChange(uuid, true)
	}
}

// entry must be called with mu held.
func (m *Monitor) entry(uuid string) *presence {
	p, ok := m.presence[uuid]
	if !ok {
		p = &presence{}
		m.presence[uuid] = p
	}
	return p
}

// IsOnline reports whether uuid was heard from within the threshold.
func (m *Monitor) IsOnline(uuid string) bool {
	return m.Status(uuid).Online
}

// Status returns the liveness view of uuid.
func (m *Monitor) Status(uuid string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.presence[uuid]
	if !ok {
		return Status{}
	}
	return Status{
		Online:      !p.lastSeen.IsZero() && m.now().Sub(p.lastSeen) < m.opts.Threshold,
		Established: p.established,
		LastSeen:    p.lastSeen,
	}
}

// checkLiveness reports peers that went quiet through OnChange.
func (m *Monitor) checkLiveness() {
	var offline []string

	m.mu.Lock()
	now := m.now()
	for id, p := range m.presence {
		if p.online && now.Sub(p.lastSeen) >= m.opts.Threshold {
			p.online = false
			offline = append(offline, id)
		}
	}
	m.mu.Unlock()

	for _, id := range offline {
		m.log.WithField("peer", logging.ShortID(id)).Info("peer went offline")
		if m.opts.OnChange != nil {
			m.opts.OnChange(id, false)
		}
	}
}

// Forget drops presence for uuid.
func (m *Monitor) Forget(uuid string) {
	m.mu.Lock()
	delete(m.presence, uuid)
	m.mu.Unlock()
}
