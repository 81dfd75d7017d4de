// Package discovery announces this node over UDP broadcast and keeps the
// device registry of unauthenticated peers it hears from. Paired peers are
// tracked by heartbeat instead, and may answer encrypted manual discovery
// lines sent to configured seed addresses.
package discovery

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edgecli/peerlink/internal/identity"
	"github.com/edgecli/peerlink/internal/logging"
	"github.com/edgecli/peerlink/internal/registry"
	"github.com/edgecli/peerlink/internal/wire"
)

const (
	// DefaultPort is the default UDP port for discovery broadcasts
	DefaultPort = 23333
	// BroadcastInterval is how often to broadcast presence
	BroadcastInterval = 5 * time.Second
	// StaleTimeout is how long before a device is considered stale
	StaleTimeout = 30 * time.Second
	// CleanupInterval is how often to check for stale devices
	CleanupInterval = 10 * time.Second
	// MaxPacketSize is the largest datagram read from the socket
	MaxPacketSize = 2048
)

// Callback is notified about unauthenticated peers appearing or going stale.
type Callback interface {
	OnPeerDiscovered(peer registry.PeerDescriptor)
	OnPeerStale(uuid string)
}

// Auth is the slice of the auth registry discovery needs.
type Auth interface {
	registry.AuthLookup
	Touch(uuid, ip string, port int) bool
}

// Config controls the discovery service.
type Config struct {
	// Port is the UDP port to bind and broadcast to.
	Port int
	// ListenPort is the TCP port advertised in DISCOVER packets.
	ListenPort int
	// Broadcast disables outbound DISCOVER packets when false (stealth).
	Broadcast         bool
	BroadcastAddr     string // defaults to 255.255.255.255:<Port>
	BroadcastInterval time.Duration
	StaleTimeout      time.Duration
	CleanupInterval   time.Duration
	// SeedPeers receive encrypted manual discovery lines every interval.
	SeedPeers []string
}

func (c *Config) setDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.BroadcastInterval <= 0 {
		c.BroadcastInterval = BroadcastInterval
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = StaleTimeout
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = CleanupInterval
	}
}

// Service handles UDP broadcast discovery
type Service struct {
	cfg      Config
	self     *identity.Identity
	devices  *registry.Devices
	auth     Auth
	callback Callback
	log      logrus.FieldLogger

	// OnManual is called after a manual discovery line from a paired peer
	// was verified.
	OnManual func(uuid string)

	conn      *net.UDPConn
	broadcast *net.UDPAddr
	seeds     []*net.UDPAddr

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewService creates a new discovery service. callback may be nil.
func NewService(cfg Config, self *identity.Identity, devices *registry.Devices, auth Auth, callback Callback, log logrus.FieldLogger) *Service {
	cfg.setDefaults()
	return &Service{
		cfg:      cfg,
		self:     self,
		devices:  devices,
		auth:     auth,
		callback: callback,
		log:      logging.Component(log, "discovery"),
		stop:     make(chan struct{}),
	}
}

// Start binds the socket and starts the listen, announce and cleanup loops.
func (s *Service) Start() error {
	for _, addr := range s.cfg.SeedPeers {
		if !strings.Contains(addr, ":") {
			addr = net.JoinHostPort(addr, fmt.Sprint(s.cfg.Port))
		}
		udpAddr, err := net.ResolveUDPAddr("udp4", addr)
		if err != nil {
			return fmt.Errorf("invalid seed peer address %s: %w", addr, err)
		}
		s.seeds = append(s.seeds, udpAddr)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: s.cfg.Port})
	if err != nil {
		return fmt.Errorf("failed to bind UDP port %d: %w", s.cfg.Port, err)
	}
	s.conn = conn

	bcast := s.cfg.BroadcastAddr
	if bcast == "" {
		bcast = net.JoinHostPort(net.IPv4bcast.String(), fmt.Sprint(s.cfg.Port))
	}
	if s.broadcast, err = net.ResolveUDPAddr("udp4", bcast); err != nil {
		conn.Close()
		return fmt.Errorf("invalid broadcast address %s: %w", bcast, err)
	}

	if err := conn.SetReadBuffer(MaxPacketSize * 16); err != nil {
		s.log.WithError(err).Debug("failed to set read buffer")
	}

	s.wg.Add(3)
	go s.listenLoop()
	go s.announceLoop()
	go s.cleanupLoop()

	s.log.WithFields(logrus.Fields{
		"port":    s.LocalPort(),
		"stealth": !s.cfg.Broadcast,
		"seeds":   len(s.seeds),
	}).Info("discovery service started")
	return nil
}

// Stop gracefully shuts down the service
func (s *Service) Stop() {
	s.once.Do(func() {
		close(s.stop)
		if s.conn != nil {
			s.conn.Close()
		}
	})
	s.wg.Wait()
	s.log.Info("discovery service stopped")
}

// LocalPort returns the bound UDP port, or the configured one before Start.
func (s *Service) LocalPort() int {
	if s.conn != nil {
		return s.conn.LocalAddr().(*net.UDPAddr).Port
	}
	return s.cfg.Port
}

func (s *Service) stopping() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Service) listenLoop() {
	defer s.wg.Done()

	buf := make([]byte, MaxPacketSize)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if s.stopping() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.WithError(err).Warn("read error")
			continue
		}
		s.handlePacket(string(buf[:n]), addr.IP.String())
	}
}

// handlePacket processes one datagram from ip.
func (s *Service) handlePacket(raw, ip string) {
	line, err := wire.Parse(strings.TrimSpace(raw))
	if err != nil {
		s.log.WithError(err).WithField("from", ip).Debug("invalid packet")
		return
	}

	switch line.Kind {
	case wire.KindDiscover:
		if line.UUID == s.self.UUID {
			return
		}
		if rec, ok := s.auth.Lookup(line.UUID); ok && rec.Accepted {
			return
		}
		peer := registry.PeerDescriptor{
			UUID:        line.UUID,
			DisplayName: line.DisplayName,
			IP:          ip,
			Port:        line.Port,
		}
		if s.devices.Upsert(peer) {
			s.log.WithFields(logrus.Fields{
				"peer": logging.ShortID(line.UUID),
				"name": line.DisplayName,
				"addr": peer.Addr(),
			}).Info("found new device")
		}
		if s.callback != nil {
			if p, ok := s.devices.Get(line.UUID); ok {
				s.callback.OnPeerDiscovered(p)
			}
		}

	case wire.KindUnknown:
		s.HandleManual(line.Raw, ip)

	default:
		s.log.WithField("kind", line.Kind).Debug("ignoring non-discovery packet")
	}
}

func (s *Service) announceLoop() {
	defer s.wg.Done()

	s.announce()

	ticker := time.NewTicker(s.cfg.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.announce()
		}
	}
}

// announce broadcasts DISCOVER unless in stealth mode and sends manual
// discovery lines to every seed peer.
func (s *Service) announce() {
	if s.cfg.Broadcast {
		msg := wire.FormatDiscover(s.self.UUID, s.self.DisplayName, s.cfg.ListenPort)
		if _, err := s.conn.WriteToUDP([]byte(msg), s.broadcast); err != nil && !s.stopping() {
			// Broadcast failures are common on some networks.
			s.log.WithError(err).Debug("broadcast failed")
		}
	}

	if len(s.seeds) == 0 {
		return
	}
	for _, rec := range s.auth.ListAccepted() {
		sealed, err := SealManual(rec.SharedSecret, ManualAnnounce{
			UUID:        s.self.UUID,
			DisplayName: s.self.DisplayName,
			Port:        s.cfg.ListenPort,
		})
		if err != nil {
			s.log.WithError(err).Warn("failed to seal manual discovery line")
			continue
		}
		for _, seed := range s.seeds {
			if _, err := s.conn.WriteToUDP([]byte(sealed), seed); err != nil && !s.stopping() {
				s.log.WithError(err).WithField("seed", seed.String()).Debug("send to seed peer failed")
			}
		}
	}
}

func (s *Service) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.purgeStale()
		}
	}
}

func (s *Service) purgeStale() {
	for _, id := range s.devices.PurgeStale(s.cfg.StaleTimeout) {
		s.log.WithField("peer", logging.ShortID(id)).Infof("device marked stale (no broadcast for %v)", s.cfg.StaleTimeout)
		if s.callback != nil {
			s.callback.OnPeerStale(id)
		}
	}
}
