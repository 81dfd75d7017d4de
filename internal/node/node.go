// Package node wires identity, storage, discovery, pairing, heartbeat,
// routing, sending and sync into one running peer.
package node

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/edgecli/peerlink/internal/config"
	"github.com/edgecli/peerlink/internal/discovery"
	"github.com/edgecli/peerlink/internal/handshake"
	"github.com/edgecli/peerlink/internal/heartbeat"
	"github.com/edgecli/peerlink/internal/identity"
	"github.com/edgecli/peerlink/internal/logging"
	"github.com/edgecli/peerlink/internal/payload"
	"github.com/edgecli/peerlink/internal/registry"
	"github.com/edgecli/peerlink/internal/router"
	"github.com/edgecli/peerlink/internal/sendq"
	"github.com/edgecli/peerlink/internal/store"
	"github.com/edgecli/peerlink/internal/syncstate"
	"github.com/edgecli/peerlink/internal/wire"
)

// Consumer receives everything the node decodes from its peers.
type Consumer interface {
	OnNotification(from registry.AuthRecord, n payload.Notification)
	OnIconResponse(from registry.AuthRecord, r payload.IconResponse)
	OnAppListResponse(from registry.AuthRecord, r payload.AppListResponse)
	// OnSyncEvent gets merged sync state; from is the peer uuid.
	OnSyncEvent(from string, ev syncstate.Event)
	OnPeerStatus(uuid string, online bool)
	OnPeerDiscovered(p registry.PeerDescriptor)
}

// NopConsumer drops every event.
type NopConsumer struct{}

func (NopConsumer) OnNotification(registry.AuthRecord, payload.Notification)       {}
func (NopConsumer) OnIconResponse(registry.AuthRecord, payload.IconResponse)       {}
func (NopConsumer) OnAppListResponse(registry.AuthRecord, payload.AppListResponse) {}
func (NopConsumer) OnSyncEvent(string, syncstate.Event)                            {}
func (NopConsumer) OnPeerStatus(string, bool)                                      {}
func (NopConsumer) OnPeerDiscovered(registry.PeerDescriptor)                       {}

// IconProvider answers icon requests. ok is false for unknown packages.
type IconProvider interface {
	Icon(packageName string) (iconData string, ok bool)
}

// AppListProvider answers app list requests.
type AppListProvider interface {
	Apps(scope string) []payload.AppInfo
}

// Options configures a Node. Only Config is required at the zero value of
// everything else, in which case state lives under Paths.
type Options struct {
	Config *config.Config
	Paths  *config.Paths

	// Identity and Store override the ones derived from Paths.
	Identity *identity.Identity
	Store    store.Store

	Decider  handshake.Decider
	Consumer Consumer
	Icons    IconProvider
	Apps     AppListProvider
	Dialer   wire.Dialer

	// DisableDiscovery skips the UDP service entirely. Manual discovery
	// lines arriving over TCP are still honored.
	DisableDiscovery bool

	Log logrus.FieldLogger
}

// Node is one running peer.
type Node struct {
	cfg      *config.Config
	self     *identity.Identity
	store    store.Store
	consumer Consumer
	icons    IconProvider
	apps     AppListProvider
	log      logrus.FieldLogger

	auth      *registry.Auth
	devices   *registry.Devices
	responder *handshake.Responder
	initiator *handshake.Initiator
	monitor   *heartbeat.Monitor
	router    *router.Router
	pipeline  *sendq.Pipeline
	discovery *discovery.Service
	syncs     *syncstate.Store
	producer  *syncstate.Producer

	ln           net.Listener
	runDiscovery bool
	closeOnce    sync.Once
}

// New builds a node and binds its TCP listener. The listener is released
// by Run or Close.
func New(opts Options) (*Node, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	log := logging.Component(opts.Log, "node")

	paths := opts.Paths
	if paths == nil && (opts.Identity == nil || opts.Store == nil) {
		p, err := config.GetPaths()
		if err != nil {
			return nil, err
		}
		paths = p
	}
	if paths != nil {
		if err := paths.EnsureDirectories(); err != nil {
			return nil, err
		}
	}

	self := opts.Identity
	if self == nil {
		id, err := identity.LoadOrCreate(paths.IdentityFile, cfg.DisplayName)
		if err != nil {
			return nil, fmt.Errorf("failed to load identity: %w", err)
		}
		self = id
	}

	st := opts.Store
	if st == nil {
		s, err := OpenStore(cfg.StoreBackend, paths)
		if err != nil {
			return nil, err
		}
		st = s
	}
	snap, err := st.Load()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to load pairings: %w", err)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(cfg.TCPPort)))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to listen on tcp port %d: %w", cfg.TCPPort, err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	n := &Node{
		cfg:          cfg,
		self:         self,
		store:        st,
		consumer:     opts.Consumer,
		icons:        opts.Icons,
		apps:         opts.Apps,
		log:          log,
		ln:           ln,
		runDiscovery: !opts.DisableDiscovery,
	}
	if n.consumer == nil {
		n.consumer = NopConsumer{}
	}

	n.auth = registry.NewAuth(st, opts.Log)
	n.auth.Restore(snap)
	n.devices = registry.NewDevices()

	n.responder = handshake.NewResponder(handshake.ResponderOptions{
		Identity:        self,
		Auth:            n.auth,
		Devices:         n.devices,
		Decider:         opts.Decider,
		DecisionTimeout: cfg.DecisionTimeout.D(),
		OnAccepted:      n.onPaired,
		Log:             opts.Log,
	})
	n.initiator = handshake.NewInitiator(handshake.InitiatorOptions{
		Identity:        self,
		Auth:            n.auth,
		Devices:         n.devices,
		Dialer:          opts.Dialer,
		ListenPort:      port,
		DecisionTimeout: cfg.DecisionTimeout.D(),
		OnAccepted:      n.onPaired,
		Log:             opts.Log,
	})
	n.monitor = heartbeat.New(heartbeat.Options{
		Identity:   self,
		Auth:       n.auth,
		Dialer:     opts.Dialer,
		ListenPort: port,
		Interval:   cfg.HeartbeatInterval.D(),
		Threshold:  cfg.LivenessThreshold.D(),
		Devices:    n.devices,
		OnChange:   n.consumer.OnPeerStatus,
		Log:        opts.Log,
	})
	n.pipeline = sendq.New(sendq.Options{
		Identity:    self,
		Auth:        n.auth,
		Dialer:      opts.Dialer,
		Concurrency: int64(cfg.SendConcurrency),
		Attempts:    uint64(cfg.SendAttempts),
		DefaultPort: cfg.TCPPort,
		Log:         opts.Log,
	})
	n.discovery = discovery.NewService(discovery.Config{
		Port:              cfg.DiscoveryPort,
		ListenPort:        port,
		Broadcast:         cfg.DiscoveryEnabled,
		BroadcastInterval: cfg.BroadcastInterval.D(),
		SeedPeers:         cfg.SeedPeers,
	}, self, n.devices, n.auth, n, opts.Log)
	n.discovery.OnManual = n.monitor.Touch

	n.router = router.New(router.Options{
		Self:      self.UUID,
		Auth:      n.auth,
		Handshake: n.responder,
		Heartbeat: n.monitor,
		Fallback:  n.discovery,
		OnData:    func(uuid, _ string) { n.monitor.Touch(uuid) },
		Log:       opts.Log,
	})
	n.registerHandlers()

	n.syncs = syncstate.NewStore(cfg.SyncTimeout.D(), opts.Log)
	n.producer = syncstate.NewProducer(n.broadcastSync, cfg.SyncResendInterval.D())

	return n, nil
}

// OpenStore opens the pairing store named by backend under paths.
func OpenStore(backend string, paths *config.Paths) (store.Store, error) {
	switch backend {
	case config.BackendBadger:
		s, err := store.OpenBadger(paths.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger store: %w", err)
		}
		return s, nil
	case config.BackendFile, "":
		return store.NewFileStore(paths.AuthFile), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// Run serves the node until ctx is done. It returns the first component
// failure, if any, and always releases the listener and store.
func (n *Node) Run(ctx context.Context) error {
	defer n.Close()

	if n.runDiscovery {
		if err := n.discovery.Start(); err != nil {
			return fmt.Errorf("failed to start discovery: %w", err)
		}
		defer n.discovery.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.router.Serve(gctx, n.ln) })
	g.Go(func() error { return n.monitor.Run(gctx) })
	g.Go(func() error { return n.pipeline.Run(gctx) })
	g.Go(func() error { return n.producer.Run(gctx) })
	g.Go(func() error {
		return n.syncs.Run(gctx, func(ev syncstate.Event) {
			n.consumer.OnSyncEvent(peerOf(ev.SourceID), ev)
		})
	})

	n.log.WithFields(logrus.Fields{
		"uuid": logging.ShortID(n.self.UUID),
		"port": n.Port(),
	}).Info("node started")

	err := g.Wait()
	n.log.Info("node stopped")
	return err
}

// Close releases the listener and store. It is safe to call more than once.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.ln.Close()
		err = n.store.Close()
	})
	return err
}

// Identity returns the local identity.
func (n *Node) Identity() *identity.Identity { return n.self }

// Port returns the bound TCP port.
func (n *Node) Port() int { return n.ln.Addr().(*net.TCPAddr).Port }

// OnPeerDiscovered implements discovery.Callback.
func (n *Node) OnPeerDiscovered(p registry.PeerDescriptor) {
	n.consumer.OnPeerDiscovered(p)
}

// OnPeerStale implements discovery.Callback.
func (n *Node) OnPeerStale(uuid string) {
	n.log.WithField("peer", logging.ShortID(uuid)).Debug("discovered peer went stale")
}

func (n *Node) onPaired(rec registry.AuthRecord) {
	n.log.WithFields(logrus.Fields{
		"peer": logging.ShortID(rec.UUID),
		"name": rec.DisplayName,
	}).Info("paired")
	n.monitor.Touch(rec.UUID)
}
