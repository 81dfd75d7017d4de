package handshake

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edgecli/peerlink/internal/identity"
	"github.com/edgecli/peerlink/internal/logging"
	"github.com/edgecli/peerlink/internal/registry"
	"github.com/edgecli/peerlink/internal/secure"
	"github.com/edgecli/peerlink/internal/wire"
)

// InitiatorOptions configures an Initiator.
type InitiatorOptions struct {
	Identity   *identity.Identity
	Auth       Registry
	Devices    Devices     // optional, fills display names
	Dialer     wire.Dialer // nil uses net.Dialer
	ListenPort int         // advertised so the responder can dial back

	DecisionTimeout time.Duration
	IOTimeout       time.Duration

	OnAccepted func(rec registry.AuthRecord)
	Log        logrus.FieldLogger
}

// Initiator starts pairings with remote peers.
type Initiator struct {
	opts InitiatorOptions
	log  logrus.FieldLogger
}

// NewInitiator creates an initiator.
func NewInitiator(opts InitiatorOptions) *Initiator {
	if opts.DecisionTimeout <= 0 {
		opts.DecisionTimeout = DefaultDecisionTimeout
	}
	if opts.IOTimeout <= 0 {
		opts.IOTimeout = DefaultIOTimeout
	}
	return &Initiator{opts: opts, log: logging.Component(opts.Log, "handshake")}
}

// Pair sends HANDSHAKE to host:port and waits for the remote user's
// decision. On ACCEPT the pairing is stored; an existing pairing keeps its
// secret and only has its address refreshed.
func (i *Initiator) Pair(ctx context.Context, host string, port int) (registry.AuthRecord, error) {
	self := i.opts.Identity
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	// The responder may hold the socket open for the whole prompt.
	ctx, cancel := context.WithTimeout(ctx, i.opts.DecisionTimeout+i.opts.IOTimeout)
	defer cancel()

	i.log.WithField("addr", addr).Info("sending pairing request")
	reply, err := wire.Exchange(ctx, i.opts.Dialer, addr,
		wire.FormatHandshake(self.UUID, self.KeyMaterial(), i.opts.ListenPort), i.opts.IOTimeout)
	if err != nil {
		return registry.AuthRecord{}, fmt.Errorf("handshake with %s: %w", addr, err)
	}

	line, err := wire.Parse(reply)
	if err != nil {
		return registry.AuthRecord{}, fmt.Errorf("%w: %v", ErrBadReply, err)
	}

	switch line.Kind {
	case wire.KindReject:
		i.log.WithField("addr", addr).Info("pairing rejected by peer")
		return registry.AuthRecord{}, ErrRejected
	case wire.KindAccept:
	default:
		return registry.AuthRecord{}, fmt.Errorf("%w: %s", ErrBadReply, line.Kind)
	}

	if line.UUID == self.UUID {
		return registry.AuthRecord{}, fmt.Errorf("%w: peer answered with our own uuid", ErrBadReply)
	}

	log := i.log.WithField("peer", logging.ShortID(line.UUID))
	if rec, ok := i.opts.Auth.Lookup(line.UUID); ok && rec.Accepted {
		i.opts.Auth.Touch(line.UUID, host, port)
		recordPeer(i.opts.Devices, log, registry.PeerDescriptor{UUID: line.UUID, IP: host, Port: port})
		rec, _ = i.opts.Auth.Lookup(line.UUID)
		return rec, nil
	}

	secret, err := secure.DeriveSharedSecret(self.Keys, line.KeyMaterial)
	if err != nil {
		return registry.AuthRecord{}, fmt.Errorf("derive shared secret: %w", err)
	}
	rec := registry.AuthRecord{
		UUID:            line.UUID,
		PeerKeyMaterial: line.KeyMaterial,
		SharedSecret:    secret,
		LastIP:          host,
		LastPort:        port,
	}
	if i.opts.Devices != nil {
		if p, ok := i.opts.Devices.Get(line.UUID); ok {
			rec.DisplayName = p.DisplayName
		}
	}
	i.opts.Auth.Accept(rec)
	if stored, ok := i.opts.Auth.Lookup(line.UUID); ok {
		rec = stored
	}
	recordPeer(i.opts.Devices, log, registry.PeerDescriptor{UUID: rec.UUID, DisplayName: rec.DisplayName, IP: host, Port: port})

	log.Info("paired")
	if i.opts.OnAccepted != nil {
		i.opts.OnAccepted(rec)
	}
	return rec, nil
}
