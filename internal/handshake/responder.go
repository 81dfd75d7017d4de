package handshake

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/edgecli/peerlink/internal/identity"
	"github.com/edgecli/peerlink/internal/logging"
	"github.com/edgecli/peerlink/internal/registry"
	"github.com/edgecli/peerlink/internal/secure"
	"github.com/edgecli/peerlink/internal/wire"
)

// ResponderOptions configures a Responder.
type ResponderOptions struct {
	Identity *identity.Identity
	Auth     Registry
	Devices  Devices // optional
	Decider  Decider // nil rejects every unknown peer

	DecisionTimeout time.Duration
	IOTimeout       time.Duration

	// PromptRate and PromptBurst limit prompts per source IP. Zero uses
	// one prompt every 5s with a burst of 3.
	PromptRate  rate.Limit
	PromptBurst int

	// OnAccepted runs after a new pairing is stored.
	OnAccepted func(rec registry.AuthRecord)

	Log logrus.FieldLogger
}

// Responder answers inbound HANDSHAKE lines.
type Responder struct {
	opts ResponderOptions
	log  logrus.FieldLogger

	mu       sync.Mutex
	pending  map[string]struct{}
	limiters map[string]*rate.Limiter
}

// NewResponder creates a responder.
func NewResponder(opts ResponderOptions) *Responder {
	if opts.DecisionTimeout <= 0 {
		opts.DecisionTimeout = DefaultDecisionTimeout
	}
	if opts.IOTimeout <= 0 {
		opts.IOTimeout = DefaultIOTimeout
	}
	if opts.PromptRate == 0 {
		opts.PromptRate = rate.Every(5 * time.Second)
	}
	if opts.PromptBurst <= 0 {
		opts.PromptBurst = 3
	}
	return &Responder{
		opts:     opts,
		log:      logging.Component(opts.Log, "handshake"),
		pending:  make(map[string]struct{}),
		limiters: make(map[string]*rate.Limiter),
	}
}

// state reports the pairing state of uuid.
func (r *Responder) state(uuid string) State {
	r.mu.Lock()
	_, pending := r.pending[uuid]
	r.mu.Unlock()

	switch rec, ok := r.opts.Auth.Lookup(uuid); {
	case ok && rec.Accepted:
		return StateAccepted
	case r.opts.Auth.IsRejected(uuid):
		return StateRejected
	case pending:
		return StatePending
	default:
		return StateUnknown
	}
}

// Handle answers one HANDSHAKE line on conn. It may block until the
// decider resolves. The caller closes conn.
func (r *Responder) Handle(ctx context.Context, conn net.Conn, line wire.Line) {
	ip := wire.RemoteIP(conn)
	reply := r.respond(ctx, line, ip)

	conn.SetWriteDeadline(time.Now().Add(r.opts.IOTimeout))
	if err := wire.WriteLine(conn, reply); err != nil {
		r.log.WithError(err).WithField("peer", logging.ShortID(line.UUID)).Debug("failed to write handshake reply")
	}
}

func (r *Responder) respond(ctx context.Context, line wire.Line, ip string) string {
	self := r.opts.Identity
	accept := wire.FormatAccept(self.UUID, self.KeyMaterial())
	reject := wire.FormatReject(self.UUID)
	log := r.log.WithFields(logrus.Fields{"peer": logging.ShortID(line.UUID), "ip": ip})

	if line.UUID == self.UUID {
		log.Debug("rejecting handshake from own uuid")
		return reject
	}

	if rec, ok := r.opts.Auth.Lookup(line.UUID); ok && rec.Accepted {
		// Known pairing: refresh the address, keep the secret.
		r.opts.Auth.Touch(line.UUID, ip, line.Port)
		recordPeer(r.opts.Devices, log, registry.PeerDescriptor{UUID: line.UUID, IP: ip, Port: line.Port})
		if rec.PeerKeyMaterial != line.KeyMaterial {
			log.Warn("re-handshake with different key material, keeping existing secret")
		}
		log.Debug("auto-accepting paired peer")
		return accept
	}

	if r.opts.Auth.IsRejected(line.UUID) {
		log.Debug("dropping handshake from rejected peer")
		return reject
	}

	if r.opts.Decider == nil {
		log.Info("no pairing prompt available, rejecting")
		return reject
	}

	if _, err := secure.ParseKeyMaterial(line.KeyMaterial); err != nil {
		log.WithError(err).Debug("rejecting handshake with bad key material")
		return reject
	}

	if !r.allow(ip) {
		log.Warn("too many pairing attempts from address, rejecting without prompt")
		return reject
	}

	if !r.begin(line.UUID) {
		log.Debug("pairing already pending for peer")
		return reject
	}
	defer r.end(line.UUID)

	req := Request{UUID: line.UUID, KeyMaterial: line.KeyMaterial, RemoteIP: ip, Port: line.Port}
	if r.opts.Devices != nil {
		if p, ok := r.opts.Devices.Get(line.UUID); ok {
			req.DisplayName = p.DisplayName
			if req.Port == 0 {
				req.Port = p.Port
			}
		}
	}

	dctx, cancel := context.WithTimeout(ctx, r.opts.DecisionTimeout)
	defer cancel()

	var decision Decision
	select {
	case d, ok := <-r.opts.Decider.RequestDecision(dctx, req):
		if !ok {
			log.Info("pairing prompt closed without decision, rejecting")
			return reject
		}
		decision = d
	case <-dctx.Done():
		// Not remembered: the user never saw or answered the prompt.
		log.Info("pairing decision timed out, rejecting")
		return reject
	}

	if decision != Accept {
		r.opts.Auth.Reject(req.UUID, req.DisplayName)
		log.Info("pairing rejected")
		return reject
	}

	secret, err := secure.DeriveSharedSecret(self.Keys, req.KeyMaterial)
	if err != nil {
		log.WithError(err).Warn("failed to derive shared secret")
		return reject
	}
	rec := registry.AuthRecord{
		UUID:            req.UUID,
		PeerKeyMaterial: req.KeyMaterial,
		SharedSecret:    secret,
		DisplayName:     req.DisplayName,
		LastIP:          ip,
		LastPort:        req.Port,
	}
	r.opts.Auth.Accept(rec)
	recordPeer(r.opts.Devices, log, registry.PeerDescriptor{UUID: req.UUID, DisplayName: req.DisplayName, IP: ip, Port: req.Port})
	log.Info("pairing accepted")
	if r.opts.OnAccepted != nil {
		if stored, ok := r.opts.Auth.Lookup(req.UUID); ok {
			rec = stored
		}
		r.opts.OnAccepted(rec)
	}
	return accept
}

func (r *Responder) allow(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.limiters[ip]
	if !ok {
		l = rate.NewLimiter(r.opts.PromptRate, r.opts.PromptBurst)
		r.limiters[ip] = l
	}
	return l.Allow()
}

func (r *Responder) begin(uuid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[uuid]; ok {
		return false
	}
	r.pending[uuid] = struct{}{}
	return true
}

func (r *Responder) end(uuid string) {
	r.mu.Lock()
	delete(r.pending, uuid)
	r.mu.Unlock()
}
