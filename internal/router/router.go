// Package router owns the TCP accept loop. Each connection carries one
// line which is dispatched by prefix and then closed.
package router

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edgecli/peerlink/internal/logging"
	"github.com/edgecli/peerlink/internal/registry"
	"github.com/edgecli/peerlink/internal/secure"
	"github.com/edgecli/peerlink/internal/wire"
)

// DefaultReadTimeout bounds reading the request line.
const DefaultReadTimeout = 15 * time.Second

// ConnHandler answers a line on an open connection (handshake, heartbeat).
type ConnHandler interface {
	Handle(ctx context.Context, conn net.Conn, line wire.Line)
}

// Message is a decrypted DATA_* payload from an accepted peer.
type Message struct {
	Header   string
	From     registry.AuthRecord
	RemoteIP string
	Data     []byte
}

// Handler consumes one DATA_* channel.
type Handler func(ctx context.Context, msg Message)

// Fallback gets lines no prefix matched, e.g. manual discovery.
type Fallback interface {
	HandleManual(raw, ip string) bool
}

// Options configures a Router.
type Options struct {
	// Self is the local uuid, sent back in REJECT replies.
	Self      string
	Auth      registry.AuthLookup
	Handshake ConnHandler
	Heartbeat ConnHandler
	Fallback  Fallback // optional
	// OnData is called for every authenticated DATA_* line.
	OnData      func(uuid, ip string)
	ReadTimeout time.Duration
	Log         logrus.FieldLogger
}

// Router dispatches inbound lines.
type Router struct {
	opts Options
	log  logrus.FieldLogger

	mu       sync.RWMutex
	handlers map[string]Handler
	wg       sync.WaitGroup
}

// New creates a router.
func New(opts Options) *Router {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	return &Router{
		opts:     opts,
		log:      logging.Component(opts.Log, "router"),
		handlers: make(map[string]Handler),
	}
}

// Register routes DATA lines whose header is exactly header to h.
func (r *Router) Register(header string, h Handler) {
	r.mu.Lock()
	r.handlers[header] = h
	r.mu.Unlock()
}

// Serve accepts connections until ctx is done or ln fails. It closes ln
// and waits for in-flight connections before returning.
func (r *Router) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	r.log.WithField("addr", ln.Addr().String()).Info("listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			r.wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.HandleConn(ctx, conn)
		}()
	}
}

// HandleConn reads one line from conn, dispatches it and closes conn.
func (r *Router) HandleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	ip := wire.RemoteIP(conn)
	defer func() {
		if p := recover(); p != nil {
			r.log.WithField("ip", ip).Errorf("panic while handling connection: %v", p)
		}
	}()

	conn.SetReadDeadline(time.Now().Add(r.opts.ReadTimeout))
	raw, err := wire.ReadLine(conn)
	if err != nil {
		r.log.WithError(err).WithField("ip", ip).Debug("failed to read line")
		return
	}
	// Nothing more is read; the handshake may hold conn open for a prompt.
	conn.SetReadDeadline(time.Time{})

	line, err := wire.Parse(raw)
	if err != nil {
		r.log.WithError(err).WithField("ip", ip).Debug("malformed line")
		if strings.HasPrefix(raw, wire.PrefixHandshake+":") {
			r.rejectMalformed(conn)
		}
		return
	}

	switch line.Kind {
	case wire.KindHandshake:
		if r.opts.Handshake != nil {
			r.opts.Handshake.Handle(ctx, conn, line)
		}
	case wire.KindHeartbeat:
		if r.opts.Heartbeat != nil {
			r.opts.Heartbeat.Handle(ctx, conn, line)
		}
	case wire.KindData:
		r.dispatchData(ctx, line, ip)
	case wire.KindUnknown:
		if r.opts.Fallback == nil || !r.opts.Fallback.HandleManual(line.Raw, ip) {
			r.log.WithField("ip", ip).Debug("dropping unrecognized line")
		}
	default:
		r.log.WithFields(logrus.Fields{"ip": ip, "kind": line.Kind}).Debug("unexpected line kind")
	}
}

// rejectMalformed answers a HANDSHAKE line that failed to parse.
func (r *Router) rejectMalformed(conn net.Conn) {
	conn.SetWriteDeadline(time.Now().Add(r.opts.ReadTimeout))
	wire.WriteLine(conn, wire.FormatReject(r.opts.Self))
}

func (r *Router) dispatchData(ctx context.Context, line wire.Line, ip string) {
	log := r.log.WithFields(logrus.Fields{"peer": logging.ShortID(line.UUID), "header": line.Header})

	rec, ok := r.opts.Auth.Lookup(line.UUID)
	if !ok || !rec.Accepted {
		log.Debug("dropping data from unpaired peer")
		return
	}

	// Only the locally stored secret is trusted.
	plain, err := secure.DecryptString(rec.SharedSecret, line.Payload)
	if err != nil {
		log.WithError(err).Debug("dropping undecryptable data")
		return
	}

	if r.opts.OnData != nil {
		r.opts.OnData(line.UUID, ip)
	}

	r.mu.RLock()
	h, ok := r.handlers[line.Header]
	r.mu.RUnlock()
	if !ok {
		log.Debug("no handler for header")
		return
	}
	h(ctx, Message{Header: line.Header, From: rec, RemoteIP: ip, Data: plain})
}
