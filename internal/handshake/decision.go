// Package handshake implements both sides of the one-shot pairing exchange.
// The responder suspends its reply until a Decider resolves, bounded by a
// timeout that defaults to reject.
package handshake

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edgecli/peerlink/internal/logging"
	"github.com/edgecli/peerlink/internal/registry"
)

// DefaultDecisionTimeout bounds how long a pairing prompt may hold a socket.
const DefaultDecisionTimeout = 60 * time.Second

// DefaultIOTimeout bounds connect and the reply write.
const DefaultIOTimeout = 10 * time.Second

var (
	// ErrRejected is returned by Pair when the responder replies REJECT.
	ErrRejected = errors.New("handshake: rejected by peer")
	// ErrBadReply is returned for replies that are neither ACCEPT nor REJECT.
	ErrBadReply = errors.New("handshake: unexpected reply")
)

// State is the pairing state of one peer.
type State int

const (
	StateUnknown State = iota
	StatePending
	StateAccepted
	StateRejected
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING_DECISION"
	case StateAccepted:
		return "ACCEPTED"
	case StateRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// Decision is the outcome of a pairing prompt.
type Decision int

const (
	Reject Decision = iota
	Accept
)

func (d Decision) String() string {
	if d == Accept {
		return "accept"
	}
	return "reject"
}

// Request describes an inbound pairing attempt shown to the user.
type Request struct {
	UUID        string
	DisplayName string
	KeyMaterial string
	RemoteIP    string
	Port        int
}

// Decider resolves pairing requests. The returned channel receives exactly
// one decision, or is abandoned once ctx is done.
type Decider interface {
	RequestDecision(ctx context.Context, req Request) <-chan Decision
}

// DeciderFunc adapts a blocking function to a Decider.
type DeciderFunc func(ctx context.Context, req Request) Decision

// RequestDecision runs f in its own goroutine.
func (f DeciderFunc) RequestDecision(ctx context.Context, req Request) <-chan Decision {
	ch := make(chan Decision, 1)
	go func() {
		ch <- f(ctx, req)
	}()
	return ch
}

// Registry is the part of the auth registry the handshake mutates.
type Registry interface {
	Lookup(uuid string) (registry.AuthRecord, bool)
	IsRejected(uuid string) bool
	Accept(rec registry.AuthRecord)
	Reject(uuid, displayName string)
	Touch(uuid, ip string, port int) bool
}

// Devices is the discovered-peer registry. The handshake reads display
// names from it and records the address of every peer it accepts.
type Devices interface {
	Get(uuid string) (registry.PeerDescriptor, bool)
	LookupIP(ip string) (string, bool)
	Upsert(p registry.PeerDescriptor) bool
}

// recordPeer binds p.IP to p.UUID, replacing whatever uuid held it.
func recordPeer(devices Devices, log logrus.FieldLogger, p registry.PeerDescriptor) {
	if devices == nil || p.IP == "" {
		return
	}
	if prev, ok := devices.LookupIP(p.IP); ok && prev != p.UUID {
		log.WithField("previous", logging.ShortID(prev)).Info("address now belongs to a different peer")
	}
	devices.Upsert(p)
}
