package handshake

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecli/peerlink/internal/identity"
	"github.com/edgecli/peerlink/internal/registry"
	"github.com/edgecli/peerlink/internal/secure"
	"github.com/edgecli/peerlink/internal/wire"
)

// countingDecider answers with a fixed decision and counts prompts.
type countingDecider struct {
	decision Decision
	calls    atomic.Int32
	block    bool
}

func (d *countingDecider) RequestDecision(ctx context.Context, req Request) <-chan Decision {
	d.calls.Add(1)
	ch := make(chan Decision, 1)
	if !d.block {
		ch <- d.decision
	}
	return ch
}

type side struct {
	id   *identity.Identity
	auth *registry.Auth
}

func newSide(t *testing.T, name string) side {
	t.Helper()
	id, err := identity.New(name)
	require.NoError(t, err)
	return side{id: id, auth: registry.NewAuth(nil, nil)}
}

// serve runs resp behind a loopback listener and returns its port.
func serve(t *testing.T, resp *Responder) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				raw, err := wire.ReadLine(conn)
				if err != nil {
					return
				}
				line, err := wire.Parse(raw)
				if err != nil {
					return
				}
				resp.Handle(context.Background(), conn, line)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func newPair(t *testing.T, decider Decider, timeout time.Duration) (initiator side, responder side, in *Initiator, port int) {
	initiator = newSide(t, "phone")
	responder = newSide(t, "laptop")

	resp := NewResponder(ResponderOptions{
		Identity:        responder.id,
		Auth:            responder.auth,
		Decider:         decider,
		DecisionTimeout: timeout,
		IOTimeout:       2 * time.Second,
	})
	port = serve(t, resp)
	in = NewInitiator(InitiatorOptions{
		Identity:        initiator.id,
		Auth:            initiator.auth,
		ListenPort:      40000,
		DecisionTimeout: timeout,
		IOTimeout:       2 * time.Second,
	})
	return initiator, responder, in, port
}

func TestPair_FirstPairingDerivesIdenticalSecrets(t *testing.T) {
	decider := &countingDecider{decision: Accept}
	a, b, in, port := newPair(t, decider, time.Second)

	rec, err := in.Pair(context.Background(), "127.0.0.1", port)
	require.NoError(t, err)
	assert.Equal(t, b.id.UUID, rec.UUID)

	theirs, ok := b.auth.Lookup(a.id.UUID)
	require.True(t, ok)
	assert.True(t, theirs.Accepted)
	assert.Equal(t, rec.SharedSecret, theirs.SharedSecret)
	assert.Equal(t, 40000, theirs.LastPort)
	assert.Equal(t, "127.0.0.1", theirs.LastIP)

	// Each side can read what the other encrypts.
	ct, err := secure.EncryptString(rec.SharedSecret, []byte("hello"))
	require.NoError(t, err)
	pt, err := secure.DecryptString(theirs.SharedSecret, ct)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(pt))
}

func TestPair_RepeatIsIdempotent(t *testing.T) {
	decider := &countingDecider{decision: Accept}
	a, b, in, port := newPair(t, decider, time.Second)

	first, err := in.Pair(context.Background(), "127.0.0.1", port)
	require.NoError(t, err)
	before, _ := b.auth.Lookup(a.id.UUID)

	second, err := in.Pair(context.Background(), "127.0.0.1", port)
	require.NoError(t, err)
	after, _ := b.auth.Lookup(a.id.UUID)

	assert.Equal(t, int32(1), decider.calls.Load(), "no second prompt")
	assert.Equal(t, first.SharedSecret, second.SharedSecret)
	assert.Equal(t, before.SharedSecret, after.SharedSecret)
}

func TestPair_RejectionIsRemembered(t *testing.T) {
	decider := &countingDecider{decision: Reject}
	a, b, in, port := newPair(t, decider, time.Second)

	_, err := in.Pair(context.Background(), "127.0.0.1", port)
	assert.ErrorIs(t, err, ErrRejected)
	assert.True(t, b.auth.IsRejected(a.id.UUID))

	_, err = in.Pair(context.Background(), "127.0.0.1", port)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, int32(1), decider.calls.Load())

	_, ok := a.auth.Lookup(b.id.UUID)
	assert.False(t, ok)
}

func TestPair_TimeoutRejectsWithoutMemory(t *testing.T) {
	decider := &countingDecider{block: true}
	a, b, in, port := newPair(t, decider, 100*time.Millisecond)

	_, err := in.Pair(context.Background(), "127.0.0.1", port)
	assert.ErrorIs(t, err, ErrRejected)
	assert.False(t, b.auth.IsRejected(a.id.UUID))
}

func TestPair_NoDeciderRejects(t *testing.T) {
	_, _, in, port := newPair(t, nil, time.Second)
	_, err := in.Pair(context.Background(), "127.0.0.1", port)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestResponder_Respond(t *testing.T) {
	b := newSide(t, "laptop")
	peer := newSide(t, "phone")

	resp := NewResponder(ResponderOptions{
		Identity: b.id,
		Auth:     b.auth,
		Decider:  DeciderFunc(func(context.Context, Request) Decision { return Accept }),
	})
	reject := wire.FormatReject(b.id.UUID)

	tests := []struct {
		name string
		line wire.Line
		want string
	}{
		{
			name: "bad key material",
			line: wire.Line{Kind: wire.KindHandshake, UUID: peer.id.UUID, KeyMaterial: "not-a-key"},
			want: reject,
		},
		{
			name: "own uuid",
			line: wire.Line{Kind: wire.KindHandshake, UUID: b.id.UUID, KeyMaterial: peer.id.KeyMaterial()},
			want: reject,
		},
		{
			name: "valid",
			line: wire.Line{Kind: wire.KindHandshake, UUID: peer.id.UUID, KeyMaterial: peer.id.KeyMaterial()},
			want: wire.FormatAccept(b.id.UUID, b.id.KeyMaterial()),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resp.respond(context.Background(), tt.line, "10.0.0.2"))
		})
	}
	assert.Equal(t, StateAccepted, resp.state(peer.id.UUID))
}

func TestResponder_ReHandshakeUpdatesAddressOnly(t *testing.T) {
	b := newSide(t, "laptop")
	peer := newSide(t, "phone")
	secret := []byte("fixed-secret-fixed-secret-fixed!")
	b.auth.Accept(registry.AuthRecord{UUID: peer.id.UUID, PeerKeyMaterial: peer.id.KeyMaterial(), SharedSecret: secret, LastIP: "10.0.0.1"})

	resp := NewResponder(ResponderOptions{Identity: b.id, Auth: b.auth})
	line := wire.Line{Kind: wire.KindHandshake, UUID: peer.id.UUID, KeyMaterial: peer.id.KeyMaterial(), Port: 5555}

	got := resp.respond(context.Background(), line, "10.0.0.77")
	assert.Equal(t, wire.FormatAccept(b.id.UUID, b.id.KeyMaterial()), got)

	rec, _ := b.auth.Lookup(peer.id.UUID)
	assert.Equal(t, secret, rec.SharedSecret)
	assert.Equal(t, "10.0.0.77", rec.LastIP)
	assert.Equal(t, 5555, rec.LastPort)
}

func TestResponder_PendingDedupeAndRateLimit(t *testing.T) {
	b := newSide(t, "laptop")
	peer := newSide(t, "phone")

	release := make(chan Decision)
	decider := DeciderFunc(func(ctx context.Context, req Request) Decision {
		select {
		case d := <-release:
			return d
		case <-ctx.Done():
			return Reject
		}
	})
	resp := NewResponder(ResponderOptions{
		Identity:    b.id,
		Auth:        b.auth,
		Decider:     decider,
		PromptRate:  0.001,
		PromptBurst: 2,
	})
	line := wire.Line{Kind: wire.KindHandshake, UUID: peer.id.UUID, KeyMaterial: peer.id.KeyMaterial()}

	done := make(chan string, 1)
	go func() { done <- resp.respond(context.Background(), line, "10.0.0.3") }()
	require.Eventually(t, func() bool { return resp.state(peer.id.UUID) == StatePending }, time.Second, 5*time.Millisecond)

	// Same uuid while pending.
	assert.Equal(t, wire.FormatReject(b.id.UUID), resp.respond(context.Background(), line, "10.0.0.3"))

	release <- Accept
	assert.Equal(t, wire.FormatAccept(b.id.UUID, b.id.KeyMaterial()), <-done)

	// Burst of two is used up for this address.
	other := newSide(t, "tablet")
	l2 := wire.Line{Kind: wire.KindHandshake, UUID: other.id.UUID, KeyMaterial: other.id.KeyMaterial()}
	assert.Equal(t, wire.FormatReject(b.id.UUID), resp.respond(context.Background(), l2, "10.0.0.3"))
	assert.False(t, b.auth.IsRejected(other.id.UUID), "rate limited attempts are not remembered")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "PENDING_DECISION", StatePending.String())
	assert.Equal(t, "UNKNOWN", State(99).String())
	assert.Equal(t, "accept", Accept.String())
}

func TestPair_RebindsAddressToNewPeer(t *testing.T) {
	a := newSide(t, "phone")
	b := newSide(t, "laptop")

	responderDevices := registry.NewDevices()
	responderDevices.Upsert(registry.PeerDescriptor{UUID: "old-uuid", IP: "127.0.0.1", Port: 1111})
	initiatorDevices := registry.NewDevices()

	port := serve(t, NewResponder(ResponderOptions{
		Identity:  b.id,
		Auth:      b.auth,
		Devices:   responderDevices,
		Decider:   &countingDecider{decision: Accept},
		IOTimeout: 2 * time.Second,
	}))
	in := NewInitiator(InitiatorOptions{
		Identity:   a.id,
		Auth:       a.auth,
		Devices:    initiatorDevices,
		ListenPort: 40000,
		IOTimeout:  2 * time.Second,
	})

	_, err := in.Pair(context.Background(), "127.0.0.1", port)
	require.NoError(t, err)

	owner, ok := responderDevices.LookupIP("127.0.0.1")
	require.True(t, ok)
	assert.Equal(t, a.id.UUID, owner)
	_, ok = responderDevices.Get("old-uuid")
	assert.False(t, ok)
	p, ok := responderDevices.Get(a.id.UUID)
	require.True(t, ok)
	assert.Equal(t, 40000, p.Port)

	p, ok = initiatorDevices.Get(b.id.UUID)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1", p.IP)
	assert.Equal(t, port, p.Port)
}
