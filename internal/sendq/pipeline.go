// Package sendq is the outbound send pipeline: an unbounded intake queue
// drained by a pool limited by a semaphore, with bounded linear retry.
package sendq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/edgecli/peerlink/internal/identity"
	"github.com/edgecli/peerlink/internal/logging"
	"github.com/edgecli/peerlink/internal/registry"
	"github.com/edgecli/peerlink/internal/secure"
	"github.com/edgecli/peerlink/internal/wire"
)

const (
	DefaultConcurrency    = 5
	DefaultAttempts       = 3
	DefaultBackoff        = time.Second
	DefaultConnectTimeout = 5 * time.Second
	DefaultOpTimeout      = 10 * time.Second
)

var (
	// ErrNotAccepted is returned for targets without an accepted pairing.
	ErrNotAccepted = errors.New("sendq: peer is not paired")
	// ErrNoAddress is returned when a paired peer's address is unknown.
	ErrNoAddress = errors.New("sendq: no known address for peer")
)

// Task is one outbound DATA_* payload.
type Task struct {
	PeerUUID string
	Header   string
	Payload  []byte
}

// Options configures a Pipeline.
type Options struct {
	Identity *identity.Identity
	Auth     registry.AuthLookup
	Dialer   wire.Dialer

	Concurrency    int64
	Attempts       uint64
	Backoff        time.Duration // attempt n waits n*Backoff
	ConnectTimeout time.Duration
	OpTimeout      time.Duration
	// DefaultPort is dialed when a record has no port yet.
	DefaultPort int

	Log logrus.FieldLogger
}

// Stats are cumulative pipeline counters plus the current queue depth.
type Stats struct {
	Submitted uint64
	Delivered uint64
	Dropped   uint64
	Attempts  uint64
	// Queued counts tasks not yet started.
	Queued int
}

// Pipeline delivers tasks best-effort.
type Pipeline struct {
	opts Options
	log  logrus.FieldLogger
	sem  *semaphore.Weighted

	mu    sync.Mutex
	queue []Task
	wake  chan struct{}

	submitted, delivered, dropped, attempts atomic.Uint64
	wg                                      sync.WaitGroup
}

// New creates a pipeline. Tasks queue up until Run is called.
func New(opts Options) *Pipeline {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Attempts == 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = DefaultOpTimeout
	}
	return &Pipeline{
		opts: opts,
		log:  logging.Component(opts.Log, "sendq"),
		sem:  semaphore.NewWeighted(opts.Concurrency),
		wake: make(chan struct{}, 1),
	}
}

// Submit queues t. It never blocks.
func (p *Pipeline) Submit(t Task) {
	p.submitted.Add(1)

	p.mu.Lock()
	p.queue = append(p.queue, t)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	queued := len(p.queue)
	p.mu.Unlock()
	return Stats{
		Queued:    queued,
		Submitted: p.submitted.Load(),
		Delivered: p.delivered.Load(),
		Dropped:   p.dropped.Load(),
		Attempts:  p.attempts.Load(),
	}
}

// Run drains the queue until ctx is done, then waits for in-flight sends.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.wg.Wait()

	for {
		t, ok := p.next(ctx)
		if !ok {
			return nil
		}
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.sem.Release(1)
			p.deliver(ctx, t)
		}()
	}
}

func (p *Pipeline) next(ctx context.Context) (Task, bool) {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			t := p.queue[0]
			p.queue[0] = Task{}
			p.queue = p.queue[1:]
			p.mu.Unlock()
			return t, true
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return Task{}, false
		case <-p.wake:
		}
	}
}

// linear grows the wait by base on every retry.
func linear(base time.Duration) retry.Backoff {
	var n int64
	return retry.BackoffFunc(func() (time.Duration, bool) {
		n++
		return time.Duration(n) * base, false
	})
}

func (p *Pipeline) deliver(ctx context.Context, t Task) {
	log := p.log.WithFields(logrus.Fields{"peer": logging.ShortID(t.PeerUUID), "header": t.Header})

	if rec, ok := p.opts.Auth.Lookup(t.PeerUUID); !ok || !rec.Accepted {
		p.dropped.Add(1)
		log.Info("dropping send to unpaired peer")
		return
	}

	backoff := retry.WithMaxRetries(p.opts.Attempts-1, linear(p.opts.Backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		p.attempts.Add(1)
		return p.attempt(ctx, t)
	})
	if err != nil {
		p.dropped.Add(1)
		log.WithError(err).Warn("send failed, dropping")
		return
	}
	p.delivered.Add(1)
}

// attempt sends t once. Address and secret are looked up fresh each time so
// a heartbeat that moved the peer is honored by the next retry.
func (p *Pipeline) attempt(ctx context.Context, t Task) error {
	rec, ok := p.opts.Auth.Lookup(t.PeerUUID)
	if !ok || !rec.Accepted {
		return ErrNotAccepted
	}
	if rec.LastIP == "" {
		return ErrNoAddress
	}
	port := rec.LastPort
	if port == 0 {
		port = p.opts.DefaultPort
	}

	ct, err := secure.EncryptString(rec.SharedSecret, t.Payload)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	self := p.opts.Identity
	line := wire.FormatData(t.Header, self.UUID, self.KeyMaterial(), ct)

	octx, cancel := context.WithTimeout(ctx, p.opts.OpTimeout)
	defer cancel()

	addr := net.JoinHostPort(rec.LastIP, strconv.Itoa(port))
	if err := wire.Send(octx, p.opts.Dialer, addr, line, p.opts.ConnectTimeout); err != nil {
		return retry.RetryableError(err)
	}
	return nil
}
