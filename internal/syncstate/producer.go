package syncstate

import (
	"context"
	"sync"
	"time"

	"github.com/edgecli/peerlink/internal/payload"
)

// DefaultResendInterval is shorter than DefaultTimeout so one lost packet
// never strands a consumer.
const DefaultResendInterval = 6 * time.Second

type produced struct {
	appName  string
	state    State
	lastTime int64
	lastFull time.Time
}

// Producer turns successive states of a source into full and delta packets.
type Producer struct {
	send     func(payload.SyncPacket)
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	sources map[string]*produced
}

// NewProducer creates a producer that hands packets to send.
func NewProducer(send func(payload.SyncPacket), interval time.Duration) *Producer {
	if interval <= 0 {
		interval = DefaultResendInterval
	}
	return &Producer{
		send:     send,
		interval: interval,
		now:      time.Now,
		sources:  make(map[string]*produced),
	}
}

// stamp returns a packet time strictly after the previous one for src.
// Must be called with mu held.
func (p *Producer) stamp(src *produced) int64 {
	t := p.now().UnixMilli()
	if t <= src.lastTime {
		t = src.lastTime + 1
	}
	src.lastTime = t
	return t
}

// Update publishes st for packageName. The first call sends a full packet,
// later calls only what changed. It reports whether anything was sent.
func (p *Producer) Update(packageName, appName string, st State) bool {
	p.mu.Lock()
	src, ok := p.sources[packageName]
	var pkt payload.SyncPacket
	if !ok {
		src = &produced{appName: appName, state: st.Clone()}
		p.sources[packageName] = src
		pkt = p.fullLocked(packageName, src)
	} else {
		d := Diff(src.state, st)
		if d.IsEmpty() {
			p.mu.Unlock()
			return false
		}
		src.state = st.Clone()
		pkt = payload.SyncPacket{
			Type:            payload.SyncDelta,
			PackageName:     packageName,
			AppName:         src.appName,
			Time:            p.stamp(src),
			Changes:         d.Fields(),
			PicturesRemoved: d.PicturesRemoved,
		}
	}
	p.mu.Unlock()

	p.send(pkt)
	return true
}

func (p *Producer) fullLocked(packageName string, src *produced) payload.SyncPacket {
	src.lastFull = p.now()
	return payload.SyncPacket{
		Type:        payload.SyncFull,
		PackageName: packageName,
		AppName:     src.appName,
		Time:        p.stamp(src),
		SyncFields:  src.state.Fields(),
	}
}

// End sends an end packet and forgets packageName.
func (p *Producer) End(packageName string) bool {
	p.mu.Lock()
	src, ok := p.sources[packageName]
	if !ok {
		p.mu.Unlock()
		return false
	}
	delete(p.sources, packageName)
	pkt := payload.SyncPacket{
		Type:        payload.SyncEnd,
		PackageName: packageName,
		AppName:     src.appName,
		Time:        p.stamp(src),
	}
	p.mu.Unlock()

	p.send(pkt)
	return true
}

// Resend sends a full packet for every source whose last full packet is
// older than the interval. Deltas sent in between don't count.
func (p *Producer) Resend() int {
	p.mu.Lock()
	now := p.now()
	var pkts []payload.SyncPacket
	for name, src := range p.sources {
		if now.Sub(src.lastFull) >= p.interval {
			pkts = append(pkts, p.fullLocked(name, src))
		}
	}
	p.mu.Unlock()

	for _, pkt := range pkts {
		p.send(pkt)
	}
	return len(pkts)
}

// Run resends stale sources until ctx is done.
func (p *Producer) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Resend()
		}
	}
}
