package syncstate

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edgecli/peerlink/internal/logging"
	"github.com/edgecli/peerlink/internal/payload"
)

// DefaultTimeout is how long a source may stay silent before it expires.
const DefaultTimeout = 15 * time.Second

// EventKind says what happened to a source.
type EventKind int

const (
	EventUpdated EventKind = iota
	EventEnded
	EventExpired
)

func (k EventKind) String() string {
	switch k {
	case EventUpdated:
		return "updated"
	case EventEnded:
		return "ended"
	default:
		return "expired"
	}
}

// Event is emitted for every packet that changed a source.
type Event struct {
	Kind        EventKind
	SourceID    string
	PackageName string
	AppName     string
	State       State // zero for ended and expired
}

// SourceID names the state of packageName as sent by peer.
func SourceID(packageName, peer string) string {
	return packageName + "_" + peer
}

type stamped struct {
	value string
	at    int64
}

// entry stamps every field with the packet time that last set it, so a
// delta delivered late can't roll a newer value back.
type entry struct {
	packageName string
	appName     string
	title       stamped
	text        stamped
	render      stamped
	pictures    map[string]stamped
	removed     map[string]int64
	touched     time.Time
}

// newer reports whether a write stamped at may replace one stamped cur.
// Unstamped writes (at == 0) apply in arrival order.
func newer(at, cur int64) bool {
	return at == 0 || at >= cur
}

func (e *entry) set(f *stamped, v *string, at int64) {
	if v != nil && newer(at, f.at) {
		*f = stamped{value: *v, at: max(at, f.at)}
	}
}

func (e *entry) putPicture(k, v string, at int64) {
	stamp := at
	if p, ok := e.pictures[k]; ok {
		if !newer(at, p.at) {
			return
		}
		stamp = max(stamp, p.at)
	}
	if r, ok := e.removed[k]; ok {
		if !newer(at, r) {
			return
		}
		stamp = max(stamp, r)
	}
	delete(e.removed, k)
	e.pictures[k] = stamped{value: v, at: stamp}
}

func (e *entry) removePicture(k string, at int64) {
	stamp := at
	if p, ok := e.pictures[k]; ok {
		if !newer(at, p.at) {
			return
		}
		stamp = max(stamp, p.at)
	}
	delete(e.pictures, k)
	e.removed[k] = max(stamp, e.removed[k])
}

func (e *entry) state() State {
	s := State{Title: e.title.value, Text: e.text.value, RenderSpecRaw: e.render.value}
	if len(e.pictures) > 0 {
		s.Pictures = make(map[string]string, len(e.pictures))
		for k, p := range e.pictures {
			s.Pictures[k] = p.value
		}
	}
	return s
}

type endMark struct {
	at   int64
	when time.Time
}

// Store holds the merged state of every active source.
type Store struct {
	timeout time.Duration
	now     func() time.Time
	log     logrus.FieldLogger

	mu      sync.Mutex
	entries map[string]*entry
	ended   map[string]endMark
}

// NewStore creates a store expiring sources after timeout.
func NewStore(timeout time.Duration, log logrus.FieldLogger) *Store {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Store{
		timeout: timeout,
		now:     time.Now,
		log:     logging.Component(log, "syncstate"),
		entries: make(map[string]*entry),
		ended:   make(map[string]endMark),
	}
}

// Apply merges p into the state of sourceID. It returns false when the
// packet changed nothing, e.g. a straggler from an ended session.
func (s *Store) Apply(sourceID string, p payload.SyncPacket) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.ended[sourceID]; ok {
		if p.Time != 0 && p.Time <= m.at {
			return Event{}, false
		}
		delete(s.ended, sourceID)
	}

	ev := Event{SourceID: sourceID, PackageName: p.PackageName, AppName: p.AppName}

	if p.Type == payload.SyncEnd {
		delete(s.entries, sourceID)
		s.ended[sourceID] = endMark{at: p.Time, when: s.now()}
		ev.Kind = EventEnded
		return ev, true
	}
	if p.Type != payload.SyncFull && p.Type != payload.SyncDelta {
		return Event{}, false
	}

	e, ok := s.entries[sourceID]
	if !ok {
		// A delta with no base is treated as a full.
		e = &entry{
			packageName: p.PackageName,
			pictures:    make(map[string]stamped),
			removed:     make(map[string]int64),
		}
		s.entries[sourceID] = e
	}
	if p.AppName != "" {
		e.appName = p.AppName
	}
	e.touched = s.now()

	at := p.Time
	if p.Type == payload.SyncFull {
		full := FromFields(p.Fields())
		e.set(&e.title, &full.Title, at)
		e.set(&e.text, &full.Text, at)
		e.set(&e.render, &full.RenderSpecRaw, at)
		for k, pic := range e.pictures {
			if _, keep := full.Pictures[k]; !keep && newer(at, pic.at) {
				e.removePicture(k, at)
			}
		}
		for k, v := range full.Pictures {
			e.putPicture(k, v, at)
		}
	} else {
		d := DeltaOf(p)
		e.set(&e.title, d.Title, at)
		e.set(&e.text, d.Text, at)
		e.set(&e.render, d.RenderSpecRaw, at)
		for k, v := range d.Pictures {
			e.putPicture(k, v, at)
		}
		for _, k := range d.PicturesRemoved {
			e.removePicture(k, at)
		}
	}

	ev.Kind = EventUpdated
	ev.AppName = e.appName
	ev.State = e.state()
	return ev, true
}

// Get returns the merged state of sourceID.
func (s *Store) Get(sourceID string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[sourceID]
	if !ok {
		return State{}, false
	}
	return e.state(), true
}

// Sources lists active source ids.
func (s *Store) Sources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.entries))
	for id := range s.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Expire drops sources untouched for longer than the timeout and old end
// markers, returning an event per dropped source.
func (s *Store) Expire() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var events []Event
	for id, e := range s.entries {
		if now.Sub(e.touched) > s.timeout {
			delete(s.entries, id)
			events = append(events, Event{Kind: EventExpired, SourceID: id, PackageName: e.packageName, AppName: e.appName})
		}
	}
	for id, m := range s.ended {
		if now.Sub(m.when) > s.timeout {
			delete(s.ended, id)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].SourceID < events[j].SourceID })
	return events
}

// Run sweeps for expired sources until ctx is done.
func (s *Store) Run(ctx context.Context, onEvent func(Event)) error {
	ticker := time.NewTicker(s.timeout / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, ev := range s.Expire() {
				s.log.WithField("source", ev.SourceID).Debug("sync source expired")
				if onEvent != nil {
					onEvent(ev)
				}
			}
		}
	}
}
