package syncstate

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecli/peerlink/internal/payload"
)

func sample() State {
	return State{
		Title:         "Downloading",
		Text:          "movie.mkv",
		RenderSpecRaw: `{"progress":0}`,
		Pictures:      map[string]string{"icon": "aWNvbg==", "cover": "Y292ZXI="},
	}
}

func fullPacket(st State, at int64) payload.SyncPacket {
	return payload.SyncPacket{Type: payload.SyncFull, PackageName: "com.dl", Time: at, SyncFields: st.Fields()}
}

func deltaPacket(d Delta, at int64) payload.SyncPacket {
	return payload.SyncPacket{Type: payload.SyncDelta, PackageName: "com.dl", Time: at, Changes: d.Fields(), PicturesRemoved: d.PicturesRemoved}
}

func TestDiff(t *testing.T) {
	x := sample()
	assert.True(t, Diff(x, x).IsEmpty())
	assert.True(t, Diff(x, x.Clone()).IsEmpty())
	assert.True(t, Diff(State{}, State{Pictures: map[string]string{}}).IsEmpty())

	y := x.Clone()
	y.Text = ""
	delete(y.Pictures, "cover")
	y.Pictures["banner"] = "YmFubmVy"

	d := Diff(x, y)
	assert.Nil(t, d.Title)
	require.NotNil(t, d.Text)
	assert.Equal(t, "", *d.Text)
	assert.Equal(t, map[string]string{"banner": "YmFubmVy"}, d.Pictures)
	assert.Equal(t, []string{"cover"}, d.PicturesRemoved)

	// Pure: same inputs, same result, inputs untouched.
	assert.Equal(t, d, Diff(x, y))
	assert.Equal(t, sample(), x)
}

func TestMerge(t *testing.T) {
	x := sample()
	y := x.Clone()
	y.Title = "Done"
	y.RenderSpecRaw = `{"progress":100}`
	delete(y.Pictures, "icon")

	got := Merge(x, Diff(x, y))
	assert.True(t, got.Equal(y))
	assert.True(t, x.Equal(sample()), "merge doesn't mutate its input")
	assert.True(t, Merge(x, Delta{}).Equal(x))
}

func TestStore_FullDeltaEnd(t *testing.T) {
	s := NewStore(time.Minute, nil)
	x := sample()
	id := SourceID("com.dl", "peer-1")
	assert.Equal(t, "com.dl_peer-1", id)

	ev, ok := s.Apply(id, fullPacket(x, 1))
	require.True(t, ok)
	assert.Equal(t, EventUpdated, ev.Kind)
	assert.True(t, ev.State.Equal(x), "merge(full(X)) == X")

	y := x.Clone()
	y.RenderSpecRaw = `{"progress":40}`
	y.Pictures["extra"] = "ZXh0cmE="
	_, ok = s.Apply(id, deltaPacket(Diff(x, y), 2))
	require.True(t, ok)
	got, _ := s.Get(id)
	assert.True(t, got.Equal(y), "merge(merge(full(X)), delta(X->Y)) == Y")

	// A full replaces outright, dropping pictures it doesn't carry.
	z := State{Title: "Other"}
	s.Apply(id, fullPacket(z, 3))
	got, _ = s.Get(id)
	assert.True(t, got.Equal(z))

	ev, ok = s.Apply(id, payload.SyncPacket{Type: payload.SyncEnd, PackageName: "com.dl", Time: 4})
	require.True(t, ok)
	assert.Equal(t, EventEnded, ev.Kind)
	_, exists := s.Get(id)
	assert.False(t, exists, "merge(S, end) == absent")

	// Stragglers from the ended session are ignored, a newer session isn't.
	_, ok = s.Apply(id, deltaPacket(Delta{Title: payload.String("late")}, 3))
	assert.False(t, ok)
	_, ok = s.Apply(id, fullPacket(x, 10))
	assert.True(t, ok)
}

func TestStore_DeltaWithoutBaseIsFull(t *testing.T) {
	s := NewStore(time.Minute, nil)
	ev, ok := s.Apply("a", deltaPacket(Delta{Title: payload.String("t"), Pictures: map[string]string{"k": "v"}}, 5))
	require.True(t, ok)
	assert.True(t, ev.State.Equal(State{Title: "t", Pictures: map[string]string{"k": "v"}}))
}

func TestStore_ProgressStormWithJitter(t *testing.T) {
	s := NewStore(time.Minute, nil)
	x := sample()

	packets := []payload.SyncPacket{fullPacket(x, 1000)}
	prev := x
	for i := 1; i <= 50; i++ {
		next := prev.Clone()
		next.RenderSpecRaw = fmt.Sprintf(`{"progress":%d}`, i*2)
		packets = append(packets, deltaPacket(Diff(prev, next), int64(1000+i)))
		prev = next
	}
	// Swap neighbours to simulate reordering within a small window.
	for i := 1; i+1 < len(packets); i += 3 {
		packets[i], packets[i+1] = packets[i+1], packets[i]
	}

	for _, p := range packets {
		s.Apply("src", p)
	}

	want := x.Clone()
	want.RenderSpecRaw = `{"progress":100}`
	got, ok := s.Get("src")
	require.True(t, ok)
	assert.True(t, got.Equal(want), "got %+v", got)
	assert.Len(t, got.Pictures, 2)
}

func TestStore_Expire(t *testing.T) {
	s := NewStore(15*time.Second, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.Apply("a", fullPacket(sample(), 1))
	now = now.Add(10 * time.Second)
	s.Apply("b", fullPacket(sample(), 1))

	now = now.Add(6 * time.Second)
	events := s.Expire()
	require.Len(t, events, 1)
	assert.Equal(t, EventExpired, events[0].Kind)
	assert.Equal(t, "a", events[0].SourceID)
	assert.Equal(t, []string{"b"}, s.Sources())
}

func TestProducer(t *testing.T) {
	var sent []payload.SyncPacket
	p := NewProducer(func(pkt payload.SyncPacket) { sent = append(sent, pkt) }, 6*time.Second)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	x := sample()
	assert.True(t, p.Update("com.dl", "Downloader", x))
	assert.False(t, p.Update("com.dl", "Downloader", x.Clone()), "empty diff sends nothing")

	y := x.Clone()
	y.RenderSpecRaw = `{"progress":5}`
	assert.True(t, p.Update("com.dl", "Downloader", y))

	require.Len(t, sent, 2)
	assert.Equal(t, payload.SyncFull, sent[0].Type)
	assert.Equal(t, payload.SyncDelta, sent[1].Type)
	assert.Greater(t, sent[1].Time, sent[0].Time)
	require.NotNil(t, sent[1].Changes)
	assert.Nil(t, sent[1].Changes.Title)
	assert.Equal(t, `{"progress":5}`, *sent[1].Changes.RenderSpecRaw)

	assert.Zero(t, p.Resend())
	now = now.Add(7 * time.Second)
	assert.Equal(t, 1, p.Resend())
	assert.Equal(t, payload.SyncFull, sent[2].Type)
	assert.Equal(t, `{"progress":5}`, *sent[2].RenderSpecRaw)

	assert.True(t, p.End("com.dl"))
	assert.False(t, p.End("com.dl"))
	assert.Equal(t, payload.SyncEnd, sent[3].Type)

	// Everything the producer sent reconstructs the final state.
	s := NewStore(time.Minute, nil)
	for _, pkt := range sent[:3] {
		s.Apply("src", pkt)
	}
	got, _ := s.Get("src")
	assert.True(t, got.Equal(y))
}

func TestProducer_FullResendDuringDeltaStream(t *testing.T) {
	var sent []payload.SyncPacket
	p := NewProducer(func(pkt payload.SyncPacket) { sent = append(sent, pkt) }, 6*time.Second)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	st := sample()
	require.True(t, p.Update("com.dl", "Downloader", st))

	fulls := 0
	for i := 1; i <= 30; i++ {
		now = now.Add(time.Second)
		st = st.Clone()
		st.RenderSpecRaw = fmt.Sprintf(`{"progress":%d}`, i)
		require.True(t, p.Update("com.dl", "Downloader", st))
		fulls += p.Resend()
	}
	assert.GreaterOrEqual(t, fulls, 4)

	// A consumer that lost the first full packet still converges.
	s := NewStore(time.Minute, nil)
	for _, pkt := range sent[1:] {
		s.Apply("src", pkt)
	}
	got, ok := s.Get("src")
	require.True(t, ok)
	assert.True(t, got.Equal(st), "got %+v", got)
}

func TestStore_UnstampedPacketsApplyInArrivalOrder(t *testing.T) {
	s := NewStore(time.Minute, nil)
	stamped := sample()
	s.Apply("src", fullPacket(stamped, 500))

	replaced := State{Title: "Done", Text: "movie.mkv", RenderSpecRaw: `{"progress":100}`, Pictures: map[string]string{"icon": "bmV3"}}
	ev, ok := s.Apply("src", fullPacket(replaced, 0))
	require.True(t, ok)
	assert.True(t, ev.State.Equal(replaced), "got %+v", ev.State)

	// A stamped straggler older than what the unstamped write replaced loses.
	s.Apply("src", deltaPacket(Delta{Title: payload.String("Stale")}, 400))
	got, _ := s.Get("src")
	assert.Equal(t, "Done", got.Title)

	s.Apply("src", deltaPacket(Delta{Title: payload.String("Later")}, 0))
	got, _ = s.Get("src")
	assert.Equal(t, "Later", got.Title)
}
