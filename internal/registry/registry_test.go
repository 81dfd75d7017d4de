package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDevices_UpsertMergesFields(t *testing.T) {
	d := NewDevices()

	assert.True(t, d.Upsert(PeerDescriptor{UUID: "a", DisplayName: "phone", IP: "10.0.0.2", Port: 1000}))
	assert.False(t, d.Upsert(PeerDescriptor{UUID: "a", Port: 2000}))

	p, ok := d.Get("a")
	require.True(t, ok)
	assert.Equal(t, "phone", p.DisplayName)
	assert.Equal(t, "10.0.0.2", p.IP)
	assert.Equal(t, 2000, p.Port)
	assert.Equal(t, "10.0.0.2:2000", p.Addr())
}

func TestDevices_NewUUIDOnSameIPSupersedes(t *testing.T) {
	d := NewDevices()
	d.Upsert(PeerDescriptor{UUID: "old", IP: "10.0.0.9", Port: 1})
	d.Upsert(PeerDescriptor{UUID: "new", IP: "10.0.0.9", Port: 1})

	owner, ok := d.LookupIP("10.0.0.9")
	require.True(t, ok)
	assert.Equal(t, "new", owner)

	_, ok = d.Get("old")
	assert.False(t, ok)
	assert.Equal(t, 1, d.Count())
}

func TestDevices_OneUUIDManyIPs(t *testing.T) {
	d := NewDevices()
	d.Upsert(PeerDescriptor{UUID: "a", IP: "10.0.0.1", Port: 1})
	d.Upsert(PeerDescriptor{UUID: "a", IP: "192.168.1.4", Port: 1})

	for _, ip := range []string{"10.0.0.1", "192.168.1.4"} {
		owner, ok := d.LookupIP(ip)
		require.True(t, ok, ip)
		assert.Equal(t, "a", owner)
	}
	p, _ := d.Get("a")
	assert.Equal(t, "192.168.1.4", p.IP)
}

func TestDevices_PurgeStale(t *testing.T) {
	d := NewDevices()
	now := time.Now()
	d.now = func() time.Time { return now }

	d.Upsert(PeerDescriptor{UUID: "stale", IP: "1.1.1.1", LastSeen: now.Add(-time.Minute)})
	d.Upsert(PeerDescriptor{UUID: "fresh", IP: "2.2.2.2"})

	assert.Equal(t, []string{"stale"}, d.PurgeStale(30*time.Second))
	_, ok := d.LookupIP("1.1.1.1")
	assert.False(t, ok)
	assert.Equal(t, 1, d.Count())
}

func TestDevices_ListOrdered(t *testing.T) {
	d := NewDevices()
	d.Upsert(PeerDescriptor{UUID: "2", DisplayName: "b"})
	d.Upsert(PeerDescriptor{UUID: "1", DisplayName: "a"})
	list := d.List()
	require.Len(t, list, 2)
	assert.Equal(t, "1", list[0].UUID)
}

type memPersister struct {
	mu    sync.Mutex
	saves []Snapshot
	err   error
}

func (m *memPersister) Save(s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves = append(m.saves, s)
	return m.err
}

func (m *memPersister) last() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves[len(m.saves)-1]
}

func TestAuth_AcceptReplacesAndClearsRejection(t *testing.T) {
	p := &memPersister{}
	a := NewAuth(p, nil)

	a.Reject("peer", "tv")
	assert.True(t, a.IsRejected("peer"))
	assert.False(t, a.IsAccepted("peer"))

	a.Accept(AuthRecord{UUID: "peer", SharedSecret: []byte{1}, LastIP: "10.0.0.3"})
	assert.True(t, a.IsAccepted("peer"))
	assert.False(t, a.IsRejected("peer"))

	snap := p.last()
	require.Len(t, snap.Records, 1)
	assert.True(t, snap.Records[0].Accepted)
	assert.Empty(t, snap.Rejected)
}

func TestAuth_TouchKeepsSecret(t *testing.T) {
	a := NewAuth(nil, nil)
	a.Accept(AuthRecord{UUID: "p", SharedSecret: []byte{9, 9}, LastIP: "1.1.1.1", LastPort: 1})

	assert.True(t, a.Touch("p", "2.2.2.2", 5))
	r, ok := a.Lookup("p")
	require.True(t, ok)
	assert.Equal(t, "2.2.2.2", r.LastIP)
	assert.Equal(t, 5, r.LastPort)
	assert.Equal(t, []byte{9, 9}, r.SharedSecret)

	assert.False(t, a.Touch("unknown", "3.3.3.3", 1))
	a.Reject("bad", "")
	assert.False(t, a.Touch("bad", "3.3.3.3", 1))
}

func TestAuth_LookupReturnsCopy(t *testing.T) {
	a := NewAuth(nil, nil)
	a.Accept(AuthRecord{UUID: "p", SharedSecret: []byte{1, 2}})

	r, _ := a.Lookup("p")
	r.SharedSecret[0] = 42

	again, _ := a.Lookup("p")
	assert.Equal(t, byte(1), again.SharedSecret[0])
}

func TestAuth_ForgetAndClearRejection(t *testing.T) {
	a := NewAuth(nil, nil)
	a.Accept(AuthRecord{UUID: "p"})
	a.Reject("r", "")

	assert.True(t, a.Forget("p"))
	assert.False(t, a.Forget("p"))
	_, ok := a.Lookup("p")
	assert.False(t, ok)

	assert.True(t, a.ClearRejection("r"))
	assert.False(t, a.IsRejected("r"))
	_, ok = a.Lookup("r")
	assert.False(t, ok)
	assert.False(t, a.ClearRejection("r"))
}

func TestAuth_RestoreAndSnapshot(t *testing.T) {
	a := NewAuth(nil, nil)
	a.Restore(Snapshot{
		Records: []AuthRecord{
			{UUID: "b", Accepted: true},
			{UUID: "a", Accepted: true},
			{UUID: "c", Accepted: false},
		},
		Rejected: []string{"d"},
	})

	accepted := a.ListAccepted()
	require.Len(t, accepted, 2)
	assert.Equal(t, "a", accepted[0].UUID)
	assert.True(t, a.IsRejected("c"))
	assert.True(t, a.IsRejected("d"))

	snap := a.Snapshot()
	assert.Len(t, snap.Records, 3)
	assert.Equal(t, []string{"c", "d"}, snap.Rejected)
}

func TestAuth_PersistFailureKeepsMemory(t *testing.T) {
	p := &memPersister{err: errors.New("disk full")}
	a := NewAuth(p, nil)

	a.Accept(AuthRecord{UUID: "p"})
	assert.True(t, a.IsAccepted("p"))
}

func TestAuth_ConcurrentAccess(t *testing.T) {
	a := NewAuth(&memPersister{}, nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i%5))
			a.Accept(AuthRecord{UUID: id})
			a.Touch(id, "10.0.0.1", i+1)
			a.ListAccepted()
		}(i)
	}
	wg.Wait()
	assert.Len(t, a.ListAccepted(), 5)
}
