package node

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/edgecli/peerlink/internal/heartbeat"
	"github.com/edgecli/peerlink/internal/payload"
	"github.com/edgecli/peerlink/internal/registry"
	"github.com/edgecli/peerlink/internal/sendq"
	"github.com/edgecli/peerlink/internal/syncstate"
	"github.com/edgecli/peerlink/internal/wire"
)

// Peer is a paired peer together with its liveness.
type Peer struct {
	Record registry.AuthRecord
	Status heartbeat.Status
}

// Pair handshakes with host:port and blocks until the remote user decides
// or the decision timeout passes.
func (n *Node) Pair(ctx context.Context, host string, port int) (registry.AuthRecord, error) {
	rec, err := n.initiator.Pair(ctx, host, port)
	if err != nil {
		return registry.AuthRecord{}, err
	}
	n.monitor.Touch(rec.UUID)
	return rec, nil
}

// SendNotification relays nt to uuid, or to every paired peer when uuid is
// empty. Delivery is fire-and-forget.
func (n *Node) SendNotification(uuid string, nt payload.Notification) error {
	if nt.Time == 0 {
		nt.Time = time.Now().UnixMilli()
	}
	if uuid == "" {
		return n.broadcast(wire.HeaderData, nt)
	}
	return n.send(uuid, wire.HeaderData, nt)
}

// RequestIcon asks uuid for the icon of packageName. The answer arrives
// through Consumer.OnIconResponse.
func (n *Node) RequestIcon(uuid, packageName string) error {
	return n.send(uuid, wire.HeaderIconRequest, payload.IconRequest{
		Type:        payload.TypeIconRequest,
		PackageName: packageName,
		Time:        time.Now().UnixMilli(),
	})
}

// RequestAppList asks uuid for its apps. The answer arrives through
// Consumer.OnAppListResponse.
func (n *Node) RequestAppList(uuid, scope string) error {
	return n.send(uuid, wire.HeaderAppListRequest, payload.AppListRequest{
		Type:  payload.TypeAppListRequest,
		Scope: scope,
		Time:  time.Now().UnixMilli(),
	})
}

// PublishState syncs st for packageName to every paired peer. It reports
// whether anything changed since the last call.
func (n *Node) PublishState(packageName, appName string, st syncstate.State) bool {
	return n.producer.Update(packageName, appName, st)
}

// EndState tears down the sync session for packageName.
func (n *Node) EndState(packageName string) bool {
	return n.producer.End(packageName)
}

// SyncState returns the merged state received for a source.
func (n *Node) SyncState(sourceID string) (syncstate.State, bool) {
	return n.syncs.Get(sourceID)
}

// Forget drops the pairing with uuid and its cached address. The peer has
// to be rediscovered and handshake again.
func (n *Node) Forget(uuid string) bool {
	n.monitor.Forget(uuid)
	n.devices.Remove(uuid)
	return n.auth.Forget(uuid)
}

// ClearRejection lets a previously rejected uuid prompt again.
func (n *Node) ClearRejection(uuid string) bool {
	return n.auth.ClearRejection(uuid)
}

// Peers lists paired peers ordered by uuid.
func (n *Node) Peers() []Peer {
	recs := n.auth.ListAccepted()
	out := make([]Peer, 0, len(recs))
	for _, r := range recs {
		out = append(out, Peer{Record: r, Status: n.monitor.Status(r.UUID)})
	}
	return out
}

// Discovered lists peers seen through broadcast discovery.
func (n *Node) Discovered() []registry.PeerDescriptor {
	return n.devices.List()
}

// Snapshot returns the persisted view of pairings and rejections.
func (n *Node) Snapshot() registry.Snapshot {
	return n.auth.Snapshot()
}

// SendStats returns send pipeline counters.
func (n *Node) SendStats() sendq.Stats {
	return n.pipeline.Stats()
}

func (n *Node) send(uuid, header string, v any) error {
	if !n.auth.IsAccepted(uuid) {
		return fmt.Errorf("%w: %s", sendq.ErrNotAccepted, uuid)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", header, err)
	}
	n.pipeline.Submit(sendq.Task{PeerUUID: uuid, Header: header, Payload: data})
	return nil
}

func (n *Node) broadcast(header string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", header, err)
	}
	for _, r := range n.auth.ListAccepted() {
		n.pipeline.Submit(sendq.Task{PeerUUID: r.UUID, Header: header, Payload: data})
	}
	return nil
}

func (n *Node) broadcastSync(p payload.SyncPacket) {
	if err := n.broadcast(wire.HeaderSync, p); err != nil {
		n.log.WithError(err).Warn("failed to send sync packet")
	}
}

// peerOf extracts the peer uuid from a sync source id. Uuids contain no
// underscore, so the last one separates it from the package name.
func peerOf(sourceID string) string {
	if i := strings.LastIndex(sourceID, "_"); i >= 0 {
		return sourceID[i+1:]
	}
	return ""
}
