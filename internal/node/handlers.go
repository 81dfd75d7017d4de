package node

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edgecli/peerlink/internal/logging"
	"github.com/edgecli/peerlink/internal/payload"
	"github.com/edgecli/peerlink/internal/router"
	"github.com/edgecli/peerlink/internal/sendq"
	"github.com/edgecli/peerlink/internal/syncstate"
	"github.com/edgecli/peerlink/internal/wire"
)

func (n *Node) registerHandlers() {
	n.router.Register(wire.HeaderData, n.handleNotification)
	n.router.Register(wire.HeaderDataJSON, n.handleNotification)
	n.router.Register(wire.HeaderIconRequest, n.handleIconRequest)
	n.router.Register(wire.HeaderIconResponse, n.handleIconResponse)
	n.router.Register(wire.HeaderAppListRequest, n.handleAppListRequest)
	n.router.Register(wire.HeaderAppListResponse, n.handleAppListResponse)
	n.router.Register(wire.HeaderSync, n.handleSync)
}

func (n *Node) dropInvalid(msg router.Message, err error) {
	n.log.WithError(err).WithFields(logrus.Fields{
		"peer":   logging.ShortID(msg.From.UUID),
		"header": msg.Header,
	}).Debug("dropping invalid payload")
}

func (n *Node) handleNotification(_ context.Context, msg router.Message) {
	nt, err := payload.DecodeNotification(msg.Data)
	if err != nil {
		n.dropInvalid(msg, err)
		return
	}
	n.consumer.OnNotification(msg.From, nt)
}

func (n *Node) handleIconRequest(_ context.Context, msg router.Message) {
	req, err := payload.DecodeIconRequest(msg.Data)
	if err != nil {
		n.dropInvalid(msg, err)
		return
	}
	if n.icons == nil {
		return
	}
	icon, ok := n.icons.Icon(req.PackageName)
	if !ok {
		return
	}
	n.reply(msg.From.UUID, wire.HeaderIconResponse, payload.IconResponse{
		Type:        payload.TypeIconResponse,
		PackageName: req.PackageName,
		IconData:    icon,
		Time:        time.Now().UnixMilli(),
	})
}

func (n *Node) handleIconResponse(_ context.Context, msg router.Message) {
	resp, err := payload.DecodeIconResponse(msg.Data)
	if err != nil {
		n.dropInvalid(msg, err)
		return
	}
	n.consumer.OnIconResponse(msg.From, resp)
}

func (n *Node) handleAppListRequest(_ context.Context, msg router.Message) {
	req, err := payload.DecodeAppListRequest(msg.Data)
	if err != nil {
		n.dropInvalid(msg, err)
		return
	}
	if n.apps == nil {
		return
	}
	apps := n.apps.Apps(req.Scope)
	if apps == nil {
		apps = []payload.AppInfo{}
	}
	n.reply(msg.From.UUID, wire.HeaderAppListResponse, payload.AppListResponse{
		Type:  payload.TypeAppListResponse,
		Scope: req.Scope,
		Apps:  apps,
		Total: len(apps),
		Time:  time.Now().UnixMilli(),
	})
}

func (n *Node) handleAppListResponse(_ context.Context, msg router.Message) {
	resp, err := payload.DecodeAppListResponse(msg.Data)
	if err != nil {
		n.dropInvalid(msg, err)
		return
	}
	n.consumer.OnAppListResponse(msg.From, resp)
}

func (n *Node) handleSync(_ context.Context, msg router.Message) {
	pkt, err := payload.DecodeSync(msg.Data)
	if err != nil {
		n.dropInvalid(msg, err)
		return
	}
	ev, ok := n.syncs.Apply(syncstate.SourceID(pkt.PackageName, msg.From.UUID), pkt)
	if !ok {
		return
	}
	n.consumer.OnSyncEvent(msg.From.UUID, ev)
}

func (n *Node) reply(uuid, header string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		n.log.WithError(err).Warn("failed to encode reply")
		return
	}
	n.pipeline.Submit(sendq.Task{PeerUUID: uuid, Header: header, Payload: data})
}
