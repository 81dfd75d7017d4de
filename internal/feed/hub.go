// Package feed is the local websocket bridge that fans decoded peer events
// out to a rendering layer.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/edgecli/peerlink/internal/logging"
	"github.com/edgecli/peerlink/internal/payload"
	"github.com/edgecli/peerlink/internal/registry"
	"github.com/edgecli/peerlink/internal/syncstate"
)

const (
	// Time allowed to write a message to the client.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the client.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// The feed is one-way; clients only send control frames.
	maxMessageSize = 512
)

// Event is one message on the feed.
type Event struct {
	Type string          `json:"type"`
	Peer string          `json:"peer,omitempty"`
	Time int64           `json:"time"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Event types.
const (
	TypeNotification    = "notification"
	TypeIconResponse    = "icon_response"
	TypeAppListResponse = "app_list_response"
	TypeSync            = "sync"
	TypePeerStatus      = "peer_status"
	TypePeerDiscovered  = "peer_discovered"
)

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub maintains connected clients and broadcasts events to all of them.
type Hub struct {
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	clients    map[*client]struct{}
	count      atomic.Int32
	done       chan struct{}

	upgrader websocket.Upgrader
	log      logrus.FieldLogger
	now      func() time.Time
}

// NewHub creates a hub. Call Run to start it.
func NewHub(log logrus.FieldLogger) *Hub {
	return &Hub{
		register:   make(chan *client, 16),
		unregister: make(chan *client, 16),
		broadcast:  make(chan []byte, 256),
		clients:    make(map[*client]struct{}),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		log: logging.Component(log, "feed"),
		now: time.Now,
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	return int(h.count.Load())
}

// Run serves register, unregister and broadcast until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.count.Store(0)
			return nil

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Store(int32(len(h.clients)))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.count.Store(int32(len(h.clients)))
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Slow client; drop it rather than stall the feed.
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.count.Store(int32(len(h.clients)))
		}
	}
}

// Publish queues ev for every client. Events are dropped when the hub is
// backed up.
func (h *Hub) Publish(ev Event) {
	if ev.Time == 0 {
		ev.Time = h.now().UnixMilli()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.WithError(err).Warn("failed to encode feed event")
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.log.WithField("type", ev.Type).Debug("feed backed up, dropping event")
	}
}

func (h *Hub) publish(typ, peer string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.WithError(err).Warn("failed to encode feed payload")
		return
	}
	h.Publish(Event{Type: typ, Peer: peer, Data: data})
}

// OnNotification publishes a relayed notification.
func (h *Hub) OnNotification(from registry.AuthRecord, n payload.Notification) {
	h.publish(TypeNotification, from.UUID, n)
}

// OnIconResponse publishes an icon.
func (h *Hub) OnIconResponse(from registry.AuthRecord, r payload.IconResponse) {
	h.publish(TypeIconResponse, from.UUID, r)
}

// OnAppListResponse publishes an app list.
func (h *Hub) OnAppListResponse(from registry.AuthRecord, r payload.AppListResponse) {
	h.publish(TypeAppListResponse, from.UUID, r)
}

type syncEvent struct {
	Kind        string           `json:"kind"`
	SourceID    string           `json:"sourceId"`
	PackageName string           `json:"packageName"`
	AppName     string           `json:"appName,omitempty"`
	State       *syncstate.State `json:"state,omitempty"`
}

// OnSyncEvent publishes merged sync state, or its teardown.
func (h *Hub) OnSyncEvent(from string, ev syncstate.Event) {
	se := syncEvent{Kind: ev.Kind.String(), SourceID: ev.SourceID, PackageName: ev.PackageName, AppName: ev.AppName}
	if ev.Kind == syncstate.EventUpdated {
		st := ev.State
		se.State = &st
	}
	h.publish(TypeSync, from, se)
}

// OnPeerStatus publishes an online/offline change.
func (h *Hub) OnPeerStatus(uuid string, online bool) {
	h.publish(TypePeerStatus, uuid, map[string]bool{"online": online})
}

// OnPeerDiscovered publishes an unauthenticated peer sighting.
func (h *Hub) OnPeerDiscovered(p registry.PeerDescriptor) {
	h.publish(TypePeerDiscovered, p.UUID, map[string]any{
		"displayName": p.DisplayName,
		"ip":          p.IP,
		"port":        p.Port,
	})
}

// ServeHTTP upgrades the request and attaches the client to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("failed to upgrade feed connection")
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, 64)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.WithError(err).Debug("feed client closed")
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ErrNotLoopback is returned for feed addresses reachable off this host.
var ErrNotLoopback = errors.New("feed: address is not loopback")

// IsLoopbackHost reports whether host names this machine only.
func IsLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}

// checkOrigin admits clients without an Origin header (local tools) and
// pages served from a loopback host. Any other page could read decrypted
// notifications through the user's browser.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return IsLoopbackHost(u.Hostname())
}

// ListenAndServe serves the hub at /ws on addr until ctx is done. addr must
// be a loopback address.
func (h *Hub) ListenAndServe(ctx context.Context, addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if !IsLoopbackHost(host) {
		return fmt.Errorf("%w: %s", ErrNotLoopback, addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return h.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (h *Hub) Serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	})
	defer stop()

	h.log.WithField("addr", ln.Addr().String()).Info("feed listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
