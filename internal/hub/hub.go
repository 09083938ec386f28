// Package hub implements the Flux signaling hub: it authenticates
// WebSocket peers, tracks presence, manages friendships and connect
// codes through the directory, and brokers peer-to-peer session
// negotiation. File content never crosses the hub; it only relays
// opaque signaling payloads.
package hub

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/fluxdrive/flux/internal/directory"
	"github.com/fluxdrive/flux/internal/identity"
	"github.com/fluxdrive/flux/internal/wire"
)

// Close codes used during the upgrade handshake.
const (
	CloseAuthFailure    = 4001
	CloseUpgradeFailure = 4000
)

const dbTimeout = 5 * time.Second

type Config struct {
	Verifier  identity.Verifier
	Directory *directory.Store
	Logger    *logrus.Logger
}

type Hub struct {
	verifier  identity.Verifier
	directory *directory.Store
	log       *logrus.Logger

	registry *Registry
	sessions *SessionTable
	upgrader websocket.Upgrader
}

func New(cfg Config) *Hub {
	log := cfg.Logger
	if log == nil {
		log = logrus.New()
	}
	return &Hub{
		verifier:  cfg.Verifier,
		directory: cfg.Directory,
		log:       log,
		registry:  NewRegistry(),
		sessions:  NewSessionTable(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Registry exposes presence for collaborators outside the hub.
func (h *Hub) Registry() *Registry { return h.registry }

// Sessions exposes the live session table.
func (h *Hub) Sessions() *SessionTable { return h.sessions }

// ServeWS terminates a signaling connection. The bearer token rides
// the upgrade URL's "token" query parameter; authentication failures
// close with 4001, other fatal upgrade errors with 4000.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	token := r.URL.Query().Get("token")

	ctx, cancel := context.WithTimeout(r.Context(), dbTimeout)
	id, err := h.verifier.Verify(ctx, token)
	cancel()
	if err != nil {
		code := CloseUpgradeFailure
		if token == "" || errors.Is(err, identity.ErrUnauthenticated) {
			code = CloseAuthFailure
		}
		msg := websocket.FormatCloseMessage(code, "authentication failed")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	c := newClient(h, conn, id.UserID, id.Email, id.Name())

	dbCtx, dbCancel := context.WithTimeout(context.Background(), dbTimeout)
	if err := h.directory.RememberIdentity(dbCtx, id); err != nil {
		h.log.Warnf("client %s: caching identity: %v", id.UserID, err)
	}
	dbCancel()

	if prev := h.registry.Register(c.UserID, c); prev != nil {
		h.log.Infof("client %s: superseding previous socket", c.UserID)
		prev.closeWith(CloseSuperseded, "superseded")
	}

	h.log.Infof("client %s (%s) connected from %s", c.UserID, c.Email, r.RemoteAddr)

	go c.writePump()
	c.Send(wire.Connected(c.UserID, c.Email))
	h.broadcastPresence(c.UserID, true)

	// the read pump owns the socket for the rest of the connection
	go c.readPump()
}

// disconnect runs once per socket teardown: it releases presence,
// purges sessions, and tells surviving peers.
func (h *Hub) disconnect(c *Client) {
	if !h.registry.Unregister(c.UserID, c) {
		// superseded; the successor owns presence and sessions now
		return
	}

	h.log.Infof("client %s disconnected", c.UserID)

	for _, s := range h.sessions.PurgeFor(c.UserID) {
		other := s.Other(c.UserID)
		if peer := h.registry.Lookup(other); peer != nil {
			peer.Send(wire.Envelope{
				Type:      wire.TypeSessionClose,
				SessionID: s.ID,
				SenderID:  c.UserID,
			})
		}
	}

	h.broadcastPresence(c.UserID, false)
}

// broadcastPresence delivers an online/offline delta to the user's
// currently connected friends.
func (h *Hub) broadcastPresence(userID string, online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	friendIDs, err := h.directory.ListFriendIDs(ctx, userID)
	cancel()
	if err != nil {
		h.log.Warnf("presence broadcast for %s: %v", userID, err)
		return
	}

	delta := wire.PresenceDelta(online, userID)
	for _, fid := range friendIDs {
		if peer := h.registry.Lookup(fid); peer != nil {
			peer.Send(delta)
		}
	}
}
