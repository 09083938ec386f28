package hub

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/fluxdrive/flux/internal/directory"
	"github.com/fluxdrive/flux/internal/wire"
)

// Client-visible validation errors.
const (
	msgInvalidCode     = "Invalid connect code"
	msgSelfFriend      = "Cannot add yourself"
	msgAlreadyFriends  = "Already friends"
	msgPeerOffline     = "Peer not connected"
	msgSessionNotFound = "Session not found"
	msgSessionState    = "Invalid session state"
	msgInternal        = "Internal error"
)

// dispatch routes one inbound control message. Messages from a given
// peer are processed in arrival order on that peer's read pump.
func (h *Hub) dispatch(c *Client, data []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.log.Warnf("client %s: malformed message: %v", c.UserID, err)
		c.Send(wire.Error(msgInternal))
		return
	}

	switch env.Type {
	case wire.TypePing:
		c.Send(wire.Pong())
	case wire.TypeGetConnectCode:
		h.handleGetConnectCode(c)
	case wire.TypeGetFriends:
		h.handleGetFriends(c)
	case wire.TypeAddFriend:
		h.handleAddFriend(c, env)
	case wire.TypeSessionRequest:
		h.handleSessionRequest(c, env)
	case wire.TypeSessionAccept:
		h.handleSessionAccept(c, env)
	case wire.TypeSessionReject:
		h.handleSessionReject(c, env)
	case wire.TypeSessionReady:
		h.handleSessionReady(c, env)
	case wire.TypeSessionClose:
		h.handleSessionClose(c, env)
	case wire.TypeOffer, wire.TypeAnswer, wire.TypeICECandidate:
		h.handleSignalRelay(c, env)
	default:
		h.log.Warnf("client %s: unknown message type %q", c.UserID, env.Type)
	}
}

func (h *Hub) handleGetConnectCode(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	code, err := h.directory.GetOrCreateConnectCode(ctx, c.UserID)
	if err != nil {
		h.log.Errorf("client %s: connect code: %v", c.UserID, err)
		c.Send(wire.Error(msgInternal))
		return
	}
	c.Send(wire.ConnectCode(code))
}

func (h *Hub) handleGetFriends(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	friends, err := h.directory.ListFriends(ctx, c.UserID)
	if err != nil {
		h.log.Errorf("client %s: listing friends: %v", c.UserID, err)
		c.Send(wire.Error(msgInternal))
		return
	}

	views := make([]wire.FriendView, 0, len(friends))
	for _, f := range friends {
		views = append(views, h.friendView(f))
	}
	c.Send(wire.FriendsList(views))
}

func (h *Hub) friendView(f directory.Friend) wire.FriendView {
	return wire.FriendView{
		ID:       f.ID,
		Name:     f.Name,
		Email:    f.Email,
		IsOnline: h.registry.IsOnline(f.ID),
	}
}

func (h *Hub) handleAddFriend(c *Client, env wire.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	friendID, err := h.directory.ResolveCode(ctx, env.Code)
	if err != nil {
		if errors.Is(err, directory.ErrCodeNotFound) {
			c.Send(wire.Error(msgInvalidCode))
			return
		}
		h.log.Errorf("client %s: resolving code: %v", c.UserID, err)
		c.Send(wire.Error(msgInternal))
		return
	}

	err = h.directory.AddFriendship(ctx, c.UserID, friendID)
	switch {
	case errors.Is(err, directory.ErrSelfFriend):
		c.Send(wire.Error(msgSelfFriend))
		return
	case errors.Is(err, directory.ErrAlreadyFriends):
		c.Send(wire.Error(msgAlreadyFriends))
		return
	case err != nil:
		h.log.Errorf("client %s: adding friendship: %v", c.UserID, err)
		c.Send(wire.Error(msgInternal))
		return
	}

	friend, err := h.directory.GetFriend(ctx, friendID)
	if err != nil {
		h.log.Warnf("client %s: loading friend view: %v", c.UserID, err)
		friend = directory.Friend{ID: friendID}
	}
	c.Send(wire.FriendAdded(h.friendView(friend)))

	if peer := h.registry.Lookup(friendID); peer != nil {
		peer.Send(wire.FriendAdded(wire.FriendView{
			ID:       c.UserID,
			Name:     c.Name,
			Email:    c.Email,
			IsOnline: true,
		}))
	}
}

func (h *Hub) handleSessionRequest(c *Client, env wire.Envelope) {
	responder := h.registry.Lookup(env.PeerID)
	if responder == nil {
		c.Send(wire.Error(msgPeerOffline))
		return
	}

	s := h.sessions.Create(env.SessionID, c.UserID, env.PeerID, env.FileName, env.FileSize, env.FileType)
	h.log.Infof("session %s: %s -> %s (pending)", s.ID, s.Initiator, s.Responder)

	responder.Send(wire.Envelope{
		Type:       wire.TypeSessionRequest,
		SessionID:  env.SessionID,
		SenderID:   c.UserID,
		SenderName: c.Name,
		FileName:   env.FileName,
		FileSize:   env.FileSize,
		FileType:   env.FileType,
	})
}

func (h *Hub) handleSessionAccept(c *Client, env wire.Envelope) {
	s, err := h.sessions.Advance(env.SessionID, SessionPending, SessionAccepted)
	if err != nil {
		c.Send(wire.Error(sessionErrorMessage(err)))
		return
	}
	h.log.Infof("session %s: accepted", s.ID)

	if peer := h.registry.Lookup(s.Initiator); peer != nil {
		peer.Send(wire.Envelope{
			Type:      wire.TypeSessionAccept,
			SessionID: s.ID,
			SenderID:  c.UserID,
		})
	}
}

func (h *Hub) handleSessionReject(c *Client, env wire.Envelope) {
	s, ok := h.sessions.Delete(env.SessionID)
	if !ok {
		return
	}
	h.log.Infof("session %s: rejected", s.ID)

	if peer := h.registry.Lookup(s.Initiator); peer != nil {
		peer.Send(wire.Envelope{
			Type:      wire.TypeSessionReject,
			SessionID: s.ID,
			SenderID:  c.UserID,
		})
	}
}

func (h *Hub) handleSessionReady(c *Client, env wire.Envelope) {
	s, err := h.sessions.Advance(env.SessionID, SessionAccepted, SessionConnected)
	if err != nil {
		c.Send(wire.Error(sessionErrorMessage(err)))
		return
	}
	h.log.Infof("session %s: connected", s.ID)

	if peer := h.registry.Lookup(s.Other(c.UserID)); peer != nil {
		peer.Send(wire.Envelope{
			Type:      wire.TypeSessionReady,
			SessionID: s.ID,
			SenderID:  c.UserID,
		})
	}
}

func (h *Hub) handleSessionClose(c *Client, env wire.Envelope) {
	s, ok := h.sessions.Delete(env.SessionID)
	if !ok {
		c.Send(wire.Error(msgSessionNotFound))
		return
	}
	h.log.Infof("session %s: closed", s.ID)

	if peer := h.registry.Lookup(s.Other(c.UserID)); peer != nil {
		peer.Send(wire.Envelope{
			Type:      wire.TypeSessionClose,
			SessionID: s.ID,
			SenderID:  c.UserID,
		})
	}
}

// handleSignalRelay forwards an opaque offer/answer/candidate payload
// verbatim. The hub performs no SDP parsing.
func (h *Hub) handleSignalRelay(c *Client, env wire.Envelope) {
	peer := h.registry.Lookup(env.PeerID)
	if peer == nil {
		c.Send(wire.Error(msgPeerOffline))
		return
	}

	peer.Send(wire.Envelope{
		Type:      env.Type,
		SessionID: env.SessionID,
		SenderID:  c.UserID,
		Payload:   env.Payload,
	})
}

func sessionErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return msgSessionNotFound
	case errors.Is(err, ErrSessionState):
		return msgSessionState
	default:
		return msgInternal
	}
}
