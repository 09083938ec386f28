// Package client implements the native Flux peer: it speaks the
// signaling protocol to the hub, negotiates direct peer links, and
// drives the transfer protocol over them.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/fluxdrive/flux/internal/wire"
)

const (
	routeBuffer       = 100
	keepaliveInterval = 30 * time.Second
)

// ErrHubClosed reports that the signaling connection is gone.
var ErrHubClosed = errors.New("client: hub connection closed")

// HubError wraps an {type:"error"} reply from the hub.
type HubError struct {
	Message string
}

func (e *HubError) Error() string { return e.Message }

// HubClient is one signaling connection. Inbound messages are routed
// by type to dedicated channels, one consumer flow per concern.
type HubClient struct {
	UserID string
	Email  string

	conn *websocket.Conn
	log  *logrus.Logger

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once

	Errors          chan wire.Envelope
	ConnectCodes    chan wire.Envelope
	FriendsLists    chan wire.Envelope
	FriendAdded     chan wire.Envelope
	Presence        chan wire.Envelope
	SessionRequests chan wire.Envelope
	SessionAccepts  chan wire.Envelope
	SessionRejects  chan wire.Envelope
	SessionReady    chan wire.Envelope
	SessionCloses   chan wire.Envelope
	Offers          chan wire.Envelope
	Answers         chan wire.Envelope
	Candidates      chan wire.Envelope
}

// DialHub connects and authenticates against a hub base URL such as
// "ws://localhost:8924". It blocks until the hub's connected message
// arrives.
func DialHub(ctx context.Context, baseURL, token string, log *logrus.Logger) (*HubClient, error) {
	if log == nil {
		log = logrus.New()
	}

	u := fmt.Sprintf("%s/flux?token=%s", baseURL, url.QueryEscape(token))
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing hub: %w", err)
	}

	var connected wire.Envelope
	if err := conn.ReadJSON(&connected); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("reading handshake: %w", err)
	}
	if connected.Type != wire.TypeConnected {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected handshake message %q", connected.Type)
	}

	c := &HubClient{
		UserID:          connected.UserID,
		Email:           connected.Email,
		conn:            conn,
		log:             log,
		done:            make(chan struct{}),
		Errors:          make(chan wire.Envelope, routeBuffer),
		ConnectCodes:    make(chan wire.Envelope, routeBuffer),
		FriendsLists:    make(chan wire.Envelope, routeBuffer),
		FriendAdded:     make(chan wire.Envelope, routeBuffer),
		Presence:        make(chan wire.Envelope, routeBuffer),
		SessionRequests: make(chan wire.Envelope, routeBuffer),
		SessionAccepts:  make(chan wire.Envelope, routeBuffer),
		SessionRejects:  make(chan wire.Envelope, routeBuffer),
		SessionReady:    make(chan wire.Envelope, routeBuffer),
		SessionCloses:   make(chan wire.Envelope, routeBuffer),
		Offers:          make(chan wire.Envelope, routeBuffer),
		Answers:         make(chan wire.Envelope, routeBuffer),
		Candidates:      make(chan wire.Envelope, routeBuffer),
	}

	go c.readLoop()
	go c.keepalive()

	log.Infof("connected to hub as %s (%s)", c.UserID, c.Email)
	return c, nil
}

func (c *HubClient) readLoop() {
	defer c.Close()

	for {
		var env wire.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			select {
			case <-c.done:
			default:
				c.log.Debugf("hub read loop ended: %v", err)
			}
			return
		}
		c.route(env)
	}
}

func (c *HubClient) route(env wire.Envelope) {
	var ch chan wire.Envelope
	switch env.Type {
	case wire.TypePong:
		return
	case wire.TypeError:
		ch = c.Errors
	case wire.TypeConnectCode:
		ch = c.ConnectCodes
	case wire.TypeFriendsList:
		ch = c.FriendsLists
	case wire.TypeFriendAdded:
		ch = c.FriendAdded
	case wire.TypeFriendOnline, wire.TypeFriendOffline:
		ch = c.Presence
	case wire.TypeSessionRequest:
		ch = c.SessionRequests
	case wire.TypeSessionAccept:
		ch = c.SessionAccepts
	case wire.TypeSessionReject:
		ch = c.SessionRejects
	case wire.TypeSessionReady:
		ch = c.SessionReady
	case wire.TypeSessionClose:
		ch = c.SessionCloses
	case wire.TypeOffer:
		ch = c.Offers
	case wire.TypeAnswer:
		ch = c.Answers
	case wire.TypeICECandidate:
		ch = c.Candidates
	default:
		c.log.Debugf("ignoring message type %q", env.Type)
		return
	}

	select {
	case ch <- env:
	default:
		c.log.Warnf("dropping %s message: route backlog full", env.Type)
	}
}

func (c *HubClient) keepalive() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Send(wire.Envelope{Type: wire.TypePing}); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// Send writes one control message to the hub.
func (c *HubClient) Send(env wire.Envelope) error {
	select {
	case <-c.done:
		return ErrHubClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(env)
}

func (c *HubClient) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Done is closed when the signaling connection ends.
func (c *HubClient) Done() <-chan struct{} { return c.done }

// ConnectCode requests (allocating if needed) this user's code.
func (c *HubClient) ConnectCode(ctx context.Context) (string, error) {
	if err := c.Send(wire.Envelope{Type: wire.TypeGetConnectCode}); err != nil {
		return "", err
	}
	env, err := c.await(ctx, c.ConnectCodes)
	if err != nil {
		return "", err
	}
	return env.Code, nil
}

// Friends fetches the friend list with presence overlaid.
func (c *HubClient) Friends(ctx context.Context) ([]wire.FriendView, error) {
	if err := c.Send(wire.Envelope{Type: wire.TypeGetFriends}); err != nil {
		return nil, err
	}
	env, err := c.await(ctx, c.FriendsLists)
	if err != nil {
		return nil, err
	}
	return env.Friends, nil
}

// AddFriend resolves a connect code into a mutual friendship.
func (c *HubClient) AddFriend(ctx context.Context, code string) (wire.FriendView, error) {
	if err := c.Send(wire.Envelope{Type: wire.TypeAddFriend, Code: code}); err != nil {
		return wire.FriendView{}, err
	}
	env, err := c.await(ctx, c.FriendAdded)
	if err != nil {
		return wire.FriendView{}, err
	}
	if env.Friend == nil {
		return wire.FriendView{}, fmt.Errorf("friend_added without friend payload")
	}
	return *env.Friend, nil
}

// await resolves the next reply on ch, surfacing interleaved hub
// errors as HubError.
func (c *HubClient) await(ctx context.Context, ch chan wire.Envelope) (wire.Envelope, error) {
	select {
	case env := <-ch:
		return env, nil
	case env := <-c.Errors:
		return wire.Envelope{}, &HubError{Message: env.Message}
	case <-c.done:
		return wire.Envelope{}, ErrHubClosed
	case <-ctx.Done():
		return wire.Envelope{}, ctx.Err()
	}
}
