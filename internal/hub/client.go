package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fluxdrive/flux/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 90 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBuffer     = 256
)

// CloseSuperseded is sent when a newer socket for the same user
// replaces this one.
const CloseSuperseded = websocket.CloseGoingAway // 1001

// Client is one authenticated socket. The read pump owns the socket;
// all writes funnel through the send channel so the hub never blocks
// on a slow consumer.
type Client struct {
	UserID      string
	Email       string
	Name        string
	ConnectedAt time.Time

	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newClient(h *Hub, conn *websocket.Conn, userID, email, name string) *Client {
	return &Client{
		UserID:      userID,
		Email:       email,
		Name:        name,
		ConnectedAt: time.Now(),
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
	}
}

// Send marshals and enqueues a message. A consumer that cannot drain
// its queue is closed rather than allowed to stall the hub.
func (c *Client) Send(env wire.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		c.hub.log.Errorf("marshaling %s message: %v", env.Type, err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.hub.log.Warnf("client %s: send queue full, closing", c.UserID)
		c.closeWith(websocket.CloseGoingAway, "slow consumer")
	}
}

// closeWith delivers a close frame with the given status, then tears
// the socket down. Safe to call more than once.
func (c *Client) closeWith(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.conn.Close()
	})
}

func (c *Client) readPump() {
	defer func() {
		c.hub.disconnect(c)
		c.closeWith(websocket.CloseNormalClosure, "")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.log.Debugf("client %s: read error: %v", c.UserID, err)
			}
			return
		}
		// any traffic proves liveness
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.hub.dispatch(c, data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeWith(websocket.CloseNormalClosure, "")
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
