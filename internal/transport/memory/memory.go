// Package memory provides an in-process loopback transport pair for
// protocol tests. Delivery preserves submission order across channels
// (a stronger guarantee than a real transport, which only orders
// within a channel); tests exercise cross-channel reordering by
// feeding frames to the protocol directly or through Intercept.
package memory

import (
	"sync"

	"github.com/fluxdrive/flux/internal/transport"
)

type queued struct {
	channel int
	data    []byte
}

// Transport is one end of a loopback pair created by NewPair.
type Transport struct {
	peer *Transport

	mu       sync.Mutex
	handlers transport.Handlers
	buffered []uint64
	queue    chan queued
	held     bool
	release  chan struct{}
	closed   bool
	done     chan struct{}

	// Intercept, when set, may rewrite or drop a frame before it
	// reaches the peer. Returning ok=false drops the frame.
	Intercept func(channel int, data []byte) (out []byte, ok bool)

	// DrainThreshold mirrors a real transport's buffered-amount low
	// threshold: BufferDrained fires when a channel's buffered amount
	// falls to or below it after a delivery.
	DrainThreshold uint64
}

// NewPair returns two connected transports. Frames sent on one end are
// delivered to the other end's Inbound handler.
func NewPair() (*Transport, *Transport) {
	a := &Transport{release: make(chan struct{})}
	b := &Transport{release: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

func (t *Transport) SetHandlers(h transport.Handlers) {
	t.mu.Lock()
	t.handlers = h
	t.mu.Unlock()
}

func (t *Transport) OpenChannels(n int, _ string) error {
	t.mu.Lock()
	t.buffered = make([]uint64, n)
	t.queue = make(chan queued, 4096)
	t.done = make(chan struct{})
	opened := t.handlers.ChannelOpened
	state := t.handlers.StateChanged
	t.mu.Unlock()

	go t.deliver()

	for i := 0; i < n; i++ {
		if opened != nil {
			opened(i)
		}
	}
	if state != nil {
		state(transport.StateConnected, nil)
	}
	return nil
}

func (t *Transport) deliver() {
	defer close(t.done)
	for q := range t.queue {
		for {
			t.mu.Lock()
			held := t.held
			release := t.release
			t.mu.Unlock()
			if !held {
				break
			}
			<-release
		}

		data, deliverable := q.data, true
		if hook := t.Intercept; hook != nil {
			data, deliverable = hook(q.channel, q.data)
		}

		if deliverable {
			t.peer.mu.Lock()
			inbound := t.peer.handlers.Inbound
			t.peer.mu.Unlock()
			if inbound != nil {
				inbound(q.channel, data)
			}
		}

		t.finishSend(q.channel, len(q.data))
	}
}

func (t *Transport) finishSend(channel, size int) {
	t.mu.Lock()
	if t.buffered[channel] >= uint64(size) {
		t.buffered[channel] -= uint64(size)
	} else {
		t.buffered[channel] = 0
	}
	remaining := t.buffered[channel]
	drained := t.handlers.BufferDrained
	threshold := t.DrainThreshold
	t.mu.Unlock()

	if drained != nil && remaining <= threshold {
		drained(channel, remaining)
	}
}

func (t *Transport) Send(channel int, data []byte) error {
	t.mu.Lock()
	if t.closed || t.queue == nil || channel >= len(t.buffered) {
		t.mu.Unlock()
		return transport.ErrChannelClosed
	}
	t.buffered[channel] += uint64(len(data))
	q := t.queue
	t.mu.Unlock()

	buf := make([]byte, len(data))
	copy(buf, data)
	q <- queued{channel: channel, data: buf}
	return nil
}

func (t *Transport) BufferedAmount(channel int) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if channel >= len(t.buffered) {
		return 0
	}
	return t.buffered[channel]
}

func (t *Transport) TotalBufferedAmount() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total uint64
	for _, b := range t.buffered {
		total += b
	}
	return total
}

// HoldDelivery parks the delivery loop so frames pile up in the
// buffered amounts, simulating a congested link.
func (t *Transport) HoldDelivery() {
	t.mu.Lock()
	t.held = true
	t.mu.Unlock()
}

// ReleaseDelivery resumes delivery after HoldDelivery.
func (t *Transport) ReleaseDelivery() {
	t.mu.Lock()
	if t.held {
		t.held = false
		close(t.release)
		t.release = make(chan struct{})
	}
	t.mu.Unlock()
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	if t.held {
		t.held = false
		close(t.release)
		t.release = make(chan struct{})
	}
	queue := t.queue
	done := t.done
	n := len(t.buffered)
	closedCb := t.handlers.ChannelClosed
	state := t.handlers.StateChanged
	t.mu.Unlock()

	if queue != nil {
		close(queue)
		<-done
	}

	for i := 0; i < n; i++ {
		if closedCb != nil {
			closedCb(i)
		}
	}
	if state != nil {
		state(transport.StateDisconnected, nil)
	}
	return nil
}

var _ transport.Transport = (*Transport)(nil)
