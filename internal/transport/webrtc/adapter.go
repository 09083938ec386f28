// Package webrtc adapts a pion peer connection to the transport
// interface the transfer protocol depends on.
package webrtc

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/fluxdrive/flux/internal/transport"
)

// drainThreshold is the per-channel buffered-amount low threshold; the
// aggregate low watermark check belongs to the sender.
const drainThreshold = 1 << 20

// Adapter exposes a pion peer connection's data channels as numbered
// ordered reliable channels. The adapter borrows the peer connection;
// closing the adapter closes the channels it opened but never the
// connection itself.
type Adapter struct {
	pc *webrtc.PeerConnection

	mu       sync.Mutex
	handlers transport.Handlers
	prefix   string
	channels []*webrtc.DataChannel
	expected int
}

func NewAdapter(pc *webrtc.PeerConnection) *Adapter {
	a := &Adapter{pc: pc}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		a.mu.Lock()
		state := a.handlers.StateChanged
		a.mu.Unlock()
		if state == nil {
			return
		}
		switch s {
		case webrtc.PeerConnectionStateConnecting:
			state(transport.StateConnecting, nil)
		case webrtc.PeerConnectionStateConnected:
			state(transport.StateConnected, nil)
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			state(transport.StateDisconnected, nil)
		case webrtc.PeerConnectionStateFailed:
			state(transport.StateFailed, fmt.Errorf("peer connection failed"))
		}
	})

	return a
}

func (a *Adapter) SetHandlers(h transport.Handlers) {
	a.mu.Lock()
	a.handlers = h
	a.mu.Unlock()
}

// OpenChannels creates n ordered reliable channels labeled
// "<prefix>-<i>", negotiated in-band.
func (a *Adapter) OpenChannels(n int, labelPrefix string) error {
	a.mu.Lock()
	a.prefix = labelPrefix
	a.channels = make([]*webrtc.DataChannel, n)
	a.expected = n
	a.mu.Unlock()

	ordered := true
	for i := 0; i < n; i++ {
		dc, err := a.pc.CreateDataChannel(fmt.Sprintf("%s-%d", labelPrefix, i), &webrtc.DataChannelInit{
			Ordered: &ordered,
		})
		if err != nil {
			return fmt.Errorf("creating data channel %d: %w", i, err)
		}
		a.attach(i, dc)
	}
	return nil
}

// AcceptChannels wires the responder side: inbound data channels whose
// labels match "<prefix>-<i>" are adopted as channel i.
func (a *Adapter) AcceptChannels(n int, labelPrefix string) {
	a.mu.Lock()
	a.prefix = labelPrefix
	a.channels = make([]*webrtc.DataChannel, n)
	a.expected = n
	a.mu.Unlock()

	a.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		i, ok := a.channelIndex(dc.Label())
		if !ok {
			return
		}
		a.attach(i, dc)
	})
}

func (a *Adapter) channelIndex(label string) (int, bool) {
	a.mu.Lock()
	prefix := a.prefix
	expected := a.expected
	a.mu.Unlock()

	rest, ok := strings.CutPrefix(label, prefix+"-")
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(rest)
	if err != nil || i < 0 || i >= expected {
		return 0, false
	}
	return i, true
}

func (a *Adapter) attach(i int, dc *webrtc.DataChannel) {
	a.mu.Lock()
	a.channels[i] = dc
	a.mu.Unlock()

	dc.SetBufferedAmountLowThreshold(drainThreshold)
	dc.OnBufferedAmountLow(func() {
		a.mu.Lock()
		drained := a.handlers.BufferDrained
		a.mu.Unlock()
		if drained != nil {
			drained(i, dc.BufferedAmount())
		}
	})

	dc.OnOpen(func() {
		a.mu.Lock()
		opened := a.handlers.ChannelOpened
		a.mu.Unlock()
		if opened != nil {
			opened(i)
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		a.mu.Lock()
		inbound := a.handlers.Inbound
		a.mu.Unlock()
		if inbound != nil {
			inbound(i, msg.Data)
		}
	})

	dc.OnClose(func() {
		a.mu.Lock()
		closed := a.handlers.ChannelClosed
		a.mu.Unlock()
		if closed != nil {
			closed(i)
		}
	})
}

func (a *Adapter) Send(channel int, data []byte) error {
	a.mu.Lock()
	var dc *webrtc.DataChannel
	if channel < len(a.channels) {
		dc = a.channels[channel]
	}
	a.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return transport.ErrChannelClosed
	}
	return dc.Send(data)
}

func (a *Adapter) BufferedAmount(channel int) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if channel >= len(a.channels) || a.channels[channel] == nil {
		return 0
	}
	return a.channels[channel].BufferedAmount()
}

func (a *Adapter) TotalBufferedAmount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total uint64
	for _, dc := range a.channels {
		if dc != nil {
			total += dc.BufferedAmount()
		}
	}
	return total
}

// Close closes the adapter's channels. The peer connection is owned by
// the caller and left open.
func (a *Adapter) Close() error {
	a.mu.Lock()
	channels := a.channels
	a.channels = nil
	a.mu.Unlock()

	for _, dc := range channels {
		if dc != nil {
			_ = dc.Close()
		}
	}
	return nil
}

var _ transport.Transport = (*Adapter)(nil)
