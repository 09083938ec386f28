package client

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/fluxdrive/flux/internal/transport"
	webrtctransport "github.com/fluxdrive/flux/internal/transport/webrtc"
	"github.com/fluxdrive/flux/internal/wire"
)

const channelLabelPrefix = "flux"

// DefaultSTUNServers are used when no ICE servers are configured.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Peer is one direct link under negotiation. Candidates arriving
// before the remote description are buffered and applied once it is
// set, so either offer/answer ordering works.
type Peer struct {
	RemoteID  string
	SessionID string

	hub       *HubClient
	log       *logrus.Logger
	pc        *webrtc.PeerConnection
	adapter   *webrtctransport.Adapter
	initiator bool

	mu        sync.Mutex
	remoteSet bool
	pending   []json.RawMessage

	connected    chan struct{}
	connectOnce  sync.Once
	failed       chan error
	failOnce     sync.Once
	channelsOpen chan struct{}
	openOnce     sync.Once
	openCount    int
	channels     int
}

// NewPeer builds the pion connection and its transport adapter. The
// caller registers transfer handlers on Adapter() before opening or
// accepting channels.
func NewPeer(hub *HubClient, log *logrus.Logger, remoteID, sessionID string, initiator bool, stunServers []string) (*Peer, error) {
	if len(stunServers) == 0 {
		stunServers = DefaultSTUNServers
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	p := &Peer{
		RemoteID:     remoteID,
		SessionID:    sessionID,
		hub:          hub,
		log:          log,
		pc:           pc,
		adapter:      webrtctransport.NewAdapter(pc),
		initiator:    initiator,
		connected:    make(chan struct{}),
		failed:       make(chan error, 1),
		channelsOpen: make(chan struct{}),
	}

	pc.OnICECandidate(func(ice *webrtc.ICECandidate) {
		if ice == nil {
			return
		}
		payload, err := json.Marshal(ice.ToJSON())
		if err != nil {
			p.log.Warnf("marshaling ICE candidate: %v", err)
			return
		}
		err = hub.Send(wire.Envelope{
			Type:      wire.TypeICECandidate,
			PeerID:    remoteID,
			SessionID: sessionID,
			Payload:   payload,
		})
		if err != nil {
			p.log.Warnf("relaying ICE candidate: %v", err)
		}
	})

	return p, nil
}

// Adapter returns the transport view of this peer link.
func (p *Peer) Adapter() *webrtctransport.Adapter { return p.adapter }

// WireChannels installs transfer handlers and either opens (initiator)
// or accepts (responder) the data channels. Must run before the
// offer/answer exchange so the channels ride the negotiated SDP.
func (p *Peer) WireChannels(n int, h transport.Handlers) error {
	p.channels = n

	opened := h.ChannelOpened
	h.ChannelOpened = func(i int) {
		p.mu.Lock()
		p.openCount++
		ready := p.openCount == p.channels
		p.mu.Unlock()
		if ready {
			p.openOnce.Do(func() { close(p.channelsOpen) })
		}
		if opened != nil {
			opened(i)
		}
	}

	state := h.StateChanged
	h.StateChanged = func(s transport.State, err error) {
		p.log.Debugf("peer %s: connection state %s", p.RemoteID, s)
		switch s {
		case transport.StateConnected:
			p.connectOnce.Do(func() { close(p.connected) })
		case transport.StateFailed:
			p.failOnce.Do(func() { p.failed <- err })
		}
		if state != nil {
			state(s, err)
		}
	}
	p.adapter.SetHandlers(h)

	if p.initiator {
		return p.adapter.OpenChannels(n, channelLabelPrefix)
	}
	p.adapter.AcceptChannels(n, channelLabelPrefix)
	return nil
}

// StartOffer runs the initiator half of the SDP exchange.
func (p *Peer) StartOffer() error {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}

	payload, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("marshaling offer: %w", err)
	}
	return p.hub.Send(wire.Envelope{
		Type:      wire.TypeOffer,
		PeerID:    p.RemoteID,
		SessionID: p.SessionID,
		Payload:   payload,
	})
}

// HandleOffer applies a relayed offer and answers it.
func (p *Peer) HandleOffer(payload json.RawMessage) error {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &offer); err != nil {
		return fmt.Errorf("decoding offer: %w", err)
	}
	if err := p.setRemote(offer); err != nil {
		return err
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("creating answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}

	out, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("marshaling answer: %w", err)
	}
	return p.hub.Send(wire.Envelope{
		Type:      wire.TypeAnswer,
		PeerID:    p.RemoteID,
		SessionID: p.SessionID,
		Payload:   out,
	})
}

// HandleAnswer applies a relayed answer.
func (p *Peer) HandleAnswer(payload json.RawMessage) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &answer); err != nil {
		return fmt.Errorf("decoding answer: %w", err)
	}
	return p.setRemote(answer)
}

func (p *Peer) setRemote(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}

	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.remoteSet = true
	p.mu.Unlock()

	for _, raw := range pending {
		if err := p.applyCandidate(raw); err != nil {
			p.log.Warnf("applying buffered candidate: %v", err)
		}
	}
	return nil
}

// HandleCandidate applies a relayed ICE candidate, buffering it while
// the remote description is still outstanding.
func (p *Peer) HandleCandidate(payload json.RawMessage) error {
	p.mu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, payload)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.applyCandidate(payload)
}

func (p *Peer) applyCandidate(payload json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &init); err != nil {
		return fmt.Errorf("decoding candidate: %w", err)
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("adding candidate: %w", err)
	}
	return nil
}

// Connected is closed once the peer connection reaches connected.
func (p *Peer) Connected() <-chan struct{} { return p.connected }

// Failed yields the terminal error of a failed connection attempt.
func (p *Peer) Failed() <-chan error { return p.failed }

// ChannelsOpen is closed once every data channel is open.
func (p *Peer) ChannelsOpen() <-chan struct{} { return p.channelsOpen }

// Close tears down the channels and the peer connection.
func (p *Peer) Close() {
	_ = p.adapter.Close()
	_ = p.pc.Close()
}
