package webrtc

import (
	"fmt"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxdrive/flux/internal/transport"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err, "creating peer connection")
	t.Cleanup(func() { _ = pc.Close() })

	return NewAdapter(pc)
}

func TestChannelIndexParsing(t *testing.T) {
	a := newTestAdapter(t)
	a.AcceptChannels(4, "flux")

	tests := []struct {
		label string
		index int
		ok    bool
	}{
		{"flux-0", 0, true},
		{"flux-3", 3, true},
		{"flux-4", 0, false},
		{"flux--1", 0, false},
		{"flux-x", 0, false},
		{"other-0", 0, false},
		{"flux0", 0, false},
	}
	for _, tt := range tests {
		i, ok := a.channelIndex(tt.label)
		assert.Equal(t, tt.ok, ok, "label %q acceptance", tt.label)
		if tt.ok {
			assert.Equal(t, tt.index, i, "label %q index", tt.label)
		}
	}
}

func TestOpenChannelsCreatesLabeledChannels(t *testing.T) {
	a := newTestAdapter(t)
	a.SetHandlers(transport.Handlers{})

	require.NoError(t, a.OpenChannels(4, "flux"))

	a.mu.Lock()
	defer a.mu.Unlock()
	require.Len(t, a.channels, 4)
	for i, dc := range a.channels {
		require.NotNil(t, dc, "channel %d missing", i)
		assert.Equal(t, fmt.Sprintf("flux-%d", i), dc.Label())
	}
}

func TestSendBeforeOpenFails(t *testing.T) {
	a := newTestAdapter(t)

	err := a.Send(0, []byte("x"))
	assert.ErrorIs(t, err, transport.ErrChannelClosed)
}

func TestBufferedAmountsStartEmpty(t *testing.T) {
	a := newTestAdapter(t)
	require.NoError(t, a.OpenChannels(2, "flux"))

	assert.Zero(t, a.BufferedAmount(0))
	assert.Zero(t, a.BufferedAmount(7), "out-of-range channels report zero")
	assert.Zero(t, a.TotalBufferedAmount())
}

func TestSendOnUnopenedChannelFails(t *testing.T) {
	a := newTestAdapter(t)
	require.NoError(t, a.OpenChannels(2, "flux"))

	// channels exist but are not open until negotiation completes
	err := a.Send(0, []byte("x"))
	assert.ErrorIs(t, err, transport.ErrChannelClosed)
}
