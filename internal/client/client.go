package client

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fluxdrive/flux/internal/transfer"
	"github.com/fluxdrive/flux/internal/transport"
	"github.com/fluxdrive/flux/internal/wire"
)

// Client ties the signaling connection to the transfer protocol.
type Client struct {
	Hub        *HubClient
	Log        *logrus.Logger
	ScratchDir string
	STUN       []string

	// Channels is the data-channel fan-out per transfer.
	Channels int

	OnProgress func(transfer.Progress)
}

func New(hub *HubClient, log *logrus.Logger) *Client {
	return &Client{
		Hub:      hub,
		Log:      log,
		Channels: transfer.DefaultChannels,
	}
}

// SendFile offers one file to a peer and streams it once the peer
// accepts and the direct link is up.
func (c *Client) SendFile(ctx context.Context, path, peerID string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stating %s: %w", path, err)
	}

	checksum, err := transfer.HashReader(f)
	if err != nil {
		return fmt.Errorf("hashing %s: %w", path, err)
	}

	meta := transfer.Metadata{
		TransferID:  uuid.NewString(),
		FileName:    filepath.Base(path),
		FileSize:    info.Size(),
		FileType:    strings.TrimPrefix(filepath.Ext(path), "."),
		TotalChunks: transfer.TotalChunks(info.Size()),
		Checksum:    checksum,
	}

	err = c.Hub.Send(wire.Envelope{
		Type:      wire.TypeSessionRequest,
		PeerID:    peerID,
		SessionID: meta.TransferID,
		FileName:  meta.FileName,
		FileSize:  meta.FileSize,
		FileType:  meta.FileType,
	})
	if err != nil {
		return err
	}

	if err := c.awaitAccept(ctx, meta.TransferID); err != nil {
		return err
	}

	peer, err := NewPeer(c.Hub, c.Log, peerID, meta.TransferID, true, c.STUN)
	if err != nil {
		return err
	}
	defer peer.Close()

	done := make(chan error, 1)
	sender := transfer.NewSender(peer.Adapter(), meta, f, transfer.SenderOptions{
		Channels:   c.Channels,
		Logger:     c.Log,
		OnProgress: c.OnProgress,
		OnDone:     func(err error) { done <- err },
	})

	err = peer.WireChannels(c.Channels, transport.Handlers{
		Inbound:       sender.HandleFrame,
		BufferDrained: func(int, uint64) { sender.NotifyDrained() },
	})
	if err != nil {
		return err
	}

	signalCtx, stopSignals := context.WithCancel(ctx)
	defer stopSignals()
	go c.pumpSignals(signalCtx, peer, sender.Cancel)

	if err := peer.StartOffer(); err != nil {
		return err
	}

	select {
	case <-peer.Connected():
	case err := <-peer.Failed():
		return err
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-peer.ChannelsOpen():
	case err := <-peer.Failed():
		return err
	case <-ctx.Done():
		return ctx.Err()
	}

	err = c.Hub.Send(wire.Envelope{Type: wire.TypeSessionReady, SessionID: meta.TransferID})
	if err != nil {
		return err
	}

	sender.Start(ctx)
	result := <-done

	_ = c.Hub.Send(wire.Envelope{Type: wire.TypeSessionClose, SessionID: meta.TransferID})
	return result
}

func (c *Client) awaitAccept(ctx context.Context, sessionID string) error {
	for {
		select {
		case env := <-c.Hub.SessionAccepts:
			if env.SessionID == sessionID {
				return nil
			}
		case env := <-c.Hub.SessionRejects:
			if env.SessionID == sessionID {
				return fmt.Errorf("peer rejected the transfer")
			}
		case env := <-c.Hub.Errors:
			return &HubError{Message: env.Message}
		case <-c.Hub.Done():
			return ErrHubClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pumpSignals feeds relayed SDP and ICE into the peer until the
// context ends; a session close from the far side cancels the
// transfer.
func (c *Client) pumpSignals(ctx context.Context, peer *Peer, onClose func()) {
	for {
		select {
		case env := <-c.Hub.Offers:
			if env.SenderID != peer.RemoteID {
				continue
			}
			if err := peer.HandleOffer(env.Payload); err != nil {
				c.Log.Warnf("handling offer: %v", err)
			}
		case env := <-c.Hub.Answers:
			if env.SenderID != peer.RemoteID {
				continue
			}
			if err := peer.HandleAnswer(env.Payload); err != nil {
				c.Log.Warnf("handling answer: %v", err)
			}
		case env := <-c.Hub.Candidates:
			if env.SenderID != peer.RemoteID {
				continue
			}
			if err := peer.HandleCandidate(env.Payload); err != nil {
				c.Log.Warnf("handling candidate: %v", err)
			}
		case env := <-c.Hub.SessionCloses:
			if env.SessionID == peer.SessionID && onClose != nil {
				onClose()
			}
		case <-ctx.Done():
			return
		}
	}
}

// ReceivedFile describes one completed inbound transfer.
type ReceivedFile struct {
	Meta transfer.Metadata
	Path string
}

// ReceiveOne accepts the next incoming session request and runs the
// transfer to completion.
func (c *Client) ReceiveOne(ctx context.Context) (ReceivedFile, error) {
	var req wire.Envelope
	select {
	case req = <-c.Hub.SessionRequests:
	case <-c.Hub.Done():
		return ReceivedFile{}, ErrHubClosed
	case <-ctx.Done():
		return ReceivedFile{}, ctx.Err()
	}

	c.Log.Infof("incoming transfer %q (%d bytes) from %s", req.FileName, req.FileSize, req.SenderName)

	err := c.Hub.Send(wire.Envelope{Type: wire.TypeSessionAccept, SessionID: req.SessionID})
	if err != nil {
		return ReceivedFile{}, err
	}

	peer, err := NewPeer(c.Hub, c.Log, req.SenderID, req.SessionID, false, c.STUN)
	if err != nil {
		return ReceivedFile{}, err
	}
	defer peer.Close()

	type outcome struct {
		file ReceivedFile
		err  error
	}
	done := make(chan outcome, 1)

	receiver := transfer.NewReceiver(peer.Adapter(), transfer.ReceiverOptions{
		ScratchDir: c.ScratchDir,
		Logger:     c.Log,
		OnProgress: c.OnProgress,
		OnComplete: func(meta transfer.Metadata, path string) {
			done <- outcome{file: ReceivedFile{Meta: meta, Path: path}}
		},
		OnFailed: func(reason string) {
			done <- outcome{err: &transfer.FailureError{Reason: reason}}
		},
		OnCancelled: func() {
			done <- outcome{err: transfer.ErrCancelled}
		},
	})

	err = peer.WireChannels(c.Channels, transport.Handlers{
		Inbound: receiver.HandleFrame,
	})
	if err != nil {
		return ReceivedFile{}, err
	}

	signalCtx, stopSignals := context.WithCancel(ctx)
	defer stopSignals()
	go c.pumpSignals(signalCtx, peer, receiver.Cancel)

	select {
	case out := <-done:
		return out.file, out.err
	case err := <-peer.Failed():
		return ReceivedFile{}, err
	case <-c.Hub.Done():
		return ReceivedFile{}, ErrHubClosed
	case <-ctx.Done():
		return ReceivedFile{}, ctx.Err()
	}
}
