package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fluxdrive/flux/internal/transport"
)

// ErrCancelled reports a transfer torn down by either side's cancel.
var ErrCancelled = errors.New("transfer: cancelled")

// FailureError carries the human-readable reason from a
// TRANSFER_FAILED frame.
type FailureError struct {
	Reason string
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("transfer failed: %s", e.Reason)
}

type SenderState int

const (
	SenderIdle SenderState = iota
	SenderSendingMetadata
	SenderAwaitingAck
	SenderSending
	SenderSentComplete
	SenderDone
)

type SenderOptions struct {
	// Channels is the chunk fan-out; chunk i travels on channel
	// i mod Channels. Defaults to DefaultChannels.
	Channels   int
	Logger     *logrus.Logger
	OnProgress func(Progress)
	// OnDone fires exactly once: nil on TRANSFER_SUCCESS, ErrCancelled
	// on either side's cancel, *FailureError on TRANSFER_FAILED, or
	// the transport error that broke the stream.
	OnDone func(error)
}

// Sender drives one outgoing transfer. It borrows the transport; the
// owner routes inbound control frames to HandleFrame and drain events
// to NotifyDrained.
type Sender struct {
	tr       transport.Transport
	meta     Metadata
	src      io.ReaderAt
	channels int
	log      *logrus.Logger

	onProgress func(Progress)
	onDone     func(error)

	mu      sync.Mutex
	state   SenderState
	started time.Time

	ackOnce  sync.Once
	ack      chan struct{}
	result   chan error
	resume   chan struct{}
	doneOnce sync.Once
}

func NewSender(tr transport.Transport, meta Metadata, src io.ReaderAt, opts SenderOptions) *Sender {
	channels := opts.Channels
	if channels <= 0 {
		channels = DefaultChannels
	}
	log := opts.Logger
	if log == nil {
		log = logrus.New()
	}
	return &Sender{
		tr:         tr,
		meta:       meta,
		src:        src,
		channels:   channels,
		log:        log,
		onProgress: opts.OnProgress,
		onDone:     opts.OnDone,
		state:      SenderIdle,
		ack:        make(chan struct{}),
		result:     make(chan error, 1),
		resume:     make(chan struct{}, 1),
	}
}

func (s *Sender) State() SenderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sender) setState(st SenderState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Start launches the driver goroutine.
func (s *Sender) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *Sender) run(ctx context.Context) {
	s.setState(SenderSendingMetadata)
	s.mu.Lock()
	s.started = time.Now()
	s.mu.Unlock()

	payload, err := s.meta.encode()
	if err != nil {
		s.finish(err)
		return
	}
	if err := s.tr.Send(0, EncodeControl(FrameFileMetadata, payload)); err != nil {
		s.finish(fmt.Errorf("sending metadata: %w", err))
		return
	}

	s.setState(SenderAwaitingAck)
	select {
	case <-s.ack:
	case err := <-s.result:
		s.finish(err)
		return
	case <-ctx.Done():
		s.cancelWithFrame()
		return
	}

	s.setState(SenderSending)
	s.log.Debugf("transfer %s: streaming %d chunks across %d channels",
		s.meta.TransferID, s.meta.TotalChunks, s.channels)

	for i := 0; i < s.meta.TotalChunks; i++ {
		if err, done := s.waitForWindow(ctx); done {
			if err != nil {
				s.finish(err)
			}
			return
		}

		size := int64(ChunkSize)
		if remaining := s.meta.FileSize - int64(i)*ChunkSize; remaining < size {
			size = remaining
		}
		data := make([]byte, size)
		if _, err := s.src.ReadAt(data, int64(i)*ChunkSize); err != nil {
			s.finish(fmt.Errorf("reading chunk %d: %w", i, err))
			return
		}

		if err := s.tr.Send(i%s.channels, EncodeChunk(uint32(i), data)); err != nil {
			s.finish(fmt.Errorf("sending chunk %d: %w", i, err))
			return
		}

		s.report(minInt64(int64(i+1)*ChunkSize, s.meta.FileSize))
	}

	if err := s.tr.Send(0, EncodeControl(FrameFileComplete, []byte(s.meta.Checksum))); err != nil {
		s.finish(fmt.Errorf("sending completion: %w", err))
		return
	}
	s.setState(SenderSentComplete)

	select {
	case err := <-s.result:
		s.finish(err)
	case <-ctx.Done():
		s.cancelWithFrame()
	}
}

// waitForWindow pauses once the aggregate buffered bytes exceed the
// high watermark and blocks until they drop below the low watermark.
// Control frames are unaffected; only the chunk pump pauses here.
func (s *Sender) waitForWindow(ctx context.Context) (err error, done bool) {
	if s.tr.TotalBufferedAmount() > HighWatermark {
		for s.tr.TotalBufferedAmount() >= LowWatermark {
			select {
			case <-s.resume:
			case err := <-s.result:
				return err, true
			case <-ctx.Done():
				s.cancelWithFrame()
				return nil, true
			case <-time.After(time.Second):
				// periodic re-check in case a drain event was coalesced
			}
		}
	}

	select {
	case err := <-s.result:
		return err, true
	default:
	}
	return nil, false
}

func (s *Sender) report(transferred int64) {
	if s.onProgress == nil {
		return
	}
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	s.onProgress(progressAt(s.meta.TransferID, transferred, s.meta.FileSize, started))
}

// HandleFrame consumes a control frame addressed to this sender.
func (s *Sender) HandleFrame(_ int, data []byte) {
	frame, err := DecodeFrame(data)
	if err != nil {
		s.log.Warnf("transfer %s: dropping bad frame: %v", s.meta.TransferID, err)
		return
	}

	switch frame.Type {
	case FrameTransferAck:
		s.ackOnce.Do(func() { close(s.ack) })
	case FrameTransferSuccess:
		s.pushResult(nil)
	case FrameTransferFailed:
		s.pushResult(&FailureError{Reason: string(frame.Payload)})
	case FrameTransferCancel:
		s.pushResult(ErrCancelled)
	default:
		s.log.Warnf("transfer %s: unexpected %s frame at sender", s.meta.TransferID, frame.Type)
	}
}

// NotifyDrained is called from the transport's BufferDrained handler.
func (s *Sender) NotifyDrained() {
	if s.tr.TotalBufferedAmount() >= LowWatermark {
		return
	}
	select {
	case s.resume <- struct{}{}:
	default:
	}
}

// Cancel tears the transfer down locally and tells the peer.
func (s *Sender) Cancel() {
	s.cancelWithFrame()
}

func (s *Sender) cancelWithFrame() {
	_ = s.tr.Send(0, EncodeControl(FrameTransferCancel, []byte(s.meta.TransferID)))
	s.pushResult(ErrCancelled)
	s.finish(ErrCancelled)
}

func (s *Sender) pushResult(err error) {
	select {
	case s.result <- err:
	default:
	}
}

func (s *Sender) finish(err error) {
	s.doneOnce.Do(func() {
		s.setState(SenderDone)
		if err != nil {
			s.log.Debugf("transfer %s: sender finished: %v", s.meta.TransferID, err)
		}
		if s.onDone != nil {
			s.onDone(err)
		}
	})
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
