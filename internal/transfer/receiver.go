package transfer

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fluxdrive/flux/internal/transport"
)

type ReceiverState int

const (
	ReceiverIdle ReceiverState = iota
	ReceiverReceiving
	ReceiverVerifying
	ReceiverDone
)

type ReceiverOptions struct {
	// ScratchDir is where verified payloads are persisted. Defaults to
	// the OS temp dir.
	ScratchDir string
	Logger     *logrus.Logger
	OnProgress func(Progress)
	// OnComplete receives the metadata and the scratch path of the
	// verified payload.
	OnComplete  func(Metadata, string)
	OnFailed    func(reason string)
	OnCancelled func()
}

// Receiver reassembles one incoming transfer. Chunks are collected by
// index; the first occurrence of an index wins. Integrity is verified
// against the whole-file digest on FILE_COMPLETE.
type Receiver struct {
	tr      transport.Transport
	scratch string
	log     *logrus.Logger

	onProgress  func(Progress)
	onComplete  func(Metadata, string)
	onFailed    func(reason string)
	onCancelled func()

	mu       sync.Mutex
	state    ReceiverState
	meta     Metadata
	chunks   map[uint32][]byte
	received int64
	started  time.Time
}

func NewReceiver(tr transport.Transport, opts ReceiverOptions) *Receiver {
	scratch := opts.ScratchDir
	if scratch == "" {
		scratch = os.TempDir()
	}
	log := opts.Logger
	if log == nil {
		log = logrus.New()
	}
	return &Receiver{
		tr:          tr,
		scratch:     scratch,
		log:         log,
		onProgress:  opts.OnProgress,
		onComplete:  opts.OnComplete,
		onFailed:    opts.OnFailed,
		onCancelled: opts.OnCancelled,
		state:       ReceiverIdle,
		chunks:      make(map[uint32][]byte),
	}
}

func (r *Receiver) State() ReceiverState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// HandleFrame consumes one inbound frame from any channel.
func (r *Receiver) HandleFrame(_ int, data []byte) {
	frame, err := DecodeFrame(data)
	if err != nil {
		r.log.Warnf("dropping bad frame: %v", err)
		return
	}

	switch frame.Type {
	case FrameFileMetadata:
		r.handleMetadata(frame.Payload)
	case FrameFileChunk:
		r.handleChunk(frame.Index, frame.Data)
	case FrameFileComplete:
		r.handleComplete(string(frame.Payload))
	case FrameTransferCancel:
		r.terminate(func() {
			if r.onCancelled != nil {
				r.onCancelled()
			}
		})
	case FrameTransferFailed:
		reason := string(frame.Payload)
		r.terminate(func() {
			if r.onFailed != nil {
				r.onFailed(reason)
			}
		})
	default:
		r.log.Warnf("unexpected %s frame at receiver", frame.Type)
	}
}

func (r *Receiver) handleMetadata(payload []byte) {
	meta, err := decodeMetadata(payload)
	if err != nil {
		r.fail("Invalid metadata")
		return
	}

	r.mu.Lock()
	if r.state != ReceiverIdle {
		r.mu.Unlock()
		r.log.Warnf("transfer %s: duplicate metadata ignored", meta.TransferID)
		return
	}
	r.meta = meta
	r.state = ReceiverReceiving
	r.started = time.Now()
	r.mu.Unlock()

	r.log.Debugf("transfer %s: receiving %q (%d bytes, %d chunks)",
		meta.TransferID, meta.FileName, meta.FileSize, meta.TotalChunks)

	if err := r.tr.Send(0, EncodeControl(FrameTransferAck, []byte(meta.TransferID))); err != nil {
		r.log.Warnf("transfer %s: sending ack: %v", meta.TransferID, err)
	}
}

func (r *Receiver) handleChunk(index uint32, data []byte) {
	r.mu.Lock()
	if r.state != ReceiverReceiving {
		r.mu.Unlock()
		return
	}
	if _, seen := r.chunks[index]; seen {
		r.mu.Unlock()
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	r.chunks[index] = buf
	r.received += int64(len(buf))
	transferred := r.received
	meta := r.meta
	started := r.started
	r.mu.Unlock()

	if r.onProgress != nil {
		r.onProgress(progressAt(meta.TransferID, transferred, meta.FileSize, started))
	}
}

func (r *Receiver) handleComplete(expected string) {
	r.mu.Lock()
	if r.state != ReceiverReceiving {
		r.mu.Unlock()
		return
	}
	r.state = ReceiverVerifying
	meta := r.meta
	chunks := r.chunks
	r.mu.Unlock()

	for i := 0; i < meta.TotalChunks; i++ {
		if _, ok := chunks[uint32(i)]; !ok {
			r.fail(fmt.Sprintf("Missing chunk %d", i))
			return
		}
	}

	h := sha256.New()
	payload := make([]byte, 0, meta.FileSize)
	for i := 0; i < meta.TotalChunks; i++ {
		chunk := chunks[uint32(i)]
		h.Write(chunk)
		payload = append(payload, chunk...)
	}
	digest := fmt.Sprintf("%x", h.Sum(nil))

	if !strings.EqualFold(digest, expected) {
		r.fail("Checksum mismatch")
		return
	}

	path, err := r.persist(meta, payload)
	if err != nil {
		r.log.Warnf("transfer %s: persisting payload: %v", meta.TransferID, err)
		r.fail("Internal error")
		return
	}

	if err := r.tr.Send(0, EncodeControl(FrameTransferSuccess, []byte(meta.TransferID))); err != nil {
		r.log.Warnf("transfer %s: sending success: %v", meta.TransferID, err)
	}

	r.terminate(func() {
		if r.onComplete != nil {
			r.onComplete(meta, path)
		}
	})
}

func (r *Receiver) persist(meta Metadata, payload []byte) (string, error) {
	if err := os.MkdirAll(r.scratch, 0o755); err != nil {
		return "", err
	}

	name := filepath.Base(meta.FileName)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = meta.TransferID
	}
	f, err := os.CreateTemp(r.scratch, "flux-*-"+name)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := f.Write(payload); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func (r *Receiver) fail(reason string) {
	r.mu.Lock()
	meta := r.meta
	r.mu.Unlock()

	if err := r.tr.Send(0, EncodeControl(FrameTransferFailed, []byte(reason))); err != nil {
		r.log.Warnf("transfer %s: sending failure: %v", meta.TransferID, err)
	}
	r.terminate(func() {
		if r.onFailed != nil {
			r.onFailed(reason)
		}
	})
}

// Cancel tears the transfer down locally and tells the peer.
func (r *Receiver) Cancel() {
	r.mu.Lock()
	meta := r.meta
	r.mu.Unlock()

	_ = r.tr.Send(0, EncodeControl(FrameTransferCancel, []byte(meta.TransferID)))
	r.terminate(func() {
		if r.onCancelled != nil {
			r.onCancelled()
		}
	})
}

func (r *Receiver) terminate(notify func()) {
	r.mu.Lock()
	if r.state == ReceiverDone {
		r.mu.Unlock()
		return
	}
	r.state = ReceiverDone
	r.mu.Unlock()
	notify()
}

// BytesReceived reports the running total of unique chunk bytes.
func (r *Receiver) BytesReceived() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.received
}
