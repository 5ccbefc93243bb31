// Package capture tracks an in-progress voice recording or file selection
// until it is uploaded.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/GetStream/duochat/attachment"
)

var (
	ErrDeviceUnavailable = errors.New("capture: audio device unavailable")
	ErrCaptureInProgress = errors.New("capture: a capture is already in progress")
	ErrNothingCaptured   = errors.New("capture: nothing captured")
	ErrEmptyRecording    = errors.New("capture: recording is empty")
	ErrUploadInProgress  = errors.New("capture: upload in progress")
	ErrNoFile            = errors.New("capture: no file given")
	ErrDiscarded         = errors.New("capture: capture discarded")
)

// A State is a step in the capture lifecycle.
type State int

const (
	Idle State = iota
	Recording
	Captured
	FileSelected
	Uploading
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Captured:
		return "captured"
	case FileSelected:
		return "file_selected"
	case Uploading:
		return "uploading"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// An AudioInput gives exclusive access to an audio device. The stream yields
// raw audio until it is closed; a read error other than after Close is a
// device failure.
type AudioInput interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// AudioInputFunc adapts a function to AudioInput.
type AudioInputFunc func(ctx context.Context) (io.ReadCloser, error)

func (f AudioInputFunc) Open(ctx context.Context) (io.ReadCloser, error) {
	return f(ctx)
}

// An Uploader stores captured payloads.
type Uploader interface {
	Store(ctx context.Context, owner string, src attachment.Source, category attachment.Category) (attachment.Stored, error)
}

// An Attachment is a committed capture ready to be referenced by a message.
type Attachment struct {
	Category    attachment.Category
	Locator     string
	ContentType string
}

// Machine is the capture state machine of one conversation session. Only one
// capture, voice or file, is held at a time.
type Machine struct {
	owner    string
	input    AudioInput
	uploader Uploader
	logger   *slog.Logger

	mu sync.Mutex
	// gen changes whenever the held capture is dropped so that operations
	// resuming after a suspension can tell their capture is gone.
	gen    uint64
	state  State
	resume State
	rec    *recording
	voice  []byte
	file   attachment.Source
}

// New returns an idle machine capturing on behalf of owner.
func New(owner string, input AudioInput, uploader Uploader, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{owner: owner, input: input, uploader: uploader, logger: logger}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Pending reports whether a capture is ready to commit.
func (m *Machine) Pending() bool {
	s := m.State()
	return s == Captured || s == FileSelected
}

func (m *Machine) checkIdleLocked() error {
	switch m.state {
	case Idle:
		return nil
	case Uploading:
		return ErrUploadInProgress
	}
	return ErrCaptureInProgress
}

// StartRecording acquires the audio input and starts accumulating audio.
func (m *Machine) StartRecording(ctx context.Context) error {
	m.mu.Lock()
	if err := m.checkIdleLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.input == nil {
		m.mu.Unlock()
		return ErrDeviceUnavailable
	}
	m.state = Recording
	gen := m.gen
	m.mu.Unlock()

	stream, err := m.input.Open(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		// Stopped or discarded while the device was being acquired.
		if stream != nil {
			_ = stream.Close()
		}
		return ErrDiscarded
	}
	if err != nil {
		m.state = Idle
		m.logger.Warn("Could not acquire audio input", "owner", m.owner, "error", err.Error())
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	m.rec = startRecording(stream)
	m.logger.Debug("Recording started", "owner", m.owner)
	return nil
}

// StopRecording releases the audio input and keeps the recorded audio for
// Commit. It does nothing unless a recording is in progress.
func (m *Machine) StopRecording() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Recording {
		return nil
	}
	rec := m.rec
	m.rec = nil
	m.gen++
	if rec == nil {
		m.state = Idle
		return nil
	}

	data, err := rec.stop()
	if len(data) == 0 {
		m.state = Idle
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		return ErrEmptyRecording
	}
	if err != nil {
		m.logger.Warn("Audio input failed during recording", "owner", m.owner, "bytes", len(data), "error", err.Error())
	}
	m.voice = data
	m.state = Captured
	return nil
}

// SelectFile holds src for Commit. The payload is not read until then.
func (m *Machine) SelectFile(src attachment.Source) error {
	if src == nil {
		return ErrNoFile
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkIdleLocked(); err != nil {
		return err
	}
	m.file = src
	m.state = FileSelected
	return nil
}

// Cancel drops the held capture. A recording in progress is stopped and its
// audio discarded.
func (m *Machine) Cancel() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case Idle:
		return ErrNothingCaptured
	case Uploading:
		return ErrUploadInProgress
	}
	m.resetLocked()
	return nil
}

// Discard drops whatever is held, in any state. An upload in progress is not
// interrupted but its result is ignored.
func (m *Machine) Discard() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
}

func (m *Machine) resetLocked() {
	if m.rec != nil {
		_, _ = m.rec.stop()
		m.rec = nil
	}
	m.gen++
	m.voice = nil
	m.file = nil
	m.state = Idle
}

// Commit uploads the held capture. On success the machine returns to Idle.
// On failure it stays in its previous state with the payload retained, so
// Commit can be retried.
func (m *Machine) Commit(ctx context.Context) (Attachment, error) {
	m.mu.Lock()
	var (
		src      attachment.Source
		category attachment.Category
	)
	switch m.state {
	case Captured:
		src = attachment.Bytes("voice.mp3", attachment.VoiceContentType, m.voice)
		category = attachment.Voice
	case FileSelected:
		src = m.file
		category = attachment.File
	case Uploading:
		m.mu.Unlock()
		return Attachment{}, ErrUploadInProgress
	case Recording:
		m.mu.Unlock()
		return Attachment{}, ErrCaptureInProgress
	default:
		m.mu.Unlock()
		return Attachment{}, ErrNothingCaptured
	}
	m.resume = m.state
	m.state = Uploading
	gen := m.gen
	m.mu.Unlock()

	stored, err := m.uploader.Store(ctx, m.owner, src, category)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		if err == nil {
			m.logger.Info("Discarded capture finished uploading", "owner", m.owner, "path", stored.Path)
		}
		return Attachment{}, ErrDiscarded
	}
	if err != nil {
		m.state = m.resume
		return Attachment{}, err
	}
	m.voice = nil
	m.file = nil
	m.state = Idle
	return Attachment{Category: category, Locator: stored.Locator, ContentType: stored.ContentType}, nil
}

// recording copies an audio stream into memory.
type recording struct {
	stream io.ReadCloser
	done   chan struct{}

	mu      sync.Mutex
	buf     bytes.Buffer
	stopped bool
	err     error
}

func startRecording(stream io.ReadCloser) *recording {
	r := &recording{stream: stream, done: make(chan struct{})}
	go r.copy()
	return r
}

func (r *recording) copy() {
	defer close(r.done)
	chunk := make([]byte, 32*1024)
	for {
		n, err := r.stream.Read(chunk)
		r.mu.Lock()
		r.buf.Write(chunk[:n])
		if err != nil {
			if !r.stopped && !errors.Is(err, io.EOF) {
				r.err = err
			}
			r.mu.Unlock()
			// Release the device as soon as it fails.
			_ = r.stream.Close()
			return
		}
		r.mu.Unlock()
	}
}

// stop closes the stream and returns the accumulated audio together with any
// device failure seen while recording.
func (r *recording) stop() ([]byte, error) {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	_ = r.stream.Close()
	<-r.done

	r.mu.Lock()
	defer r.mu.Unlock()
	return bytes.Clone(r.buf.Bytes()), r.err
}
