package capture

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrNotRecording is returned when frames are written to a Pipe that is not
// open.
var ErrNotRecording = errors.New("capture: audio input is not open")

// Pipe is an AudioInput fed with frames by the caller, for instance from a
// client connection streaming microphone audio. It can be opened by one
// recording at a time.
type Pipe struct {
	mu sync.Mutex
	w  *io.PipeWriter
}

// NewPipe returns a closed pipe.
func NewPipe() *Pipe {
	return &Pipe{}
}

// Open acquires the pipe.
func (p *Pipe) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.w != nil {
		return nil, ErrDeviceUnavailable
	}
	r, w := io.Pipe()
	p.w = w
	return &pipeStream{PipeReader: r, pipe: p, w: w}, nil
}

// WriteFrame delivers a frame to the open recording. It blocks until the
// recording has consumed the frame.
func (p *Pipe) WriteFrame(frame []byte) error {
	p.mu.Lock()
	w := p.w
	p.mu.Unlock()
	if w == nil {
		return ErrNotRecording
	}
	_, err := w.Write(frame)
	return err
}

// Fail ends the open recording with err, as a failing device would.
func (p *Pipe) Fail(err error) {
	p.mu.Lock()
	w := p.w
	p.w = nil
	p.mu.Unlock()
	if w != nil {
		_ = w.CloseWithError(err)
	}
}

// IsOpen reports whether a recording holds the pipe.
func (p *Pipe) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.w != nil
}

type pipeStream struct {
	*io.PipeReader
	pipe *Pipe
	w    *io.PipeWriter
}

func (s *pipeStream) Close() error {
	s.pipe.mu.Lock()
	if s.pipe.w == s.w {
		s.pipe.w = nil
	}
	s.pipe.mu.Unlock()
	return s.PipeReader.Close()
}
