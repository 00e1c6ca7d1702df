// Package capturetest provides scriptable in-memory host primitives for
// exercising capture.Controller and capture.Reconciler without audio hardware.
package capturetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rojolang/twin-recorder-go/pkg/capture"
)

// FakeDevices hands out FakeStreams, or fails with Err.
type FakeDevices struct {
	mu  sync.Mutex
	Err error
	// Hold, when set, keeps GetUserMedia from returning until it is closed.
	// Acquiring, when set, receives once the stream exists and the call is
	// blocked on Hold.
	Hold      chan struct{}
	Acquiring chan struct{}

	streams []*FakeStream
	last    capture.Constraints
}

func (d *FakeDevices) GetUserMedia(ctx context.Context, constraints capture.Constraints) (capture.MediaStream, error) {
	d.mu.Lock()
	d.last = constraints
	if d.Err != nil {
		d.mu.Unlock()
		return nil, d.Err
	}
	s := &FakeStream{id: fmt.Sprintf("fake-stream-%d", len(d.streams)+1)}
	d.streams = append(d.streams, s)
	hold, acquiring := d.Hold, d.Acquiring
	d.mu.Unlock()

	if hold != nil {
		if acquiring != nil {
			acquiring <- struct{}{}
		}
		select {
		case <-hold:
		case <-ctx.Done():
			_ = s.Stop()
			return nil, ctx.Err()
		}
	}
	return s, nil
}

// Streams returns every stream handed out so far.
func (d *FakeDevices) Streams() []*FakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*FakeStream, len(d.streams))
	copy(out, d.streams)
	return out
}

// LastConstraints returns the constraints of the most recent request.
func (d *FakeDevices) LastConstraints() capture.Constraints {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

type FakeStream struct {
	id    string
	stops int32
}

func (s *FakeStream) ID() string { return s.id }

func (s *FakeStream) Stop() error {
	atomic.AddInt32(&s.stops, 1)
	return nil
}

// StopCount is the number of times the stream was released.
func (s *FakeStream) StopCount() int {
	return int(atomic.LoadInt32(&s.stops))
}

func (s *FakeStream) Released() bool {
	return s.StopCount() > 0
}

// FakeEncoderFactory builds FakeEncoders. Supported lists the mime types
// reported by IsTypeSupported.
type FakeEncoderFactory struct {
	Supported []string
	NewErr    error
	// Configure, when set, runs on each encoder before it is returned.
	Configure func(*FakeEncoder)

	mu       sync.Mutex
	encoders []*FakeEncoder
}

func (f *FakeEncoderFactory) IsTypeSupported(mimeType string) bool {
	for _, s := range f.Supported {
		if s == mimeType {
			return true
		}
	}
	return false
}

func (f *FakeEncoderFactory) NewEncoder(stream capture.MediaStream, mimeType string) (capture.Encoder, error) {
	if f.NewErr != nil {
		return nil, f.NewErr
	}
	e := &FakeEncoder{
		mimeType: mimeType,
		events:   make(chan capture.EncoderEvent, 1024),
	}
	if f.Configure != nil {
		f.Configure(e)
	}
	f.mu.Lock()
	f.encoders = append(f.encoders, e)
	f.mu.Unlock()
	return e, nil
}

// Last returns the most recently built encoder.
func (f *FakeEncoderFactory) Last() *FakeEncoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.encoders) == 0 {
		return nil
	}
	return f.encoders[len(f.encoders)-1]
}

// FakeEncoder records calls and emits scripted events.
type FakeEncoder struct {
	// FinalChunks are emitted on Stop before the stopped event.
	FinalChunks [][]byte
	// LateChunks are emitted on Stop after the stopped event.
	LateChunks [][]byte
	// SilentStop suppresses the stopped event and leaves Events open.
	SilentStop bool
	StartErr   error
	PauseErr   error
	ResumeErr  error

	mu        sync.Mutex
	mimeType  string
	events    chan capture.EncoderEvent
	closed    bool
	timeslice time.Duration
	started   bool
	paused    bool
	stops     int
}

func (e *FakeEncoder) MimeType() string { return e.mimeType }

func (e *FakeEncoder) Events() <-chan capture.EncoderEvent { return e.events }

func (e *FakeEncoder) Start(timeslice time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.StartErr != nil {
		return e.StartErr
	}
	e.timeslice = timeslice
	e.started = true
	return nil
}

func (e *FakeEncoder) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.PauseErr != nil {
		return e.PauseErr
	}
	e.paused = true
	return nil
}

func (e *FakeEncoder) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ResumeErr != nil {
		return e.ResumeErr
	}
	e.paused = false
	return nil
}

func (e *FakeEncoder) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops++
	if e.closed {
		return nil
	}
	for _, c := range e.FinalChunks {
		e.send(capture.EncoderEvent{Kind: capture.EncoderDataAvailable, Data: c})
	}
	if e.SilentStop {
		return nil
	}
	e.send(capture.EncoderEvent{Kind: capture.EncoderStopped})
	for _, c := range e.LateChunks {
		e.send(capture.EncoderEvent{Kind: capture.EncoderDataAvailable, Data: c})
	}
	e.closed = true
	close(e.events)
	return nil
}

// Emit delivers a data chunk as if the flush interval elapsed.
func (e *FakeEncoder) Emit(data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.send(capture.EncoderEvent{Kind: capture.EncoderDataAvailable, Data: data})
}

// Fail delivers a runtime error.
func (e *FakeEncoder) Fail(err error) {
	if err == nil {
		err = errors.New("fake encoder failure")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.send(capture.EncoderEvent{Kind: capture.EncoderError, Err: err})
}

func (e *FakeEncoder) send(ev capture.EncoderEvent) {
	if e.closed {
		return
	}
	e.events <- ev
}

func (e *FakeEncoder) Timeslice() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timeslice
}

func (e *FakeEncoder) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

func (e *FakeEncoder) StopCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stops
}

// FakeDecoder opens FakeMedia that replay Script. A non-nil OpenErr makes
// Open fail.
type FakeDecoder struct {
	Script   []capture.MediaSignal
	Duration float64
	OpenErr  error

	mu     sync.Mutex
	medias []*FakeMedia
}

func (d *FakeDecoder) Open(ctx context.Context, blob *capture.Blob) (capture.Media, error) {
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	m := &FakeMedia{
		signals:  make(chan capture.MediaSignal, 64),
		duration: d.Duration,
	}
	for _, sig := range d.Script {
		m.signals <- sig
	}
	d.mu.Lock()
	d.medias = append(d.medias, m)
	d.mu.Unlock()
	return m, nil
}

// Last returns the most recently opened media.
func (d *FakeDecoder) Last() *FakeMedia {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.medias) == 0 {
		return nil
	}
	return d.medias[len(d.medias)-1]
}

type FakeMedia struct {
	mu       sync.Mutex
	signals  chan capture.MediaSignal
	duration float64
	closed   bool
}

func (m *FakeMedia) Signals() <-chan capture.MediaSignal { return m.signals }

func (m *FakeMedia) Duration() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.duration
}

// SetDuration changes what Duration reports.
func (m *FakeMedia) SetDuration(seconds float64) {
	m.mu.Lock()
	m.duration = seconds
	m.mu.Unlock()
}

// Push delivers a signal. Signals pushed after Close are dropped.
func (m *FakeMedia) Push(sig capture.MediaSignal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.signals <- sig:
	default:
	}
}

func (m *FakeMedia) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *FakeMedia) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
