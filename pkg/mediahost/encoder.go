package mediahost

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rojolang/twin-recorder-go/pkg/capture"
)

// Containers produced by this host, in the order used for an unspecified
// request.
const (
	MimeOggOpus = "audio/ogg;codecs=opus"
	MimeWav     = "audio/wav"
)

var errNotPCMSource = errors.New("media stream does not deliver PCM")

// frameSink encodes PCM into container bytes written to its buffer.
type frameSink interface {
	Write(pcm []float32) error
	// Close flushes any partially filled frame.
	Close() error
}

// Encoders is the capture.EncoderFactory for this host.
type Encoders struct {
	clock  clockwork.Clock
	logger *capture.Logger
}

func NewEncoders(clock clockwork.Clock) *Encoders {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Encoders{
		clock:  clock,
		logger: capture.GetGlobalLogger().WithComponent("Encoder"),
	}
}

func (f *Encoders) IsTypeSupported(mimeType string) bool {
	mimeType = strings.ToLower(strings.ReplaceAll(mimeType, " ", ""))
	switch mimeType {
	case MimeOggOpus, "audio/ogg", MimeWav, "audio/wave", "audio/x-wav":
		return true
	}
	return false
}

// NewEncoder builds an encoder over a PCMSource stream. An empty mimeType
// selects Ogg Opus.
func (f *Encoders) NewEncoder(stream capture.MediaStream, mimeType string) (capture.Encoder, error) {
	src, ok := stream.(PCMSource)
	if !ok {
		return nil, errNotPCMSource
	}
	if mimeType == "" {
		mimeType = MimeOggOpus
	}
	if !f.IsTypeSupported(mimeType) {
		return nil, &capture.DeviceError{ErrName: capture.NameNotSupported, Err: fmt.Errorf("unsupported container %q", mimeType)}
	}

	e := &chunkEncoder{
		mimeType: mimeType,
		src:      src,
		clock:    f.clock,
		events:   make(chan capture.EncoderEvent, 256),
		logger:   f.logger.WithField("stream_id", stream.ID()),
	}

	var err error
	if capture.BlobType(mimeType) == "audio/wav" {
		e.sink = newWavSink(&e.out, src.SampleRate(), src.Channels())
	} else {
		e.sink, err = newOggOpusSink(&e.out, src.SampleRate(), src.Channels())
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

type encoderState int

const (
	encoderInactive encoderState = iota
	encoderRecording
	encoderPaused
	encoderStopping
	encoderStopped
)

// chunkEncoder feeds PCM from a source into a sink and flushes the sink's
// bytes as data events every timeslice.
type chunkEncoder struct {
	mimeType string
	src      PCMSource
	sink     frameSink
	clock    clockwork.Clock
	events   chan capture.EncoderEvent
	logger   *capture.Logger

	mu          sync.Mutex
	state       encoderState
	pending     []float32
	out         bytes.Buffer
	unsubscribe func()
	done        chan struct{}
	failed      error
}

func (e *chunkEncoder) MimeType() string { return e.mimeType }

func (e *chunkEncoder) Events() <-chan capture.EncoderEvent { return e.events }

func (e *chunkEncoder) Start(timeslice time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != encoderInactive {
		return fmt.Errorf("encoder already started")
	}
	if timeslice <= 0 {
		timeslice = 250 * time.Millisecond
	}
	e.state = encoderRecording
	e.done = make(chan struct{})
	e.unsubscribe = e.src.Subscribe(e.onFrames)
	go e.run(timeslice, e.done)
	return nil
}

// onFrames runs on the capture thread and only copies.
func (e *chunkEncoder) onFrames(in []float32) {
	e.mu.Lock()
	if e.state == encoderRecording {
		e.pending = append(e.pending, in...)
	}
	e.mu.Unlock()
}

func (e *chunkEncoder) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == encoderRecording {
		e.state = encoderPaused
	}
	return nil
}

func (e *chunkEncoder) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == encoderPaused {
		e.state = encoderRecording
	}
	return nil
}

// Stop requests finalization. The last data chunk and the stopped event are
// delivered on Events afterwards.
func (e *chunkEncoder) Stop() error {
	e.mu.Lock()
	switch e.state {
	case encoderInactive:
		e.state = encoderStopped
		close(e.events)
		e.mu.Unlock()
		return nil
	case encoderStopping, encoderStopped:
		e.mu.Unlock()
		return nil
	}
	e.state = encoderStopping
	unsubscribe := e.unsubscribe
	close(e.done)
	e.mu.Unlock()

	// The source holds its own lock while delivering frames into onFrames.
	if unsubscribe != nil {
		unsubscribe()
	}
	return nil
}

func (e *chunkEncoder) run(timeslice time.Duration, done <-chan struct{}) {
	ticker := e.clock.NewTicker(timeslice)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			if err := e.flush(false); err != nil {
				e.fail(err)
				return
			}
		case <-done:
			if err := e.flush(true); err != nil {
				e.fail(err)
				return
			}
			e.mu.Lock()
			e.state = encoderStopped
			e.mu.Unlock()
			e.events <- capture.EncoderEvent{Kind: capture.EncoderStopped}
			close(e.events)
			return
		}
	}
}

// flush encodes pending PCM and emits whatever container bytes are ready.
func (e *chunkEncoder) flush(final bool) error {
	e.mu.Lock()
	pcm := e.pending
	e.pending = nil
	e.mu.Unlock()

	if len(pcm) > 0 {
		if err := e.sink.Write(pcm); err != nil {
			return err
		}
	}
	if final {
		if err := e.sink.Close(); err != nil {
			return err
		}
	}

	if e.out.Len() == 0 {
		return nil
	}
	chunk := make([]byte, e.out.Len())
	copy(chunk, e.out.Bytes())
	e.out.Reset()
	e.events <- capture.EncoderEvent{Kind: capture.EncoderDataAvailable, Data: chunk}
	return nil
}

func (e *chunkEncoder) fail(err error) {
	e.logger.WithError(err).Error("Encoder failed")
	e.mu.Lock()
	e.failed = err
	unsubscribe := e.unsubscribe
	e.state = encoderStopped
	e.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	e.events <- capture.EncoderEvent{Kind: capture.EncoderError, Err: err}
	close(e.events)
}
