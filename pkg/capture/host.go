package capture

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Constraints requested when acquiring the microphone.
type Constraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	DeviceID         *int
	SampleRate       int
	Channels         int
}

// MediaDevices acquires capture streams.
type MediaDevices interface {
	GetUserMedia(ctx context.Context, constraints Constraints) (MediaStream, error)
}

// MediaStream is an exclusively held device handle. Stop releases it.
type MediaStream interface {
	ID() string
	Stop() error
}

// EncoderFactory feature-detects containers and builds encoders.
type EncoderFactory interface {
	IsTypeSupported(mimeType string) bool
	// NewEncoder builds an encoder for stream. An empty mimeType lets the
	// host choose its default container.
	NewEncoder(stream MediaStream, mimeType string) (Encoder, error)
}

type EncoderEventKind int

const (
	EncoderDataAvailable EncoderEventKind = iota
	EncoderStopped
	EncoderError
)

// EncoderEvent is delivered on Encoder.Events in emission order.
type EncoderEvent struct {
	Kind EncoderEventKind
	Data []byte
	Err  error
}

// Encoder turns a stream into container bytes, flushing every timeslice.
// Stop is asynchronous: the remaining data and an EncoderStopped event arrive
// on Events afterwards.
type Encoder interface {
	MimeType() string
	Start(timeslice time.Duration) error
	Pause() error
	Resume() error
	Stop() error
	Events() <-chan EncoderEvent
}

type SignalKind int

const (
	SignalMetadataLoaded SignalKind = iota
	SignalDurationChanged
	SignalCanPlay
	SignalDataLoaded
	SignalError
)

func (k SignalKind) String() string {
	switch k {
	case SignalMetadataLoaded:
		return "loadedmetadata"
	case SignalDurationChanged:
		return "durationchange"
	case SignalCanPlay:
		return "canplay"
	case SignalDataLoaded:
		return "loadeddata"
	case SignalError:
		return "error"
	}
	return "unknown"
}

// MediaSignal is a readiness notification from a decode path. Duration is
// whatever the decoder knew at that moment and may be 0, NaN or +Inf.
type MediaSignal struct {
	Kind     SignalKind
	Duration float64
	Err      error
}

// Decoder opens blobs for playback-style decoding.
type Decoder interface {
	Open(ctx context.Context, blob *Blob) (Media, error)
}

// Media is one loaded blob.
type Media interface {
	Signals() <-chan MediaSignal
	Duration() float64
	Close() error
}

// Host bundles the environment primitives the pipeline runs against. A nil
// Devices means the host cannot capture at all.
type Host struct {
	Devices  MediaDevices
	Encoders EncoderFactory
	Decoder  Decoder
	URLs     *BlobStore
	Clock    clockwork.Clock
}

func (h Host) withDefaults() Host {
	if h.URLs == nil {
		h.URLs = NewBlobStore()
	}
	if h.Clock == nil {
		h.Clock = clockwork.NewRealClock()
	}
	return h
}
