// Package mediahost provides the portaudio-backed environment the capture
// pipeline runs against: microphone acquisition, Ogg Opus and WAV chunk
// encoders, a probing decoder and local playback.
package mediahost

import (
	"github.com/jonboulle/clockwork"

	"github.com/rojolang/twin-recorder-go/pkg/capture"
)

// NewHost wires the microphone, encoders, decoder and URL store for config.
func NewHost(config *capture.CaptureConfig) capture.Host {
	return NewHostWithClock(config, clockwork.NewRealClock())
}

func NewHostWithClock(config *capture.CaptureConfig, clock clockwork.Clock) capture.Host {
	bufferSize := 0
	if config != nil {
		bufferSize = config.BufferSize
	}
	return capture.Host{
		Devices:  NewMicrophone(bufferSize),
		Encoders: NewEncoders(clock),
		Decoder:  NewProbeDecoder(),
		URLs:     capture.NewBlobStore(),
		Clock:    clock,
	}
}
