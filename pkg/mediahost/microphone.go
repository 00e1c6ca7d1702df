package mediahost

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/gordonklaus/portaudio"

	"github.com/rojolang/twin-recorder-go/pkg/capture"
)

// PCMSource is a live stream of interleaved float32 samples.
type PCMSource interface {
	// Subscribe registers fn for every captured buffer. The slice passed to
	// fn must not be retained.
	Subscribe(fn func([]float32)) (unsubscribe func())
	SampleRate() int
	Channels() int
}

// Microphone is a portaudio-backed capture.MediaDevices.
type Microphone struct {
	bufferSize int
	logger     *capture.Logger
}

func NewMicrophone(bufferSize int) *Microphone {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Microphone{
		bufferSize: bufferSize,
		logger:     capture.GetGlobalLogger().WithComponent("Microphone"),
	}
}

// GetUserMedia opens and starts an input stream. Echo cancellation is not
// available in software here and is only logged.
func (m *Microphone) GetUserMedia(ctx context.Context, constraints capture.Constraints) (capture.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, classifyPortAudioError(err)
	}

	s := &micStream{
		id:         uuid.NewString(),
		sampleRate: constraints.SampleRate,
		channels:   constraints.Channels,
		proc:       NewProcessor(constraints.NoiseSuppression, constraints.AutoGainControl),
		subs:       make(map[int]func([]float32)),
		logger:     m.logger,
	}
	if s.sampleRate <= 0 {
		s.sampleRate = 48000
	}
	if s.channels <= 0 {
		s.channels = 1
	}
	if constraints.EchoCancellation {
		m.logger.Debug("Echo cancellation requested but not supported by this host")
	}

	stream, err := m.open(s, constraints.DeviceID)
	if err != nil {
		portaudio.Terminate()
		return nil, classifyPortAudioError(err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, classifyPortAudioError(err)
	}
	s.stream = stream

	m.logger.WithFields(map[string]interface{}{
		"stream_id":   s.id,
		"sample_rate": s.sampleRate,
		"channels":    s.channels,
	}).Info("Microphone opened")
	return s, nil
}

func (m *Microphone) open(s *micStream, deviceID *int) (*portaudio.Stream, error) {
	if deviceID == nil {
		return portaudio.OpenDefaultStream(s.channels, 0, float64(s.sampleRate), m.bufferSize, s.process)
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	if *deviceID < 0 || *deviceID >= len(devices) || devices[*deviceID].MaxInputChannels == 0 {
		return nil, portaudio.InvalidDevice
	}
	dev := devices[*deviceID]
	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = s.channels
	params.SampleRate = float64(s.sampleRate)
	params.FramesPerBuffer = m.bufferSize
	return portaudio.OpenStream(params, s.process)
}

// micStream is one exclusively held input stream.
type micStream struct {
	id         string
	stream     *portaudio.Stream
	sampleRate int
	channels   int
	proc       *Processor

	mu      sync.Mutex
	subs    map[int]func([]float32)
	nextSub int
	stopped bool

	logger *capture.Logger
}

func (s *micStream) ID() string { return s.id }

func (s *micStream) SampleRate() int { return s.sampleRate }

func (s *micStream) Channels() int { return s.channels }

func (s *micStream) Subscribe(fn func([]float32)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Level returns the RMS of the last captured buffer.
func (s *micStream) Level() float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc.Level()
}

// process runs on the portaudio callback thread.
func (s *micStream) process(in []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	out := s.proc.Process(in)
	for _, fn := range s.subs {
		fn(out)
	}
}

// Stop stops and closes the stream and releases portaudio. Repeated calls are
// no-ops.
func (s *micStream) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.subs = make(map[int]func([]float32))
	s.mu.Unlock()

	var firstErr error
	if s.stream != nil {
		if err := s.stream.Stop(); err != nil {
			firstErr = err
		}
		if err := s.stream.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := portaudio.Terminate(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.logger.WithField("stream_id", s.id).Info("Microphone released")
	return firstErr
}
