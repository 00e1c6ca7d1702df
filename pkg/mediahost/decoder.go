package mediahost

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/hajimehoshi/go-mp3"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	"github.com/rojolang/twin-recorder-go/pkg/capture"
)

// ErrUnsupportedContainer is reported for blobs the probe cannot decode.
var ErrUnsupportedContainer = errors.New("unsupported container")

type containerKind int

const (
	containerUnknown containerKind = iota
	containerOgg
	containerWAV
	containerMP3
	containerWebM
	containerMP4
)

func (k containerKind) String() string {
	return [...]string{"unknown", "ogg", "wav", "mp3", "webm", "mp4"}[k]
}

// sniff identifies a container from its magic bytes.
func sniff(b []byte) containerKind {
	switch {
	case len(b) >= 4 && string(b[0:4]) == "OggS":
		return containerOgg
	case len(b) >= 12 && string(b[0:4]) == "RIFF" && string(b[8:12]) == "WAVE":
		return containerWAV
	case len(b) >= 4 && b[0] == 0x1A && b[1] == 0x45 && b[2] == 0xDF && b[3] == 0xA3:
		return containerWebM
	case len(b) >= 8 && string(b[4:8]) == "ftyp":
		return containerMP4
	case len(b) >= 3 && string(b[0:3]) == "ID3",
		len(b) >= 2 && b[0] == 0xFF && b[1]&0xE0 == 0xE0:
		return containerMP3
	}
	return containerUnknown
}

// ProbeDuration returns the decoded duration of a complete blob.
func ProbeDuration(data []byte) (float64, error) {
	switch sniff(data) {
	case containerOgg:
		return probeOgg(data)
	case containerWAV:
		info, err := parseWAV(data)
		if err != nil {
			return 0, err
		}
		return info.duration(), nil
	case containerMP3:
		return probeMP3(data)
	}
	return 0, ErrUnsupportedContainer
}

// probeOgg measures an Ogg Opus stream. Streams from oggwriter stamp each
// single-packet page with its first sample offset by one, so the last
// granule misses the final packet; those are measured by summing packet
// lengths. Other streams use the end granule less the declared pre-skip.
// Truncated trailing pages are ignored.
func probeOgg(data []byte) (float64, error) {
	reader, header, err := oggreader.NewWith(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("invalid ogg stream: %w", err)
	}
	var granule, samples, last uint64
	for {
		payload, page, err := reader.ParseNextPage()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			if granule == 0 {
				return 0, err
			}
			break
		}
		if bytes.HasPrefix(payload, []byte("OpusTags")) || len(payload) == 0 {
			continue
		}
		last = uint64(opusPacketSamples(payload))
		samples += last
		if page.GranulePosition > granule {
			granule = page.GranulePosition
		}
	}
	if samples == 0 {
		return 0, nil
	}
	if granule+last-1 == samples {
		return float64(samples) / OpusSampleRate, nil
	}
	// Opus granule positions always count 48 kHz samples.
	preSkip := uint64(header.PreSkip)
	if granule <= preSkip {
		return 0, nil
	}
	return float64(granule-preSkip) / OpusSampleRate, nil
}

// opusPacketSamples reads the frame size and count from an Opus TOC byte
// and returns the packet length in 48 kHz samples.
func opusPacketSamples(packet []byte) int {
	if len(packet) == 0 {
		return 0
	}
	toc := packet[0]
	config := int(toc >> 3)

	// Frame sizes in units of 2.5ms.
	var units int
	switch {
	case config < 12:
		units = []int{4, 8, 16, 24}[config&3]
	case config < 16:
		units = []int{4, 8}[config&1]
	default:
		units = []int{1, 2, 4, 8}[config&3]
	}

	frames := 1
	switch toc & 3 {
	case 1, 2:
		frames = 2
	case 3:
		if len(packet) < 2 {
			return 0
		}
		frames = int(packet[1] & 0x3f)
	}
	return frames * units * OpusSampleRate / 400
}

// probeMP3 uses the decoded PCM length; go-mp3 always outputs 16-bit stereo.
func probeMP3(data []byte) (float64, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	length := dec.Length()
	if length <= 0 || dec.SampleRate() <= 0 {
		return math.Inf(1), nil
	}
	return float64(length) / 4 / float64(dec.SampleRate()), nil
}

// ProbeDecoder is the capture.Decoder for this host. It behaves like a media
// element: metadata arrives first with an unknown duration, the real value
// follows once the stream has been scanned.
type ProbeDecoder struct {
	logger *capture.Logger
}

func NewProbeDecoder() *ProbeDecoder {
	return &ProbeDecoder{logger: capture.GetGlobalLogger().WithComponent("ProbeDecoder")}
}

func (d *ProbeDecoder) Open(ctx context.Context, blob *capture.Blob) (capture.Media, error) {
	if blob == nil {
		return nil, fmt.Errorf("nil blob")
	}
	m := &probeMedia{
		signals:  make(chan capture.MediaSignal, 8),
		duration: math.NaN(),
		done:     make(chan struct{}),
	}
	go m.load(ctx, blob.Bytes(), d.logger)
	return m, nil
}

type probeMedia struct {
	mu       sync.Mutex
	duration float64
	signals  chan capture.MediaSignal
	done     chan struct{}
	once     sync.Once
}

func (m *probeMedia) Signals() <-chan capture.MediaSignal { return m.signals }

func (m *probeMedia) Duration() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.duration
}

func (m *probeMedia) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}

func (m *probeMedia) emit(ctx context.Context, sig capture.MediaSignal) bool {
	select {
	case m.signals <- sig:
		return true
	case <-m.done:
	case <-ctx.Done():
	}
	return false
}

func (m *probeMedia) load(ctx context.Context, data []byte, logger *capture.Logger) {
	defer close(m.signals)

	kind := sniff(data)
	if kind != containerOgg && kind != containerWAV && kind != containerMP3 {
		m.emit(ctx, capture.MediaSignal{Kind: capture.SignalError, Err: fmt.Errorf("%w: %s", ErrUnsupportedContainer, kind)})
		return
	}

	if !m.emit(ctx, capture.MediaSignal{Kind: capture.SignalMetadataLoaded, Duration: math.Inf(1)}) {
		return
	}

	seconds, err := ProbeDuration(data)
	if err != nil {
		logger.WithError(err).WithField("container", kind.String()).Debug("Probe failed")
		m.emit(ctx, capture.MediaSignal{Kind: capture.SignalError, Err: err})
		return
	}

	m.mu.Lock()
	m.duration = seconds
	m.mu.Unlock()

	for _, sk := range []capture.SignalKind{capture.SignalDurationChanged, capture.SignalDataLoaded, capture.SignalCanPlay} {
		if !m.emit(ctx, capture.MediaSignal{Kind: sk, Duration: seconds}) {
			return
		}
	}
}
