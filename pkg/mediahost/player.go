package mediahost

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/hajimehoshi/go-mp3"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"gopkg.in/hraban/opus.v2"
)

// PCM is decoded interleaved audio.
type PCM struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Duration of the decoded audio in seconds.
func (p *PCM) Duration() float64 {
	if p.SampleRate <= 0 || p.Channels <= 0 {
		return 0
	}
	return float64(len(p.Samples)/p.Channels) / float64(p.SampleRate)
}

// DecodePCM decodes a complete WAV, Ogg Opus or MP3 blob.
func DecodePCM(data []byte) (*PCM, error) {
	switch kind := sniff(data); kind {
	case containerWAV:
		samples, info, err := decodeWAV(data)
		if err != nil {
			return nil, err
		}
		return &PCM{Samples: samples, SampleRate: info.sampleRate, Channels: info.channels}, nil
	case containerOgg:
		return decodeOggOpus(data)
	case containerMP3:
		return decodeMP3(data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedContainer, kind)
	}
}

func decodeOggOpus(data []byte) (*PCM, error) {
	_, header, err := oggreader.NewWith(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("invalid ogg stream: %w", err)
	}
	channels := int(header.Channels)
	if channels <= 0 {
		channels = OpusChannels
	}

	stream, err := opus.NewStream(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open opus stream: %w", err)
	}
	defer stream.Close()

	out := &PCM{SampleRate: OpusSampleRate, Channels: channels}
	buf := make([]float32, OpusFrameSize*channels*6)
	for {
		n, err := stream.ReadFloat32(buf)
		if n > 0 {
			out.Samples = append(out.Samples, buf[:n*channels]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, err
		}
		if n == 0 {
			return out, nil
		}
	}
}

// decodeMP3 downmixes go-mp3's 16-bit stereo output to mono.
func decodeMP3(data []byte) (*PCM, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(dec)
	if err != nil && len(raw) == 0 {
		return nil, err
	}
	pcm := make([]int16, len(raw)/2)
	if err := binary.Read(bytes.NewReader(raw[:len(pcm)*2]), binary.LittleEndian, pcm); err != nil {
		return nil, err
	}
	return &PCM{Samples: Downmix(pcm16ToFloat(pcm), 2), SampleRate: dec.SampleRate(), Channels: 1}, nil
}

// Player renders recordings on the default output device.
type Player struct {
	bufferSize int

	mu      sync.Mutex
	playing bool
}

func NewPlayer(bufferSize int) *Player {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Player{bufferSize: bufferSize}
}

// Play decodes data and blocks until playback finishes or ctx is done.
func (p *Player) Play(ctx context.Context, data []byte) error {
	pcm, err := DecodePCM(data)
	if err != nil {
		return fmt.Errorf("failed to decode audio: %w", err)
	}
	return p.PlayPCM(ctx, pcm)
}

func (p *Player) PlayPCM(ctx context.Context, pcm *PCM) error {
	p.mu.Lock()
	if p.playing {
		p.mu.Unlock()
		return errors.New("playback already in progress")
	}
	p.playing = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.playing = false
		p.mu.Unlock()
	}()

	if len(pcm.Samples) == 0 {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize audio: %w", classifyPortAudioError(err))
	}
	defer portaudio.Terminate()

	finished := make(chan struct{})
	var once sync.Once
	pos := 0
	callback := func(out []float32) {
		n := copy(out, pcm.Samples[pos:])
		pos += n
		for i := n; i < len(out); i++ {
			out[i] = 0
		}
		if pos >= len(pcm.Samples) {
			once.Do(func() { close(finished) })
		}
	}

	stream, err := portaudio.OpenDefaultStream(0, pcm.Channels, float64(pcm.SampleRate), p.bufferSize, callback)
	if err != nil {
		return fmt.Errorf("failed to open audio stream: %w", classifyPortAudioError(err))
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("failed to start audio stream: %w", err)
	}

	// Let the device drain the last buffer before stopping.
	drain := time.Duration(float64(p.bufferSize) / float64(pcm.SampleRate) * float64(time.Second))
	select {
	case <-finished:
		time.Sleep(drain)
	case <-ctx.Done():
	}

	if err := stream.Stop(); err != nil {
		return fmt.Errorf("failed to stop audio stream: %w", err)
	}
	return ctx.Err()
}
