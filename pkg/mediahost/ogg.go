package mediahost

import (
	"fmt"
	"io"
	"math/rand"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"gopkg.in/hraban/opus.v2"
)

// Opus audio constants
const (
	OpusSampleRate  = 48000
	OpusChannels    = 1
	OpusFrameSize   = 960 // 20ms at 48kHz
	OpusPayloadType = 111
	opusMaxPacket   = 4000
)

// oggOpusSink encodes mono 48 kHz Opus frames and writes them as Ogg pages.
// Packets go through RTP framing because that is what oggwriter paginates.
type oggOpusSink struct {
	encoder    *opus.Encoder
	writer     *oggwriter.OggWriter
	inRate     int
	inChannels int
	frame      []float32
	packet     []byte
	seq        uint16
	timestamp  uint32
	ssrc       uint32
}

func newOggOpusSink(out io.Writer, sampleRate, channels int) (*oggOpusSink, error) {
	enc, err := opus.NewEncoder(OpusSampleRate, OpusChannels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}
	w, err := oggwriter.NewWith(out, OpusSampleRate, OpusChannels)
	if err != nil {
		return nil, fmt.Errorf("failed to create ogg writer: %w", err)
	}
	return &oggOpusSink{
		encoder:    enc,
		writer:     w,
		inRate:     sampleRate,
		inChannels: channels,
		frame:      make([]float32, 0, OpusFrameSize*2),
		packet:     make([]byte, opusMaxPacket),
		timestamp:  rand.Uint32(),
		ssrc:       rand.Uint32(),
	}, nil
}

func (s *oggOpusSink) Write(pcm []float32) error {
	mono := Downmix(pcm, s.inChannels)
	s.frame = append(s.frame, ResampleLinear(mono, s.inRate, OpusSampleRate)...)
	for len(s.frame) >= OpusFrameSize {
		if err := s.encodeFrame(s.frame[:OpusFrameSize]); err != nil {
			return err
		}
		s.frame = append(s.frame[:0], s.frame[OpusFrameSize:]...)
	}
	return nil
}

// Close pads the last partial frame with silence.
func (s *oggOpusSink) Close() error {
	if len(s.frame) == 0 {
		return nil
	}
	padded := make([]float32, OpusFrameSize)
	copy(padded, s.frame)
	s.frame = s.frame[:0]
	return s.encodeFrame(padded)
}

func (s *oggOpusSink) encodeFrame(frame []float32) error {
	n, err := s.encoder.EncodeFloat32(frame, s.packet)
	if err != nil {
		return fmt.Errorf("opus encode failed: %w", err)
	}
	payload := make([]byte, n)
	copy(payload, s.packet[:n])

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    OpusPayloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.timestamp,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	s.seq++
	s.timestamp += OpusFrameSize
	return s.writer.WriteRTP(pkt)
}
