package mediahost

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	wavPCMFormat     = 1
	wavBitsPerSample = 16
	// wavStreamingSize marks RIFF and data sizes that were unknown when the
	// header was written.
	wavStreamingSize = 0xFFFFFFFF
)

var errNotWAV = errors.New("not a RIFF/WAVE stream")

// wavSink writes 16-bit PCM WAV. The header is emitted first with streaming
// sizes because chunks leave before the total length is known.
type wavSink struct {
	out      io.Writer
	channels int
}

func newWavSink(out io.Writer, sampleRate, channels int) *wavSink {
	writeWAVHeader(out, sampleRate, channels, wavStreamingSize)
	return &wavSink{out: out, channels: channels}
}

func (s *wavSink) Write(pcm []float32) error {
	return binary.Write(s.out, binary.LittleEndian, floatToPCM16(pcm))
}

func (s *wavSink) Close() error { return nil }

func writeWAVHeader(w io.Writer, sampleRate, channels int, dataSize uint32) {
	blockAlign := channels * wavBitsPerSample / 8
	riffSize := uint32(wavStreamingSize)
	if dataSize != wavStreamingSize {
		riffSize = 36 + dataSize
	}

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, riffSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(wavPCMFormat))
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(wavBitsPerSample))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataSize)
	w.Write(buf.Bytes())
}

// EncodeWAV renders float samples as a complete 16-bit PCM WAV file.
func EncodeWAV(samples []float32, sampleRate, channels int) []byte {
	var buf bytes.Buffer
	writeWAVHeader(&buf, sampleRate, channels, uint32(len(samples)*2))
	binary.Write(&buf, binary.LittleEndian, floatToPCM16(samples))
	return buf.Bytes()
}

type wavInfo struct {
	channels      int
	sampleRate    int
	bitsPerSample int
	dataOffset    int
	dataSize      int
}

// parseWAV walks the RIFF chunks. A data chunk whose declared size is the
// streaming marker or runs past the end is clamped to the bytes present.
func parseWAV(b []byte) (*wavInfo, error) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return nil, errNotWAV
	}
	info := &wavInfo{}
	haveFmt := false
	pos := 12
	for pos+8 <= len(b) {
		id := string(b[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(b[pos+4 : pos+8]))
		pos += 8
		switch id {
		case "fmt ":
			if size < 16 || pos+16 > len(b) {
				return nil, fmt.Errorf("truncated fmt chunk")
			}
			info.channels = int(binary.LittleEndian.Uint16(b[pos+2 : pos+4]))
			info.sampleRate = int(binary.LittleEndian.Uint32(b[pos+4 : pos+8]))
			info.bitsPerSample = int(binary.LittleEndian.Uint16(b[pos+14 : pos+16]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, fmt.Errorf("data chunk before fmt chunk")
			}
			if size < 0 || uint32(size) == wavStreamingSize || pos+size > len(b) {
				size = len(b) - pos
			}
			info.dataOffset = pos
			info.dataSize = size
			if info.channels <= 0 || info.sampleRate <= 0 || info.bitsPerSample <= 0 {
				return nil, fmt.Errorf("bad WAV header")
			}
			return info, nil
		}
		pos += size
		if pos%2 == 1 {
			pos++
		}
	}
	return nil, fmt.Errorf("no data chunk")
}

func (w *wavInfo) duration() float64 {
	bytesPerFrame := w.channels * (w.bitsPerSample / 8)
	if bytesPerFrame == 0 {
		return 0
	}
	return float64(w.dataSize/bytesPerFrame) / float64(w.sampleRate)
}

// decodeWAV returns interleaved float samples of a 16-bit PCM WAV.
func decodeWAV(b []byte) ([]float32, *wavInfo, error) {
	info, err := parseWAV(b)
	if err != nil {
		return nil, nil, err
	}
	if info.bitsPerSample != 16 {
		return nil, nil, fmt.Errorf("unsupported bits per sample: %d", info.bitsPerSample)
	}
	data := b[info.dataOffset : info.dataOffset+info.dataSize]
	pcm := make([]int16, len(data)/2)
	if err := binary.Read(bytes.NewReader(data[:len(pcm)*2]), binary.LittleEndian, pcm); err != nil {
		return nil, nil, err
	}
	return pcm16ToFloat(pcm), info, nil
}
