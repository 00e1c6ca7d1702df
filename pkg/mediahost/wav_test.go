package mediahost

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i%100) / 200
	}
	return out
}

func TestEncodeWAVParses(t *testing.T) {
	data := EncodeWAV(sine(32000), 16000, 2)

	info, err := parseWAV(data)
	require.NoError(t, err)
	assert.Equal(t, 2, info.channels)
	assert.Equal(t, 16000, info.sampleRate)
	assert.Equal(t, 16, info.bitsPerSample)
	assert.Equal(t, 44, info.dataOffset)
	assert.Equal(t, 64000, info.dataSize)
	assert.InDelta(t, 1.0, info.duration(), 1e-9)
}

func TestStreamingHeaderIsClamped(t *testing.T) {
	var buf bytes.Buffer
	sink := newWavSink(&buf, 8000, 1)
	require.NoError(t, sink.Write(sine(4000)))
	require.NoError(t, sink.Close())

	assert.Equal(t, uint32(wavStreamingSize), binary.LittleEndian.Uint32(buf.Bytes()[40:44]))

	info, err := parseWAV(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 8000, info.dataSize)
	assert.InDelta(t, 0.5, info.duration(), 1e-9)
}

func TestParseWAVSkipsUnknownChunks(t *testing.T) {
	plain := EncodeWAV(sine(800), 8000, 1)

	var buf bytes.Buffer
	buf.Write(plain[:12])
	buf.WriteString("LIST")
	binary.Write(&buf, binary.LittleEndian, uint32(3))
	buf.Write([]byte{1, 2, 3, 0}) // odd size plus pad byte
	buf.Write(plain[12:])

	info, err := parseWAV(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 1600, info.dataSize)
	assert.InDelta(t, 0.1, info.duration(), 1e-9)
}

func TestParseWAVTruncatedData(t *testing.T) {
	data := EncodeWAV(sine(1600), 16000, 1)
	info, err := parseWAV(data[:len(data)-1000])
	require.NoError(t, err)
	assert.Equal(t, 3200-1000, info.dataSize)
}

func TestParseWAVErrors(t *testing.T) {
	_, err := parseWAV([]byte("OggS0000000000"))
	assert.ErrorIs(t, err, errNotWAV)

	data := EncodeWAV(nil, 8000, 1)
	_, err = parseWAV(data[:20])
	assert.Error(t, err)

	var noData bytes.Buffer
	noData.Write(data[:36])
	_, err = parseWAV(noData.Bytes())
	assert.Error(t, err)
}

func TestDecodeWAV(t *testing.T) {
	in := []float32{0, 0.25, -0.25, 0.5}
	samples, info, err := decodeWAV(EncodeWAV(in, 8000, 1))
	require.NoError(t, err)
	assert.Equal(t, 8000, info.sampleRate)
	require.Len(t, samples, 4)
	for i := range in {
		assert.InDelta(t, in[i], samples[i], 1e-3)
	}
}
