package capture_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rojolang/twin-recorder-go/pkg/capture"
)

func supports(types ...string) func(string) bool {
	return func(mimeType string) bool {
		for _, t := range types {
			if t == mimeType {
				return true
			}
		}
		return false
	}
}

func TestSelectContainer(t *testing.T) {
	prefs := capture.DefaultContainerPreferences

	assert.Equal(t, "audio/webm;codecs=opus", capture.SelectContainer(prefs, supports("audio/webm;codecs=opus", "audio/webm")))
	assert.Equal(t, "audio/webm", capture.SelectContainer(prefs, supports("audio/webm", "audio/mp4")))
	assert.Equal(t, "audio/mp4", capture.SelectContainer(prefs, supports("audio/mp4", "audio/ogg;codecs=opus")))
	assert.Equal(t, "audio/ogg;codecs=opus", capture.SelectContainer(prefs, supports("audio/ogg;codecs=opus", "audio/wav")))
	assert.Equal(t, capture.DefaultContainer, capture.SelectContainer(prefs, supports("audio/wav")))
	assert.Equal(t, capture.DefaultContainer, capture.SelectContainer(prefs, nil))
}

func TestBlobType(t *testing.T) {
	assert.Equal(t, "audio/webm", capture.BlobType("audio/webm;codecs=opus"))
	assert.Equal(t, "audio/mp4", capture.BlobType("audio/mp4"))
	assert.Equal(t, "audio/ogg", capture.BlobType("audio/ogg;codecs=opus"))
	assert.Equal(t, "audio/wav", capture.BlobType("audio/wav"))
	assert.Equal(t, "audio/webm", capture.BlobType(""))
	assert.Equal(t, "audio/webm", capture.BlobType("audio/flac"))
}

func TestFileExtension(t *testing.T) {
	assert.Equal(t, ".webm", capture.FileExtension("audio/webm;codecs=opus"))
	assert.Equal(t, ".m4a", capture.FileExtension("audio/mp4"))
	assert.Equal(t, ".ogg", capture.FileExtension("audio/ogg;codecs=opus"))
	assert.Equal(t, ".wav", capture.FileExtension("audio/wav"))
}
