package capture

import "strings"

// DefaultContainer is used when the host supports none of the preferences.
const DefaultContainer = "audio/webm"

// DefaultContainerPreferences is the ordered container list tried on Start.
var DefaultContainerPreferences = []string{
	"audio/webm;codecs=opus",
	"audio/webm",
	"audio/mp4",
	"audio/ogg;codecs=opus",
}

// SelectContainer returns the first preference the host supports.
func SelectContainer(preferences []string, supported func(string) bool) string {
	if supported == nil {
		return DefaultContainer
	}
	for _, mimeType := range preferences {
		if supported(mimeType) {
			return mimeType
		}
	}
	return DefaultContainer
}

// BlobType strips codec parameters down to the container media type that is
// declared on the finalized blob.
func BlobType(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "webm"):
		return "audio/webm"
	case strings.Contains(mimeType, "mp4"):
		return "audio/mp4"
	case strings.Contains(mimeType, "ogg"):
		return "audio/ogg"
	case strings.Contains(mimeType, "wav"):
		return "audio/wav"
	}
	return DefaultContainer
}

// FileExtension maps a blob type to a file extension for persisted artifacts.
func FileExtension(mimeType string) string {
	switch BlobType(mimeType) {
	case "audio/mp4":
		return ".m4a"
	case "audio/ogg":
		return ".ogg"
	case "audio/wav":
		return ".wav"
	}
	return ".webm"
}
