package capture

import (
	"math"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// Message keys
const (
	msgCaptureUnsupported = "capture.unsupported"
	msgPermissionDenied   = "capture.permission_denied"
	msgDeviceNotFound     = "capture.device_not_found"
	msgDeviceBusy         = "capture.device_busy"
	msgEncoderRuntime     = "capture.encoder_runtime"
	msgEmptyRecording     = "capture.empty_recording"
	msgRecordingFailed    = "capture.recording_failed"
	msgRecordingFailedErr = "capture.recording_failed_detail"
	msgConfigInvalid      = "capture.config_invalid"
	msgDurationValid      = "gate.valid"
	msgDurationShort      = "gate.short"
)

var supportedLocales = []language.Tag{language.English, language.Spanish}

var messageCatalog = buildCatalog()

func buildCatalog() catalog.Catalog {
	b := catalog.NewBuilder(catalog.Fallback(language.English))

	set := func(tag language.Tag, key, msg string) {
		if err := b.SetString(tag, key, msg); err != nil {
			panic(err)
		}
	}

	set(language.English, msgCaptureUnsupported, "Your environment does not support audio recording. Please use a modern browser such as Chrome, Firefox or Edge, or a host with a working audio stack.")
	set(language.English, msgPermissionDenied, "Microphone permission denied. Please allow microphone access in your browser or system settings and try again.")
	set(language.English, msgDeviceNotFound, "No microphone was found. Please connect a microphone and try again.")
	set(language.English, msgDeviceBusy, "The microphone is being used by another application. Please close other applications using the microphone.")
	set(language.English, msgEncoderRuntime, "An error occurred during recording. Please try again.")
	set(language.English, msgEmptyRecording, "No audio was recorded. Please try again.")
	set(language.English, msgRecordingFailed, "Could not access the microphone.")
	set(language.English, msgRecordingFailedErr, "Error: %s")
	set(language.English, msgConfigInvalid, "The recorder is misconfigured: %s")
	set(language.English, msgDurationValid, "Valid duration")
	set(language.English, msgDurationShort, "Minimum %ds (%ds remaining)")

	set(language.Spanish, msgCaptureUnsupported, "Tu navegador no soporta la grabación de audio. Por favor, usa un navegador moderno como Chrome, Firefox o Edge.")
	set(language.Spanish, msgPermissionDenied, "Permiso de micrófono denegado. Por favor, permite el acceso al micrófono en la configuración de tu navegador.")
	set(language.Spanish, msgDeviceNotFound, "No se encontró ningún micrófono. Por favor, conecta un micrófono e intenta de nuevo.")
	set(language.Spanish, msgDeviceBusy, "El micrófono está siendo usado por otra aplicación. Por favor, cierra otras aplicaciones que usen el micrófono.")
	set(language.Spanish, msgEncoderRuntime, "Error durante la grabación. Por favor, intenta de nuevo.")
	set(language.Spanish, msgEmptyRecording, "No se grabó ningún audio. Por favor, intenta de nuevo.")
	set(language.Spanish, msgRecordingFailed, "No se pudo acceder al micrófono.")
	set(language.Spanish, msgRecordingFailedErr, "Error: %s")
	set(language.Spanish, msgConfigInvalid, "El grabador no está bien configurado: %s")
	set(language.Spanish, msgDurationValid, "Duración válida")
	set(language.Spanish, msgDurationShort, "Mínimo %ds (faltan %ds)")

	return b
}

var localeMatcher = language.NewMatcher(supportedLocales)

// Messages renders user-facing text in one locale.
type Messages struct {
	tag     language.Tag
	printer *message.Printer
}

// Localize picks the closest supported locale for a BCP 47 string. Unknown or
// empty locales fall back to English.
func Localize(locale string) *Messages {
	tag := language.English
	if locale != "" {
		if requested, err := language.Parse(locale); err == nil {
			_, idx, confidence := localeMatcher.Match(requested)
			if confidence != language.No {
				tag = supportedLocales[idx]
			}
		}
	}
	return &Messages{
		tag:     tag,
		printer: message.NewPrinter(tag, message.Catalog(messageCatalog)),
	}
}

// Tag returns the matched locale.
func (m *Messages) Tag() language.Tag {
	return m.tag
}

// ErrorMessage returns the actionable text for a CaptureError.
func (m *Messages) ErrorMessage(err *CaptureError) string {
	if err == nil {
		return ""
	}
	switch err.Code {
	case ErrCodeCaptureUnsupported:
		return m.printer.Sprintf(msgCaptureUnsupported)
	case ErrCodePermissionDenied:
		return m.printer.Sprintf(msgPermissionDenied)
	case ErrCodeDeviceNotFound:
		return m.printer.Sprintf(msgDeviceNotFound)
	case ErrCodeDeviceBusy:
		return m.printer.Sprintf(msgDeviceBusy)
	case ErrCodeEncoderRuntime:
		return m.printer.Sprintf(msgEncoderRuntime)
	case ErrCodeEmptyRecording:
		return m.printer.Sprintf(msgEmptyRecording)
	case ErrCodeConfigInvalid:
		return m.printer.Sprintf(msgConfigInvalid, err.Message)
	}
	if err.err != nil {
		return m.printer.Sprintf(msgRecordingFailedErr, err.err.Error())
	}
	return m.printer.Sprintf(msgRecordingFailed)
}

// DurationMessage describes a validity result.
func (m *Messages) DurationMessage(valid bool, minSeconds, deficitSeconds float64) string {
	if valid {
		return m.printer.Sprintf(msgDurationValid)
	}
	return m.printer.Sprintf(msgDurationShort, int(math.Ceil(minSeconds)), int(math.Ceil(deficitSeconds)))
}
