package capture

import (
	"errors"
	"fmt"
	"time"
)

// Error codes as constants
const (
	ErrCodeCaptureUnsupported = "CAPTURE_UNSUPPORTED"
	ErrCodePermissionDenied   = "PERMISSION_DENIED"
	ErrCodeDeviceNotFound     = "DEVICE_NOT_FOUND"
	ErrCodeDeviceBusy         = "DEVICE_BUSY"
	ErrCodeEncoderRuntime     = "ENCODER_RUNTIME_ERROR"
	ErrCodeEmptyRecording     = "EMPTY_RECORDING"
	ErrCodeRecordingFailed    = "RECORDING_FAILED"
	ErrCodeConfigInvalid      = "CONFIG_INVALID"
)

// Names reported by capture hosts for device acquisition failures. Browsers
// use the DOMException names; the portaudio host maps its own codes onto them.
const (
	NameNotAllowed       = "NotAllowedError"
	NamePermissionDenied = "PermissionDeniedError"
	NameNotFound         = "NotFoundError"
	NameDevicesNotFound  = "DevicesNotFoundError"
	NameNotReadable      = "NotReadableError"
	NameTrackStart       = "TrackStartError"
	NameNotSupported     = "NotSupportedError"
)

// CaptureError is the single error type surfaced by the capture pipeline.
type CaptureError struct {
	Message   string
	Code      string
	Timestamp time.Time
	Details   map[string]interface{}
	err       error
}

func NewCaptureError(message, code string) *CaptureError {
	return &CaptureError{
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

func (e *CaptureError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.err)
	}
	return e.Message
}

func (e *CaptureError) Unwrap() error {
	return e.err
}

// Is matches any CaptureError carrying the same code.
func (e *CaptureError) Is(target error) bool {
	t, ok := target.(*CaptureError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// UserMessage returns the actionable message for the given locale.
func (e *CaptureError) UserMessage(locale string) string {
	return Localize(locale).ErrorMessage(e)
}

func (e *CaptureError) AddDetail(key string, value interface{}) *CaptureError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func (e *CaptureError) GetDetail(key string) (interface{}, bool) {
	if e.Details == nil {
		return nil, false
	}
	value, exists := e.Details[key]
	return value, exists
}

func (e *CaptureError) wrap(err error) *CaptureError {
	e.err = err
	if err != nil {
		e.AddDetail("original_error", err.Error())
	}
	return e
}

// DeviceError is returned by MediaDevices implementations when acquisition
// fails. Name follows the browser DOMException naming.
type DeviceError struct {
	ErrName string
	Err     error
}

func (e *DeviceError) Name() string { return e.ErrName }

func (e *DeviceError) Error() string {
	if e.Err == nil {
		return e.ErrName
	}
	return fmt.Sprintf("%s: %v", e.ErrName, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Specific error creators
func NewCaptureUnsupportedError() *CaptureError {
	return NewCaptureError("audio capture is not supported by this host", ErrCodeCaptureUnsupported)
}

func NewPermissionDeniedError(err error) *CaptureError {
	return NewCaptureError("microphone permission denied", ErrCodePermissionDenied).wrap(err)
}

func NewDeviceNotFoundError(err error) *CaptureError {
	return NewCaptureError("no microphone found", ErrCodeDeviceNotFound).wrap(err)
}

func NewDeviceBusyError(err error) *CaptureError {
	return NewCaptureError("microphone is in use by another application", ErrCodeDeviceBusy).wrap(err)
}

func NewEncoderRuntimeError(err error) *CaptureError {
	return NewCaptureError("encoder failed during recording", ErrCodeEncoderRuntime).wrap(err)
}

func NewEmptyRecordingError(chunks, size int) *CaptureError {
	return NewCaptureError("no audio was recorded", ErrCodeEmptyRecording).
		AddDetail("chunks", chunks).
		AddDetail("size", size)
}

func NewRecordingFailedError(err error) *CaptureError {
	return NewCaptureError("recording failed", ErrCodeRecordingFailed).wrap(err)
}

func NewConfigError(message string) *CaptureError {
	return NewCaptureError(message, ErrCodeConfigInvalid)
}

// ClassifyCaptureError maps an acquisition failure onto the error taxonomy.
// Errors that are already CaptureErrors pass through untouched.
func ClassifyCaptureError(err error) *CaptureError {
	if err == nil {
		return nil
	}
	var cErr *CaptureError
	if errors.As(err, &cErr) {
		return cErr
	}

	var named interface{ Name() string }
	if !errors.As(err, &named) {
		return NewRecordingFailedError(err)
	}

	switch named.Name() {
	case NameNotAllowed, NamePermissionDenied:
		return NewPermissionDeniedError(err)
	case NameNotFound, NameDevicesNotFound:
		return NewDeviceNotFoundError(err)
	case NameNotReadable, NameTrackStart:
		return NewDeviceBusyError(err)
	case NameNotSupported:
		return NewCaptureUnsupportedError().wrap(err)
	}
	return NewRecordingFailedError(err)
}

// IsErrorCode reports whether err is a CaptureError with the given code.
func IsErrorCode(err error, code string) bool {
	var cErr *CaptureError
	if !errors.As(err, &cErr) {
		return false
	}
	return cErr.Code == code
}

// IsRecoverableError reports whether the user can fix the cause and retry.
func IsRecoverableError(err error) bool {
	recoverableCodes := []string{
		ErrCodePermissionDenied,
		ErrCodeDeviceNotFound,
		ErrCodeDeviceBusy,
		ErrCodeEmptyRecording,
		ErrCodeEncoderRuntime,
	}
	for _, code := range recoverableCodes {
		if IsErrorCode(err, code) {
			return true
		}
	}
	return false
}

// IsFatalError reports whether recording can never work on this host.
func IsFatalError(err error) bool {
	return IsErrorCode(err, ErrCodeCaptureUnsupported) || IsErrorCode(err, ErrCodeConfigInvalid)
}
