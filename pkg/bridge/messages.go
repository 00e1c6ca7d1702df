package bridge

import (
	"github.com/rojolang/twin-recorder-go/pkg/capture"
)

// Commands accepted from the wizard.
const (
	CmdStart  = "start"
	CmdPause  = "pause"
	CmdResume = "resume"
	CmdStop   = "stop"
	CmdDelete = "delete"
	CmdStatus = "status"
)

// Events pushed to connected clients.
const (
	EventState     = "state"
	EventTick      = "tick"
	EventFinalized = "finalized"
	EventDuration  = "duration"
	EventValidity  = "validity"
	EventDeleted   = "deleted"
	EventError     = "error"
)

// Command is a client request. ID is echoed on the error event it causes.
type Command struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// Event is a server message. Only the fields relevant to Type are set.
type Event struct {
	Type      string                 `json:"type"`
	ID        string                 `json:"id,omitempty"`
	State     capture.State          `json:"state,omitempty"`
	Elapsed   *int                   `json:"elapsed,omitempty"`
	Clock     string                 `json:"clock,omitempty"`
	Recording *RecordingInfo         `json:"recording,omitempty"`
	Seconds   *float64               `json:"seconds,omitempty"`
	Source    capture.DurationSource `json:"source,omitempty"`
	Validity  *ValidityInfo          `json:"validity,omitempty"`
	Error     *ErrorInfo             `json:"error,omitempty"`
}

type RecordingInfo struct {
	ID              string `json:"id"`
	URL             string `json:"url"`
	MimeType        string `json:"mime_type"`
	Size            int    `json:"size"`
	CapturedSeconds int    `json:"captured_seconds"`
}

type ValidityInfo struct {
	Valid          bool    `json:"valid"`
	MinSeconds     float64 `json:"min_seconds"`
	DeficitSeconds float64 `json:"deficit_seconds"`
	Message        string  `json:"message"`
}

type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func validityInfo(v capture.Validity) *ValidityInfo {
	return &ValidityInfo{
		Valid:          v.Valid,
		MinSeconds:     v.MinSeconds,
		DeficitSeconds: v.DeficitSeconds,
		Message:        v.Message,
	}
}

func recordingInfo(rec *capture.FinalizedRecording) *RecordingInfo {
	return &RecordingInfo{
		ID:              rec.ID,
		URL:             rec.ObjectURL,
		MimeType:        rec.Blob.Type(),
		Size:            rec.Blob.Size(),
		CapturedSeconds: rec.CapturedDurationSeconds,
	}
}
