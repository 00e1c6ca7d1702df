package capture

import (
	"errors"
	"time"
)

// State enum
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StatePaused    State = "paused"
	StateStopped   State = "stopped"
)

// DurationSource tells where a resolved duration came from
type DurationSource string

const (
	SourceCaptured DurationSource = "captured"
	SourceDecoded  DurationSource = "decoded"
)

var (
	ErrAlreadyRecording = errors.New("recorder is already recording")
	ErrNotRecording     = errors.New("recorder is not recording")
	ErrClosed           = errors.New("recorder is closed")
)

// FinalizedRecording is the sealed result of one capture session. It is never
// mutated after Stop returns it.
type FinalizedRecording struct {
	ID                      string
	Blob                    *Blob
	ObjectURL               string
	MimeType                string
	CapturedDurationSeconds int
	ChunkCount              int
	CreatedAt               time.Time
}

// Handler types
type CompleteHandler func(blob *Blob, objectURL string, capturedSeconds int)
type DeleteHandler func()
type StateHandler func(State)
type TickHandler func(elapsedSeconds int)
type ErrorHandler func(*CaptureError)
type DurationHandler func(seconds float64, source DurationSource, validity Validity)
