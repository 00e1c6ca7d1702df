package capture

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Artifact is a persisted recording plus the duration known when it was saved.
type Artifact struct {
	RecordingID             string    `json:"recording_id"`
	AudioPath               string    `json:"audio_path"`
	MimeType                string    `json:"mime_type"`
	Size                    int       `json:"size"`
	ChunkCount              int       `json:"chunk_count"`
	CapturedDurationSeconds int       `json:"captured_duration_seconds"`
	ResolvedDurationSeconds float64   `json:"resolved_duration_seconds"`
	DurationSource          string    `json:"duration_source"`
	Valid                   bool      `json:"valid"`
	ValidityMessage         string    `json:"validity_message"`
	CreatedAt               time.Time `json:"created_at"`
	SavedAt                 time.Time `json:"saved_at"`
}

// ArtifactStore writes finalized recordings to disk and keeps a bounded index
// of what it saved.
type ArtifactStore struct {
	outputDir  string
	maxEntries int

	mu         sync.RWMutex
	entries    []Artifact
	totalBytes int64
	totalSaved int

	logger *Logger
}

func NewArtifactStore(outputDir string, maxEntries int) (*ArtifactStore, error) {
	if outputDir == "" {
		return nil, NewConfigError("artifact output directory is empty")
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &ArtifactStore{
		outputDir:  outputDir,
		maxEntries: maxEntries,
		logger:     GetGlobalLogger().WithComponent("ArtifactStore"),
	}, nil
}

// Save writes the recording bytes and a JSON sidecar. resolution may be nil,
// in which case the captured duration is recorded.
func (s *ArtifactStore) Save(rec *FinalizedRecording, resolution *DurationResolution, gate Gate) (*Artifact, error) {
	if rec == nil || rec.Blob == nil || rec.Blob.Size() == 0 {
		return nil, NewEmptyRecordingError(0, 0)
	}

	seconds := float64(rec.CapturedDurationSeconds)
	source := SourceCaptured
	if resolution != nil {
		seconds = resolution.Seconds()
		source = resolution.Source()
	}
	validity := gate.Evaluate(seconds)

	base := fmt.Sprintf("%s_%s", rec.CreatedAt.Format("20060102_150405"), rec.ID)
	audioPath := filepath.Join(s.outputDir, base+FileExtension(rec.MimeType))
	if err := os.WriteFile(audioPath, rec.Blob.Bytes(), 0644); err != nil {
		return nil, fmt.Errorf("failed to write recording: %w", err)
	}

	artifact := Artifact{
		RecordingID:             rec.ID,
		AudioPath:               audioPath,
		MimeType:                rec.MimeType,
		Size:                    rec.Blob.Size(),
		ChunkCount:              rec.ChunkCount,
		CapturedDurationSeconds: rec.CapturedDurationSeconds,
		ResolvedDurationSeconds: seconds,
		DurationSource:          string(source),
		Valid:                   validity.Valid,
		ValidityMessage:         validity.Message,
		CreatedAt:               rec.CreatedAt,
		SavedAt:                 time.Now(),
	}

	meta, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(s.outputDir, base+".json"), meta, 0644); err != nil {
		s.logger.WithError(err).Warn("Failed to save recording metadata")
	}

	s.mu.Lock()
	s.entries = append(s.entries, artifact)
	if s.maxEntries > 0 && len(s.entries) > s.maxEntries {
		s.entries = s.entries[len(s.entries)-s.maxEntries:]
	}
	s.totalBytes += int64(artifact.Size)
	s.totalSaved++
	s.mu.Unlock()

	s.logger.WithFields(map[string]interface{}{
		"recording_id": rec.ID,
		"path":         audioPath,
		"seconds":      seconds,
		"valid":        validity.Valid,
	}).Info("Recording saved")
	return &artifact, nil
}

// LoadArtifact reads a sidecar written by Save.
func LoadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("invalid artifact metadata %s: %w", path, err)
	}
	return &a, nil
}

// Entries returns a copy of the saved index, oldest first.
func (s *ArtifactStore) Entries() []Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Artifact, len(s.entries))
	copy(out, s.entries)
	return out
}

// Latest returns the most recently saved artifact.
func (s *ArtifactStore) Latest() *Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return nil
	}
	latest := s.entries[len(s.entries)-1]
	return &latest
}

// ArtifactStats contains statistics about saved recordings
type ArtifactStats struct {
	TotalSaved      int
	IndexedEntries  int
	TotalBytes      int64
	IndexedDuration float64
	OutputDirectory string
}

func (s *ArtifactStore) GetStats() ArtifactStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0.0
	for _, e := range s.entries {
		total += e.ResolvedDurationSeconds
	}
	return ArtifactStats{
		TotalSaved:      s.totalSaved,
		IndexedEntries:  len(s.entries),
		TotalBytes:      s.totalBytes,
		IndexedDuration: total,
		OutputDirectory: s.outputDir,
	}
}
