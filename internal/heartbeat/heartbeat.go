package heartbeat

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"horse.fit/corrector/internal/globaltime"
)

const Version = "1.1.0"

// Statuses reported over a batch lifecycle.
const (
	StatusProcessing = "processing"
	StatusFinished   = "finished"
	StatusError      = "error"
)

// Results of a batch as seen by the external monitoring collaborator.
const (
	ResultSucceeded = "SUCCEEDED"
	ResultFailed    = "FAILED"
)

type beat struct {
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Status    string    `json:"status"`
	Result    string    `json:"result"`
	Timestamp time.Time `json:"timestamp"`
}

// Writer emits heartbeat files for the external monitoring collaborator.
// Emission is fire and forget: callers log returned errors, nothing more.
type Writer struct {
	path string
}

func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Emit writes the heartbeat atomically (write temp file, rename) so the
// collaborator never reads a half-written beat.
func (w *Writer) Emit(status, result string) error {
	if w == nil || w.path == "" {
		return fmt.Errorf("heartbeat writer is not configured")
	}

	payload, err := json.Marshal(beat{
		Service:   "corrector",
		Version:   Version,
		Status:    status,
		Result:    result,
		Timestamp: globaltime.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create heartbeat directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".heartbeat-*")
	if err != nil {
		return fmt.Errorf("create heartbeat temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write heartbeat: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close heartbeat: %w", err)
	}
	if err := os.Rename(tmpName, w.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("publish heartbeat: %w", err)
	}
	return nil
}
