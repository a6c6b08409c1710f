package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage identifies the milestone an Event reports.
type Stage string

// Run lifecycle and per-item stages.
const (
	StageRunStart       Stage = "RUN_START"
	StageRunDone        Stage = "RUN_DONE"
	StageRunError       Stage = "RUN_ERROR"
	StageResolved       Stage = "RESOLVED"
	StageMetadataFailed Stage = "METADATA_FAILED"
	StageAlreadyDone    Stage = "ALREADY_DONE"
	StageExcluded       Stage = "EXCLUDED"
	StageDownloadDone   Stage = "DOWNLOAD_DONE"
	StageDownloadFailed Stage = "DOWNLOAD_FAILED"
	StageRenamed        Stage = "RENAMED"
	StageDeleted        Stage = "DELETED"
)

// Event is one pipeline milestone.
type Event struct {
	RunID [16]byte
	TS    time.Time
	Stage Stage
	// ItemID is set for per-item stages.
	ItemID string
	Title  string
	// Locator is the top-level locator for RESOLVED events.
	Locator string
	// Path is the artifact path (DOWNLOAD_DONE) or the old path (RENAMED, DELETED).
	Path    string
	NewPath string
	Keyword string
	// Count carries the number of items for RESOLVED.
	Count    int
	ExitCode int
	Reused   bool
	Dur      time.Duration
	Note     string
}

// Validate rejects events sinks could not attribute.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError:
	case StageResolved:
		if e.Locator == "" {
			return errors.New("resolved requires locator")
		}
	case StageMetadataFailed, StageAlreadyDone, StageExcluded, StageDownloadFailed:
		if e.ItemID == "" {
			return fmt.Errorf("%s requires item id", e.Stage)
		}
	case StageDownloadDone:
		if e.ItemID == "" || e.Path == "" {
			return errors.New("download done requires item id and path")
		}
	case StageRenamed:
		if e.Path == "" || e.NewPath == "" {
			return errors.New("renamed requires both paths")
		}
	case StageDeleted:
		if e.Path == "" {
			return errors.New("deleted requires path")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID returns the run ID as a uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// RunIDFromString parses a textual run ID into the Event form.
func RunIDFromString(s string) ([16]byte, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return [16]byte{}, fmt.Errorf("parse run id: %w", err)
	}
	return [16]byte(id), nil
}
