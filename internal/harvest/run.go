package harvest

import (
	"errors"
	"time"
)

// ErrRunNotFound is returned by run stores for unknown run IDs.
var ErrRunNotFound = errors.New("run not found")

// RunStatus is the lifecycle state of a pipeline run started through the API.
type RunStatus string

// Run statuses.
const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed
}

// Run is the record kept for an API-triggered run.
type Run struct {
	ID         string     `json:"run_id"`
	Status     RunStatus  `json:"status"`
	Locators   []string   `json:"locators,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
	Report     *Report    `json:"report,omitempty"`
}

// RunRequest asks the dispatcher to process locators under a run ID.
type RunRequest struct {
	RunID    string
	Locators []string
}
