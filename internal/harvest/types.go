// Package harvest defines core types shared across the acquisition pipeline.
package harvest

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrToolFailed wraps every failure reported by the external extraction tool.
var ErrToolFailed = errors.New("tool failed")

// Item is one individually downloadable unit. Two items are the same entity
// iff their IDs match; the ID never depends on the locator spelling.
type Item struct {
	ID         string `json:"id"`
	Title      string `json:"title,omitempty"`
	URL        string `json:"url,omitempty"`
	RawLocator string `json:"raw_locator"`
	Source     string `json:"source,omitempty"`
}

// State is the terminal state recorded in the ledger for an item.
type State string

// Ledger states.
const (
	StateDone    State = "done"
	StateSkipped State = "skipped"
)

// ParseState converts a stored state label into a State.
func ParseState(raw string) (State, error) {
	switch State(strings.ToLower(strings.TrimSpace(raw))) {
	case StateDone:
		return StateDone, nil
	case StateSkipped:
		return StateSkipped, nil
	default:
		return "", fmt.Errorf("unknown ledger state %q", raw)
	}
}

// Entry is one ledger record.
type Entry struct {
	ID         string    `json:"id"`
	State      State     `json:"state"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Decision is the filter verdict for an item.
type Decision int

// Filter decisions.
const (
	Eligible Decision = iota
	AlreadyDone
	Excluded
)

func (d Decision) String() string {
	switch d {
	case Eligible:
		return "eligible"
	case AlreadyDone:
		return "already_done"
	case Excluded:
		return "excluded"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Stage names the pipeline step an item-level failure happened in.
type Stage string

// Pipeline stages.
const (
	StageResolve   Stage = "resolve"
	StageMetadata  Stage = "metadata"
	StageDownload  Stage = "download"
	StageNormalize Stage = "normalize"
	StageMirror    Stage = "mirror"
)

// ItemError describes a failure local to one item or file. It never aborts a run.
type ItemError struct {
	ItemID string `json:"item_id,omitempty" yaml:"item_id,omitempty"`
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`
	Stage  Stage  `json:"stage" yaml:"stage"`
	Reason string `json:"reason" yaml:"reason"`
	Err    error  `json:"-" yaml:"-"`
}

func (e *ItemError) Error() string {
	subject := e.ItemID
	if subject == "" {
		subject = e.Path
	}
	return fmt.Sprintf("%s %s: %s", e.Stage, subject, e.Reason)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// NewItemError builds an ItemError whose reason is the error text.
func NewItemError(stage Stage, itemID string, err error) *ItemError {
	reason := "unknown error"
	if err != nil {
		reason = err.Error()
	}
	return &ItemError{ItemID: itemID, Stage: stage, Reason: reason, Err: err}
}

// Outcome is the result of acquiring one eligible item.
type Outcome struct {
	Item Item
	// Path is the artifact location when known.
	Path string
	// Reused is set when a verified artifact was found and the tool was not invoked.
	Reused bool
	Err    *ItemError
}

// OK reports whether the acquisition succeeded.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Rename records one normalizer rename.
type Rename struct {
	Old string `json:"old" yaml:"old"`
	New string `json:"new" yaml:"new"`
}

// Deletion records one normalizer deletion.
type Deletion struct {
	Path    string `json:"path" yaml:"path"`
	Keyword string `json:"keyword" yaml:"keyword"`
}

// Report summarizes a completed run. Failed counts items whose metadata
// fetch or download failed. Failures also lists resolver, normalize and
// mirror errors, which concern locators or files rather than items.
type Report struct {
	RunID       string      `json:"run_id" yaml:"run_id"`
	StartedAt   time.Time   `json:"started_at" yaml:"started_at"`
	FinishedAt  time.Time   `json:"finished_at" yaml:"finished_at"`
	Resolved    int         `json:"resolved" yaml:"resolved"`
	AlreadyDone int         `json:"already_done" yaml:"already_done"`
	Excluded    int         `json:"excluded" yaml:"excluded"`
	Downloaded  int         `json:"downloaded" yaml:"downloaded"`
	Reused      int         `json:"reused" yaml:"reused"`
	Failed      int         `json:"failed" yaml:"failed"`
	Renamed     int         `json:"renamed" yaml:"renamed"`
	Deleted     int         `json:"deleted" yaml:"deleted"`
	Mirrored    int         `json:"mirrored" yaml:"mirrored"`
	Failures    []ItemError `json:"failures,omitempty" yaml:"failures,omitempty"`
}

// Duration returns the wall time of the run.
func (r Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
