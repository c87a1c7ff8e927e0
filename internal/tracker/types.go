// Package tracker defines core types shared across subsystems.
package tracker

import (
	"time"
)

// Target is a monitored competitor endpoint.
type Target struct {
	ID string `json:"id"`
	// URL is the page to capture.
	URL string `json:"url"`
	// Selector optionally scopes extraction to a sub-region of the page.
	Selector string `json:"selector,omitempty"`
	// IntervalHours is the desired capture cadence.
	IntervalHours  int        `json:"interval_hours"`
	Active         bool       `json:"active"`
	LastCapturedAt *time.Time `json:"last_captured_at,omitempty"`
}

// Interval returns the capture cadence as a duration.
func (t Target) Interval() time.Duration {
	return time.Duration(t.IntervalHours) * time.Hour
}

// Snapshot is one immutable capture of a Target at a point in time.
// Snapshots are ordered per target by CreatedAt; that ordering is the sole
// basis for previous-vs-current comparisons.
type Snapshot struct {
	ID       string `json:"id"`
	TargetID string `json:"target_id"`
	HTML     string `json:"html"`
	// Screenshot holds the rendered page image when no blob store is
	// configured; otherwise ScreenshotURI points at the stored object.
	Screenshot    []byte `json:"screenshot,omitempty"`
	ScreenshotURI string `json:"screenshot_uri,omitempty"`
	// ExtractedData is the raw selector extraction, free-form.
	ExtractedData string `json:"extracted_data,omitempty"`
	// DetectedText is present whenever extraction succeeded.
	DetectedText string `json:"detected_text,omitempty"`
	// DetectedPrice is set only when a price-like pattern was found.
	DetectedPrice *float64  `json:"detected_price,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ChangeKind classifies a detected change.
type ChangeKind string

// Change kinds produced by the detector. The set is open to extension.
const (
	ChangePrice     ChangeKind = "price"
	ChangeContent   ChangeKind = "content"
	ChangeStructure ChangeKind = "structure"
	ChangeData      ChangeKind = "data"
)

// Change is an append-only fact: a detected difference between two temporally
// adjacent Snapshots of the same Target. SnapshotID references the newer
// snapshot of the pair.
type Change struct {
	ID         string     `json:"id"`
	TargetID   string     `json:"target_id"`
	SnapshotID string     `json:"snapshot_id"`
	Kind       ChangeKind `json:"kind"`
	OldValue   string     `json:"old_value"`
	NewValue   string     `json:"new_value"`
	Confidence float64    `json:"confidence"`
	CreatedAt  time.Time  `json:"created_at"`
}

// JobState is the lifecycle state of a queued job.
type JobState string

// Job states as observed through the broker.
const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Job is a unit of capture work as the broker sees it. Recurring jobs use the
// target id as the job id so rescheduling replaces rather than duplicates.
type Job struct {
	ID       string `json:"id"`
	TargetID string `json:"target_id"`
	// Every is the recurrence interval; zero means one-shot.
	Every        time.Duration `json:"every,omitempty"`
	State        JobState      `json:"state"`
	FailedReason string        `json:"failed_reason,omitempty"`
	EnqueuedAt   time.Time     `json:"enqueued_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
}

// Recurring reports whether the job reschedules itself after each run.
func (j Job) Recurring() bool {
	return j.Every > 0
}

// Capture is the result of rendering a target URL.
type Capture struct {
	HTML       string
	Screenshot []byte
	// ExtractedData is empty when the selector matched nothing; that is a
	// soft-fail, not an error.
	ExtractedData string
	DetectedText  string
	DetectedPrice *float64
	CapturedAt    time.Time
}

// DetectResult summarizes one detector invocation.
type DetectResult struct {
	HasChanges bool     `json:"has_changes"`
	Changes    []Change `json:"changes"`
}

// ScheduleOutcome reports per-target scheduling results for bulk operations.
type ScheduleOutcome struct {
	TargetID string `json:"target_id"`
	JobID    string `json:"job_id,omitempty"`
	Err      error  `json:"-"`
	Reason   string `json:"reason,omitempty"`
}
