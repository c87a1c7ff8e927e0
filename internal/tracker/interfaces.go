package tracker

import (
	"context"
	"io"
	"time"
)

// TargetStore exposes the narrow target operations the core needs. Target CRUD
// itself lives outside the core.
type TargetStore interface {
	GetTarget(ctx context.Context, id string) (Target, error)
	ListActiveTargets(ctx context.Context) ([]Target, error)
	// TouchLastCaptured records a successful capture time for the target.
	TouchLastCaptured(ctx context.Context, id string, at time.Time) error
}

// SnapshotStore persists and resolves captures.
type SnapshotStore interface {
	CreateSnapshot(ctx context.Context, snap Snapshot) error
	GetSnapshot(ctx context.Context, id string) (Snapshot, error)
	// PreviousSnapshot returns the snapshot immediately preceding the given
	// one by creation order for the same target, or ErrSnapshotNotFound when
	// none exists.
	PreviousSnapshot(ctx context.Context, targetID, beforeSnapshotID string) (Snapshot, error)
}

// ChangeStore persists detected changes and serves downstream readers.
type ChangeStore interface {
	CreateChange(ctx context.Context, change Change) error
	ListChanges(ctx context.Context, targetID string, since time.Time) ([]Change, error)
}

// JobBroker is the shared job-queue backing store and dispatcher. Recurring
// semantics are owned by the broker: a recurring job re-enters the waiting
// state after each successful run.
type JobBroker interface {
	// Schedule installs a recurring job, replacing any prior definition with
	// the same id.
	Schedule(ctx context.Context, job Job) error
	// Enqueue adds a one-shot job regardless of any recurring schedule.
	Enqueue(ctx context.Context, job Job) error
	// Remove drops a job definition by id. Removing an unknown id is not an
	// error.
	Remove(ctx context.Context, jobID string) error
	Job(ctx context.Context, jobID string) (Job, error)
	ListJobs(ctx context.Context, states ...JobState) ([]Job, error)
	Close() error
}

// Capturer renders a URL and returns a normalized capture.
type Capturer interface {
	Capture(ctx context.Context, url, selector string) (Capture, error)
}

// BlobStore writes binary artifacts (screenshots) and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes capture-completed events for downstream readers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces snapshot/change/job ids.
type IDGenerator interface {
	NewID() (string, error)
}
