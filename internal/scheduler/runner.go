package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ckessler/competitrack/internal/tracker"
)

// Hasher names screenshot blobs by content digest.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// CaptureEvent is published after every successful capture run. It announces
// the snapshot for downstream consumers; it carries no change payloads.
type CaptureEvent struct {
	TargetID    string    `json:"target_id"`
	SnapshotID  string    `json:"snapshot_id"`
	JobID       string    `json:"job_id"`
	ChangeCount int       `json:"change_count"`
	CapturedAt  time.Time `json:"captured_at"`
}

// Detector diffs a new snapshot against its predecessor.
type Detector interface {
	Detect(ctx context.Context, targetID, previousID, currentID string) (tracker.DetectResult, error)
}

// Runner executes one capture job end to end: render the page, persist the
// snapshot, diff against the previous snapshot, and announce the result.
type Runner struct {
	targets   tracker.TargetStore
	snapshots tracker.SnapshotStore
	capturer  tracker.Capturer
	detector  Detector
	blobs     tracker.BlobStore
	publisher tracker.Publisher
	hasher    Hasher
	idGen     tracker.IDGenerator
	clock     tracker.Clock
	logger    *zap.Logger

	eventTopic string
}

// RunnerConfig carries the optional runner settings.
type RunnerConfig struct {
	// EventTopic is the destination for capture-completed events.
	EventTopic string
}

// NewRunner constructs a Runner. The blob store and publisher are optional;
// without a blob store screenshots are stored inline on the snapshot, and
// without a publisher no events are emitted.
func NewRunner(
	targets tracker.TargetStore,
	snapshots tracker.SnapshotStore,
	capturer tracker.Capturer,
	detector Detector,
	blobs tracker.BlobStore,
	publisher tracker.Publisher,
	hasher Hasher,
	idGen tracker.IDGenerator,
	clock tracker.Clock,
	cfg RunnerConfig,
	logger *zap.Logger,
) *Runner {
	if cfg.EventTopic == "" {
		cfg.EventTopic = "capture-completed"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		targets:    targets,
		snapshots:  snapshots,
		capturer:   capturer,
		detector:   detector,
		blobs:      blobs,
		publisher:  publisher,
		hasher:     hasher,
		idGen:      idGen,
		clock:      clock,
		logger:     logger,
		eventTopic: cfg.EventTopic,
	}
}

// Run processes one job. A target that has been deleted or deactivated since
// the job was queued is skipped without error; the recurring definition is
// cleaned up on the next schedule sweep.
func (r *Runner) Run(ctx context.Context, job tracker.Job) error {
	target, err := r.targets.GetTarget(ctx, job.TargetID)
	if errors.Is(err, tracker.ErrTargetNotFound) {
		r.logger.Debug("skipping job for missing target",
			zap.String("job_id", job.ID),
			zap.String("target_id", job.TargetID),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load target %s: %w", job.TargetID, err)
	}
	if !target.Active {
		r.logger.Debug("skipping job for inactive target",
			zap.String("job_id", job.ID),
			zap.String("target_id", target.ID),
		)
		return nil
	}

	capture, err := r.capturer.Capture(ctx, target.URL, target.Selector)
	if err != nil {
		return fmt.Errorf("capture %s: %w", target.URL, err)
	}

	snapshotID, err := r.idGen.NewID()
	if err != nil {
		return fmt.Errorf("generate snapshot id: %w", err)
	}
	snapshot := tracker.Snapshot{
		ID:            snapshotID,
		TargetID:      target.ID,
		HTML:          capture.HTML,
		ExtractedData: capture.ExtractedData,
		DetectedText:  capture.DetectedText,
		DetectedPrice: capture.DetectedPrice,
		CreatedAt:     capture.CapturedAt,
	}
	snapshot.Screenshot, snapshot.ScreenshotURI = r.storeScreenshot(ctx, target.ID, capture.Screenshot)

	if err := r.snapshots.CreateSnapshot(ctx, snapshot); err != nil {
		return fmt.Errorf("persist snapshot for %s: %w", target.ID, err)
	}

	changeCount := 0
	previous, err := r.snapshots.PreviousSnapshot(ctx, target.ID, snapshot.ID)
	switch {
	case errors.Is(err, tracker.ErrSnapshotNotFound):
		// First capture of this target; nothing to diff against.
	case err != nil:
		return fmt.Errorf("resolve previous snapshot for %s: %w", target.ID, err)
	default:
		result, err := r.detector.Detect(ctx, target.ID, previous.ID, snapshot.ID)
		if err != nil {
			return fmt.Errorf("detect changes for %s: %w", target.ID, err)
		}
		changeCount = len(result.Changes)
	}

	if err := r.targets.TouchLastCaptured(ctx, target.ID, snapshot.CreatedAt); err != nil {
		// The snapshot is already persisted; a stale last_captured_at only
		// affects reporting.
		r.logger.Warn("failed to update last captured time",
			zap.String("target_id", target.ID),
			zap.Error(err),
		)
	}

	r.publishEvent(ctx, CaptureEvent{
		TargetID:    target.ID,
		SnapshotID:  snapshot.ID,
		JobID:       job.ID,
		ChangeCount: changeCount,
		CapturedAt:  snapshot.CreatedAt,
	})

	r.logger.Info("capture run finished",
		zap.String("target_id", target.ID),
		zap.String("snapshot_id", snapshot.ID),
		zap.Int("changes", changeCount),
	)
	return nil
}

// storeScreenshot uploads the screenshot when a blob store is configured. On
// upload failure the bytes stay inline so the capture is never lost.
func (r *Runner) storeScreenshot(ctx context.Context, targetID string, screenshot []byte) ([]byte, string) {
	if len(screenshot) == 0 {
		return nil, ""
	}
	if r.blobs == nil {
		return screenshot, ""
	}
	digest, err := r.hasher.Hash(screenshot)
	if err != nil {
		r.logger.Warn("failed to hash screenshot", zap.String("target_id", targetID), zap.Error(err))
		return screenshot, ""
	}
	path := fmt.Sprintf("screenshots/%s/%s.png", targetID, digest)
	uri, err := r.blobs.PutObject(ctx, path, "image/png", bytes.NewReader(screenshot))
	if err != nil {
		r.logger.Warn("failed to store screenshot",
			zap.String("target_id", targetID),
			zap.Error(err),
		)
		return screenshot, ""
	}
	return nil, uri
}

func (r *Runner) publishEvent(ctx context.Context, event CaptureEvent) {
	if r.publisher == nil {
		return
	}
	if _, err := r.publisher.Publish(ctx, r.eventTopic, event); err != nil {
		// Event delivery is best effort.
		r.logger.Warn("failed to publish capture event",
			zap.String("target_id", event.TargetID),
			zap.Error(err),
		)
	}
}
