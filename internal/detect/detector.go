// Package detect compares temporally adjacent snapshots of a target and
// produces typed, confidence-scored changes.
package detect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"go.uber.org/zap"

	"github.com/ckessler/competitrack/internal/metrics"
	"github.com/ckessler/competitrack/internal/tracker"
)

// Fixed policy values. The thresholds guard against formatting and
// floating-point noise; the confidences rank signal reliability. They are
// not tunable.
const (
	priceThresholdPercent     = 1.0
	structureThresholdPercent = 5.0

	priceConfidence     = 0.95
	contentConfidence   = 0.8
	structureConfidence = 0.7
	dataConfidence      = 0.85

	displayLength = 100
)

// Detector runs the four signal comparisons and persists every produced
// change.
type Detector struct {
	snapshots tracker.SnapshotStore
	changes   tracker.ChangeStore
	idGen     tracker.IDGenerator
	clock     tracker.Clock
	logger    *zap.Logger
}

// New constructs a Detector.
func New(
	snapshots tracker.SnapshotStore,
	changes tracker.ChangeStore,
	idGen tracker.IDGenerator,
	clock tracker.Clock,
	logger *zap.Logger,
) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		snapshots: snapshots,
		changes:   changes,
		idGen:     idGen,
		clock:     clock,
		logger:    logger,
	}
}

type signalFunc func(prev, curr tracker.Snapshot) (tracker.Change, bool)

// Detect diffs the current snapshot against the previous one and persists
// the resulting changes. The four signals are independent: a failure in one
// never prevents the others from being evaluated and persisted.
//
// Re-running Detect on the same snapshot pair duplicates Change rows;
// callers own the responsibility of not re-invoking it on an already
// processed pair.
func (d *Detector) Detect(ctx context.Context, targetID, previousID, currentID string) (tracker.DetectResult, error) {
	prev, err := d.snapshots.GetSnapshot(ctx, previousID)
	if err != nil {
		return tracker.DetectResult{}, fmt.Errorf("resolve previous snapshot %s: %w", previousID, err)
	}
	curr, err := d.snapshots.GetSnapshot(ctx, currentID)
	if err != nil {
		return tracker.DetectResult{}, fmt.Errorf("resolve current snapshot %s: %w", currentID, err)
	}

	signals := []struct {
		kind tracker.ChangeKind
		fn   signalFunc
	}{
		{tracker.ChangePrice, comparePrice},
		{tracker.ChangeContent, compareContent},
		{tracker.ChangeStructure, compareStructure},
		{tracker.ChangeData, compareData},
	}

	var (
		persisted  []tracker.Change
		persistErr error
	)
	for _, signal := range signals {
		change, found := d.runSignal(signal.kind, signal.fn, prev, curr)
		if !found {
			continue
		}
		change.TargetID = targetID
		change.SnapshotID = currentID
		change.CreatedAt = d.clock.Now()
		if id, idErr := d.idGen.NewID(); idErr == nil {
			change.ID = id
		} else {
			d.logger.Error("change id generation failed", zap.Error(idErr))
			persistErr = errors.Join(persistErr, idErr)
			continue
		}

		if err := d.changes.CreateChange(ctx, change); err != nil {
			d.logger.Error("persist change failed",
				zap.String("target_id", targetID),
				zap.String("kind", string(change.Kind)),
				zap.Error(err),
			)
			persistErr = errors.Join(persistErr, fmt.Errorf("persist %s change: %w", change.Kind, err))
			continue
		}
		metrics.IncChangeDetected(string(change.Kind))
		persisted = append(persisted, change)
	}

	return tracker.DetectResult{
		HasChanges: len(persisted) > 0,
		Changes:    persisted,
	}, persistErr
}

// runSignal isolates one signal evaluation so a panic in a single
// comparison cannot take down the remaining signals.
func (d *Detector) runSignal(kind tracker.ChangeKind, fn signalFunc, prev, curr tracker.Snapshot) (change tracker.Change, found bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("change signal panicked",
				zap.String("kind", string(kind)),
				zap.Any("panic", r),
			)
			change = tracker.Change{}
			found = false
		}
	}()
	return fn(prev, curr)
}

// comparePrice reports a price change only when both snapshots carry a
// detected price and the relative difference exceeds 1%.
func comparePrice(prev, curr tracker.Snapshot) (tracker.Change, bool) {
	if prev.DetectedPrice == nil || curr.DetectedPrice == nil {
		return tracker.Change{}, false
	}
	oldPrice := *prev.DetectedPrice
	newPrice := *curr.DetectedPrice
	if oldPrice == 0 {
		return tracker.Change{}, false
	}
	diffPercent := math.Abs(oldPrice-newPrice) / oldPrice * 100
	if diffPercent <= priceThresholdPercent {
		return tracker.Change{}, false
	}
	return tracker.Change{
		Kind:       tracker.ChangePrice,
		OldValue:   formatPrice(oldPrice),
		NewValue:   formatPrice(newPrice),
		Confidence: priceConfidence,
	}, true
}

// compareContent reports any non-identical detected text, case-sensitive.
func compareContent(prev, curr tracker.Snapshot) (tracker.Change, bool) {
	if prev.DetectedText == "" || curr.DetectedText == "" {
		return tracker.Change{}, false
	}
	if prev.DetectedText == curr.DetectedText {
		return tracker.Change{}, false
	}
	return tracker.Change{
		Kind:       tracker.ChangeContent,
		OldValue:   truncate(prev.DetectedText, displayLength),
		NewValue:   truncate(curr.DetectedText, displayLength),
		Confidence: contentConfidence,
	}, true
}

// compareStructure uses raw HTML length as a coarse proxy for substantial
// restructuring; it is not a semantic diff.
func compareStructure(prev, curr tracker.Snapshot) (tracker.Change, bool) {
	if prev.HTML == "" || curr.HTML == "" {
		return tracker.Change{}, false
	}
	oldLen := len(prev.HTML)
	newLen := len(curr.HTML)
	diffPercent := math.Abs(float64(oldLen-newLen)) / float64(oldLen) * 100
	if diffPercent <= structureThresholdPercent {
		return tracker.Change{}, false
	}
	return tracker.Change{
		Kind:       tracker.ChangeStructure,
		OldValue:   fmt.Sprintf("%d characters", oldLen),
		NewValue:   fmt.Sprintf("%d characters", newLen),
		Confidence: structureConfidence,
	}, true
}

// compareData serializes the extracted payloads and reports any inequality
// of the serialized forms.
func compareData(prev, curr tracker.Snapshot) (tracker.Change, bool) {
	if prev.ExtractedData == "" || curr.ExtractedData == "" {
		return tracker.Change{}, false
	}
	oldData, err := json.Marshal(prev.ExtractedData)
	if err != nil {
		return tracker.Change{}, false
	}
	newData, err := json.Marshal(curr.ExtractedData)
	if err != nil {
		return tracker.Change{}, false
	}
	if string(oldData) == string(newData) {
		return tracker.Change{}, false
	}
	return tracker.Change{
		Kind:       tracker.ChangeData,
		OldValue:   truncate(string(oldData), displayLength),
		NewValue:   truncate(string(newData), displayLength),
		Confidence: dataConfidence,
	}, true
}

// formatPrice renders a detected price the way it is shown to users:
// dollar-prefixed with no trailing zeros ($100, $99.5).
func formatPrice(v float64) string {
	return "$" + strconv.FormatFloat(v, 'f', -1, 64)
}

// truncate shortens long payloads to a display length, marking the cut with
// an ellipsis. Cuts on rune boundaries so multi-byte text stays valid.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
