package queue

import (
	"context"
	"fmt"

	"github.com/ckessler/competitrack/internal/tracker"
)

// NullBroker is the broker used when no queue backend is configured. Every
// operation fails with tracker.ErrBrokerUnavailable so callers can report
// queue outages distinctly from their own failures.
type NullBroker struct{}

// NewNullBroker returns a NullBroker.
func NewNullBroker() *NullBroker {
	return &NullBroker{}
}

func (NullBroker) Schedule(_ context.Context, job tracker.Job) error {
	return fmt.Errorf("schedule job %s: %w", job.ID, tracker.ErrBrokerUnavailable)
}

func (NullBroker) Enqueue(_ context.Context, job tracker.Job) error {
	return fmt.Errorf("enqueue job %s: %w", job.ID, tracker.ErrBrokerUnavailable)
}

func (NullBroker) Remove(_ context.Context, jobID string) error {
	return fmt.Errorf("remove job %s: %w", jobID, tracker.ErrBrokerUnavailable)
}

func (NullBroker) Job(_ context.Context, jobID string) (tracker.Job, error) {
	return tracker.Job{}, fmt.Errorf("get job %s: %w", jobID, tracker.ErrBrokerUnavailable)
}

func (NullBroker) ListJobs(_ context.Context, _ ...tracker.JobState) ([]tracker.Job, error) {
	return nil, fmt.Errorf("list jobs: %w", tracker.ErrBrokerUnavailable)
}

func (NullBroker) Close() error { return nil }
