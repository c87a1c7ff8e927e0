// Package queue contains tests for the in-process job broker.
package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ckessler/competitrack/internal/clock/system"
	"github.com/ckessler/competitrack/internal/tracker"
)

func waitForState(t *testing.T, b *Broker, jobID string, state tracker.JobState) tracker.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := b.Job(context.Background(), jobID)
		if err == nil && job.State == state {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, err := b.Job(context.Background(), jobID)
	t.Fatalf("job %s never reached %s: job=%+v err=%v", jobID, state, job, err)
	return tracker.Job{}
}

func startBroker(t *testing.T, b *Broker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("broker did not stop after context cancel")
		}
	})
}

func TestBrokerExecutesEnqueuedJob(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	runner := func(_ context.Context, _ tracker.Job) error {
		runs.Add(1)
		return nil
	}
	b := New(runner, system.Clock{}, Config{Concurrency: 1}, zap.NewNop())
	defer b.Close()
	startBroker(t, b)

	err := b.Enqueue(context.Background(), tracker.Job{ID: "job-1", TargetID: "t-1"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	job := waitForState(t, b, "job-1", tracker.JobCompleted)
	if runs.Load() != 1 {
		t.Fatalf("expected 1 run, got %d", runs.Load())
	}
	if job.StartedAt == nil || job.FinishedAt == nil {
		t.Fatalf("expected run timestamps, got %+v", job)
	}
	if job.FailedReason != "" {
		t.Fatalf("unexpected failure reason %q", job.FailedReason)
	}
}

func TestBrokerRecordsFailureReason(t *testing.T) {
	t.Parallel()

	runner := func(_ context.Context, _ tracker.Job) error {
		return errors.New("capture blew up")
	}
	b := New(runner, system.Clock{}, Config{Concurrency: 1}, zap.NewNop())
	defer b.Close()
	startBroker(t, b)

	if err := b.Enqueue(context.Background(), tracker.Job{ID: "job-1", TargetID: "t-1"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	job := waitForState(t, b, "job-1", tracker.JobFailed)
	if job.FailedReason != "capture blew up" {
		t.Fatalf("expected failure reason, got %q", job.FailedReason)
	}
}

func TestBrokerScheduleReplacesExistingDefinition(t *testing.T) {
	t.Parallel()

	runner := func(_ context.Context, _ tracker.Job) error { return nil }
	b := New(runner, system.Clock{}, Config{Concurrency: 1}, zap.NewNop())
	defer b.Close()

	job := tracker.Job{ID: "t-1", TargetID: "t-1", Every: time.Hour}
	if err := b.Schedule(context.Background(), job); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	job.Every = 2 * time.Hour
	if err := b.Schedule(context.Background(), job); err != nil {
		t.Fatalf("Schedule() again error = %v", err)
	}

	jobs, err := b.ListJobs(context.Background())
	if err != nil {
		t.Fatalf("ListJobs() error = %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected one job after reschedule, got %d", len(jobs))
	}
	if jobs[0].Every != 2*time.Hour {
		t.Fatalf("expected replaced interval, got %v", jobs[0].Every)
	}
}

func TestBrokerScheduleRejectsNonRecurringJob(t *testing.T) {
	t.Parallel()

	b := New(func(context.Context, tracker.Job) error { return nil },
		system.Clock{}, Config{}, zap.NewNop())
	defer b.Close()

	err := b.Schedule(context.Background(), tracker.Job{ID: "t-1", TargetID: "t-1"})
	if err == nil {
		t.Fatal("expected error for job without interval")
	}
}

func TestBrokerRecurringJobRunsRepeatedlyUntilRemoved(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	runner := func(_ context.Context, _ tracker.Job) error {
		runs.Add(1)
		return nil
	}
	b := New(runner, system.Clock{}, Config{Concurrency: 1}, zap.NewNop())
	defer b.Close()
	startBroker(t, b)

	job := tracker.Job{ID: "t-1", TargetID: "t-1", Every: 15 * time.Millisecond}
	if err := b.Schedule(context.Background(), job); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if runs.Load() < 2 {
		t.Fatalf("expected at least 2 recurring runs, got %d", runs.Load())
	}

	if err := b.Remove(context.Background(), "t-1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := b.Job(context.Background(), "t-1"); !errors.Is(err, tracker.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound after removal, got %v", err)
	}

	// Removal must stop the recurrence, allowing for one in-flight run.
	settled := runs.Load()
	time.Sleep(60 * time.Millisecond)
	if got := runs.Load(); got > settled+1 {
		t.Fatalf("recurrence kept firing after removal: %d then %d", settled, got)
	}
}

func TestBrokerRescheduleDuringRunKeepsOneRecurrence(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	runner := func(_ context.Context, _ tracker.Job) error {
		if runs.Add(1) == 1 {
			close(started)
			<-release
		}
		return nil
	}
	b := New(runner, system.Clock{}, Config{Concurrency: 1}, zap.NewNop())
	defer b.Close()
	startBroker(t, b)

	job := tracker.Job{ID: "t-1", TargetID: "t-1", Every: 20 * time.Millisecond}
	if err := b.Schedule(context.Background(), job); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first recurring run never started")
	}

	// Replace the definition while the first run is still executing. The
	// replaced run must not rearm its own timer on top of the new one.
	job.Every = time.Hour
	if err := b.Schedule(context.Background(), job); err != nil {
		t.Fatalf("Schedule() replacement error = %v", err)
	}
	close(release)

	time.Sleep(150 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Fatalf("expected no further runs until the new interval, got %d", got)
	}
	current, err := b.Job(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("Job() error = %v", err)
	}
	if current.State != tracker.JobWaiting || current.Every != time.Hour {
		t.Fatalf("expected replacement definition untouched, got %+v", current)
	}
}

func TestBrokerLimitsConcurrentExecutions(t *testing.T) {
	t.Parallel()

	var running, peak atomic.Int32
	gate := make(chan struct{})
	runner := func(_ context.Context, _ tracker.Job) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-gate
		running.Add(-1)
		return nil
	}
	b := New(runner, system.Clock{}, Config{Concurrency: 2}, zap.NewNop())
	defer b.Close()
	startBroker(t, b)

	for _, id := range []string{"a", "b", "c", "d"} {
		if err := b.Enqueue(context.Background(), tracker.Job{ID: id, TargetID: id}); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", id, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for running.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)

	for _, id := range []string{"a", "b", "c", "d"} {
		waitForState(t, b, id, tracker.JobCompleted)
	}
	if peak.Load() > 2 {
		t.Fatalf("expected at most 2 concurrent executions, saw %d", peak.Load())
	}
}

func TestBrokerListJobsFiltersByState(t *testing.T) {
	t.Parallel()

	b := New(func(context.Context, tracker.Job) error { return nil },
		system.Clock{}, Config{}, zap.NewNop())
	defer b.Close()

	for _, id := range []string{"t-1", "t-2"} {
		job := tracker.Job{ID: id, TargetID: id, Every: time.Hour}
		if err := b.Schedule(context.Background(), job); err != nil {
			t.Fatalf("Schedule(%s) error = %v", id, err)
		}
	}

	waiting, err := b.ListJobs(context.Background(), tracker.JobWaiting)
	if err != nil {
		t.Fatalf("ListJobs() error = %v", err)
	}
	if len(waiting) != 2 {
		t.Fatalf("expected 2 waiting jobs, got %d", len(waiting))
	}
	active, err := b.ListJobs(context.Background(), tracker.JobActive)
	if err != nil {
		t.Fatalf("ListJobs() error = %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active jobs, got %d", len(active))
	}
}

func TestBrokerRejectsDuplicateEnqueue(t *testing.T) {
	t.Parallel()

	b := New(func(context.Context, tracker.Job) error { return nil },
		system.Clock{}, Config{}, zap.NewNop())
	defer b.Close()

	if err := b.Enqueue(context.Background(), tracker.Job{ID: "j", TargetID: "t"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := b.Enqueue(context.Background(), tracker.Job{ID: "j", TargetID: "t"}); err == nil {
		t.Fatal("expected duplicate enqueue to fail")
	}
}

func TestBrokerClosedRefusesWork(t *testing.T) {
	t.Parallel()

	b := New(func(context.Context, tracker.Job) error { return nil },
		system.Clock{}, Config{}, zap.NewNop())
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	// Closing twice should be safe.
	if err := b.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	err := b.Enqueue(context.Background(), tracker.Job{ID: "j", TargetID: "t"})
	if !errors.Is(err, tracker.ErrBrokerUnavailable) {
		t.Fatalf("expected ErrBrokerUnavailable, got %v", err)
	}
	err = b.Schedule(context.Background(), tracker.Job{ID: "t", TargetID: "t", Every: time.Hour})
	if !errors.Is(err, tracker.ErrBrokerUnavailable) {
		t.Fatalf("expected ErrBrokerUnavailable, got %v", err)
	}
}

func TestNullBrokerAlwaysUnavailable(t *testing.T) {
	t.Parallel()

	b := NewNullBroker()
	ctx := context.Background()

	if err := b.Schedule(ctx, tracker.Job{ID: "t", Every: time.Hour}); !errors.Is(err, tracker.ErrBrokerUnavailable) {
		t.Fatalf("Schedule: expected ErrBrokerUnavailable, got %v", err)
	}
	if err := b.Enqueue(ctx, tracker.Job{ID: "t"}); !errors.Is(err, tracker.ErrBrokerUnavailable) {
		t.Fatalf("Enqueue: expected ErrBrokerUnavailable, got %v", err)
	}
	if err := b.Remove(ctx, "t"); !errors.Is(err, tracker.ErrBrokerUnavailable) {
		t.Fatalf("Remove: expected ErrBrokerUnavailable, got %v", err)
	}
	if _, err := b.Job(ctx, "t"); !errors.Is(err, tracker.ErrBrokerUnavailable) {
		t.Fatalf("Job: expected ErrBrokerUnavailable, got %v", err)
	}
	if _, err := b.ListJobs(ctx); !errors.Is(err, tracker.ErrBrokerUnavailable) {
		t.Fatalf("ListJobs: expected ErrBrokerUnavailable, got %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
