// Package queue provides the job broker implementations behind
// tracker.JobBroker.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ckessler/competitrack/internal/metrics"
	"github.com/ckessler/competitrack/internal/tracker"
)

// Runner executes the body of one job.
type Runner func(ctx context.Context, job tracker.Job) error

// Config controls broker behavior.
type Config struct {
	// Concurrency bounds job executions running at once, system-wide. This
	// is a cooperative throttle protecting the browser engine and the
	// store, not a per-target cap.
	Concurrency int
	// QueueDepth is the ready-queue capacity.
	QueueDepth int
}

type jobRecord struct {
	job   tracker.Job
	timer *time.Timer
}

// Broker is an in-process job broker: a bounded ready queue, a fixed worker
// pool, and timer-driven recurrence. Recurring jobs re-enter the waiting
// state after each run; one-shot jobs stay in their terminal state.
type Broker struct {
	runner Runner
	cfg    Config
	clock  tracker.Clock
	logger *zap.Logger

	mu   sync.Mutex
	jobs map[string]*jobRecord

	ready  chan *jobRecord
	closed bool
}

// New constructs a Broker. The runner is invoked by Run's worker pool.
func New(runner Runner, clock tracker.Clock, cfg Config, logger *zap.Logger) *Broker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		runner: runner,
		cfg:    cfg,
		clock:  clock,
		logger: logger,
		jobs:   make(map[string]*jobRecord),
		ready:  make(chan *jobRecord, cfg.QueueDepth),
	}
}

// currentLocked reports whether record is still the live definition for its
// id. Timers, ready-queue entries, and in-flight executions all hold record
// pointers; once Schedule or Remove replaces the map entry, stale holders
// see the mismatch and stand down, so at most one timer chain exists per id.
func (b *Broker) currentLocked(record *jobRecord) bool {
	return b.jobs[record.job.ID] == record
}

// Schedule installs a recurring job, replacing any prior definition with the
// same id. The first run fires after one interval.
func (b *Broker) Schedule(_ context.Context, job tracker.Job) error {
	if !job.Recurring() {
		return fmt.Errorf("job %s has no recurrence interval", job.ID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("schedule job %s: %w", job.ID, tracker.ErrBrokerUnavailable)
	}

	b.removeLocked(job.ID)

	job.State = tracker.JobWaiting
	job.EnqueuedAt = b.clock.Now()
	record := &jobRecord{job: job}
	record.timer = time.AfterFunc(job.Every, func() { b.fire(record) })
	b.jobs[job.ID] = record
	return nil
}

// Enqueue adds a one-shot job. It is always allowed alongside a recurring
// definition for the same target.
func (b *Broker) Enqueue(ctx context.Context, job tracker.Job) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("enqueue job %s: %w", job.ID, tracker.ErrBrokerUnavailable)
	}
	if _, exists := b.jobs[job.ID]; exists {
		b.mu.Unlock()
		return fmt.Errorf("job %s already exists", job.ID)
	}
	job.State = tracker.JobWaiting
	job.EnqueuedAt = b.clock.Now()
	record := &jobRecord{job: job}
	b.jobs[job.ID] = record
	b.mu.Unlock()

	select {
	case b.ready <- record:
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		if b.currentLocked(record) {
			delete(b.jobs, job.ID)
		}
		b.mu.Unlock()
		return fmt.Errorf("enqueue job %s canceled: %w", job.ID, ctx.Err())
	}
}

// Remove drops a job definition and stops its recurrence. Unknown ids are
// ignored.
func (b *Broker) Remove(_ context.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(jobID)
	return nil
}

func (b *Broker) removeLocked(jobID string) {
	record, ok := b.jobs[jobID]
	if !ok {
		return
	}
	if record.timer != nil {
		record.timer.Stop()
	}
	// An active execution still holds the old pointer; its finalize sees the
	// map no longer points at it and neither rearms nor resurfaces the job.
	delete(b.jobs, jobID)
}

// Job returns the observable state of a job.
func (b *Broker) Job(_ context.Context, jobID string) (tracker.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	record, ok := b.jobs[jobID]
	if !ok {
		return tracker.Job{}, tracker.ErrJobNotFound
	}
	return record.job, nil
}

// ListJobs returns jobs in the given states; with no states, all jobs.
func (b *Broker) ListJobs(_ context.Context, states ...tracker.JobState) ([]tracker.Job, error) {
	wanted := make(map[tracker.JobState]bool, len(states))
	for _, state := range states {
		wanted[state] = true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []tracker.Job
	for _, record := range b.jobs {
		if len(wanted) == 0 || wanted[record.job.State] {
			out = append(out, record.job)
		}
	}
	return out, nil
}

// Run blocks, executing ready jobs with a fixed-size worker pool until the
// context finishes.
func (b *Broker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < b.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case record := <-b.ready:
					b.execute(ctx, record)
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
}

// fire moves a recurring job into the ready queue when its timer expires.
func (b *Broker) fire(record *jobRecord) {
	b.mu.Lock()
	if !b.currentLocked(record) {
		b.mu.Unlock()
		return
	}
	record.job.State = tracker.JobWaiting
	record.job.EnqueuedAt = b.clock.Now()
	jobID := record.job.ID
	b.mu.Unlock()

	select {
	case b.ready <- record:
	default:
		// Ready queue is saturated; try again shortly rather than drop the
		// recurrence.
		b.logger.Warn("ready queue full, delaying recurring job", zap.String("job_id", jobID))
		b.rearm(record, time.Minute)
	}
}

func (b *Broker) rearm(record *jobRecord, delay time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.currentLocked(record) {
		return
	}
	record.timer = time.AfterFunc(delay, func() { b.fire(record) })
}

func (b *Broker) execute(ctx context.Context, record *jobRecord) {
	b.mu.Lock()
	if !b.currentLocked(record) {
		b.mu.Unlock()
		return
	}
	now := b.clock.Now()
	record.job.State = tracker.JobActive
	record.job.StartedAt = &now
	record.job.FailedReason = ""
	job := record.job
	b.mu.Unlock()

	metrics.JobStarted()
	err := b.runner(ctx, job)
	metrics.JobFinished()

	b.mu.Lock()
	if !b.currentLocked(record) {
		b.mu.Unlock()
		return
	}
	finished := b.clock.Now()
	record.job.FinishedAt = &finished
	if err != nil {
		record.job.State = tracker.JobFailed
		record.job.FailedReason = err.Error()
		b.logger.Warn("job failed",
			zap.String("job_id", job.ID),
			zap.String("target_id", job.TargetID),
			zap.Error(err),
		)
	} else {
		record.job.State = tracker.JobCompleted
	}
	metrics.ObserveJob(string(record.job.State))

	if record.job.Recurring() {
		// The recurrence is owned here, not by callers: the job re-enters
		// waiting after its interval, whether this run succeeded or not.
		record.timer = time.AfterFunc(record.job.Every, func() { b.fire(record) })
	}
	b.mu.Unlock()
}

// Close stops recurrence timers and refuses further scheduling.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, record := range b.jobs {
		if record.timer != nil {
			record.timer.Stop()
		}
	}
	return nil
}
