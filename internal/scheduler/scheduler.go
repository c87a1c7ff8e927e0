// Package scheduler maintains recurring capture jobs and exposes manual
// trigger operations on top of the job broker.
package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ckessler/competitrack/internal/config"
	"github.com/ckessler/competitrack/internal/tracker"
)

// Scheduler reconciles active targets with the broker's recurring jobs and
// lets callers trigger one-off captures.
type Scheduler struct {
	targets tracker.TargetStore
	broker  tracker.JobBroker
	clock   tracker.Clock
	cfg     config.Config
	logger  *zap.Logger
}

// New constructs a Scheduler.
func New(targets tracker.TargetStore, broker tracker.JobBroker, clock tracker.Clock, cfg config.Config, logger *zap.Logger) *Scheduler {
	if cfg.Jobs.MaxIntervalHours <= 0 {
		cfg.Jobs.MinIntervalHours = 1
		cfg.Jobs.MaxIntervalHours = 168
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		targets: targets,
		broker:  broker,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
}

// ScheduleAll installs a recurring job for every active target. The job id is
// the target id, so running ScheduleAll repeatedly replaces definitions
// instead of duplicating them. It returns one outcome per target; per-target
// failures never abort the sweep.
func (s *Scheduler) ScheduleAll(ctx context.Context) ([]tracker.ScheduleOutcome, error) {
	targets, err := s.targets.ListActiveTargets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active targets: %w", err)
	}

	outcomes := make([]tracker.ScheduleOutcome, 0, len(targets))
	scheduled := 0
	for _, target := range targets {
		outcome := tracker.ScheduleOutcome{TargetID: target.ID}
		if !s.cfg.ValidInterval(target.IntervalHours) {
			outcome.Err = tracker.NewValidationError("interval_hours",
				fmt.Sprintf("%d is outside %d-%d", target.IntervalHours,
					s.cfg.Jobs.MinIntervalHours, s.cfg.Jobs.MaxIntervalHours))
			outcome.Reason = outcome.Err.Error()
			s.logger.Warn("skipping target with out-of-range interval",
				zap.String("target_id", target.ID),
				zap.Int("interval_hours", target.IntervalHours),
			)
			outcomes = append(outcomes, outcome)
			continue
		}
		job := tracker.Job{
			ID:       target.ID,
			TargetID: target.ID,
			Every:    target.Interval(),
		}
		if err := s.broker.Schedule(ctx, job); err != nil {
			outcome.Err = err
			outcome.Reason = err.Error()
			s.logger.Warn("failed to schedule target",
				zap.String("target_id", target.ID),
				zap.Error(err),
			)
		} else {
			outcome.JobID = job.ID
			scheduled++
		}
		outcomes = append(outcomes, outcome)
	}

	s.logger.Info("schedule sweep finished",
		zap.Int("scheduled", scheduled),
		zap.Int("total", len(targets)),
	)
	return outcomes, nil
}

// EnqueueOnce triggers an immediate one-off capture for a target. The job id
// embeds the trigger time so repeated manual triggers never collide.
func (s *Scheduler) EnqueueOnce(ctx context.Context, targetID string) (tracker.Job, error) {
	target, err := s.targets.GetTarget(ctx, targetID)
	if err != nil {
		return tracker.Job{}, fmt.Errorf("get target %s: %w", targetID, err)
	}
	if !target.Active {
		return tracker.Job{}, tracker.NewValidationError("target", "target is not active")
	}

	job := tracker.Job{
		ID:       fmt.Sprintf("manual-%s-%d", target.ID, s.clock.Now().UnixMilli()),
		TargetID: target.ID,
	}
	if err := s.broker.Enqueue(ctx, job); err != nil {
		return tracker.Job{}, fmt.Errorf("enqueue capture for %s: %w", target.ID, err)
	}
	s.logger.Info("manual capture queued",
		zap.String("target_id", target.ID),
		zap.String("job_id", job.ID),
	)
	return job, nil
}

// Unschedule removes a target's recurring job.
func (s *Scheduler) Unschedule(ctx context.Context, targetID string) error {
	if err := s.broker.Remove(ctx, targetID); err != nil {
		return fmt.Errorf("remove job for %s: %w", targetID, err)
	}
	return nil
}

// JobStatus returns the broker's view of a job.
func (s *Scheduler) JobStatus(ctx context.Context, jobID string) (tracker.Job, error) {
	return s.broker.Job(ctx, jobID)
}

// ListJobs returns jobs, optionally filtered by state.
func (s *Scheduler) ListJobs(ctx context.Context, states ...tracker.JobState) ([]tracker.Job, error) {
	return s.broker.ListJobs(ctx, states...)
}
