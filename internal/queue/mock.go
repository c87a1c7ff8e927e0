package queue

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/ckessler/competitrack/internal/tracker"
)

// MockBroker is a mock implementation of tracker.JobBroker for testing.
type MockBroker struct {
	mock.Mock
}

// Schedule is the mock implementation of the Schedule method.
func (m *MockBroker) Schedule(ctx context.Context, job tracker.Job) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

// Enqueue is the mock implementation of the Enqueue method.
func (m *MockBroker) Enqueue(ctx context.Context, job tracker.Job) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

// Remove is the mock implementation of the Remove method.
func (m *MockBroker) Remove(ctx context.Context, jobID string) error {
	args := m.Called(ctx, jobID)
	return args.Error(0)
}

// Job is the mock implementation of the Job method.
func (m *MockBroker) Job(ctx context.Context, jobID string) (tracker.Job, error) {
	args := m.Called(ctx, jobID)
	return args.Get(0).(tracker.Job), args.Error(1)
}

// ListJobs is the mock implementation of the ListJobs method.
func (m *MockBroker) ListJobs(ctx context.Context, states ...tracker.JobState) ([]tracker.Job, error) {
	args := m.Called(ctx, states)
	jobs, _ := args.Get(0).([]tracker.Job)
	return jobs, args.Error(1)
}

// Close is the mock implementation of the Close method.
func (m *MockBroker) Close() error {
	args := m.Called()
	return args.Error(0)
}
