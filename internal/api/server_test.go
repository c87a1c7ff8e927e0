package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ckessler/competitrack/internal/config"
	"github.com/ckessler/competitrack/internal/queue"
	"github.com/ckessler/competitrack/internal/ratelimit"
	"github.com/ckessler/competitrack/internal/scheduler"
	"github.com/ckessler/competitrack/internal/storage/memory"
	"github.com/ckessler/competitrack/internal/tracker"
)

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

type serverFixture struct {
	targets *memory.TargetStore
	changes *memory.ChangeStore
	broker  *queue.MockBroker
	clock   *fixedClock
	server  *Server
}

func newServerFixture(t *testing.T, broker tracker.JobBroker) *serverFixture {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)

	f := &serverFixture{
		targets: memory.NewTargetStore(),
		changes: memory.NewChangeStore(),
		clock:   &fixedClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)},
	}
	if mockBroker, ok := broker.(*queue.MockBroker); ok {
		f.broker = mockBroker
	}
	sched := scheduler.New(f.targets, broker, f.clock, cfg, zap.NewNop())
	limiter := ratelimit.New(nil, ratelimit.NewLocalStore(), ratelimit.Config{}, zap.NewNop())
	f.server = NewServer(sched, f.targets, f.changes, limiter, f.clock, cfg, zap.NewNop())
	return f
}

func (f *serverFixture) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "10.0.0.1:52000"
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, &queue.MockBroker{})
	rec := f.do(t, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzBrokerDown(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, queue.NewNullBroker())
	rec := f.do(t, http.MethodGet, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTriggerScrapeQueuesJob(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, &queue.MockBroker{})
	f.targets.PutTarget(tracker.Target{ID: "t-1", URL: "https://a.example", IntervalHours: 6, Active: true})
	f.broker.On("Enqueue", mock.Anything, mock.AnythingOfType("tracker.Job")).Return(nil)

	rec := f.do(t, http.MethodPost, "/v1/targets/t-1/scrape")
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decodeBody(t, rec)
	require.Equal(t, "t-1", body["target_id"])
	require.Contains(t, body["job_id"], "manual-t-1-")
	f.broker.AssertExpectations(t)
}

func TestTriggerScrapeUnknownTarget(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, &queue.MockBroker{})
	rec := f.do(t, http.MethodPost, "/v1/targets/missing/scrape")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerScrapeInactiveTarget(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, &queue.MockBroker{})
	f.targets.PutTarget(tracker.Target{ID: "t-1", URL: "https://a.example", IntervalHours: 6, Active: false})

	rec := f.do(t, http.MethodPost, "/v1/targets/t-1/scrape")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerScrapeBrokerUnavailable(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, queue.NewNullBroker())
	f.targets.PutTarget(tracker.Target{ID: "t-1", URL: "https://a.example", IntervalHours: 6, Active: true})

	rec := f.do(t, http.MethodPost, "/v1/targets/t-1/scrape")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTriggerScrapeRateLimited(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, &queue.MockBroker{})
	f.targets.PutTarget(tracker.Target{ID: "t-1", URL: "https://a.example", IntervalHours: 6, Active: true})
	f.broker.On("Enqueue", mock.Anything, mock.AnythingOfType("tracker.Job")).Return(nil)

	for i := 0; i < ratelimit.ScrapeLimit.Max; i++ {
		rec := f.do(t, http.MethodPost, "/v1/targets/t-1/scrape")
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := f.do(t, http.MethodPost, "/v1/targets/t-1/scrape")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
	require.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestTriggerScanUsesScrapeBudget(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, &queue.MockBroker{})
	f.targets.PutTarget(tracker.Target{ID: "t-1", URL: "https://a.example", IntervalHours: 6, Active: true})
	f.broker.On("Enqueue", mock.Anything, mock.AnythingOfType("tracker.Job")).Return(nil)

	for i := 0; i < ratelimit.ScrapeLimit.Max; i++ {
		rec := f.do(t, http.MethodPost, "/v1/scan")
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := f.do(t, http.MethodPost, "/v1/scan")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, strconv.Itoa(ratelimit.ScrapeLimit.Max), rec.Header().Get("X-RateLimit-Limit"))
}

func TestTriggerScanPartialFailure(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, &queue.MockBroker{})
	f.targets.PutTarget(tracker.Target{ID: "t-1", URL: "https://a.example", IntervalHours: 6, Active: true})
	f.targets.PutTarget(tracker.Target{ID: "t-2", URL: "https://b.example", IntervalHours: 6, Active: true})
	f.broker.On("Enqueue", mock.Anything, mock.MatchedBy(func(j tracker.Job) bool { return j.TargetID == "t-1" })).
		Return(nil)
	f.broker.On("Enqueue", mock.Anything, mock.MatchedBy(func(j tracker.Job) bool { return j.TargetID == "t-2" })).
		Return(context.DeadlineExceeded)

	rec := f.do(t, http.MethodPost, "/v1/scan")
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decodeBody(t, rec)
	require.Equal(t, float64(1), body["queued"])
	require.Equal(t, float64(2), body["total"])
}

func TestTriggerScanBrokerDown(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, queue.NewNullBroker())
	f.targets.PutTarget(tracker.Target{ID: "t-1", URL: "https://a.example", IntervalHours: 6, Active: true})

	rec := f.do(t, http.MethodPost, "/v1/scan")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	body := decodeBody(t, rec)
	require.Equal(t, float64(0), body["queued"])
}

func TestScheduleAllEndpoint(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, &queue.MockBroker{})
	f.targets.PutTarget(tracker.Target{ID: "t-1", URL: "https://a.example", IntervalHours: 6, Active: true})
	f.broker.On("Schedule", mock.Anything, mock.AnythingOfType("tracker.Job")).Return(nil)

	rec := f.do(t, http.MethodPost, "/v1/jobs/schedule")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	require.Equal(t, float64(1), body["scheduled"])
}

func TestGetJobStatus(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, &queue.MockBroker{})
	f.broker.On("Job", mock.Anything, "job-1").
		Return(tracker.Job{ID: "job-1", TargetID: "t-1", State: tracker.JobCompleted}, nil)

	rec := f.do(t, http.MethodGet, "/v1/jobs/job-1")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	job := body["job"].(map[string]any)
	require.Equal(t, "completed", job["state"])
}

func TestGetJobStatusNotFound(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, &queue.MockBroker{})
	f.broker.On("Job", mock.Anything, "missing").
		Return(tracker.Job{}, tracker.ErrJobNotFound)

	rec := f.do(t, http.MethodGet, "/v1/jobs/missing")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobsStateFilter(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, &queue.MockBroker{})
	f.broker.On("ListJobs", mock.Anything, []tracker.JobState{tracker.JobFailed}).
		Return([]tracker.Job{{ID: "j-1", State: tracker.JobFailed, FailedReason: "capture timeout"}}, nil)

	rec := f.do(t, http.MethodGet, "/v1/jobs/?state=failed")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	jobs := body["jobs"].([]any)
	require.Len(t, jobs, 1)
}

func TestListJobsRejectsUnknownState(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, &queue.MockBroker{})
	rec := f.do(t, http.MethodGet, "/v1/jobs/?state=bogus")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListChanges(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, &queue.MockBroker{})
	f.targets.PutTarget(tracker.Target{ID: "t-1", URL: "https://a.example", IntervalHours: 6, Active: true})
	require.NoError(t, f.changes.CreateChange(context.Background(), tracker.Change{
		ID:         "c-1",
		TargetID:   "t-1",
		SnapshotID: "s-2",
		Kind:       tracker.ChangePrice,
		OldValue:   "$100",
		NewValue:   "$102",
		Confidence: 0.95,
		CreatedAt:  f.clock.now.Add(-time.Hour),
	}))
	require.NoError(t, f.changes.CreateChange(context.Background(), tracker.Change{
		ID:         "c-0",
		TargetID:   "t-1",
		SnapshotID: "s-1",
		Kind:       tracker.ChangeContent,
		CreatedAt:  f.clock.now.Add(-30 * 24 * time.Hour),
	}))

	rec := f.do(t, http.MethodGet, "/v1/targets/t-1/changes")
	require.Equal(t, http.StatusOK, rec.Code)

	// The month-old change falls outside the default window.
	body := decodeBody(t, rec)
	changes := body["changes"].([]any)
	require.Len(t, changes, 1)
	first := changes[0].(map[string]any)
	require.Equal(t, "price", first["kind"])
}

func TestListChangesSinceFilter(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, &queue.MockBroker{})
	f.targets.PutTarget(tracker.Target{ID: "t-1", URL: "https://a.example", IntervalHours: 6, Active: true})
	require.NoError(t, f.changes.CreateChange(context.Background(), tracker.Change{
		ID:        "c-1",
		TargetID:  "t-1",
		Kind:      tracker.ChangePrice,
		CreatedAt: f.clock.now.Add(-30 * 24 * time.Hour),
	}))

	rec := f.do(t, http.MethodGet, "/v1/targets/t-1/changes?since=2026-06-01T00:00:00Z")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Len(t, body["changes"].([]any), 1)

	rec = f.do(t, http.MethodGet, "/v1/targets/t-1/changes?since=not-a-time")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListChangesUnknownTarget(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, &queue.MockBroker{})
	rec := f.do(t, http.MethodGet, "/v1/targets/missing/changes")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()

	f := newServerFixture(t, &queue.MockBroker{})
	rec := f.do(t, http.MethodGet, "/healthz")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
