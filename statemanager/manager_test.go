package statemanager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitpulse.dev/indexer/pipeline"
)

type fakeStuckCounter struct {
	count int
	err   error
}

func (f fakeStuckCounter) CountStuck(ctx context.Context, threshold time.Duration) (int, error) {
	return f.count, f.err
}

func TestStartAndCompleteOperationSuccess(t *testing.T) {
	m := New(Config{ServiceName: "indexerd"})

	op := m.StartOperation("commits_indexing_repo_1", "commits", 1, "commits", nil)
	assert.Equal(t, StatusRunning, op.Status)

	m.CompleteOperation("commits_indexing_repo_1", "", nil)

	got := m.GetOperation("commits_indexing_repo_1")
	require.NotNil(t, got)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestCompleteOperationFailureRecordsCategoryAndError(t *testing.T) {
	m := New(Config{ServiceName: "indexerd"})
	m.StartOperation("releases_indexing_repo_2", "releases", 2, "releases", nil)

	m.CompleteOperation("releases_indexing_repo_2", string(pipeline.CategoryRateLimited), errors.New("rate limited"))

	got := m.GetOperation("releases_indexing_repo_2")
	require.NotNil(t, got)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, string(pipeline.CategoryRateLimited), got.Category)
	assert.Equal(t, "rate limited", got.Error)
}

func TestGetOperationReturnsCopyNotSharedPointer(t *testing.T) {
	m := New(Config{ServiceName: "indexerd"})
	m.StartOperation("op-1", "commits", 1, "commits", nil)

	got := m.GetOperation("op-1")
	got.Status = StatusFailed

	fresh := m.GetOperation("op-1")
	assert.Equal(t, StatusRunning, fresh.Status)
}

func TestEvictsOldestWhenAtCapacity(t *testing.T) {
	m := New(Config{ServiceName: "indexerd", MaxOperations: 2})

	m.StartOperation("op-1", "commits", 1, "commits", nil)
	m.StartOperation("op-2", "commits", 2, "commits", nil)
	m.StartOperation("op-3", "commits", 3, "commits", nil)

	assert.Len(t, m.ListOperations(), 2)
	assert.Nil(t, m.GetOperation("op-1"))
	assert.NotNil(t, m.GetOperation("op-3"))
}

func TestGetStatsAggregatesByStatusAndOperation(t *testing.T) {
	m := New(Config{ServiceName: "indexerd"})
	m.StartOperation("op-1", "commits", 1, "commits", nil)
	m.StartOperation("op-2", "commits", 2, "commits", nil)
	m.CompleteOperation("op-2", "", nil)

	stats := m.GetStats()

	assert.Equal(t, 2, stats.TotalOperations)
	assert.Equal(t, 1, stats.ByStatus[StatusRunning])
	assert.Equal(t, 1, stats.ByStatus[StatusCompleted])
	assert.Equal(t, 2, stats.ByOperation["commits"])
}

func TestHealthSinceExcludesRunsOutsideWindow(t *testing.T) {
	m := New(Config{ServiceName: "indexerd"})

	m.StartOperation("old", "commits", 1, "commits", nil)
	m.CompleteOperation("old", "", nil)
	if op := m.GetOperation("old"); op != nil {
		old := op.StartedAt.Add(-2 * time.Hour)
		oldCompleted := old.Add(time.Minute)
		m.mu.Lock()
		m.operations["old"].StartedAt = old
		m.operations["old"].CompletedAt = &oldCompleted
		m.mu.Unlock()
	}

	m.StartOperation("recent", "commits", 2, "commits", nil)
	m.CompleteOperation("recent", string(pipeline.CategoryTransient), errors.New("boom"))

	report := m.HealthSince(context.Background(), time.Now().Add(-time.Hour))

	assert.Equal(t, 1, report.TotalRuns)
	assert.Equal(t, 1, report.ErrorsByCategory[string(pipeline.CategoryTransient)])
}

func TestHealthSinceReportsRateLimitedCount(t *testing.T) {
	m := New(Config{ServiceName: "indexerd"})
	m.StartOperation("op-1", "commits", 1, "commits", nil)
	m.CompleteOperation("op-1", string(pipeline.CategoryRateLimited), errors.New("rate limited"))

	report := m.HealthSince(context.Background(), time.Now().Add(-time.Hour))

	assert.Equal(t, 1, report.RateLimitedCount)
}

func TestHealthSinceUsesInjectedStuckCounter(t *testing.T) {
	m := New(Config{ServiceName: "indexerd", Stuck: fakeStuckCounter{count: 3}})

	report := m.HealthSince(context.Background(), time.Now().Add(-time.Hour))

	assert.Equal(t, 3, report.StuckCount)
	assert.Empty(t, report.StuckCountError)
}

func TestHealthSinceRecordsStuckCounterErrorWithoutFailingReport(t *testing.T) {
	m := New(Config{ServiceName: "indexerd", Stuck: fakeStuckCounter{err: errors.New("db unavailable")}})
	m.StartOperation("op-1", "commits", 1, "commits", nil)
	m.CompleteOperation("op-1", "", nil)

	report := m.HealthSince(context.Background(), time.Now().Add(-time.Hour))

	assert.Equal(t, 1, report.TotalRuns)
	assert.Equal(t, "db unavailable", report.StuckCountError)
}
