package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	q, err := NewQueue(context.Background(), Config{RedisURL: "redis://" + mr.Addr(), KeyPrefix: "gitpulse:"})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q, mr
}

func TestEnqueueDequeue(t *testing.T) {
	q, _ := newTestQueue(t)

	job := Job{
		ActionID:           "commits_indexing_repo_1",
		QueueName:          "sequential",
		RepositoryID:       1,
		RepositoryFullName: "acme/widgets",
		Owner:              "acme",
		Repo:               "widgets",
		Entity:             "commits",
		EnqueuedAt:         time.Now(),
	}
	require.NoError(t, q.Enqueue(job))

	got, err := q.Dequeue("sequential", time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.ActionID, got.ActionID)
	assert.Equal(t, job.RepositoryID, got.RepositoryID)
	assert.Equal(t, job.RepositoryFullName, got.RepositoryFullName)
}

func TestDequeueEmptyQueueTimesOut(t *testing.T) {
	q, _ := newTestQueue(t)

	got, err := q.Dequeue("sequential", 50*time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestMarkProcessingAndCompleteJob(t *testing.T) {
	q, _ := newTestQueue(t)

	require.NoError(t, q.MarkProcessing("action-1", time.Now().Add(time.Minute)))
	processing, err := q.IsProcessing("action-1")
	require.NoError(t, err)
	assert.True(t, processing)

	require.NoError(t, q.CompleteJob("action-1"))
	processing, err = q.IsProcessing("action-1")
	require.NoError(t, err)
	assert.False(t, processing)
}

func TestFailJobRequeues(t *testing.T) {
	q, _ := newTestQueue(t)

	require.NoError(t, q.MarkProcessing("action-1", time.Now().Add(time.Minute)))
	require.NoError(t, q.FailJob("action-1", true, "sequential", 2))

	depth, err := q.GetQueueDepth("sequential")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	got, err := q.Dequeue("sequential", time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 3, got.RetryCount)

	processing, err := q.IsProcessing("action-1")
	require.NoError(t, err)
	assert.False(t, processing)
}

func TestUpsertAndDueScheduledTasks(t *testing.T) {
	q, _ := newTestQueue(t)
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	past := ScheduledTask{Name: "commits_indexing_repo_1", RepositoryID: 1, Entity: "commits", NextRun: now.Add(-time.Hour)}
	future := ScheduledTask{Name: "releases_indexing_repo_1", RepositoryID: 1, Entity: "releases", NextRun: now.Add(time.Hour)}
	require.NoError(t, q.UpsertScheduledTask(past))
	require.NoError(t, q.UpsertScheduledTask(future))

	due, err := q.DueScheduledTasks(now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, past.Name, due[0].Name)
}

func TestUpsertScheduledTaskOverwritesInPlace(t *testing.T) {
	q, _ := newTestQueue(t)
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	task := ScheduledTask{Name: "commits_indexing_repo_1", RepositoryID: 1, Entity: "commits", NextRun: now.Add(time.Hour)}
	require.NoError(t, q.UpsertScheduledTask(task))

	task.NextRun = now.Add(-time.Minute)
	task.RetryCount = 1
	require.NoError(t, q.UpsertScheduledTask(task))

	due, err := q.DueScheduledTasks(now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].RetryCount)
}

func TestRemoveScheduledTask(t *testing.T) {
	q, _ := newTestQueue(t)
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	task := ScheduledTask{Name: "commits_indexing_repo_1", RepositoryID: 1, Entity: "commits", NextRun: now.Add(-time.Minute)}
	require.NoError(t, q.UpsertScheduledTask(task))
	require.NoError(t, q.RemoveScheduledTask(task.Name))

	due, err := q.DueScheduledTasks(now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}
