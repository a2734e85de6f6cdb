package indexing

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitpulse.dev/indexer/config"
	"gitpulse.dev/indexer/pipeline"
	redisqueue "gitpulse.dev/indexer/queue/redis"
)

func newTestQueue(t *testing.T) *redisqueue.Queue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	q, err := redisqueue.NewQueue(context.Background(), redisqueue.Config{RedisURL: "redis://" + mr.Addr(), KeyPrefix: "gitpulse:"})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestQueueAdapterRoundTrips(t *testing.T) {
	q := newTestQueue(t)
	adapter := QueueAdapter{Queue: q}

	job := &redisqueue.Job{
		ActionID:           "commits_indexing_repo_1",
		QueueName:          "sequential",
		RepositoryID:       1,
		RepositoryFullName: "acme/widgets",
		Owner:              "acme",
		Repo:               "widgets",
		Entity:             "commits",
		EnqueuedAt:         time.Now(),
	}
	require.NoError(t, adapter.Enqueue(job))

	got, err := adapter.Dequeue("sequential", time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	dequeued, ok := got.(*redisqueue.Job)
	require.True(t, ok)
	assert.Equal(t, job.ActionID, dequeued.ActionID)

	require.NoError(t, adapter.MarkProcessing(job.ActionID, time.Now().Add(time.Minute)))
	require.NoError(t, adapter.CompleteJob(job.ActionID))
}

func TestQueueAdapterEnqueueRejectsWrongType(t *testing.T) {
	q := newTestQueue(t)
	adapter := QueueAdapter{Queue: q}

	err := adapter.Enqueue("not a job")

	assert.Error(t, err)
}

func TestProcessorGetJobIDAndTimeout(t *testing.T) {
	p := &Processor{}
	job := &redisqueue.Job{ActionID: "commits_indexing_repo_1"}

	assert.Equal(t, "commits_indexing_repo_1", p.GetJobID(job))
	assert.Equal(t, "", p.GetJobID("not a job"))
	assert.Equal(t, 15*time.Minute, p.GetTimeout(job))
}

func TestProcessorRunUnknownEntityReturnsInputInvalid(t *testing.T) {
	p := &Processor{}
	job := &redisqueue.Job{RepositoryID: 1, RepositoryFullName: "acme/widgets", Entity: "not_a_real_entity"}

	result, followUp := p.run(context.Background(), config.EntityKind(job.Entity), job, pipeline.Cursor{}, time.Now())

	assert.Equal(t, pipeline.StatusError, result.Status)
	assert.Equal(t, pipeline.CategoryInputInvalid, result.Category)
	assert.False(t, followUp.Reschedule)
}

func TestProcessorRescheduleUpsertsCanonicalTask(t *testing.T) {
	q := newTestQueue(t)
	p := &Processor{Schedule: q}
	job := &redisqueue.Job{RepositoryID: 42, Entity: "commits", RetryCount: 1}

	nextRun := time.Now().Add(time.Hour)
	err := p.reschedule(job, config.EntityCommits, pipeline.FollowUp{Reschedule: true, NextRun: nextRun, Retry: true})
	require.NoError(t, err)

	due, err := q.DueScheduledTasks(nextRun.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, CanonicalTaskName(config.EntityCommits, 42, true), due[0].Name)
	assert.Equal(t, int64(42), due[0].RepositoryID)
}

func TestProcessorRescheduleRemovesTaskWhenNoFollowUp(t *testing.T) {
	q := newTestQueue(t)
	p := &Processor{Schedule: q}
	job := &redisqueue.Job{RepositoryID: 7, Entity: "releases"}

	require.NoError(t, q.UpsertScheduledTask(redisqueue.ScheduledTask{
		Name:         CanonicalTaskName(config.EntityReleases, 7, false),
		RepositoryID: 7,
		Entity:       "releases",
		NextRun:      time.Now(),
	}))

	err := p.reschedule(job, config.EntityReleases, pipeline.FollowUp{Reschedule: false})
	require.NoError(t, err)

	due, err := q.DueScheduledTasks(time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}
