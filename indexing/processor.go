package indexing

import (
	"context"
	"fmt"
	"time"

	"gitpulse.dev/indexer/config"
	"gitpulse.dev/indexer/db"
	"gitpulse.dev/indexer/gitclone"
	"gitpulse.dev/indexer/pipeline"
	redisqueue "gitpulse.dev/indexer/queue/redis"
	"gitpulse.dev/indexer/statemanager"
)

// QueueAdapter narrows worker.Queue's interface{}-job contract down to the
// concretely-typed redisqueue.Job the rest of this engine works with. The
// worker pool was written against a generic job shape; this is the one
// place that boxing/unboxing happens.
type QueueAdapter struct {
	Queue *redisqueue.Queue
}

func (a QueueAdapter) Dequeue(queueName string, timeout time.Duration) (interface{}, error) {
	job, err := a.Queue.Dequeue(queueName, timeout)
	if err != nil || job == nil {
		return nil, err
	}
	return job, nil
}

func (a QueueAdapter) Enqueue(job interface{}) error {
	j, ok := job.(*redisqueue.Job)
	if !ok {
		return fmt.Errorf("queue adapter: unexpected job type %T", job)
	}
	return a.Queue.Enqueue(*j)
}

func (a QueueAdapter) MarkProcessing(jobID string, deadline time.Time) error {
	return a.Queue.MarkProcessing(jobID, deadline)
}

func (a QueueAdapter) CompleteJob(jobID string) error {
	return a.Queue.CompleteJob(jobID)
}

func (a QueueAdapter) FailJob(jobID string, requeue bool, queueName string, retryCount int) error {
	return a.Queue.FailJob(jobID, requeue, queueName, retryCount)
}

// Processor dispatches a dequeued redisqueue.Job to the matching entity
// pipeline (or the local-clone pipeline, for commits when the process is
// configured with IndexingServiceGitLocal), persists the outcome to the
// state store, and re-upserts the scheduler's canonical task entry per the
// pipeline's FollowUp.
type Processor struct {
	Deps     Deps
	GitClone gitclone.Deps
	Service  config.IndexingService
	State    *db.StateStore
	Schedule *redisqueue.Queue
	Health   *statemanager.Manager // optional; nil disables operation tracking
}

// GetJobID satisfies worker.JobProcessor.
func (p *Processor) GetJobID(job interface{}) string {
	j, ok := job.(*redisqueue.Job)
	if !ok {
		return ""
	}
	return j.ActionID
}

// GetTimeout satisfies worker.JobProcessor. Every entity run is bounded by
// its own internal HTTP/git timeouts; this is the outer backstop in case a
// pipeline call hangs past all of them.
func (p *Processor) GetTimeout(job interface{}) time.Duration {
	return 15 * time.Minute
}

// Process satisfies worker.JobProcessor: runs the pipeline for job's entity,
// persists the new state, and upserts (or clears) the scheduler entry for
// the next run.
func (p *Processor) Process(ctx context.Context, job interface{}) error {
	j, ok := job.(*redisqueue.Job)
	if !ok {
		return fmt.Errorf("processor: unexpected job type %T", job)
	}

	entity := config.EntityKind(j.Entity)
	direction := pipeline.Backward
	if entity == config.EntityPullRequests || entity == config.EntityReleases {
		direction = pipeline.Forward
	}

	state, err := p.State.GetOrCreate(ctx, j.RepositoryID, j.Entity, pipeline.Cursor{Direction: direction})
	if err != nil {
		return fmt.Errorf("load indexing state: %w", err)
	}

	now := time.Now()
	defaults := config.EntityDefaultsTable[entity]
	if !p.State.ShouldRun(state, defaults.MinInterval, config.MaxRetries, now) {
		abandon := state.Status == db.StateError && state.RetryCount >= config.MaxRetries
		return p.denyClaim(j, entity, abandon, now)
	}

	if err := p.State.Begin(ctx, state, now); err != nil {
		return fmt.Errorf("claim indexing state: %w", err)
	}

	if p.Health != nil {
		p.Health.StartOperation(j.ActionID, j.Entity, j.RepositoryID, j.Entity, map[string]interface{}{
			"repository_full_name": j.RepositoryFullName,
		})
	}

	result, followUp := p.run(ctx, entity, j, state.Cursor(), now)

	if p.Health != nil {
		var opErr error
		if len(result.Errors) > 0 {
			opErr = fmt.Errorf("%s", result.Errors[0])
		}
		p.Health.CompleteOperation(j.ActionID, string(result.Category), opErr)
	}

	if err := p.persist(ctx, j, entity, result, now); err != nil {
		return err
	}

	return p.reschedule(j, entity, followUp)
}

// denyClaim handles a job whose should_run check failed: the row is already
// claimed by another worker, its min_interval hasn't elapsed yet, or it has
// exhausted max_retries while in the error state. An exhausted row is
// abandoned outright by clearing its scheduled task; anything else is
// rescheduled a min_interval out so it gets reconsidered later.
func (p *Processor) denyClaim(j *redisqueue.Job, entity config.EntityKind, abandon bool, now time.Time) error {
	name := CanonicalTaskName(entity, j.RepositoryID, false)
	if abandon {
		return p.Schedule.RemoveScheduledTask(name)
	}
	defaults := config.EntityDefaultsTable[entity]
	return p.Schedule.UpsertScheduledTask(redisqueue.ScheduledTask{
		Name:         name,
		RepositoryID: j.RepositoryID,
		Entity:       j.Entity,
		NextRun:      now.Add(defaults.MinInterval),
		RetryCount:   j.RetryCount,
	})
}

func (p *Processor) run(ctx context.Context, entity config.EntityKind, j *redisqueue.Job, cursor pipeline.Cursor, now time.Time) (pipeline.Result, pipeline.FollowUp) {
	if entity == config.EntityCommits && p.Service == config.IndexingServiceGitLocal {
		gd := p.GitClone
		return gitclone.Run(ctx, gd, j.RepositoryID, j.RepositoryFullName, j.Owner, j.Repo, j.CloneURL, cursor, now)
	}

	switch entity {
	case config.EntityCommits:
		return RunCommits(ctx, p.Deps, j.RepositoryID, j.RepositoryFullName, j.Owner, j.Repo, cursor, now)
	case config.EntityPullRequests:
		return RunPullRequests(ctx, p.Deps, j.RepositoryID, j.RepositoryFullName, j.Owner, j.Repo, cursor, now)
	case config.EntityReleases:
		return RunReleases(ctx, p.Deps, j.RepositoryID, j.RepositoryFullName, j.Owner, j.Repo, cursor, now)
	case config.EntityDeployments:
		return RunDeployments(ctx, p.Deps, j.RepositoryID, j.RepositoryFullName, j.Owner, j.Repo, cursor, now)
	case config.EntityCodeQL:
		return RunCodeQL(ctx, p.Deps, j.RepositoryID, j.RepositoryFullName, j.Owner, j.Repo, cursor, now)
	default:
		return pipeline.Result{
			Status:             pipeline.StatusError,
			RepositoryID:       j.RepositoryID,
			RepositoryFullName: j.RepositoryFullName,
			Category:           pipeline.CategoryInputInvalid,
			Errors:             []string{fmt.Sprintf("unknown entity %q", j.Entity)},
			NewCursor:          cursor,
		}, pipeline.FollowUp{}
	}
}

// persist records the run's outcome against the state store. A CloneSkip or
// Skipped result completes the row with its unchanged cursor rather than
// treating it as a failure — the whole point of those statuses is "don't
// count this against retry_count". RateLimited defers the row back to
// pending without touching retry_count at all; the pipeline already
// scheduled a "_retry" follow-up at the rate limit's reset time.
func (p *Processor) persist(ctx context.Context, j *redisqueue.Job, entity config.EntityKind, result pipeline.Result, now time.Time) error {
	switch result.Status {
	case pipeline.StatusSuccess, pipeline.StatusSkipped, pipeline.StatusCloneSkip:
		return p.State.Complete(ctx, j.RepositoryID, j.Entity, result.NewCursor, result.Processed, now)
	case pipeline.StatusRateLimited:
		return p.State.Defer(ctx, j.RepositoryID, j.Entity, now)
	default:
		msg := ""
		if len(result.Errors) > 0 {
			msg = result.Errors[0]
		}
		return p.State.Fail(ctx, j.RepositoryID, j.Entity, msg, string(result.Category), now)
	}
}

// reschedule upserts (or removes) the scheduler's canonical task entry per
// the pipeline's FollowUp, keyed so repeated defers of the same
// (entity, repository) pair overwrite in place rather than piling up.
func (p *Processor) reschedule(j *redisqueue.Job, entity config.EntityKind, followUp pipeline.FollowUp) error {
	if !followUp.Reschedule {
		return p.Schedule.RemoveScheduledTask(CanonicalTaskName(entity, j.RepositoryID, false))
	}
	name := CanonicalTaskName(entity, j.RepositoryID, followUp.Retry)
	return p.Schedule.UpsertScheduledTask(redisqueue.ScheduledTask{
		Name:         name,
		RepositoryID: j.RepositoryID,
		Entity:       j.Entity,
		NextRun:      followUp.NextRun,
		RetryCount:   j.RetryCount,
	})
}
