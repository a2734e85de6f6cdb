// Package scheduler implements the top-level fan-out and stuck-job sweep
// (C1): a recurring daily sweep that enumerates indexed repositories and
// enqueues one per-repository, per-entity job staggered across the hour,
// and a shorter-interval sweep that reaps IndexingState rows abandoned by a
// crashed worker. Neither talks to a pipeline directly — both end at a
// queue push or a state-store reset that a worker picks up later.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"gitpulse.dev/indexer/common"
	"gitpulse.dev/indexer/config"
	"gitpulse.dev/indexer/db"
	"gitpulse.dev/indexer/indexing"
	redisqueue "gitpulse.dev/indexer/queue/redis"
)

// StaggerInterval spaces each repository's fan-out jobs across the hour so
// a sudden burst of per-repository work doesn't all compete for the same
// installation token at once.
const StaggerInterval = 10 * time.Minute

// Scheduler owns the repository registry, the indexing state store, and
// the queue the fan-out writes into.
type Scheduler struct {
	Repos *db.StateStore
	State *db.StateStore
	Queue *redisqueue.Queue
}

// New constructs a Scheduler. Repos and State are typically the same
// *db.StateStore instance — the repository registry and indexing state
// live in the same Postgres database — but are accepted separately in case
// a caller wires them from different pools.
func New(repos, state *db.StateStore, queue *redisqueue.Queue) *Scheduler {
	return &Scheduler{Repos: repos, State: state, Queue: queue}
}

// FanOutResult summarizes one run of FanOut: how many (repository, entity)
// tasks were scheduled, and which ones failed to schedule. A scheduling
// failure is logged and recorded here but never aborts the rest of the
// fan-out — the next recurring sweep will retry it.
type FanOutResult struct {
	Scheduled int
	Failed    []FanOutFailure
}

// FanOutFailure names one (repository, entity) pair the fan-out could not
// schedule, and why.
type FanOutFailure struct {
	RepositoryID int64
	Entity       string
	Err          error
}

// FanOut enumerates every indexed repository and upserts a scheduled task
// for each (repository, entity) pair, staggering next_run across the hour
// so the whole fleet doesn't wake up for the same credential at once.
// Re-running FanOut before a previous run's tasks have been claimed just
// moves their next_run forward in place (see redisqueue.UpsertScheduledTask).
func (s *Scheduler) FanOut(ctx context.Context, now time.Time) (FanOutResult, error) {
	repos, err := s.Repos.ListIndexedRepositories(ctx)
	if err != nil {
		return FanOutResult{}, fmt.Errorf("list indexed repositories: %w", err)
	}

	var result FanOutResult
	offset := time.Duration(0)
	for _, repo := range repos {
		for _, entity := range config.AllEntityKinds {
			nextRun := now.Add(offset)
			offset += StaggerInterval

			task := redisqueue.ScheduledTask{
				Name:         indexing.CanonicalTaskName(entity, repo.ID, false),
				RepositoryID: repo.ID,
				Entity:       string(entity),
				NextRun:      nextRun,
			}
			if err := s.Queue.UpsertScheduledTask(task); err != nil {
				common.Logger.WithError(err).WithFields(map[string]interface{}{
					"repository_id": repo.ID,
					"entity":        entity,
				}).Error("failed to schedule fan-out task")
				result.Failed = append(result.Failed, FanOutFailure{RepositoryID: repo.ID, Entity: string(entity), Err: err})
				continue
			}
			result.Scheduled++
		}
	}
	return result, nil
}

// DispatchDue pulls every scheduled task whose next_run has arrived and
// turns it into a queued job a worker can dequeue, removing it from the
// scheduler's due set once enqueued. Dispatch failures are logged and left
// in the due set for the next call to retry.
func (s *Scheduler) DispatchDue(ctx context.Context, now time.Time, queueName string, limit int64) (int, error) {
	due, err := s.Queue.DueScheduledTasks(now, limit)
	if err != nil {
		return 0, fmt.Errorf("list due scheduled tasks: %w", err)
	}

	dispatched := 0
	for _, task := range due {
		repo, err := s.Repos.GetRepository(ctx, task.RepositoryID)
		if err != nil {
			common.Logger.WithError(err).WithField("repository_id", task.RepositoryID).
				Error("failed to resolve repository for due task")
			continue
		}

		job := redisqueue.Job{
			ActionID:           task.Name,
			QueueName:          queueName,
			RepositoryID:       repo.ID,
			RepositoryFullName: repo.FullName,
			Owner:              repo.Owner,
			Repo:               repo.Name,
			CloneURL:           repo.CloneURL,
			Entity:             task.Entity,
			EnqueuedAt:         now,
			RetryCount:         task.RetryCount,
		}
		if err := s.Queue.Enqueue(job); err != nil {
			common.Logger.WithError(err).WithField("task", task.Name).Error("failed to enqueue due task")
			continue
		}
		if err := s.Queue.RemoveScheduledTask(task.Name); err != nil {
			common.Logger.WithError(err).WithField("task", task.Name).Error("failed to clear dispatched task from due set")
		}
		dispatched++
	}
	return dispatched, nil
}

// SweepStuck reaps IndexingState rows abandoned by a crashed worker: any
// row left in "running" past threshold is reset to pending with its retry
// count bumped (capped at maxRetries), so the next fan-out or dispatch can
// reconsider it.
func (s *Scheduler) SweepStuck(ctx context.Context, threshold time.Duration, maxRetries int, now time.Time) ([]db.StuckRow, error) {
	stuck, err := s.State.SweepStuck(ctx, threshold, maxRetries, now)
	if err != nil {
		return nil, fmt.Errorf("sweep stuck indexing state: %w", err)
	}
	if len(stuck) > 0 {
		common.Logger.WithField("count", len(stuck)).Warn("reaped stuck indexing state rows")
	}
	return stuck, nil
}
