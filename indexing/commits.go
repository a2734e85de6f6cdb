// Package indexing wires the forge client, token broker, and document/state
// stores together into the five entity pipelines and the job processor the
// worker pool dispatches into. Each Run* function is a pure function of its
// injected dependencies: it never talks to the scheduler directly, returning
// a pipeline.Result plus a pipeline.FollowUp for the caller to act on.
package indexing

import (
	"context"
	"fmt"
	"time"

	"gitpulse.dev/indexer/auth"
	"gitpulse.dev/indexer/config"
	"gitpulse.dev/indexer/db"
	"gitpulse.dev/indexer/forge"
	"gitpulse.dev/indexer/pipeline"
)

// Deps bundles every collaborator an entity pipeline needs. Constructed once
// at daemon startup and passed down to each Run* call.
type Deps struct {
	Client  *forge.Client
	Broker  *auth.Broker
	State   *db.StateStore
	Docs    *db.CouchDBService
	RateCfg config.RateLimitConfig
}

// gateRateLimit fetches the current rate-limit status and reports whether
// the run should proceed, given both the global floor and the entity's own
// threshold from config.EntityDefaultsTable.
func gateRateLimit(ctx context.Context, d Deps, token forge.Token, threshold int) (ok bool, resetAt time.Time, err error) {
	rl, err := d.Client.GetRateLimit(ctx, token)
	if err != nil {
		return false, time.Time{}, err
	}
	if rl.Remaining < threshold || rl.Remaining < d.RateCfg.GlobalRemainingFloor {
		return false, rl.Reset, nil
	}
	return true, time.Time{}, nil
}

func deferredFollowUp(resetAt time.Time, slack time.Duration) pipeline.FollowUp {
	return pipeline.FollowUp{Reschedule: true, NextRun: resetAt.Add(slack), Retry: true}
}

func errorResult(repositoryID int64, fullName string, category pipeline.ErrorCategory, err error, cursor pipeline.Cursor) pipeline.Result {
	return pipeline.Result{
		Status:             pipeline.StatusError,
		RepositoryID:       repositoryID,
		RepositoryFullName: fullName,
		Category:           category,
		Errors:             []string{err.Error()},
		NewCursor:          cursor,
	}
}

// RunCommits indexes one backward-walked window of commits for fullName,
// upserting each by (repository_full_name, sha).
func RunCommits(ctx context.Context, d Deps, repositoryID int64, fullName, owner, repo string, cursor pipeline.Cursor, now time.Time) (pipeline.Result, pipeline.FollowUp) {
	defaults := config.EntityDefaultsTable[config.EntityCommits]

	token, err := d.Broker.Resolve(ctx, owner, auth.ScopePrivateRepos)
	if err != nil {
		return errorResult(repositoryID, fullName, pipeline.CategoryPermissionDenied, err, cursor), pipeline.FollowUp{}
	}

	ok, resetAt, err := gateRateLimit(ctx, d, token, defaults.RateLimitRemainingThreshold)
	if err != nil {
		category, retryable := pipeline.ClassifyHTTPError(err)
		return errorResult(repositoryID, fullName, category, err, cursor), followUpFor(retryable, now, defaults.DeferSlack)
	}
	if !ok {
		return pipeline.Result{Status: pipeline.StatusRateLimited, RepositoryID: repositoryID, RepositoryFullName: fullName, NewCursor: cursor, Reason: "rate limit threshold reached"},
			deferredFollowUp(resetAt, defaults.DeferSlack)
	}

	since, until := cursor.Window(defaults.BatchSizeDays, now)
	summaries, err := d.Client.ListCommits(ctx, token, owner, repo, since, until)
	if err != nil {
		category, retryable := pipeline.ClassifyHTTPError(err)
		return errorResult(repositoryID, fullName, category, err, cursor), followUpFor(retryable, now, defaults.DeferSlack)
	}

	docs := make([]db.Commit, 0, len(summaries))
	for _, s := range summaries {
		detail, err := d.Client.GetCommit(ctx, token, owner, repo, s.SHA)
		if err != nil {
			category, retryable := pipeline.ClassifyHTTPError(err)
			if !retryable {
				continue // a single vanished commit shouldn't fail the whole window
			}
			return errorResult(repositoryID, fullName, category, err, cursor), followUpFor(retryable, now, defaults.DeferSlack)
		}
		files := make([]string, 0, len(detail.Files))
		for _, f := range detail.Files {
			files = append(files, f.Filename)
		}
		docs = append(docs, db.Commit{
			RepositoryFullName: fullName,
			SHA:                detail.SHA,
			AuthorName:         detail.Commit.Author.Name,
			AuthorEmail:        detail.Commit.Author.Email,
			CommitterName:      detail.Commit.Committer.Name,
			CommitterEmail:     detail.Commit.Committer.Email,
			AuthoredDate:       detail.Commit.Author.Date,
			CommittedDate:      detail.Commit.Committer.Date,
			Message:            detail.Commit.Message,
			Additions:          detail.Stats.Additions,
			Deletions:          detail.Stats.Deletions,
			TotalChanges:       detail.Stats.Total,
			FilesChanged:       files,
			CommitType:         pipeline.ClassifyCommit(detail.Commit.Message, files),
		})
	}

	if len(docs) > 0 {
		if _, err := d.Docs.UpsertCommits(docs); err != nil {
			return errorResult(repositoryID, fullName, pipeline.CategoryTransient, err, cursor), followUpFor(true, now, defaults.DeferSlack)
		}
	}

	newCursor := cursor.Advance(since, until)
	hasMore := len(summaries) > 0 // an empty page means the window reached the repository's beginning
	if !hasMore {
		if err := d.State.MarkRepositoryIndexed(ctx, repositoryID); err != nil {
			return errorResult(repositoryID, fullName, pipeline.CategoryTransient, err, newCursor), followUpFor(true, now, defaults.DeferSlack)
		}
	}

	result := pipeline.Result{
		Status:             pipeline.StatusSuccess,
		RepositoryID:       repositoryID,
		RepositoryFullName: fullName,
		Processed:          len(docs),
		Since:              since,
		Until:              until,
		HasMore:            hasMore,
		NewCursor:          newCursor,
	}
	if !hasMore {
		return result, pipeline.FollowUp{}
	}
	return result, pipeline.FollowUp{Reschedule: true, NextRun: now.Add(defaults.MinInterval)}
}

func followUpFor(retryable bool, now time.Time, slack time.Duration) pipeline.FollowUp {
	if !retryable {
		return pipeline.FollowUp{}
	}
	return pipeline.FollowUp{Reschedule: true, NextRun: now.Add(slack), Retry: true}
}

// CanonicalTaskName builds the scheduler's dedup key for one
// (entity, repository) pair, optionally the "_retry" variant.
func CanonicalTaskName(entity config.EntityKind, repositoryID int64, retry bool) string {
	if retry {
		return fmt.Sprintf("%s_indexing_repo_%d_retry", entity, repositoryID)
	}
	return fmt.Sprintf("%s_indexing_repo_%d", entity, repositoryID)
}
