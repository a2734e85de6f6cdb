package indexing

import (
	"context"
	"time"

	"gitpulse.dev/indexer/auth"
	"gitpulse.dev/indexer/config"
	"gitpulse.dev/indexer/db"
	"gitpulse.dev/indexer/pipeline"
)

// RunPullRequests indexes one forward-walked window of pull requests for
// fullName, upserting each by (repository_full_name, number).
func RunPullRequests(ctx context.Context, d Deps, repositoryID int64, fullName, owner, repo string, cursor pipeline.Cursor, now time.Time) (pipeline.Result, pipeline.FollowUp) {
	defaults := config.EntityDefaultsTable[config.EntityPullRequests]

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
	all, err := d.Client.ListPullRequests(ctx, token, owner, repo)
	if err != nil {
		category, retryable := pipeline.ClassifyHTTPError(err)
		return errorResult(repositoryID, fullName, category, err, cursor), followUpFor(retryable, now, defaults.DeferSlack)
	}

	var docs []db.PullRequest
	for _, pr := range all {
		if pr.CreatedAt.Before(since) || pr.CreatedAt.After(until) {
			continue
		}
		reviewers := make([]string, 0, len(pr.RequestedReviewers))
		for _, r := range pr.RequestedReviewers {
			reviewers = append(reviewers, r.Login)
		}
		assignees := make([]string, 0, len(pr.Assignees))
		for _, a := range pr.Assignees {
			assignees = append(assignees, a.Login)
		}
		labels := make([]string, 0, len(pr.Labels))
		for _, l := range pr.Labels {
			labels = append(labels, l.Name)
		}
		state := pr.State
		if pr.Merged {
			state = "merged"
		}
		mergedBy := ""
		if pr.MergedBy != nil {
			mergedBy = pr.MergedBy.Login
		}
		docs = append(docs, db.PullRequest{
			RepositoryFullName: fullName,
			Number:             pr.Number,
			Title:              pr.Title,
			Author:             pr.User.Login,
			State:              state,
			CreatedAt:          pr.CreatedAt,
			UpdatedAt:          pr.UpdatedAt,
			ClosedAt:           pr.ClosedAt,
			MergedAt:           pr.MergedAt,
			MergedBy:           mergedBy,
			Reviewers:          reviewers,
			Assignees:          assignees,
			Labels:             labels,
			Commits:            pr.Commits,
			Additions:          pr.Additions,
			Deletions:          pr.Deletions,
			ChangedFiles:       pr.ChangedFiles,
			ReviewComments:     pr.ReviewComments,
			Comments:           pr.Comments,
		})
	}

	if len(docs) > 0 {
		if _, err := d.Docs.UpsertPullRequests(docs); err != nil {
			return errorResult(repositoryID, fullName, pipeline.CategoryTransient, err, cursor), followUpFor(true, now, defaults.DeferSlack)
		}
	}

	newCursor := cursor.Advance(since, until)
	return pipeline.Result{
			Status:             pipeline.StatusSuccess,
			RepositoryID:       repositoryID,
			RepositoryFullName: fullName,
			Processed:          len(docs),
			Since:              since,
			Until:              until,
			NewCursor:          newCursor,
		},
		pipeline.FollowUp{Reschedule: true, NextRun: now.Add(defaults.MinInterval)}
}
