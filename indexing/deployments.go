package indexing

import (
	"context"
	"time"

	"gitpulse.dev/indexer/auth"
	"gitpulse.dev/indexer/config"
	"gitpulse.dev/indexer/db"
	"gitpulse.dev/indexer/pipeline"
)

// RunDeployments indexes one backward-walked window of deployments for
// fullName, upserting each by deployment_id along with its status history.
func RunDeployments(ctx context.Context, d Deps, repositoryID int64, fullName, owner, repo string, cursor pipeline.Cursor, now time.Time) (pipeline.Result, pipeline.FollowUp) {
	defaults := config.EntityDefaultsTable[config.EntityDeployments]

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
	all, err := d.Client.ListDeployments(ctx, token, owner, repo)
	if err != nil {
		category, retryable := pipeline.ClassifyHTTPError(err)
		return errorResult(repositoryID, fullName, category, err, cursor), followUpFor(retryable, now, defaults.DeferSlack)
	}

	var docs []db.Deployment
	older := 0 // deployments created before this window, still to be walked
	for _, dep := range all {
		if dep.CreatedAt.Before(since) {
			older++
			continue
		}
		if dep.CreatedAt.After(until) {
			continue
		}

		statuses, err := d.Client.ListDeploymentStatuses(ctx, token, owner, repo, dep.ID)
		if err != nil {
			category, retryable := pipeline.ClassifyHTTPError(err)
			if !retryable {
				continue // this deployment's status history is gone; keep the deployment shell
			}
			return errorResult(repositoryID, fullName, category, err, cursor), followUpFor(retryable, now, defaults.DeferSlack)
		}

		records := make([]db.DeploymentStatusRecord, 0, len(statuses))
		for _, s := range statuses {
			records = append(records, db.DeploymentStatusRecord{
				State:      s.State,
				CreatedAt:  s.CreatedAt,
				IsTerminal: s.IsTerminal(),
			})
		}

		docs = append(docs, db.Deployment{
			RepositoryFullName: fullName,
			DeploymentID:       dep.ID,
			Environment:        dep.Environment,
			Creator:            dep.Creator.Login,
			CreatedAt:          dep.CreatedAt,
			UpdatedAt:          dep.UpdatedAt,
			Statuses:           records,
		})
	}

	if len(docs) > 0 {
		if _, err := d.Docs.UpsertDeployments(docs); err != nil {
			return errorResult(repositoryID, fullName, pipeline.CategoryTransient, err, cursor), followUpFor(true, now, defaults.DeferSlack)
		}
	}

	newCursor := cursor.Advance(since, until)
	hasMore := older > 0 // the backward walk hasn't yet reached the repository's beginning
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
