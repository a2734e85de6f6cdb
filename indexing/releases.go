package indexing

import (
	"context"
	"time"

	"gitpulse.dev/indexer/auth"
	"gitpulse.dev/indexer/config"
	"gitpulse.dev/indexer/db"
	"gitpulse.dev/indexer/pipeline"
)

// RunReleases indexes one forward-walked window of releases for fullName,
// upserting each by release_id.
func RunReleases(ctx context.Context, d Deps, repositoryID int64, fullName, owner, repo string, cursor pipeline.Cursor, now time.Time) (pipeline.Result, pipeline.FollowUp) {
	defaults := config.EntityDefaultsTable[config.EntityReleases]

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
	all, err := d.Client.ListReleases(ctx, token, owner, repo)
	if err != nil {
		category, retryable := pipeline.ClassifyHTTPError(err)
		return errorResult(repositoryID, fullName, category, err, cursor), followUpFor(retryable, now, defaults.DeferSlack)
	}

	var docs []db.Release
	for _, r := range all {
		ts := r.CreatedAt
		if r.PublishedAt != nil {
			ts = *r.PublishedAt
		}
		if ts.Before(since) || ts.After(until) {
			continue
		}
		assets := make([]string, 0, len(r.Assets))
		for _, a := range r.Assets {
			assets = append(assets, a.Name)
		}
		docs = append(docs, db.Release{
			RepositoryFullName: fullName,
			ReleaseID:          r.ID,
			TagName:            r.TagName,
			Author:             r.Author.Login,
			PublishedAt:        r.PublishedAt,
			CreatedAt:          r.CreatedAt,
			Draft:              r.Draft,
			Prerelease:         r.Prerelease,
			Assets:             assets,
		})
	}

	if len(docs) > 0 {
		if _, err := d.Docs.UpsertReleases(docs); err != nil {
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
