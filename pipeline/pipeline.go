// Package pipeline defines the shared result and cursor types used by every
// entity pipeline (commits, pull requests, releases, deployments, codeql) and
// by the local-clone commit pipeline. Pipelines never call the scheduler or
// mutate global state directly; they return a Result describing what
// happened and a FollowUp describing what should run next, and the caller
// (the worker, see package worker) acts on it. This keeps pipelines pure
// functions of their injected dependencies and therefore unit-testable with
// in-memory fakes.
package pipeline

import (
	"errors"
	"time"

	"gitpulse.dev/indexer/forge"
)

// CursorDirection disambiguates the two ways an IndexingState's
// last_indexed_at is interpreted. Commits, deployments and codeql walk
// backward from the cursor toward genesis (backfill-reverse); pull requests
// and releases walk forward from the cursor toward now.
type CursorDirection string

const (
	Backward CursorDirection = "backward"
	Forward  CursorDirection = "forward"
)

// Cursor tags a timestamp with the direction it is walked, replacing the
// single ambiguous field the original indexer kept on its state record.
type Cursor struct {
	Direction CursorDirection
	Value     time.Time
}

// Window derives the [since, until) range a pipeline run should fetch, given
// the current cursor, a batch width in days, and the current time.
func (c Cursor) Window(batchSizeDays int, now time.Time) (since, until time.Time) {
	width := time.Duration(batchSizeDays) * 24 * time.Hour
	switch c.Direction {
	case Forward:
		return c.Value, now
	default: // Backward
		since = c.Value.Add(-width)
		return since, c.Value
	}
}

// Advance returns the cursor's next value once a window has been fully
// consumed. Backward cursors move to the start of the window just processed;
// forward cursors move to the end of it.
func (c Cursor) Advance(since, until time.Time) Cursor {
	switch c.Direction {
	case Forward:
		return Cursor{Direction: Forward, Value: until}
	default:
		return Cursor{Direction: Backward, Value: since}
	}
}

// Status is the closed set of pipeline run outcomes. It is the Go expression
// of the error taxonomy in the engine's error-handling design: rather than
// raising and catching exceptions, a pipeline run returns exactly one of
// these.
type Status string

const (
	StatusSuccess     Status = "success"
	StatusSkipped     Status = "skipped"
	StatusRateLimited Status = "rate_limited"
	StatusError       Status = "error"
	StatusCloneSkip   Status = "clone_skipped"
)

// ErrorCategory classifies a failed run for retry policy and for the
// admin/health surface's error-counts-by-category report.
type ErrorCategory string

const (
	CategoryNotFoundOrDisabled ErrorCategory = "not_found_or_disabled"
	CategoryPermissionDenied   ErrorCategory = "permission_denied"
	CategoryRateLimited        ErrorCategory = "rate_limited"
	CategoryTransient          ErrorCategory = "transient"
	CategoryInputInvalid       ErrorCategory = "input_invalid"
	CategoryCloneLocal         ErrorCategory = "clone_local"
)

// Result is what every pipeline run returns. It mirrors §7's propagation
// contract: {status, repository_id, repository_full_name, processed,
// date_range, has_more, errors[], scheduled_for?}.
type Result struct {
	Status             Status
	RepositoryID        int64
	RepositoryFullName  string
	Processed           int
	Since, Until        time.Time
	HasMore             bool
	Errors              []string
	Category            ErrorCategory
	ScheduledFor         *time.Time
	Reason               string // human-readable note for Skipped/CloneSkip/NotFoundOrDisabled
	NewCursor            Cursor
}

// FollowUp is the continuation intent a pipeline hands back to the worker.
// The worker (not the pipeline) talks to the scheduler, per the
// cycles-between-scheduler-and-pipelines design note.
type FollowUp struct {
	// Reschedule is true if the worker should upsert a scheduled task
	// (redisqueue.Queue.UpsertScheduledTask) under the canonical name for
	// this (repository, entity) pair.
	Reschedule bool
	NextRun    time.Time
	// Retry marks this as the "_retry" canonical name variant used for
	// rate-limit deferrals (§4.1).
	Retry bool
}

// ClassifyHTTPError maps a forge.HTTPError's status code onto the error
// taxonomy every pipeline reports through. The "feature disabled" case
// (CodeQL 403 for a repository with code scanning off) is handled by the
// caller, since only the CodeQL pipeline can tell that apart from a true
// permission error by response body.
func ClassifyHTTPError(err error) (category ErrorCategory, retryable bool) {
	var httpErr *forge.HTTPError
	if !errors.As(err, &httpErr) {
		return CategoryTransient, true
	}
	switch {
	case httpErr.StatusCode == 404 || httpErr.StatusCode == 422:
		return CategoryNotFoundOrDisabled, false
	case httpErr.StatusCode == 401 || httpErr.StatusCode == 403:
		return CategoryPermissionDenied, false
	case httpErr.StatusCode == 429:
		return CategoryRateLimited, true
	case httpErr.StatusCode >= 500:
		return CategoryTransient, true
	default:
		return CategoryTransient, true
	}
}
