package indexing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gitpulse.dev/indexer/auth"
	"gitpulse.dev/indexer/config"
	"gitpulse.dev/indexer/db"
	"gitpulse.dev/indexer/forge"
	"gitpulse.dev/indexer/pipeline"
)

var codeScanningStates = []string{"open", "dismissed", "fixed"}

// isFeatureOff reports whether a 403 response indicates code scanning is
// simply not enabled on the repository, as opposed to an actual permission
// problem — the two share a status code but need different outcomes.
func isFeatureOff(err error) bool {
	var httpErr *forge.HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != 403 {
		return false
	}
	body := strings.ToLower(httpErr.Body)
	return strings.Contains(body, "code scanning") && strings.Contains(body, "not enabled") ||
		strings.Contains(body, "advanced security")
}

// classifyCodeQLError applies the CodeQL-specific variant of the error
// taxonomy: 404/422 and feature-off 403 both resolve to NotFoundOrDisabled
// and are not retried; everything else falls back to the generic mapping.
func classifyCodeQLError(err error) (category pipeline.ErrorCategory, retryable bool) {
	var httpErr *forge.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == 404 || httpErr.StatusCode == 422 || isFeatureOff(err) {
			return pipeline.CategoryNotFoundOrDisabled, false
		}
	}
	return pipeline.ClassifyHTTPError(err)
}

// RunCodeQL fetches code-scanning alerts across all three states for
// fullName, upserts them, and prunes any persisted open alert no longer
// observed as open.
func RunCodeQL(ctx context.Context, d Deps, repositoryID int64, fullName, owner, repo string, cursor pipeline.Cursor, now time.Time) (pipeline.Result, pipeline.FollowUp) {
	defaults := config.EntityDefaultsTable[config.EntityCodeQL]

	token, err := d.Broker.Resolve(ctx, owner, auth.ScopeCodeScanning)
	if err != nil {
		return errorResult(repositoryID, fullName, pipeline.CategoryPermissionDenied, err, cursor), pipeline.FollowUp{}
	}

	ok, resetAt, err := gateRateLimit(ctx, d, token, defaults.RateLimitRemainingThreshold)
	if err != nil {
		category, retryable := classifyCodeQLError(err)
		return errorResult(repositoryID, fullName, category, err, cursor), followUpFor(retryable, now, defaults.DeferSlack)
	}
	if !ok {
		return pipeline.Result{Status: pipeline.StatusRateLimited, RepositoryID: repositoryID, RepositoryFullName: fullName, NewCursor: cursor, Reason: "rate limit threshold reached"},
			deferredFollowUp(resetAt, defaults.DeferSlack)
	}

	var docs []db.CodeQLVulnerability
	currentOpenIDs := make(map[string]bool)

	for _, state := range codeScanningStates {
		alerts, err := d.Client.ListCodeScanningAlerts(ctx, token, owner, repo, state)
		if err != nil {
			category, retryable := classifyCodeQLError(err)
			if category == pipeline.CategoryNotFoundOrDisabled {
				return pipeline.Result{
						Status:             pipeline.StatusSkipped,
						RepositoryID:       repositoryID,
						RepositoryFullName: fullName,
						Category:           category,
						Reason:             "CodeQL not available",
						NewCursor:          cursor,
					},
					pipeline.FollowUp{Reschedule: true, NextRun: now.Add(defaults.MinInterval)}
			}
			return errorResult(repositoryID, fullName, category, err, cursor), followUpFor(retryable, now, defaults.DeferSlack)
		}

		for _, a := range alerts {
			vulnID := strconv.Itoa(a.Number)
			if state == "open" {
				currentOpenIDs[vulnID] = true
			}
			docs = append(docs, db.CodeQLVulnerability{
				RepositoryFullName: fullName,
				VulnerabilityID:    vulnID,
				RuleID:             a.Rule.ID,
				Name:               a.Rule.Name,
				Description:        a.Rule.Description,
				Severity:           normalizeSeverity(a.Rule.Severity),
				State:              state,
				File:               a.MostRecentInstance.Location.Path,
				Line:               a.MostRecentInstance.Location.StartLine,
				Column:             a.MostRecentInstance.Location.StartColumn,
				Category:           categorizeRule(a.Rule.ID, a.Rule.Tags),
				CWEID:              extractCWE(a.Rule.Tags),
				CreatedAt:          a.CreatedAt,
				DismissedAt:        a.DismissedAt,
				FixedAt:            a.FixedAt,
			})
		}
	}

	if len(docs) > 0 {
		if _, err := d.Docs.UpsertCodeQLVulnerabilities(docs); err != nil {
			return errorResult(repositoryID, fullName, pipeline.CategoryTransient, err, cursor), followUpFor(true, now, defaults.DeferSlack)
		}
	}

	pruned, err := d.Docs.PruneObsoleteCodeQL(fullName, currentOpenIDs)
	if err != nil {
		return errorResult(repositoryID, fullName, pipeline.CategoryTransient, err, cursor), followUpFor(true, now, defaults.DeferSlack)
	}

	since, until := cursor.Window(defaults.BatchSizeDays, now)
	newCursor := cursor.Advance(since, until)
	// Unlike commits/deployments, this pipeline has no backfill-complete state to
	// reach: obsolescence pruning requires a full open/dismissed/fixed fetch on
	// every run, so there is always more to do and it must keep recurring.
	// HasMore is pinned true to make that explicit rather than leaving it at
	// its false zero value while the follow-up reschedules anyway.
	return pipeline.Result{
			Status:             pipeline.StatusSuccess,
			RepositoryID:       repositoryID,
			RepositoryFullName: fullName,
			Processed:          len(docs),
			Since:              since,
			Until:              until,
			HasMore:            true,
			Reason:             reasonForPrune(pruned),
			NewCursor:          newCursor,
		},
		pipeline.FollowUp{Reschedule: true, NextRun: now.Add(defaults.MinInterval)}
}

func reasonForPrune(pruned int) string {
	if pruned == 0 {
		return ""
	}
	return fmt.Sprintf("pruned %d obsolete open alerts", pruned)
}

// normalizeSeverity maps CodeQL's raw rule severity onto the four-level
// scale the document store and admin surface report against.
func normalizeSeverity(raw string) string {
	switch strings.ToLower(raw) {
	case "error":
		return "critical"
	case "warning":
		return "high"
	case "note":
		return "medium"
	case "":
		return "medium"
	default:
		return strings.ToLower(raw)
	}
}

// extractCWE pulls the first "CWE-*" tag out of a rule's tag list, if any.
func extractCWE(tags []string) string {
	for _, t := range tags {
		if strings.HasPrefix(strings.ToUpper(t), "CWE-") {
			return strings.ToUpper(t)
		}
	}
	return ""
}

// categoryKeywords maps a substring that may appear in a rule id or tag to
// the vulnerability category it indicates. Checked in order; first match
// wins.
var categoryKeywords = []struct {
	keyword  string
	category string
}{
	{"sql-injection", "sql_injection"},
	{"sql", "sql_injection"},
	{"xss", "xss"},
	{"cross-site-scripting", "xss"},
	{"path-injection", "path_traversal"},
	{"path-traversal", "path_traversal"},
	{"command-injection", "command_injection"},
	{"command-line-injection", "command_injection"},
	{"authentication", "authentication"},
	{"authorization", "authorization"},
	{"access-control", "authorization"},
	{"cryptography", "cryptography"},
	{"crypto", "cryptography"},
	{"information-disclosure", "information_disclosure"},
	{"information-leak", "information_disclosure"},
}

// categorizeRule classifies a code-scanning rule into one of the
// vulnerability-category buckets by matching its id and tags against known
// keywords, falling back to "other".
func categorizeRule(ruleID string, tags []string) string {
	haystack := strings.ToLower(ruleID)
	for _, t := range tags {
		haystack += " " + strings.ToLower(t)
	}
	for _, ck := range categoryKeywords {
		if strings.Contains(haystack, ck.keyword) {
			return ck.category
		}
	}
	return "other"
}
