// Package forge implements the HTTP client for the GitHub-compatible REST
// API this engine indexes against: commits, pull requests, releases,
// deployments, code-scanning alerts, rate-limit status, and the app
// installation endpoints the token broker needs to mint installation
// tokens. It deliberately stays a thin wrapper over net/http rather than
// pulling in a generated SDK, mirroring the way the rest of this stack
// talks to HTTP services it doesn't own.
package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"gitpulse.dev/indexer/version"
)

var repoNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)

// Client is a GitHub REST client scoped to a single base URL (so GitHub
// Enterprise Server deployments work without code changes).
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a forge client. baseURL defaults to the public GitHub
// API when empty.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: baseURL, httpClient: httpClient}
}

// ErrInvalidRepositoryName is returned by the List* repository methods
// (ListCommits, ListPullRequests, ListReleases, ListDeployments,
// ListCodeScanningAlerts) before issuing a request when full_name fails the
// pattern check (§6); GetCommit, GetPullRequest and ListDeploymentStatuses
// do not check it. The check is the sole defense
// against injecting a crafted full_name into the document store's query
// language.
var ErrInvalidRepositoryName = fmt.Errorf("repository full_name failed validation")

// ValidateRepositoryFullName enforces ^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$.
func ValidateRepositoryFullName(fullName string) error {
	if !repoNamePattern.MatchString(fullName) {
		return ErrInvalidRepositoryName
	}
	return nil
}

// HTTPError carries the status code and body of a non-2xx response so
// callers can classify it per the error taxonomy (NotFoundOrDisabled,
// PermissionDenied, RateLimited, Transient).
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("github api: status %d: %s", e.StatusCode, e.Body)
}

// Token is a resolved credential: either a classic "token <t>" header or a
// bearer JWT app assertion.
type Token struct {
	Value  string
	Bearer bool // true for "Authorization: Bearer <jwt>" (app assertions)
}

func (t Token) header() string {
	if t.Bearer {
		return "Bearer " + t.Value
	}
	return "token " + t.Value
}

func (c *Client) do(ctx context.Context, method, path string, token Token, accept string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", token.header())
	if accept == "" {
		accept = "application/vnd.github.v3+json"
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return nil
}

// postJSON issues a POST with a JSON body and decodes the response.
func (c *Client) postJSON(ctx context.Context, path string, token Token, accept string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", token.header())
	if accept == "" {
		accept = "application/vnd.github+json"
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return nil
}

// RateLimit mirrors the "core" resource of GET /rate_limit.
type RateLimit struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"-"`
	ResetUnix int64     `json:"reset"`
}

// GetRateLimit fetches the current core rate-limit status for token.
func (c *Client) GetRateLimit(ctx context.Context, token Token) (*RateLimit, error) {
	var envelope struct {
		Resources struct {
			Core struct {
				Limit     int   `json:"limit"`
				Remaining int   `json:"remaining"`
				Reset     int64 `json:"reset"`
			} `json:"core"`
		} `json:"resources"`
	}
	if err := c.do(ctx, http.MethodGet, "/rate_limit", token, "", nil, &envelope); err != nil {
		return nil, err
	}
	rl := &RateLimit{
		Limit:     envelope.Resources.Core.Limit,
		Remaining: envelope.Resources.Core.Remaining,
		ResetUnix: envelope.Resources.Core.Reset,
		Reset:     time.Unix(envelope.Resources.Core.Reset, 0),
	}
	return rl, nil
}

// CommitSummary is one row of GET /repos/{o}/{r}/commits.
type CommitSummary struct {
	SHA    string `json:"sha"`
	Commit struct {
		Author struct {
			Name  string    `json:"name"`
			Email string    `json:"email"`
			Date  time.Time `json:"date"`
		} `json:"author"`
		Committer struct {
			Name  string    `json:"name"`
			Email string    `json:"email"`
			Date  time.Time `json:"date"`
		} `json:"committer"`
		Message string `json:"message"`
	} `json:"commit"`
}

// CommitDetail is the response of GET /repos/{o}/{r}/commits/{sha}, carrying
// the file-change stats the list endpoint omits.
type CommitDetail struct {
	CommitSummary
	Stats struct {
		Additions int `json:"additions"`
		Deletions int `json:"deletions"`
		Total     int `json:"total"`
	} `json:"stats"`
	Files []struct {
		Filename  string `json:"filename"`
		Additions int    `json:"additions"`
		Deletions int    `json:"deletions"`
		Changes   int    `json:"changes"`
		Status    string `json:"status"`
	} `json:"files"`
}

const maxCommitPages = 20

// ListCommits pages /repos/{owner}/{repo}/commits filtered by since/until.
func (c *Client) ListCommits(ctx context.Context, token Token, owner, repo string, since, until time.Time) ([]CommitSummary, error) {
	if err := ValidateRepositoryFullName(owner + "/" + repo); err != nil {
		return nil, err
	}
	var all []CommitSummary
	for page := 1; page <= maxCommitPages; page++ {
		q := url.Values{
			"since":    {since.UTC().Format(time.RFC3339)},
			"until":    {until.UTC().Format(time.RFC3339)},
			"per_page": {"100"},
			"page":     {strconv.Itoa(page)},
		}
		var batch []CommitSummary
		path := fmt.Sprintf("/repos/%s/%s/commits", owner, repo)
		if err := c.do(ctx, http.MethodGet, path, token, "", q, &batch); err != nil {
			return all, err
		}
		all = append(all, batch...)
		if len(batch) < 100 {
			break
		}
	}
	return all, nil
}

// GetCommit fetches a single commit's detail (including file stats).
func (c *Client) GetCommit(ctx context.Context, token Token, owner, repo, sha string) (*CommitDetail, error) {
	var detail CommitDetail
	path := fmt.Sprintf("/repos/%s/%s/commits/%s", owner, repo, sha)
	if err := c.do(ctx, http.MethodGet, path, token, "", nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// PullRequest is one row (or detail) of /repos/{o}/{r}/pulls.
type PullRequest struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	State     string    `json:"state"`
	Merged    bool      `json:"merged"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at"`
	MergedAt  *time.Time `json:"merged_at"`
	User      struct {
		Login string `json:"login"`
	} `json:"user"`
	MergedBy *struct {
		Login string `json:"login"`
	} `json:"merged_by"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	Assignees []struct {
		Login string `json:"login"`
	} `json:"assignees"`
	RequestedReviewers []struct {
		Login string `json:"login"`
	} `json:"requested_reviewers"`
	Commits       int `json:"commits"`
	Additions     int `json:"additions"`
	Deletions     int `json:"deletions"`
	ChangedFiles  int `json:"changed_files"`
	ReviewComments int `json:"review_comments"`
	Comments      int `json:"comments"`
}

const maxPRPages = 50

// ListPullRequests pages /repos/{owner}/{repo}/pulls?state=all sorted by
// created desc, stopping at the first page with fewer than 100 items or
// after maxPRPages pages. It takes no date bound: the caller filters the
// returned pull requests to its window.
func (c *Client) ListPullRequests(ctx context.Context, token Token, owner, repo string) ([]PullRequest, error) {
	if err := ValidateRepositoryFullName(owner + "/" + repo); err != nil {
		return nil, err
	}
	var all []PullRequest
	for page := 1; page <= maxPRPages; page++ {
		q := url.Values{
			"state":     {"all"},
			"sort":      {"created"},
			"direction": {"desc"},
			"per_page":  {"100"},
			"page":      {strconv.Itoa(page)},
		}
		var batch []PullRequest
		path := fmt.Sprintf("/repos/%s/%s/pulls", owner, repo)
		if err := c.do(ctx, http.MethodGet, path, token, "", q, &batch); err != nil {
			return all, err
		}
		all = append(all, batch...)
		if len(batch) < 100 {
			break
		}
		time.Sleep(100 * time.Millisecond) // inter-page delay, §4.4.2
	}
	return all, nil
}

// GetPullRequest fetches the detail of a single pull request.
func (c *Client) GetPullRequest(ctx context.Context, token Token, owner, repo string, number int) (*PullRequest, error) {
	var pr PullRequest
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, number)
	if err := c.do(ctx, http.MethodGet, path, token, "", nil, &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

// Release is one row of /repos/{o}/{r}/releases.
type Release struct {
	ID          int64      `json:"id"`
	TagName     string     `json:"tag_name"`
	Draft       bool       `json:"draft"`
	Prerelease  bool       `json:"prerelease"`
	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at"`
	Author      struct {
		Login string `json:"login"`
	} `json:"author"`
	Assets []struct {
		Name string `json:"name"`
		Size int64  `json:"size"`
	} `json:"assets"`
}

const maxReleasePages = 20

// ListReleases pages /repos/{owner}/{repo}/releases.
func (c *Client) ListReleases(ctx context.Context, token Token, owner, repo string) ([]Release, error) {
	if err := ValidateRepositoryFullName(owner + "/" + repo); err != nil {
		return nil, err
	}
	var all []Release
	for page := 1; page <= maxReleasePages; page++ {
		q := url.Values{"per_page": {"100"}, "page": {strconv.Itoa(page)}}
		var batch []Release
		path := fmt.Sprintf("/repos/%s/%s/releases", owner, repo)
		if err := c.do(ctx, http.MethodGet, path, token, "", q, &batch); err != nil {
			return all, err
		}
		all = append(all, batch...)
		if len(batch) < 100 {
			break
		}
	}
	return all, nil
}

// Deployment is one row of /repos/{o}/{r}/deployments.
type Deployment struct {
	ID          int64     `json:"id"`
	Environment string    `json:"environment"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Creator     struct {
		Login string `json:"login"`
	} `json:"creator"`
}

// DeploymentStatus is one row of /deployments/{id}/statuses.
type DeploymentStatus struct {
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

var nonTerminalDeploymentStates = map[string]bool{
	"pending": true, "in_progress": true, "queued": true, "waiting": true,
}

// IsTerminal reports whether s is a terminal deployment status state.
func (s DeploymentStatus) IsTerminal() bool { return !nonTerminalDeploymentStates[s.State] }

const maxDeploymentPages = 20

// ListDeployments pages /repos/{owner}/{repo}/deployments. The API has no
// server-side date filter; callers filter client-side on CreatedAt.
func (c *Client) ListDeployments(ctx context.Context, token Token, owner, repo string) ([]Deployment, error) {
	if err := ValidateRepositoryFullName(owner + "/" + repo); err != nil {
		return nil, err
	}
	var all []Deployment
	for page := 1; page <= maxDeploymentPages; page++ {
		q := url.Values{"per_page": {"100"}, "page": {strconv.Itoa(page)}}
		var batch []Deployment
		path := fmt.Sprintf("/repos/%s/%s/deployments", owner, repo)
		if err := c.do(ctx, http.MethodGet, path, token, "", q, &batch); err != nil {
			return all, err
		}
		all = append(all, batch...)
		if len(batch) < 100 {
			break
		}
	}
	return all, nil
}

// ListDeploymentStatuses fetches the status history for one deployment.
func (c *Client) ListDeploymentStatuses(ctx context.Context, token Token, owner, repo string, deploymentID int64) ([]DeploymentStatus, error) {
	var statuses []DeploymentStatus
	path := fmt.Sprintf("/repos/%s/%s/deployments/%d/statuses", owner, repo, deploymentID)
	if err := c.do(ctx, http.MethodGet, path, token, "", url.Values{"per_page": {"100"}}, &statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

// CodeScanningAlert is one row of /repos/{o}/{r}/code-scanning/alerts.
type CodeScanningAlert struct {
	Number int    `json:"number"`
	State  string `json:"state"`
	Rule   struct {
		ID          string   `json:"id"`
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Severity    string   `json:"severity"`
		Tags        []string `json:"tags"`
	} `json:"rule"`
	MostRecentInstance struct {
		Location struct {
			Path        string `json:"path"`
			StartLine   int    `json:"start_line"`
			StartColumn int    `json:"start_column"`
		} `json:"location"`
	} `json:"most_recent_instance"`
	CreatedAt   time.Time  `json:"created_at"`
	DismissedAt *time.Time `json:"dismissed_at"`
	FixedAt     *time.Time `json:"fixed_at"`
}

const (
	maxCodeQLPagesPerState = 50
)

// ListCodeScanningAlerts fetches alerts for a single state
// (open|dismissed|fixed), paging until an empty or short page.
func (c *Client) ListCodeScanningAlerts(ctx context.Context, token Token, owner, repo, state string) ([]CodeScanningAlert, error) {
	if err := ValidateRepositoryFullName(owner + "/" + repo); err != nil {
		return nil, err
	}
	var all []CodeScanningAlert
	for page := 1; page <= maxCodeQLPagesPerState; page++ {
		q := url.Values{"state": {state}, "per_page": {"100"}, "page": {strconv.Itoa(page)}}
		var batch []CodeScanningAlert
		path := fmt.Sprintf("/repos/%s/%s/code-scanning/alerts", owner, repo)
		if err := c.do(ctx, http.MethodGet, path, token, "application/vnd.github+json", q, &batch); err != nil {
			return all, err
		}
		all = append(all, batch...)
		if len(batch) < 100 {
			break
		}
	}
	return all, nil
}

// Installation is a row of GET /app/installations.
type Installation struct {
	ID      int64 `json:"id"`
	Account struct {
		Login string `json:"login"`
	} `json:"account"`
}

// ListAppInstallations lists installations visible to the app JWT assertion.
func (c *Client) ListAppInstallations(ctx context.Context, appJWT string) ([]Installation, error) {
	var installs []Installation
	token := Token{Value: appJWT, Bearer: true}
	if err := c.do(ctx, http.MethodGet, "/app/installations", token, "application/vnd.github+json", nil, &installs); err != nil {
		return nil, err
	}
	return installs, nil
}

// InstallationAccessToken is the response of POST
// /app/installations/{id}/access_tokens.
type InstallationAccessToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateInstallationAccessToken mints a short-lived installation token.
func (c *Client) CreateInstallationAccessToken(ctx context.Context, appJWT string, installationID int64) (*InstallationAccessToken, error) {
	var result InstallationAccessToken
	token := Token{Value: appJWT, Bearer: true}
	path := fmt.Sprintf("/app/installations/%d/access_tokens", installationID)
	if err := c.postJSON(ctx, path, token, "application/vnd.github+json", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
