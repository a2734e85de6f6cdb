// Package db provides the document store for the six entity collections the
// indexing engine persists — Commit, PullRequest, Release, Deployment,
// CodeQLVulnerability, and RepositoryKLOCHistory — on top of CouchDB via the
// Kivik driver. Every collection lives in one database, discriminated by a
// `doc_type` field, and is upserted idempotently by its natural key so
// re-running a window twice never produces duplicates.
//
// Document Operations:
//
//	Supports complete document lifecycle management:
//	- CRUD operations with revision management
//	- Bulk operations for high-performance scenarios
//	- Conflict resolution through MVCC
//	- Selective querying with Mango query language
//	- Database metadata and compaction (GetDatabaseInfo, CompactDatabase)
package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb" // The CouchDB driver
)

// Document type discriminators stored in every entity's doc_type field.
const (
	DocTypeCommit      = "commit"
	DocTypePullRequest = "pull_request"
	DocTypeRelease     = "release"
	DocTypeDeployment  = "deployment"
	DocTypeCodeQL      = "codeql_vulnerability"
	DocTypeKLOC        = "repository_kloc_history"
)

// Commit is keyed by (repository_full_name, sha).
type Commit struct {
	ID                 string    `json:"_id,omitempty"`
	Rev                string    `json:"_rev,omitempty"`
	DocType            string    `json:"doc_type"`
	RepositoryFullName string    `json:"repository_full_name"`
	SHA                string    `json:"sha"`
	AuthorName         string    `json:"author_name"`
	AuthorEmail        string    `json:"author_email"`
	CommitterName      string    `json:"committer_name"`
	CommitterEmail     string    `json:"committer_email"`
	AuthoredDate       time.Time `json:"authored_date"`
	CommittedDate      time.Time `json:"committed_date"`
	Message            string    `json:"message"`
	Additions          int       `json:"additions"`
	Deletions          int       `json:"deletions"`
	TotalChanges       int       `json:"total_changes"`
	FilesChanged       []string  `json:"files_changed"`
	CommitType         string    `json:"commit_type"`
}

// CommitID derives a Commit's document ID from its natural key.
func CommitID(repositoryFullName, sha string) string {
	return fmt.Sprintf("commit:%s:%s", repositoryFullName, sha)
}

// PullRequest is keyed by (repository_full_name, number).
type PullRequest struct {
	ID                 string     `json:"_id,omitempty"`
	Rev                string     `json:"_rev,omitempty"`
	DocType            string     `json:"doc_type"`
	RepositoryFullName string     `json:"repository_full_name"`
	Number             int        `json:"number"`
	Title              string     `json:"title"`
	Author             string     `json:"author"`
	State              string     `json:"state"` // open|closed|merged
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	ClosedAt           *time.Time `json:"closed_at,omitempty"`
	MergedAt           *time.Time `json:"merged_at,omitempty"`
	MergedBy           string     `json:"merged_by,omitempty"`
	Reviewers          []string   `json:"reviewers"`
	Assignees          []string   `json:"assignees"`
	Labels             []string   `json:"labels"`
	Commits            int        `json:"commits"`
	Additions          int        `json:"additions"`
	Deletions          int        `json:"deletions"`
	ChangedFiles       int        `json:"changed_files"`
	ReviewComments     int        `json:"review_comments"`
	Comments           int        `json:"comments"`
}

// PullRequestID derives a PullRequest's document ID from its natural key.
func PullRequestID(repositoryFullName string, number int) string {
	return fmt.Sprintf("pull_request:%s:%d", repositoryFullName, number)
}

// Release is keyed by release_id.
type Release struct {
	ID                 string     `json:"_id,omitempty"`
	Rev                string     `json:"_rev,omitempty"`
	DocType            string     `json:"doc_type"`
	RepositoryFullName string     `json:"repository_full_name"`
	ReleaseID          int64      `json:"release_id"`
	TagName            string     `json:"tag_name"`
	Author             string     `json:"author"`
	PublishedAt        *time.Time `json:"published_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	Draft              bool       `json:"draft"`
	Prerelease         bool       `json:"prerelease"`
	Assets             []string   `json:"assets"`
}

// ReleaseID derives a Release's document ID from its natural key.
func ReleaseID(releaseID int64) string {
	return fmt.Sprintf("release:%d", releaseID)
}

// DeploymentStatusRecord is one entry in a Deployment's status history.
type DeploymentStatusRecord struct {
	State      string    `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
	IsTerminal bool      `json:"is_terminal"`
}

// Deployment is keyed by deployment_id.
type Deployment struct {
	ID                 string                    `json:"_id,omitempty"`
	Rev                string                    `json:"_rev,omitempty"`
	DocType            string                    `json:"doc_type"`
	RepositoryFullName string                    `json:"repository_full_name"`
	DeploymentID       int64                     `json:"deployment_id"`
	Environment        string                    `json:"environment"`
	Creator            string                    `json:"creator"`
	CreatedAt          time.Time                 `json:"created_at"`
	UpdatedAt          time.Time                 `json:"updated_at"`
	Statuses           []DeploymentStatusRecord  `json:"statuses"`
}

// DeploymentID derives a Deployment's document ID from its natural key.
func DeploymentID(deploymentID int64) string {
	return fmt.Sprintf("deployment:%d", deploymentID)
}

// LastStatus returns the most recently recorded status, or nil if none.
func (d Deployment) LastStatus() *DeploymentStatusRecord {
	if len(d.Statuses) == 0 {
		return nil
	}
	return &d.Statuses[len(d.Statuses)-1]
}

// CodeQLVulnerability is keyed by (repository_full_name, vulnerability_id).
type CodeQLVulnerability struct {
	ID                 string     `json:"_id,omitempty"`
	Rev                string     `json:"_rev,omitempty"`
	DocType            string     `json:"doc_type"`
	RepositoryFullName string     `json:"repository_full_name"`
	VulnerabilityID    string     `json:"vulnerability_id"`
	RuleID             string     `json:"rule_id"`
	Name               string     `json:"name"`
	Description        string    `json:"description"`
	Severity           string     `json:"severity"` // critical|high|medium|low
	State              string     `json:"state"`    // open|dismissed|fixed
	File               string     `json:"file"`
	Line               int        `json:"line"`
	Column             int        `json:"column"`
	Category           string     `json:"category"`
	CWEID              string     `json:"cwe_id"`
	CreatedAt          time.Time  `json:"created_at"`
	DismissedAt        *time.Time `json:"dismissed_at,omitempty"`
	FixedAt            *time.Time `json:"fixed_at,omitempty"`
}

// CodeQLVulnerabilityID derives a CodeQLVulnerability's document ID.
func CodeQLVulnerabilityID(repositoryFullName, vulnerabilityID string) string {
	return fmt.Sprintf("codeql:%s:%s", repositoryFullName, vulnerabilityID)
}

// RepositoryKLOCHistory is append-only; never mutated once written.
type RepositoryKLOCHistory struct {
	ID                 string         `json:"_id,omitempty"`
	Rev                string         `json:"_rev,omitempty"`
	DocType            string         `json:"doc_type"`
	RepositoryFullName string         `json:"repository_full_name"`
	KLOC               float64        `json:"kloc"`
	TotalLines         int            `json:"total_lines"`
	LanguageBreakdown  map[string]int `json:"language_breakdown"`
	CalculatedAt       time.Time      `json:"calculated_at"`
}

// KLOCHistoryID derives a RepositoryKLOCHistory's document ID. Each
// calculation gets its own document, since the collection is append-only.
func KLOCHistoryID(repositoryFullName string, calculatedAt time.Time) string {
	return fmt.Sprintf("kloc:%s:%d", repositoryFullName, calculatedAt.UnixNano())
}

// CouchDBService encapsulates CouchDB client functionality for the entity
// document collections. This service provides a high-level abstraction over
// CouchDB operations with specialized support for idempotent upsert-by-key
// and obsolescence pruning.
type CouchDBService struct {
	client   *kivik.Client // CouchDB client connection
	database *kivik.DB     // Active database handle
	dbName   string        // Database name for operations
}

// NewCouchDBService connects to CouchDB and ensures the target database
// exists, creating it if CreateIfMissing is set. With CreateIfMissing left
// false, a missing database is returned as an error.
func NewCouchDBService(config CouchDBConfig) (*CouchDBService, error) {
	connectionURL := config.URL
	if config.Username != "" && config.Password != "" && !strings.Contains(connectionURL, "@") {
		parts := strings.SplitN(connectionURL, "://", 2)
		if len(parts) == 2 {
			connectionURL = fmt.Sprintf("%s://%s:%s@%s", parts[0], config.Username, config.Password, parts[1])
		}
	}

	client, err := kivik.New("couch", connectionURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CouchDB: %w", err)
	}

	ctx := context.Background()
	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(config.Timeout)*time.Millisecond)
		defer cancel()
	}

	exists, err := client.DBExists(ctx, config.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to check if database exists: %w", err)
	}
	if !exists {
		if !config.CreateIfMissing {
			return nil, fmt.Errorf("database %s does not exist", config.Database)
		}
		if err := client.CreateDB(ctx, config.Database); err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
	}

	return &CouchDBService{
		client:   client,
		database: client.DB(config.Database),
		dbName:   config.Database,
	}, nil
}

// Close gracefully shuts down the CouchDB client connection.
func (c *CouchDBService) Close() error {
	return c.client.Close()
}

// UpsertCommits idempotently persists commits by (repository_full_name, sha).
func (c *CouchDBService) UpsertCommits(commits []Commit) ([]BulkResult, error) {
	for i := range commits {
		commits[i].DocType = DocTypeCommit
		commits[i].ID = CommitID(commits[i].RepositoryFullName, commits[i].SHA)
	}
	return BulkUpsert(c, commits, func(cm Commit) string { return cm.ID })
}

// UpsertPullRequests idempotently persists pull requests by
// (repository_full_name, number).
func (c *CouchDBService) UpsertPullRequests(prs []PullRequest) ([]BulkResult, error) {
	for i := range prs {
		prs[i].DocType = DocTypePullRequest
		prs[i].ID = PullRequestID(prs[i].RepositoryFullName, prs[i].Number)
	}
	return BulkUpsert(c, prs, func(p PullRequest) string { return p.ID })
}

// UpsertReleases idempotently persists releases by release_id.
func (c *CouchDBService) UpsertReleases(releases []Release) ([]BulkResult, error) {
	for i := range releases {
		releases[i].DocType = DocTypeRelease
		releases[i].ID = ReleaseID(releases[i].ReleaseID)
	}
	return BulkUpsert(c, releases, func(r Release) string { return r.ID })
}

// UpsertDeployments idempotently persists deployments by deployment_id.
func (c *CouchDBService) UpsertDeployments(deployments []Deployment) ([]BulkResult, error) {
	for i := range deployments {
		deployments[i].DocType = DocTypeDeployment
		deployments[i].ID = DeploymentID(deployments[i].DeploymentID)
	}
	return BulkUpsert(c, deployments, func(d Deployment) string { return d.ID })
}

// UpsertCodeQLVulnerabilities idempotently persists alerts by
// (repository_full_name, vulnerability_id).
func (c *CouchDBService) UpsertCodeQLVulnerabilities(vulns []CodeQLVulnerability) ([]BulkResult, error) {
	for i := range vulns {
		vulns[i].DocType = DocTypeCodeQL
		vulns[i].ID = CodeQLVulnerabilityID(vulns[i].RepositoryFullName, vulns[i].VulnerabilityID)
	}
	return BulkUpsert(c, vulns, func(v CodeQLVulnerability) string { return v.ID })
}

// OpenCodeQLVulnerabilities fetches every currently-persisted open alert for
// a repository, used as the baseline set for obsolescence pruning.
func (c *CouchDBService) OpenCodeQLVulnerabilities(repositoryFullName string) ([]CodeQLVulnerability, error) {
	query := MangoQuery{
		Selector: map[string]interface{}{
			"doc_type":             DocTypeCodeQL,
			"repository_full_name": repositoryFullName,
			"state":                "open",
		},
		Limit: 10000,
	}
	return FindTyped[CodeQLVulnerability](c, query)
}

// PruneObsoleteCodeQL deletes persisted open alerts whose vulnerability_id
// is absent from currentOpenIDs — the set observed on the most recent full
// fetch. Fixed/dismissed records are never touched here.
func (c *CouchDBService) PruneObsoleteCodeQL(repositoryFullName string, currentOpenIDs map[string]bool) (int, error) {
	persisted, err := c.OpenCodeQLVulnerabilities(repositoryFullName)
	if err != nil {
		return 0, fmt.Errorf("fetch persisted open alerts: %w", err)
	}

	var toDelete []BulkDeleteDoc
	for _, v := range persisted {
		if !currentOpenIDs[v.VulnerabilityID] {
			toDelete = append(toDelete, BulkDeleteDoc{ID: v.ID, Rev: v.Rev, Deleted: true})
		}
	}
	if len(toDelete) == 0 {
		return 0, nil
	}

	results, err := c.BulkDeleteDocuments(toDelete)
	if err != nil {
		return 0, fmt.Errorf("bulk delete obsolete alerts: %w", err)
	}
	deleted := 0
	for _, r := range results {
		if r.OK {
			deleted++
		}
	}
	return deleted, nil
}

// LatestKLOC returns the most recent KLOC history record for a repository,
// or nil if none exists yet.
func (c *CouchDBService) LatestKLOC(repositoryFullName string) (*RepositoryKLOCHistory, error) {
	query := MangoQuery{
		Selector: map[string]interface{}{
			"doc_type":             DocTypeKLOC,
			"repository_full_name": repositoryFullName,
		},
		Sort:  []map[string]string{{"calculated_at": "desc"}},
		Limit: 1,
	}
	records, err := FindTyped[RepositoryKLOCHistory](c, query)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// AppendKLOC writes a new, append-only KLOC history record.
func (c *CouchDBService) AppendKLOC(record RepositoryKLOCHistory) error {
	record.DocType = DocTypeKLOC
	record.ID = KLOCHistoryID(record.RepositoryFullName, record.CalculatedAt)
	_, err := c.database.Put(context.Background(), record.ID, record)
	if err != nil {
		return fmt.Errorf("append kloc history: %w", err)
	}
	return nil
}

// GetDatabaseInfo retrieves metadata and statistics about the database. It
// fills DBName, DocCount, DocDelCount, UpdateSeq, DiskSize and DataSize;
// the other DatabaseInfo fields are left at their zero values. Nothing in
// the daemon calls it.
func (c *CouchDBService) GetDatabaseInfo() (*DatabaseInfo, error) {
	ctx := context.Background()

	stats, err := c.database.Stats(ctx)
	if err != nil {
		if kivik.HTTPStatus(err) != 0 {
			return nil, &CouchDBError{StatusCode: kivik.HTTPStatus(err), ErrorType: "get_database_info_failed", Reason: err.Error()}
		}
		return nil, fmt.Errorf("failed to get database info: %w", err)
	}

	return &DatabaseInfo{
		DBName:      c.dbName,
		DocCount:    stats.DocCount,
		DocDelCount: stats.DeletedCount,
		UpdateSeq:   stats.UpdateSeq,
		DiskSize:    stats.DiskSize,
		DataSize:    stats.ActiveSize,
	}, nil
}

// CompactDatabase triggers background compaction, reclaiming disk space
// from old document revisions and tombstoned deletes (e.g. after a large
// CodeQL prune).
func (c *CouchDBService) CompactDatabase() error {
	ctx := context.Background()
	if err := c.database.Compact(ctx); err != nil {
		if kivik.HTTPStatus(err) != 0 {
			return &CouchDBError{StatusCode: kivik.HTTPStatus(err), ErrorType: "compact_database_failed", Reason: err.Error()}
		}
		return fmt.Errorf("failed to compact database: %w", err)
	}
	return nil
}

// DatabaseExistsFromURL reports whether dbName exists on the CouchDB
// instance at connectionURL, without requiring a full CouchDBService.
// The daemon does not call it: its startup relies on NewCouchDBService's
// CreateIfMissing handling instead.
func DatabaseExistsFromURL(connectionURL, dbName string) (bool, error) {
	client, err := kivik.New("couch", connectionURL)
	if err != nil {
		return false, fmt.Errorf("failed to connect to CouchDB: %w", err)
	}
	defer client.Close()
	return client.DBExists(context.Background(), dbName)
}

// CreateDatabaseFromURL creates dbName on the CouchDB instance at
// connectionURL. The daemon does not call it; NewCouchDBService with
// CreateIfMissing creates the database at startup.
func CreateDatabaseFromURL(connectionURL, dbName string) error {
	client, err := kivik.New("couch", connectionURL)
	if err != nil {
		return fmt.Errorf("failed to connect to CouchDB: %w", err)
	}
	defer client.Close()
	if err := client.CreateDB(context.Background(), dbName); err != nil {
		return fmt.Errorf("failed to create database %s: %w", dbName, err)
	}
	return nil
}

// DeleteDatabaseFromURL drops dbName on the CouchDB instance at
// connectionURL. Operator tooling only — no SPEC_FULL.md runtime path
// calls this; it exists for administrative cleanup of scratch/test
// databases.
func DeleteDatabaseFromURL(connectionURL, dbName string) error {
	client, err := kivik.New("couch", connectionURL)
	if err != nil {
		return fmt.Errorf("failed to connect to CouchDB: %w", err)
	}
	defer client.Close()
	if err := client.DestroyDB(context.Background(), dbName); err != nil {
		return fmt.Errorf("failed to delete database %s: %w", dbName, err)
	}
	return nil
}
