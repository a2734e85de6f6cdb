// Package gitclone implements the local-clone commit pipeline (C5): an
// alternative to the forge API commit pipeline that clones a repository
// (a full clone, not a shallow one) into a scratch directory and derives commit history from
// `git log`/`git show --stat` instead of paginated HTTP calls. Selected by
// the process-wide indexing_service=git_local configuration flag.
package gitclone

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gitpulse.dev/indexer/auth"
	"gitpulse.dev/indexer/config"
	"gitpulse.dev/indexer/db"
	"gitpulse.dev/indexer/forge"
	"gitpulse.dev/indexer/pipeline"
)

var scratchSanitizePattern = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SanitizeScratchSegment replaces every character outside [A-Za-z0-9._-]
// with "_", the transform applied to a repository's full_name before it is
// used as a scratch-directory path component.
func SanitizeScratchSegment(s string) string {
	return scratchSanitizePattern.ReplaceAllString(s, "_")
}

// ScratchDir computes and validates the scratch directory for fullName
// under tmpdir, enforcing P8: the resolved path must be a direct child of
// tmpdir and must not escape it via "..".
func ScratchDir(tmpdir, fullName string) (string, error) {
	sanitized := SanitizeScratchSegment(fullName)
	dir := filepath.Join(tmpdir, "gitpulse_"+sanitized)

	absTmpdir, err := filepath.Abs(tmpdir)
	if err != nil {
		return "", fmt.Errorf("resolve tmpdir: %w", err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve scratch dir: %w", err)
	}
	if filepath.Dir(absDir) != absTmpdir {
		return "", fmt.Errorf("scratch path %s escapes tmpdir %s", absDir, absTmpdir)
	}
	return absDir, nil
}

// ErrTerminalClone marks a local-clone failure the caller should treat as
// CloneLocal: skipped, not retried, not counted against retry_count.
type ErrTerminalClone struct {
	Reason string
}

func (e *ErrTerminalClone) Error() string { return e.Reason }

var terminalCloneSubstrings = []string{
	"repository not found",
	"authentication failed",
	"could not read username",
	"tmp_pack",
	"pack corruption",
	"unpack-objects abnormal exit",
}

func classifyCloneFailure(output string) error {
	lower := strings.ToLower(output)
	for _, substr := range terminalCloneSubstrings {
		if strings.Contains(lower, substr) {
			return &ErrTerminalClone{Reason: substr}
		}
	}
	return fmt.Errorf("git clone failed: %s", output)
}

// runGit runs a git subprocess in dir (or the current directory if dir is
// empty) with env appended to the inherited environment, under timeout.
func runGit(ctx context.Context, dir string, timeout time.Duration, env []string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)

	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("%s: %w", stderr.String(), err)
	}
	return out.String(), nil
}

// Clone clones cloneURL into dir with `git clone --no-tags` (a full clone,
// not a shallow one), retrying once with LFS smudging disabled via config
// override if the first attempt fails for an LFS-related reason. Returns
// ErrTerminalClone for failures the caller should not retry. Both checks
// read git's stderr, which runGit carries in its error.
func Clone(ctx context.Context, cloneURL, dir string) error {
	lfsOff := []string{"GIT_LFS_SKIP_SMUDGE=1"}
	_, err := runGit(ctx, "", 10*time.Minute, lfsOff, "clone", "--no-tags", cloneURL, dir)
	if err == nil {
		return nil
	}
	if strings.Contains(strings.ToLower(err.Error()), "lfs") {
		retryEnv := append(lfsOff, "GIT_CONFIG_COUNT=1",
			"GIT_CONFIG_KEY_0=filter.lfs.smudge", "GIT_CONFIG_VALUE_0=git-lfs smudge --skip")
		_, err2 := runGit(ctx, "", 10*time.Minute, retryEnv, "clone", "--no-tags", cloneURL, dir)
		if err2 == nil {
			return nil
		}
		return classifyCloneFailure(err2.Error())
	}
	return classifyCloneFailure(err.Error())
}

// Fetch runs `git fetch --all --prune` against an already-cloned dir.
func Fetch(ctx context.Context, dir string) error {
	_, err := runGit(ctx, dir, 2*time.Minute, []string{"GIT_LFS_SKIP_SMUDGE=1"}, "fetch", "--all", "--prune")
	return err
}

// logFormat mirrors the field order the log parser expects.
const logFormat = `--pretty=format:%H|%an|%ae|%cn|%ce|%at|%ct|%s`

// CommitRecord is one parsed `git log` entry before its per-file stats are
// filled in by ShowStat.
type CommitRecord struct {
	SHA            string
	AuthorName     string
	AuthorEmail    string
	CommitterName  string
	CommitterEmail string
	AuthoredDate   time.Time
	CommittedDate  time.Time
	Subject        string
	Additions      int
	Deletions      int
	TotalChanges   int
	FilesChanged   []string
}

// Log runs `git log --all --no-merges` since an optional cursor and parses
// each line into a CommitRecord with stats left zeroed.
func Log(ctx context.Context, dir string, since *time.Time) ([]CommitRecord, error) {
	args := []string{"log", "--all", "--no-merges", logFormat}
	if since != nil {
		args = append(args, fmt.Sprintf("--since=%s", since.UTC().Format(time.RFC3339)))
	}
	out, err := runGit(ctx, dir, 30*time.Second, nil, args...)
	if err != nil {
		return nil, fmt.Errorf("git log: %w", err)
	}

	var records []CommitRecord
	scanner := bufio.NewScanner(strings.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 8)
		if len(parts) != 8 {
			continue // tolerate malformed lines rather than aborting the whole log
		}
		authoredUnix, _ := strconv.ParseInt(parts[5], 10, 64)
		committedUnix, _ := strconv.ParseInt(parts[6], 10, 64)
		records = append(records, CommitRecord{
			SHA:            parts[0],
			AuthorName:     parts[1],
			AuthorEmail:    parts[2],
			CommitterName:  parts[3],
			CommitterEmail: parts[4],
			AuthoredDate:   time.Unix(authoredUnix, 0).UTC(),
			CommittedDate:  time.Unix(committedUnix, 0).UTC(),
			Subject:        parts[7],
		})
	}
	return records, scanner.Err()
}

var showStatFileLine = regexp.MustCompile(`^\s*(\S+)\s*\|\s*(\d+)\s*([+-]*)\s*$`)

// ShowStat runs `git show --stat` for sha and fills in per-file and
// aggregate change counts. Parse failures leave stats zeroed rather than
// failing the whole commit, per the tolerate-and-continue design.
func ShowStat(ctx context.Context, dir, sha string) (additions, deletions int, files []string) {
	out, err := runGit(ctx, dir, 15*time.Second, nil, "show", "--stat", "--format=", sha)
	if err != nil {
		return 0, 0, nil
	}
	for _, line := range strings.Split(out, "\n") {
		m := showStatFileLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		files = append(files, strings.TrimSpace(m[1]))
		total, _ := strconv.Atoi(m[2])
		plusMinus := m[3]
		plus := strings.Count(plusMinus, "+")
		minus := strings.Count(plusMinus, "-")
		if plus+minus == 0 {
			// stat line gave a bare count with no +/- glyphs (binary files,
			// or a terminal too narrow to render them) — count it all as additions.
			additions += total
			continue
		}
		share := float64(total) / float64(plus+minus)
		additions += int(float64(plus) * share)
		deletions += int(float64(minus) * share)
	}
	return additions, deletions, files
}

// knownCodeExtensions gates which tracked files count toward KLOC.
var knownCodeExtensions = map[string]string{
	".go": "Go", ".py": "Python", ".js": "JavaScript", ".ts": "TypeScript",
	".java": "Java", ".rb": "Ruby", ".rs": "Rust", ".c": "C", ".h": "C",
	".cpp": "C++", ".hpp": "C++", ".cs": "C#", ".php": "PHP", ".swift": "Swift",
	".kt": "Kotlin", ".scala": "Scala", ".sh": "Shell",
}

// ComputeKLOC enumerates tracked files via `git ls-files`, counts lines per
// known-code file, and aggregates by language.
func ComputeKLOC(ctx context.Context, dir string) (totalLines int, breakdown map[string]int, err error) {
	out, err := runGit(ctx, dir, 30*time.Second, nil, "ls-files")
	if err != nil {
		return 0, nil, fmt.Errorf("git ls-files: %w", err)
	}

	breakdown = make(map[string]int)
	for _, path := range strings.Split(out, "\n") {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		lang, ok := knownCodeExtensions[strings.ToLower(filepath.Ext(path))]
		if !ok {
			continue
		}
		lines := countLines(filepath.Join(dir, path))
		breakdown[lang] += lines
		totalLines += lines
	}
	return totalLines, breakdown, nil
}

// countLines counts newline-terminated lines in path, ignoring files that
// can't be read or decoded as text (binary blobs with a known extension).
func countLines(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	count := 0
	for scanner.Scan() {
		count++
	}
	return count
}

// PopulateStats fills in each record's Additions/Deletions/FilesChanged via
// ShowStat. Run after Log, before persisting, so a slow or failing `git
// show` on one commit doesn't prevent the rest of the window from being
// recorded.
func PopulateStats(ctx context.Context, dir string, records []CommitRecord) {
	for i := range records {
		additions, deletions, files := ShowStat(ctx, dir, records[i].SHA)
		records[i].Additions = additions
		records[i].Deletions = deletions
		records[i].TotalChanges = additions + deletions
		records[i].FilesChanged = files
	}
}

// RemoveScratch deletes the scratch directory. Called on both the success
// and failure paths of a local-clone run.
func RemoveScratch(dir string) error {
	return os.RemoveAll(dir)
}

// Deps bundles the collaborators Run needs: a token broker for building an
// authenticated clone URL, the document store, and the base scratch
// directory every repository's working copy is cloned under.
type Deps struct {
	Broker     *auth.Broker
	Docs       *db.CouchDBService
	ScratchDir string
}

// authenticatedCloneURL rewrites a github.com https clone URL to embed the
// resolved token as basic-auth userinfo, the form git itself expects for
// unattended HTTPS clones.
func authenticatedCloneURL(rawURL string, token forge.Token) string {
	prefix := "https://"
	if !strings.HasPrefix(rawURL, prefix) {
		return rawURL
	}
	user := "x-access-token"
	if token.Bearer {
		user = "x-access-token-app"
	}
	return prefix + user + ":" + token.Value + "@" + strings.TrimPrefix(rawURL, prefix)
}

// Run performs one full local-clone pass for fullName: a fresh clone,
// fetch, log, per-commit stat, upsert, and a conditional KLOC recompute.
// The scratch directory is always removed before returning, on both the
// success and failure paths.
func Run(ctx context.Context, d Deps, repositoryID int64, fullName, owner, repo, cloneURL string, cursor pipeline.Cursor, now time.Time) (pipeline.Result, pipeline.FollowUp) {
	defaults := config.EntityDefaultsTable[config.EntityCommits]

	token, err := d.Broker.Resolve(ctx, owner, auth.ScopePrivateRepos)
	if err != nil {
		return errResult(repositoryID, fullName, pipeline.CategoryPermissionDenied, err, cursor), pipeline.FollowUp{}
	}

	dir, err := ScratchDir(d.ScratchDir, fullName)
	if err != nil {
		return errResult(repositoryID, fullName, pipeline.CategoryInputInvalid, err, cursor), pipeline.FollowUp{}
	}
	defer RemoveScratch(dir)

	authedURL := authenticatedCloneURL(cloneURL, token)
	if err := Clone(ctx, authedURL, dir); err != nil {
		var terminal *ErrTerminalClone
		if errors.As(err, &terminal) {
			return pipeline.Result{
					Status:             pipeline.StatusCloneSkip,
					RepositoryID:       repositoryID,
					RepositoryFullName: fullName,
					Category:           pipeline.CategoryCloneLocal,
					Reason:             terminal.Reason,
					NewCursor:          cursor,
				},
				pipeline.FollowUp{}
		}
		return errResult(repositoryID, fullName, pipeline.CategoryTransient, err, cursor), followUp(now, defaults.DeferSlack)
	}

	if err := Fetch(ctx, dir); err != nil {
		return errResult(repositoryID, fullName, pipeline.CategoryTransient, err, cursor), followUp(now, defaults.DeferSlack)
	}

	since, until := cursor.Window(defaults.BatchSizeDays, now)
	records, err := Log(ctx, dir, &since)
	if err != nil {
		return errResult(repositoryID, fullName, pipeline.CategoryTransient, err, cursor), followUp(now, defaults.DeferSlack)
	}

	PopulateStats(ctx, dir, records)

	docs := ToCommitDocs(fullName, records)
	if len(docs) > 0 {
		if _, err := d.Docs.UpsertCommits(docs); err != nil {
			return errResult(repositoryID, fullName, pipeline.CategoryTransient, err, cursor), followUp(now, defaults.DeferSlack)
		}
	}

	if err := maybeRecomputeKLOC(ctx, d.Docs, dir, fullName, now); err != nil {
		// a stale KLOC figure is not worth failing the whole commit window over
		_ = err
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

// maybeRecomputeKLOC recomputes and appends a KLOC snapshot only if the most
// recent one is missing or older than config.KLOCStalenessThreshold.
func maybeRecomputeKLOC(ctx context.Context, docs *db.CouchDBService, dir, fullName string, now time.Time) error {
	latest, err := docs.LatestKLOC(fullName)
	if err != nil {
		return err
	}
	if latest != nil && now.Sub(latest.CalculatedAt) < config.KLOCStalenessThreshold {
		return nil
	}

	total, breakdown, err := ComputeKLOC(ctx, dir)
	if err != nil {
		return err
	}
	return docs.AppendKLOC(db.RepositoryKLOCHistory{
		RepositoryFullName: fullName,
		KLOC:               float64(total) / 1000,
		TotalLines:         total,
		LanguageBreakdown:  breakdown,
		CalculatedAt:       now,
	})
}

func errResult(repositoryID int64, fullName string, category pipeline.ErrorCategory, err error, cursor pipeline.Cursor) pipeline.Result {
	return pipeline.Result{
		Status:             pipeline.StatusError,
		RepositoryID:       repositoryID,
		RepositoryFullName: fullName,
		Category:           category,
		Errors:             []string{err.Error()},
		NewCursor:          cursor,
	}
}

func followUp(now time.Time, slack time.Duration) pipeline.FollowUp {
	return pipeline.FollowUp{Reschedule: true, NextRun: now.Add(slack), Retry: true}
}

// ToCommitDocs converts parsed CommitRecords into db.Commit documents ready
// for UpsertCommits.
func ToCommitDocs(fullName string, records []CommitRecord) []db.Commit {
	docs := make([]db.Commit, 0, len(records))
	for _, r := range records {
		docs = append(docs, db.Commit{
			RepositoryFullName: fullName,
			SHA:                r.SHA,
			AuthorName:         r.AuthorName,
			AuthorEmail:        r.AuthorEmail,
			CommitterName:      r.CommitterName,
			CommitterEmail:     r.CommitterEmail,
			AuthoredDate:       r.AuthoredDate,
			CommittedDate:      r.CommittedDate,
			Message:            r.Subject,
			Additions:          r.Additions,
			Deletions:          r.Deletions,
			TotalChanges:       r.TotalChanges,
			FilesChanged:       r.FilesChanged,
			CommitType:         pipeline.ClassifyCommit(r.Subject, r.FilesChanged),
		})
	}
	return docs
}
