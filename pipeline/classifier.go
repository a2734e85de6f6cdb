package pipeline

import (
	"regexp"
	"strings"
)

// CommitTypes enumerates the closed set ClassifyCommit assigns.
var CommitTypes = []string{
	"fix", "feature", "docs", "refactor", "test", "style", "perf", "ci", "chore", "other",
}

// subjectPattern pairs a conventional-commit-style prefix regex, checked
// against a commit's subject line, with the commit_type it indicates.
// Checked in order; first match wins.
var subjectPattern = []struct {
	re   *regexp.Regexp
	kind string
}{
	{regexp.MustCompile(`(?i)^(fix|bugfix|hotfix)(\([^)]*\))?!?:`), "fix"},
	{regexp.MustCompile(`(?i)^(feat|feature)(\([^)]*\))?!?:`), "feature"},
	{regexp.MustCompile(`(?i)^docs?(\([^)]*\))?!?:`), "docs"},
	{regexp.MustCompile(`(?i)^refactor(\([^)]*\))?!?:`), "refactor"},
	{regexp.MustCompile(`(?i)^tests?(\([^)]*\))?!?:`), "test"},
	{regexp.MustCompile(`(?i)^style(\([^)]*\))?!?:`), "style"},
	{regexp.MustCompile(`(?i)^perf(ormance)?(\([^)]*\))?!?:`), "perf"},
	{regexp.MustCompile(`(?i)^ci(\([^)]*\))?!?:`), "ci"},
	{regexp.MustCompile(`(?i)^(chore|build)(\([^)]*\))?!?:`), "chore"},
}

// messageKeyword is the fallback scan over the full commit message when the
// subject carries no conventional-commit prefix. Checked in order.
var messageKeyword = []struct {
	keyword string
	kind    string
}{
	{"fix", "fix"}, {"bug", "fix"}, {"patch", "fix"}, {"hotfix", "fix"},
	{"implement", "feature"}, {"add support", "feature"}, {"feature", "feature"}, {"introduce", "feature"},
	{"document", "docs"}, {"readme", "docs"}, {"changelog", "docs"},
	{"refactor", "refactor"}, {"restructure", "refactor"}, {"rewrite", "refactor"},
	{"test", "test"}, {"spec", "test"},
	{"format", "style"}, {"lint", "style"}, {"whitespace", "style"}, {"gofmt", "style"},
	{"optimiz", "perf"}, {"performance", "perf"}, {"speed up", "perf"}, {"benchmark", "perf"},
	{"pipeline", "ci"}, {"workflow", "ci"}, {"github actions", "ci"}, {"jenkins", "ci"},
	{"bump", "chore"}, {"dependenc", "chore"}, {"upgrade", "chore"}, {"release", "chore"},
}

// filePattern classifies a changed file path by extension or location, used
// only when the message itself gives no signal and every changed file
// agrees on a single bucket.
var filePattern = []struct {
	re   *regexp.Regexp
	kind string
}{
	{regexp.MustCompile(`(?i)(^|/)(test|tests|spec)(/|_test\.|\.test\.|_spec\.)`), "test"},
	{regexp.MustCompile(`(?i)\.(md|rst|txt|adoc)$`), "docs"},
	{regexp.MustCompile(`(?i)^docs?/`), "docs"},
	{regexp.MustCompile(`(?i)^\.github/workflows/`), "ci"},
	{regexp.MustCompile(`(?i)(^|/)(dockerfile|\.gitlab-ci\.yml|\.circleci/|jenkinsfile)`), "ci"},
	{regexp.MustCompile(`(?i)(^|/)(go\.mod|go\.sum|package\.json|package-lock\.json|requirements\.txt|gemfile)$`), "chore"},
}

// ClassifyCommit applies a deterministic regex+keyword classifier over a
// commit's message and the list of files it touched, assigning it one of
// the CommitTypes buckets. The subject line's conventional-commit prefix is
// checked first, then a keyword scan over the full message, then the
// changed-file shape; "other" is the fallback when nothing matches.
func ClassifyCommit(message string, changedFiles []string) string {
	subject := message
	if i := strings.IndexByte(message, '\n'); i >= 0 {
		subject = message[:i]
	}
	subject = strings.TrimSpace(subject)

	for _, p := range subjectPattern {
		if p.re.MatchString(subject) {
			return p.kind
		}
	}

	lower := strings.ToLower(message)
	for _, k := range messageKeyword {
		if strings.Contains(lower, k.keyword) {
			return k.kind
		}
	}

	if kind, ok := classifyByFiles(changedFiles); ok {
		return kind
	}

	return "other"
}

// classifyByFiles returns a bucket only when every changed file agrees on
// the same one, so a mixed commit (e.g. code plus its test) falls through
// to "other" rather than guessing from a majority.
func classifyByFiles(changedFiles []string) (string, bool) {
	if len(changedFiles) == 0 {
		return "", false
	}
	var kind string
	for _, f := range changedFiles {
		matched := ""
		for _, fp := range filePattern {
			if fp.re.MatchString(f) {
				matched = fp.kind
				break
			}
		}
		if matched == "" {
			return "", false
		}
		if kind == "" {
			kind = matched
		} else if kind != matched {
			return "", false
		}
	}
	return kind, true
}
