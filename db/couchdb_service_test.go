package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestCommitID verifies the composite key shape used to dedupe commits on
// upsert.
func TestCommitID(t *testing.T) {
	t.Run("stable for same inputs", func(t *testing.T) {
		a := CommitID("acme/widgets", "abc123")
		b := CommitID("acme/widgets", "abc123")
		assert.Equal(t, a, b)
	})

	t.Run("differs by repository", func(t *testing.T) {
		a := CommitID("acme/widgets", "abc123")
		b := CommitID("acme/gadgets", "abc123")
		assert.NotEqual(t, a, b)
	})

	t.Run("differs by sha", func(t *testing.T) {
		a := CommitID("acme/widgets", "abc123")
		b := CommitID("acme/widgets", "def456")
		assert.NotEqual(t, a, b)
	})
}

func TestPullRequestID(t *testing.T) {
	assert.Equal(t, PullRequestID("acme/widgets", 42), PullRequestID("acme/widgets", 42))
	assert.NotEqual(t, PullRequestID("acme/widgets", 42), PullRequestID("acme/widgets", 43))
}

func TestReleaseID(t *testing.T) {
	assert.Equal(t, ReleaseID(int64(99)), ReleaseID(int64(99)))
	assert.NotEqual(t, ReleaseID(int64(99)), ReleaseID(int64(100)))
}

func TestDeploymentID(t *testing.T) {
	assert.Equal(t, DeploymentID(int64(5)), DeploymentID(int64(5)))
	assert.NotEqual(t, DeploymentID(int64(5)), DeploymentID(int64(6)))
}

func TestCodeQLVulnerabilityID(t *testing.T) {
	a := CodeQLVulnerabilityID("acme/widgets", "17")
	b := CodeQLVulnerabilityID("acme/widgets", "17")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, CodeQLVulnerabilityID("acme/widgets", "18"))
}

func TestKLOCHistoryID(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Second)
	assert.Equal(t, KLOCHistoryID("acme/widgets", t1), KLOCHistoryID("acme/widgets", t1))
	assert.NotEqual(t, KLOCHistoryID("acme/widgets", t1), KLOCHistoryID("acme/widgets", t2))
}

// TestDeploymentLastStatus exercises the accessor for a deployment's most
// recent status entry.
func TestDeploymentLastStatus(t *testing.T) {
	t.Run("empty history", func(t *testing.T) {
		d := Deployment{}
		assert.Nil(t, d.LastStatus())
	})

	t.Run("returns most recent entry", func(t *testing.T) {
		d := Deployment{
			Statuses: []DeploymentStatusRecord{
				{State: "in_progress", CreatedAt: time.Now().Add(-time.Hour)},
				{State: "success", CreatedAt: time.Now()},
			},
		}
		last := d.LastStatus()
		if assert.NotNil(t, last) {
			assert.Equal(t, "success", last.State)
		}
	})
}
