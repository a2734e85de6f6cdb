package forge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRepositoryFullName(t *testing.T) {
	assert.NoError(t, ValidateRepositoryFullName("acme/widgets"))
	assert.ErrorIs(t, ValidateRepositoryFullName("acme"), ErrInvalidRepositoryName)
	assert.ErrorIs(t, ValidateRepositoryFullName("acme/widgets; DROP TABLE"), ErrInvalidRepositoryName)
}

func TestTokenHeader(t *testing.T) {
	assert.Equal(t, "token abc123", Token{Value: "abc123"}.header())
	assert.Equal(t, "Bearer abc123", Token{Value: "abc123", Bearer: true}.header())
}

func TestGetRateLimitParsesCoreResource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rate_limit", r.URL.Path)
		assert.Equal(t, "token mytoken", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{
			"resources": map[string]any{
				"core": map[string]any{"limit": 5000, "remaining": 4321, "reset": 1700000000},
			},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil)
	rl, err := client.GetRateLimit(context.Background(), Token{Value: "mytoken"})

	require.NoError(t, err)
	assert.Equal(t, 5000, rl.Limit)
	assert.Equal(t, 4321, rl.Remaining)
	assert.Equal(t, time.Unix(1700000000, 0), rl.Reset)
}

func TestDoReturnsHTTPErrorOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message":"forbidden"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil)
	_, err := client.GetRateLimit(context.Background(), Token{Value: "t"})

	require.Error(t, err)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusForbidden, httpErr.StatusCode)
}

func TestListCommitsRejectsInvalidOwnerRepo(t *testing.T) {
	client := NewClient("http://unused.invalid", nil)

	_, err := client.ListCommits(context.Background(), Token{Value: "t"}, "acme", "widgets/extra", time.Time{}, time.Time{})

	assert.ErrorIs(t, err, ErrInvalidRepositoryName)
}

func TestListCommitsStopsOnShortPage(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode([]map[string]any{{"sha": "abc123"}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil)
	commits, err := client.ListCommits(context.Background(), Token{Value: "t"}, "acme", "widgets", time.Now().Add(-time.Hour), time.Now())

	require.NoError(t, err)
	assert.Len(t, commits, 1)
	assert.Equal(t, 1, calls)
}

func TestDeploymentStatusIsTerminal(t *testing.T) {
	assert.False(t, DeploymentStatus{State: "pending"}.IsTerminal())
	assert.False(t, DeploymentStatus{State: "in_progress"}.IsTerminal())
	assert.True(t, DeploymentStatus{State: "success"}.IsTerminal())
	assert.True(t, DeploymentStatus{State: "failure"}.IsTerminal())
}
