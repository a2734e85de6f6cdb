package statemanager

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() *Manager {
	return New(Config{ServiceName: "indexerd"})
}

func TestHandleListOperationsReturnsOK(t *testing.T) {
	m := newTestManager()
	m.StartOperation("commits_indexing_repo_1", "commits", 1, "commits", nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/state", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, m.handleListOperations(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "commits_indexing_repo_1")
}

func TestHandleGetOperationFound(t *testing.T) {
	m := newTestManager()
	m.StartOperation("commits_indexing_repo_1", "commits", 1, "commits", nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/state/commits_indexing_repo_1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("commits_indexing_repo_1")

	require.NoError(t, m.handleGetOperation(c))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleGetOperationNotFound(t *testing.T) {
	m := newTestManager()

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/state/missing", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("missing")

	require.NoError(t, m.handleGetOperation(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGetStatsReturnsOK(t *testing.T) {
	m := newTestManager()

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/state/stats", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, m.handleGetStats(c))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleGetHealthDefaultWindow(t *testing.T) {
	m := newTestManager()

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/state/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, m.handleGetHealth(c))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleGetHealthInvalidWindowFallsBackToDefault(t *testing.T) {
	m := newTestManager()

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/state/health?window=not-a-number", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, m.handleGetHealth(c))
	assert.Equal(t, http.StatusOK, rec.Code)
}
