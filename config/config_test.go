package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadIndexerConfigDefaults(t *testing.T) {
	cfg, err := LoadIndexerConfig("INDEXER_TEST_DEFAULTS")

	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost:5432/indexer?sslmode=disable", cfg.PostgresDSN)
	assert.Equal(t, "http://localhost:5984", cfg.CouchDBURL)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, IndexingServiceAPI, cfg.IndexingService)
	assert.Equal(t, 5, cfg.WorkerPoolSize)
	assert.Equal(t, ":8090", cfg.AdminBindAddr)
}

func TestLoadIndexerConfigReadsEnvOverrides(t *testing.T) {
	t.Setenv("INDEXER_TEST_OVERRIDE_POSTGRES_DSN", "postgres://db.internal:5432/indexer?sslmode=disable")
	t.Setenv("INDEXER_TEST_OVERRIDE_WORKER_POOL_SIZE", "12")
	t.Setenv("INDEXER_TEST_OVERRIDE_INDEXING_SERVICE", string(IndexingServiceGitLocal))

	cfg, err := LoadIndexerConfig("INDEXER_TEST_OVERRIDE")

	require.NoError(t, err)
	assert.Equal(t, "postgres://db.internal:5432/indexer?sslmode=disable", cfg.PostgresDSN)
	assert.Equal(t, 12, cfg.WorkerPoolSize)
	assert.Equal(t, IndexingServiceGitLocal, cfg.IndexingService)
}

func TestLoadIndexerConfigRejectsUnknownIndexingService(t *testing.T) {
	t.Setenv("INDEXER_TEST_BADSVC_INDEXING_SERVICE", "carrier_pigeon")

	_, err := LoadIndexerConfig("INDEXER_TEST_BADSVC")

	assert.Error(t, err)
}

func TestLoadIndexerConfigRejectsNonPositiveWorkerPoolSize(t *testing.T) {
	t.Setenv("INDEXER_TEST_BADPOOL_WORKER_POOL_SIZE", "0")

	_, err := LoadIndexerConfig("INDEXER_TEST_BADPOOL")

	assert.Error(t, err)
}

func TestValidatorAccumulatesErrors(t *testing.T) {
	v := NewValidator()
	v.RequirePositiveInt("WorkerPoolSize", -1)
	v.RequireOneOf("Mode", "bogus", []string{"a", "b"})

	assert.False(t, v.IsValid())
	assert.Len(t, v.Errors(), 2)
	assert.Error(t, v.Validate())
}
