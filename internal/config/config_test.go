package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseEnv(t *testing.T) {
	t.Setenv("PROJECT_ID", "proj")
	t.Setenv("WORK_BUCKET", "work")
	t.Setenv("MODEL_PROVIDER", "")
	t.Setenv("EMBEDDING_PROVIDER", "")
	t.Setenv("CACHE_LEASE_BACKEND", "")
	t.Setenv("NOTIFIER", "")
	t.Setenv("PIPELINE_CONFIG", "")
	t.Setenv("OPENAI_API_KEY", "")
}

func TestLoad_Defaults(t *testing.T) {
	baseEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ProviderVertex, cfg.Models.Provider)
	assert.Equal(t, LeaseFile, cfg.LeaseBackend)
	assert.Equal(t, int64(100<<20), cfg.MaxSourceBytes)
	assert.Equal(t, "pip-ai-task-queue", cfg.Temporal.TaskQueue)
	assert.Equal(t, 6, cfg.Policies.VisionBatchSize)
	assert.Equal(t, 5*time.Minute, cfg.Policies.Standard.StartToClose)
}

func TestLoad_EnvFile(t *testing.T) {
	baseEnv(t)
	t.Setenv("TASK_QUEUE", "")
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("TASK_QUEUE=from-dotenv\n"), 0o644))
	// godotenv never overrides variables that are already set.
	os.Unsetenv("TASK_QUEUE")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Temporal.TaskQueue)
}

func TestLoad_TuningOverridesOnlyGivenKeys(t *testing.T) {
	baseEnv(t)
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pipeline:
  visionBatchSize: 8
  analysisStagger: 2s
  model:
    maxAttempts: 3
  planner:
    tiers:
      - {maxPages: 50, pagesPerChunk: 10}
      - {maxPages: 0, pagesPerChunk: 5}
split:
  targetChars: 30000
`), 0o644))
	t.Setenv("PIPELINE_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8, cfg.Policies.VisionBatchSize)
	assert.Equal(t, 2*time.Second, cfg.Policies.AnalysisStagger)
	assert.Equal(t, int32(3), cfg.Policies.Model.MaxAttempts)
	assert.Equal(t, 10*time.Minute, cfg.Policies.Model.StartToClose)
	assert.Len(t, cfg.Policies.Planner.Tiers, 2)
	assert.Equal(t, 8, cfg.Policies.Planner.MaxWorkers)
	assert.Equal(t, 30000, cfg.Split.TargetChars)
	assert.Equal(t, 24000, cfg.Split.MaxTokens)
}

func TestLoad_BadTuningFile(t *testing.T) {
	baseEnv(t)
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline: [unclosed"), 0o644))
	t.Setenv("PIPELINE_CONFIG", path)

	_, err := Load("")
	assert.Error(t, err)
}

func TestValidate_ReportsEverything(t *testing.T) {
	baseEnv(t)
	t.Setenv("PROJECT_ID", "")
	t.Setenv("MODEL_PROVIDER", "openai")
	t.Setenv("CACHE_LEASE_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("NOTIFIER", "carrier-pigeon")

	cfg, err := Load("")
	require.NoError(t, err)
	err = cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"PROJECT_ID", "OPENAI_API_KEY", "REDIS_ADDR", "carrier-pigeon"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("X_INT", "12")
	t.Setenv("X_BAD_INT", "twelve")
	t.Setenv("X_BOOL", "true")
	t.Setenv("X_DUR", "90s")

	assert.Equal(t, 12, GetEnvInt("X_INT", 1))
	assert.Equal(t, 1, GetEnvInt("X_BAD_INT", 1))
	assert.True(t, GetEnvBool("X_BOOL", false))
	assert.Equal(t, 90*time.Second, GetEnvDuration("X_DUR", time.Second))
	assert.Equal(t, "fallback", GetEnv("X_UNSET_FOR_TEST", "fallback"))
}
