//go:build !integration

package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docflow/internal/blob"
	"github.com/sells-group/docflow/internal/config"
	"github.com/sells-group/docflow/internal/extract"
)

// engineConfig returns a config that passes Validate("worker") against a
// temp sqlite database and a temp blob directory.
func engineConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Store: config.StoreConfig{
			Driver:      "sqlite",
			DatabaseURL: filepath.Join(dir, "docflow.db"),
		},
		Jobs: config.JobsConfig{
			RetentionHours:   72,
			MaxFileSizeMB:    5,
			MaxPages:         50,
			MaxPollMinutes:   30,
			PollIntervalSecs: 10,
			MaxPollErrors:    5,
			PollWorkers:      2,
			PollBatchSize:    10,
		},
		Sessions:   config.SessionsConfig{RetentionHours: 72},
		Cleanup:    config.CleanupConfig{Schedule: "*/15 * * * *", StaleAfterMinutes: 60, BatchSize: 100},
		Retry:      config.RetryConfig{MaxAttempts: 1, InitialBackoffMs: 1, MaxBackoffMs: 1, Multiplier: 1},
		Circuit:    config.CircuitConfig{FailureThreshold: 5, ResetTimeoutSecs: 30},
		Storage:    config.StorageConfig{Backend: "local", LocalDir: filepath.Join(dir, "blobs")},
		Extraction: config.ExtractionConfig{Backend: "http", BaseURL: "http://127.0.0.1:1", TimeoutSecs: 5},
		Monitoring: config.MonitoringConfig{CheckIntervalSecs: 300, LookbackWindowHours: 24, FailureRateThreshold: 0.25, StuckPollingMinutes: 60},
	}
}

func TestInitBlobs_Local(t *testing.T) {
	cfg = engineConfig(t)

	s, closer, err := initBlobs(context.Background())
	require.NoError(t, err)
	assert.Nil(t, closer)
	assert.IsType(t, &blob.LocalStore{}, s)
}

func TestInitBlobs_Unsupported(t *testing.T) {
	cfg = engineConfig(t)
	cfg.Storage.Backend = "s3"

	_, _, err := initBlobs(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported storage backend")
}

func TestInitExtractor(t *testing.T) {
	tests := []struct {
		name    string
		backend string
		wantErr bool
	}{
		{"http", "http", false},
		{"anthropic", "anthropic", false},
		{"unsupported", "textract", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg = engineConfig(t)
			cfg.Extraction.Backend = tt.backend
			cfg.Anthropic = config.AnthropicConfig{Key: "sk-test", Model: "claude-sonnet-4-5-20250929", MaxTokens: 1024}

			ext, err := initExtractor()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "unsupported extraction backend")
				return
			}
			require.NoError(t, err)
			assert.IsType(t, &extract.Resilient{}, ext)
		})
	}
}

func TestInitEngine(t *testing.T) {
	cfg = engineConfig(t)

	env, err := initEngine(context.Background(), "worker")
	require.NoError(t, err)
	defer env.Close()

	assert.NotNil(t, env.Store)
	assert.NotNil(t, env.Blobs)
	assert.NotNil(t, env.Ledger)
	assert.NotNil(t, env.Access)
	assert.NotNil(t, env.Jobs)
	assert.NotNil(t, env.Sessions)
	assert.NotNil(t, env.Sweeper)
	assert.NotNil(t, env.Checker)
}

func TestInitEngine_InvalidConfig(t *testing.T) {
	cfg = engineConfig(t)
	cfg.Extraction.BaseURL = ""

	_, err := initEngine(context.Background(), "worker")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extraction.base_url is required")
}

func TestInitEngine_BadBlobBackend(t *testing.T) {
	cfg = engineConfig(t)

	// Validate passes for sweep mode without a storage backend check, so
	// the failure surfaces from initBlobs.
	cfg.Storage.Backend = "s3"
	_, err := initEngine(context.Background(), "sweep")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported storage backend")
}

func TestSweepTimeout(t *testing.T) {
	cfg = engineConfig(t)
	cfg.Cleanup.StaleAfterMinutes = 5
	assert.Equal(t, "5m0s", sweepTimeout().String())
}
