package config

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ValidConfig(t *testing.T) {
	yamlContent := `
db:
  data_dir: "/tmp/test_data"
  chunk_size_bytes: 1048576 # 1 MiB
index:
  ptable_version: 2
  max_tables_per_level: 8 # Override default of 4
scavenge:
  threshold: 0.25
cache:
  budget: "67108864"
  weights:
    LastEventNumbers: 5
`
	reader := strings.NewReader(yamlContent)
	cfg, err := Load(reader)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Check overridden values
	assert.Equal(t, "/tmp/test_data", cfg.DB.DataDir)
	assert.Equal(t, int32(1048576), cfg.DB.ChunkSizeBytes)
	assert.Equal(t, 2, cfg.Index.PTableVersion)
	assert.Equal(t, 8, cfg.Index.MaxTablesPerLevel)
	assert.Equal(t, 0.25, cfg.Scavenge.Threshold)
	assert.Equal(t, 5, cfg.Cache.Weights["LastEventNumbers"])

	budget, auto, err := cfg.Cache.ParseBudget()
	require.NoError(t, err)
	assert.False(t, auto)
	assert.Equal(t, int64(64*1024*1024), budget)

	// Check a default value that was not overridden
	assert.Equal(t, 1_000_000, cfg.Index.MaxMemtableEntries)
	assert.True(t, cfg.Scavenge.MergeChunks)
}

func TestLoad_PartialConfig(t *testing.T) {
	yamlContent := `
archive:
  enabled: true
  backend: s3
  s3:
    endpoint: "localhost:9000"
    bucket: "chunks"
`
	reader := strings.NewReader(yamlContent)
	cfg, err := Load(reader)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.True(t, cfg.Archive.Enabled)
	assert.Equal(t, "chunks", cfg.Archive.S3.Bucket)
	// Check default values are still there
	assert.Equal(t, "zstd", cfg.Archive.Compression)
	assert.Equal(t, "./data", cfg.DB.DataDir)
	assert.Equal(t, int32(256*1024*1024), cfg.DB.ChunkSizeBytes)

	_, auto, err := cfg.Cache.ParseBudget()
	require.NoError(t, err)
	assert.True(t, auto)
}

func TestLoad_EmptyReader(t *testing.T) {
	// Test with nil reader
	cfg, err := Load(nil)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "./data", cfg.DB.DataDir)

	// Test with empty string reader
	reader := strings.NewReader("")
	cfg, err = Load(reader)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_InvalidYAML(t *testing.T) {
	yamlContent := `
db:
  data_dir: "/tmp/test_data"
  this: is: invalid: yaml
`
	reader := strings.NewReader(yamlContent)
	_, err := Load(reader)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal config yaml")
}

func TestLoad_InvalidValues(t *testing.T) {
	testCases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"EmptyDataDir", "db:\n  data_dir: \"\"\n", "db.data_dir"},
		{"NegativeChunkSize", "db:\n  chunk_size_bytes: -1\n", "db.chunk_size_bytes"},
		{"UnknownPTableVersion", "index:\n  ptable_version: 3\n", "index.ptable_version"},
		{"ThresholdAboveOne", "scavenge:\n  threshold: 1.5\n", "scavenge.threshold"},
		{"UnknownArchiveBackend", "archive:\n  enabled: true\n  backend: ftp\n", "invalid archive backend"},
		{"S3WithoutBucket", "archive:\n  enabled: true\n  backend: s3\n", "archive.s3"},
		{"BadBudget", "cache:\n  budget: lots\n", "cache.budget"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

// TestLoadFromFile_FileIntegration is a small integration test to ensure
// LoadFromFile works correctly with the filesystem.
func TestLoadFromFile_FileIntegration(t *testing.T) {
	t.Run("FileExists", func(t *testing.T) {
		yamlContent := `
db:
  cached_chunks: 7
`
		tempDir := t.TempDir()
		configPath := filepath.Join(tempDir, "config.yaml")
		err := os.WriteFile(configPath, []byte(yamlContent), 0644)
		require.NoError(t, err)

		cfg, err := LoadFromFile(configPath)
		require.NoError(t, err)
		require.NotNil(t, cfg)
		assert.Equal(t, 7, cfg.DB.CachedChunks)
	})

	t.Run("FileDoesNotExist", func(t *testing.T) {
		tempDir := t.TempDir()
		configPath := filepath.Join(tempDir, "non_existent_config.yaml")

		cfg, err := LoadFromFile(configPath)
		require.NoError(t, err)
		require.NotNil(t, cfg)
		// Should return default value
		assert.Equal(t, 2, cfg.DB.CachedChunks)
	})
}

func TestParseDuration(t *testing.T) {
	// Use a logger that discards output for this test
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	defaultDuration := 10 * time.Second

	testCases := []struct {
		name     string
		input    string
		expected time.Duration
	}{
		{"ValidSeconds", "5s", 5 * time.Second},
		{"ValidMilliseconds", "500ms", 500 * time.Millisecond},
		{"ValidMinutes", "2m", 2 * time.Minute},
		{"EmptyString", "", defaultDuration},
		{"ZeroString", "0", defaultDuration},
		{"InvalidString", "5x", defaultDuration},
		{"JustNumber", "10", defaultDuration},
		{"NilLogger", "5x", defaultDuration}, // Should not panic with nil logger
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var testLogger *slog.Logger
			if tc.name != "NilLogger" {
				testLogger = logger
			}
			result := ParseDuration(tc.input, defaultDuration, testLogger)
			assert.Equal(t, tc.expected, result)
		})
	}
}

func TestLoggingConfig_NewLogger(t *testing.T) {
	t.Run("LevelFilters", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := LoggingConfig{Level: "warn", Format: "json"}.NewLoggerTo(&buf)
		require.NoError(t, err)
		logger.Info("Hidden.")
		logger.Warn("Shown.", "chunk", 3)
		out := buf.String()
		assert.NotContains(t, out, "Hidden.")
		assert.Contains(t, out, `"msg":"Shown."`)
		assert.Contains(t, out, `"chunk":3`)
	})

	t.Run("File", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "eventcore.log")
		logger, closer, err := LoggingConfig{Level: "debug", Output: "file", File: path}.NewLogger()
		require.NoError(t, err)
		require.NotNil(t, closer)
		logger.Debug("Written to file.")
		require.NoError(t, closer.Close())
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "Written to file.")
	})

	t.Run("None", func(t *testing.T) {
		logger, closer, err := LoggingConfig{Output: "none"}.NewLogger()
		require.NoError(t, err)
		assert.Nil(t, closer)
		assert.NotNil(t, logger)
	})

	t.Run("Invalid", func(t *testing.T) {
		_, _, err := LoggingConfig{Level: "loud"}.NewLogger()
		assert.ErrorContains(t, err, "invalid log level")
		_, _, err = LoggingConfig{Output: "printer"}.NewLogger()
		assert.ErrorContains(t, err, "invalid log output")
		_, _, err = LoggingConfig{Output: "file"}.NewLogger()
		assert.ErrorContains(t, err, "no file path")
	})
}
