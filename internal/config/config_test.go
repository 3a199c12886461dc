package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/framesearch/internal/storage"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "framesearch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, storage.DriverFile, cfg.Store.Driver)
	assert.Equal(t, "./frame_db", cfg.Store.Path)
	assert.Equal(t, "video_embeddings", cfg.Store.Collection)
	assert.Equal(t, "localhost:6334", cfg.Store.Qdrant.Addr)
	assert.Equal(t, "http://localhost:7997", cfg.Embedding.BaseURL)
	assert.Equal(t, 512, cfg.Embedding.Dimensions)
	assert.Equal(t, 4, cfg.Embedding.Workers)
	assert.Equal(t, []float64{15, 10, 5, 2}, cfg.Scenes.Thresholds)
	assert.Equal(t, 3, cfg.Scenes.SamplesPerScene)
	assert.Equal(t, 10, cfg.Search.Results)
	assert.Equal(t, "matched_imgs", cfg.Search.OutputDir)
	assert.False(t, cfg.Caption.Enabled)
	assert.Equal(t, 11434, cfg.Caption.Port)
	assert.Empty(t, cfg.Metrics.Addr)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "mx_nc", cfg.Compiler.NC)
	assert.Equal(t, 4, cfg.Compiler.Chips)
	assert.Contains(t, cfg.Videos.Extensions, ".mkv")
}

func TestLoad_DefaultFileInWorkingDir(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultFile), []byte("store:\n  collection: clips\n"), 0o600))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "clips", cfg.Store.Collection)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  format: json
store:
  driver: postgres
  path: /data/frames
  postgres:
    dsn: postgres://localhost/frames
embedding:
  dimensions: 768
  requests_per_second: 5
scenes:
  thresholds: [30, 20]
  samples_per_scene: 5
search:
  results: 3
  upload:
    endpoint: localhost:9000
    bucket: matches
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, storage.DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/frames", cfg.Store.Postgres.DSN)
	assert.Equal(t, 768, cfg.Embedding.Dimensions)
	assert.InDelta(t, 5.0, cfg.Embedding.RequestsPerSecond, 1e-9)
	assert.Equal(t, []float64{30, 20}, cfg.Scenes.Thresholds)
	assert.Equal(t, 5, cfg.Scenes.SamplesPerScene)
	assert.Equal(t, 3, cfg.Search.Results)
	assert.Equal(t, "matches", cfg.Search.Upload.Bucket)
	// untouched sections still get defaults
	assert.Equal(t, "video_embeddings", cfg.Store.Collection)
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_FS_DSN", "postgres://db/frames")
	path := writeConfig(t, `
store:
  driver: postgres
  postgres:
    dsn: ${TEST_FS_DSN}
embedding:
  api_key: ${TEST_FS_MISSING:-none}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://db/frames", cfg.Store.Postgres.DSN)
	assert.Equal(t, "none", cfg.Embedding.APIKey)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "store:\n  collection: from_file\n")
	t.Setenv("FRAMESEARCH_STORE_COLLECTION", "from_env")
	t.Setenv("FRAMESEARCH_SCENES_THRESHOLDS", "40,8")
	t.Setenv("FRAMESEARCH_SEARCH_UPLOAD_USE_SSL", "true")
	t.Setenv("FRAMESEARCH_EMBEDDING_WORKERS", "9")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from_env", cfg.Store.Collection)
	assert.Equal(t, []float64{40, 8}, cfg.Scenes.Thresholds)
	assert.True(t, cfg.Search.Upload.UseSSL)
	assert.Equal(t, 9, cfg.Embedding.Workers)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "store: [unclosed")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"unknown driver", func(c *Config) { c.Store.Driver = "chroma" }, "store.driver"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = storage.DriverPostgres }, "store.postgres.dsn"},
		{"negative dimensions", func(c *Config) { c.Embedding.Dimensions = -1 }, "embedding.dimensions"},
		{"empty thresholds", func(c *Config) { c.Scenes.Thresholds = nil }, "scenes.thresholds"},
		{"zero samples", func(c *Config) { c.Scenes.SamplesPerScene = 0 }, "scenes.samples_per_scene"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"upload without bucket", func(c *Config) { c.Search.Upload.Endpoint = "localhost:9000" }, "search.upload.bucket"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			cfg.ApplyDefaults()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEmbeddingCachePath(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	cfg.Store.Path = "/tmp/db"
	assert.Equal(t, filepath.Join("/tmp/db", "embedding_cache.db"), cfg.EmbeddingCachePath())

	cfg.Embedding.CachePath = "/var/cache/emb.db"
	assert.Equal(t, "/var/cache/emb.db", cfg.EmbeddingCachePath())
}

func TestStorageConfig(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	cfg.Store.Driver = storage.DriverQdrant
	cfg.Store.Qdrant.Addr = "qdrant:6334"

	sc := cfg.StorageConfig()
	assert.Equal(t, storage.DriverQdrant, sc.Driver)
	assert.Equal(t, "qdrant:6334", sc.QdrantAddr)
	assert.Equal(t, 512, sc.Dimensions)
	assert.Equal(t, "video_embeddings", sc.Collection)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_FS_HOST", "qdrant")
	out := expandEnvVars([]byte("addr: ${TEST_FS_HOST}:${TEST_FS_PORT:-6334}"))
	assert.Equal(t, "addr: qdrant:6334", string(out))
}
