package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/bdougie/framesearch/internal/storage"
)

// DefaultFile is read when no config path is given and it exists.
const DefaultFile = "framesearch.yaml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FRAMESEARCH_"

// Config holds the framesearch configuration.
type Config struct {
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
	Store     StoreConfig     `yaml:"store" envPrefix:"STORE_"`
	Embedding EmbeddingConfig `yaml:"embedding" envPrefix:"EMBEDDING_"`
	Scenes    ScenesConfig    `yaml:"scenes" envPrefix:"SCENES_"`
	Search    SearchConfig    `yaml:"search" envPrefix:"SEARCH_"`
	Caption   CaptionConfig   `yaml:"caption" envPrefix:"CAPTION_"`
	Metrics   MetricsConfig   `yaml:"metrics" envPrefix:"METRICS_"`
	Tracing   TracingConfig   `yaml:"tracing" envPrefix:"TRACING_"`
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Compiler  CompilerConfig  `yaml:"compiler" envPrefix:"COMPILER_"`
	Videos    VideosConfig    `yaml:"videos" envPrefix:"VIDEOS_"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"FORMAT"` // text, json
}

// StoreConfig selects the vector store.
type StoreConfig struct {
	Driver     string         `yaml:"driver" env:"DRIVER"` // file, postgres, qdrant
	Path       string         `yaml:"path" env:"PATH"`
	Collection string         `yaml:"collection" env:"COLLECTION"`
	Postgres   PostgresConfig `yaml:"postgres" envPrefix:"POSTGRES_"`
	Qdrant     QdrantConfig   `yaml:"qdrant" envPrefix:"QDRANT_"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	DSN string `yaml:"dsn" env:"DSN"`
}

// QdrantConfig holds Qdrant connection settings.
type QdrantConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
}

// EmbeddingConfig holds embedding server settings.
type EmbeddingConfig struct {
	BaseURL           string  `yaml:"base_url" env:"BASE_URL"`
	APIKey            string  `yaml:"api_key" env:"API_KEY"`
	Model             string  `yaml:"model" env:"MODEL"`
	Dimensions        int     `yaml:"dimensions" env:"DIMENSIONS"`
	Workers           int     `yaml:"workers" env:"WORKERS"`
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"` // 0 = unlimited
	CachePath         string  `yaml:"cache_path" env:"CACHE_PATH"`
}

// ScenesConfig holds scene detection and sampling settings.
type ScenesConfig struct {
	Thresholds      []float64 `yaml:"thresholds" env:"THRESHOLDS" envSeparator:","`
	SamplesPerScene int       `yaml:"samples_per_scene" env:"SAMPLES_PER_SCENE"`
	FramesDir       string    `yaml:"frames_dir" env:"FRAMES_DIR"`
}

// SearchConfig holds query settings.
type SearchConfig struct {
	Results   int          `yaml:"results" env:"RESULTS"`
	OutputDir string       `yaml:"output_dir" env:"OUTPUT_DIR"`
	Upload    UploadConfig `yaml:"upload" envPrefix:"UPLOAD_"`
}

// UploadConfig holds object storage settings for saved matches.
type UploadConfig struct {
	Endpoint  string `yaml:"endpoint" env:"ENDPOINT"` // empty disables upload
	AccessKey string `yaml:"access_key" env:"ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"SECRET_KEY"`
	Bucket    string `yaml:"bucket" env:"BUCKET"`
	UseSSL    bool   `yaml:"use_ssl" env:"USE_SSL"`
}

// CaptionConfig holds the optional vision captioner settings.
type CaptionConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	Port    int    `yaml:"port" env:"PORT"`
	Model   string `yaml:"model" env:"MODEL"`
}

// MetricsConfig holds the metrics endpoint address. Empty disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
}

// TracingConfig holds the OTLP/HTTP traces endpoint. Empty disables export.
type TracingConfig struct {
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
}

// CompilerConfig holds accelerator toolchain settings.
type CompilerConfig struct {
	NC      string `yaml:"nc" env:"NC"`
	Inspect string `yaml:"inspect" env:"INSPECT"`
	Chips   int    `yaml:"chips" env:"CHIPS"`
}

// VideosConfig holds video discovery settings.
type VideosConfig struct {
	Extensions []string `yaml:"extensions" env:"EXTENSIONS" envSeparator:","`
}

// Load reads configuration from path, applies environment overrides and
// defaults, and validates the result. An empty path reads DefaultFile when
// present and otherwise starts from defaults.
func Load(path string) (Config, error) {
	var cfg Config

	if path == "" && fileExists(DefaultFile) {
		path = DefaultFile
	}
	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}

		// Substitute env variables of the form ${VAR}
		data = expandEnvVars(data)

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("failed to read environment: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = storage.DriverFile
	}
	if c.Store.Path == "" {
		c.Store.Path = "./frame_db"
	}
	if c.Store.Collection == "" {
		c.Store.Collection = "video_embeddings"
	}
	if c.Store.Qdrant.Addr == "" {
		c.Store.Qdrant.Addr = "localhost:6334"
	}
	if c.Embedding.BaseURL == "" {
		c.Embedding.BaseURL = "http://localhost:7997"
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "openai/clip-vit-base-patch32"
	}
	if c.Embedding.Dimensions == 0 {
		c.Embedding.Dimensions = 512
	}
	if c.Embedding.Workers <= 0 {
		c.Embedding.Workers = 4
	}
	if len(c.Scenes.Thresholds) == 0 {
		c.Scenes.Thresholds = []float64{15, 10, 5, 2}
	}
	if c.Scenes.SamplesPerScene == 0 {
		c.Scenes.SamplesPerScene = 3
	}
	if c.Scenes.FramesDir == "" {
		c.Scenes.FramesDir = "./frames"
	}
	if c.Search.Results <= 0 {
		c.Search.Results = 10
	}
	if c.Search.OutputDir == "" {
		c.Search.OutputDir = "matched_imgs"
	}
	if c.Caption.BaseURL == "" {
		c.Caption.BaseURL = "http://localhost"
	}
	if c.Caption.Port == 0 {
		c.Caption.Port = 11434
	}
	if c.Caption.Model == "" {
		c.Caption.Model = "llama3.2-vision:11b"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Compiler.NC == "" {
		c.Compiler.NC = "mx_nc"
	}
	if c.Compiler.Inspect == "" {
		c.Compiler.Inspect = "dfp_inspect"
	}
	if c.Compiler.Chips <= 0 {
		c.Compiler.Chips = 4
	}
	if len(c.Videos.Extensions) == 0 {
		c.Videos.Extensions = []string{".mp4", ".avi", ".mov", ".mkv", ".wmv", ".flv", ".webm"}
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case storage.DriverFile, storage.DriverPostgres, storage.DriverQdrant:
	default:
		errs = append(errs, fmt.Errorf("store.driver must be one of file, postgres, qdrant, got %q", c.Store.Driver))
	}
	if c.Store.Driver == storage.DriverPostgres && c.Store.Postgres.DSN == "" {
		errs = append(errs, errors.New("store.postgres.dsn is required for the postgres driver"))
	}
	if c.Embedding.Dimensions <= 0 {
		errs = append(errs, fmt.Errorf("embedding.dimensions must be positive, got %d", c.Embedding.Dimensions))
	}
	if c.Embedding.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("embedding.requests_per_second must not be negative"))
	}
	if len(c.Scenes.Thresholds) == 0 {
		errs = append(errs, errors.New("scenes.thresholds must not be empty"))
	}
	if c.Scenes.SamplesPerScene < 1 {
		errs = append(errs, fmt.Errorf("scenes.samples_per_scene must be at least 1, got %d", c.Scenes.SamplesPerScene))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if c.Search.Upload.Endpoint != "" && c.Search.Upload.Bucket == "" {
		errs = append(errs, errors.New("search.upload.bucket is required when an upload endpoint is set"))
	}

	return errors.Join(errs...)
}

// EmbeddingCachePath returns the embedding cache file, next to the store by
// default.
func (c Config) EmbeddingCachePath() string {
	if c.Embedding.CachePath != "" {
		return c.Embedding.CachePath
	}
	return filepath.Join(c.Store.Path, "embedding_cache.db")
}

// StorageConfig converts the store section for storage.Open.
func (c Config) StorageConfig() storage.Config {
	return storage.Config{
		Driver:      c.Store.Driver,
		Path:        c.Store.Path,
		Collection:  c.Store.Collection,
		Dimensions:  c.Embedding.Dimensions,
		PostgresDSN: c.Store.Postgres.DSN,
		QdrantAddr:  c.Store.Qdrant.Addr,
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
