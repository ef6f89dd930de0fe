// Package config loads the run configuration from a YAML file, applies
// SHARDPACK_* environment overrides, and validates the result. A .env
// file in the working directory is honored when present.
package config

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/parcelize/shardpack/internal/logging"
)

// Item kinds accepted in a source definition.
const (
	KindDriveFolder = "drive_folder"
	KindHTTPFile    = "http_file"
)

type Config struct {
	Source   SourceConfig   `yaml:"source"`
	Output   OutputConfig   `yaml:"output"`
	Manifest ManifestConfig `yaml:"manifest"`
	Workers  WorkersConfig  `yaml:"workers"`
	Fetch    FetchConfig    `yaml:"fetch"`
	Shards   ShardConfig    `yaml:"shards"`
	Drive    DriveConfig    `yaml:"drive"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Report   ReportConfig   `yaml:"report"`
	Logging  logging.Config `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`

	// ManifestOnly enumerates the source and registers records without
	// fetching content or writing shards. Usually set by the
	// -manifest-only flag rather than the config file.
	ManifestOnly bool `yaml:"manifest_only"`
}

// SourceConfig names the source and lists what to acquire. Items are
// enumerated in order; drive folders expand depth-first when marked
// recursive.
type SourceConfig struct {
	Name        string       `yaml:"name"`
	Description string       `yaml:"description"`
	Items       []ItemConfig `yaml:"items"`
}

type ItemConfig struct {
	Kind string `yaml:"kind"`

	// http_file
	URL      string `yaml:"url,omitempty"`
	Filename string `yaml:"filename,omitempty"`

	// drive_folder. Without recursive, subfolders are skipped.
	FolderID   string `yaml:"folder_id,omitempty"`
	PathPrefix string `yaml:"path_prefix,omitempty"`
	Recursive  bool   `yaml:"recursive,omitempty"`

	// Transparently decompress *.zst payloads and record the inner file.
	DecompressZst bool `yaml:"decompress_zst,omitempty"`
}

type OutputConfig struct {
	Backend   string `yaml:"backend"` // "local" | "bucket"
	Dir       string `yaml:"dir"`
	BucketURL string `yaml:"bucket_url"` // e.g. s3://bucket, gs://bucket, mem://
	Prefix    string `yaml:"prefix"`
}

type ManifestConfig struct {
	Backend string `yaml:"backend"` // "json" | "sqlite"
	Path    string `yaml:"path"`    // defaults under output dir
}

type WorkersConfig struct {
	Drive       int `yaml:"drive"`
	HTTP        int `yaml:"http"`
	MaxInflight int `yaml:"max_inflight"`
}

type FetchConfig struct {
	Attempts     int `yaml:"attempts"`
	BackoffMs    int `yaml:"backoff_ms"`
	TimeoutMs    int `yaml:"timeout_ms"`
	DriveDelayMs int `yaml:"drive_delay_ms"`
	PageSize     int `yaml:"page_size"`
}

func (f FetchConfig) Backoff() time.Duration    { return time.Duration(f.BackoffMs) * time.Millisecond }
func (f FetchConfig) Timeout() time.Duration    { return time.Duration(f.TimeoutMs) * time.Millisecond }
func (f FetchConfig) DriveDelay() time.Duration { return time.Duration(f.DriveDelayMs) * time.Millisecond }

type ShardConfig struct {
	MaxBytes            int64 `yaml:"max_bytes"`
	ContentCeilingBytes int64 `yaml:"content_ceiling_bytes"`
}

type DriveConfig struct {
	APIBase string `yaml:"api_base"`
	APIKey  string `yaml:"api_key"`
}

type CatalogConfig struct {
	DSN       string `yaml:"dsn"`
	Namespace string `yaml:"namespace"`

	// Strict aborts the run on catalog write failures instead of
	// logging and continuing.
	Strict bool `yaml:"strict"`
}

type ReportConfig struct {
	Dir        string `yaml:"dir"`
	WebhookURL string `yaml:"webhook_url"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // ":9090" to serve /metrics, empty to disable
}

// Default returns the configuration used when the file omits a value.
func Default() *Config {
	return &Config{
		Output: OutputConfig{
			Backend: "local",
			Dir:     "./data",
		},
		Manifest: ManifestConfig{
			Backend: "json",
		},
		Workers: WorkersConfig{
			Drive:       4,
			HTTP:        8,
			MaxInflight: 16,
		},
		Fetch: FetchConfig{
			Attempts:     3,
			BackoffMs:    1000,
			TimeoutMs:    60000,
			DriveDelayMs: 2000,
			PageSize:     1000,
		},
		Shards: ShardConfig{
			MaxBytes:            500_000_000,
			ContentCeilingBytes: 2_000_000_000,
		},
		Drive: DriveConfig{
			APIBase: "https://www.googleapis.com/drive/v3",
		},
		Catalog: CatalogConfig{
			Namespace: "default",
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the config file at cfgPath (optional), overlays the
// standalone source descriptor at srcPath when given, merges
// environment overrides, and validates. A missing .env file is not an
// error.
func Load(cfgPath, srcPath string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if cfgPath != "" {
		data, err := os.ReadFile(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", cfgPath, err)
		}
	}
	if srcPath != "" {
		if err := cfg.applySourceFile(srcPath); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// sourceFile is the standalone per-source descriptor: a source block
// plus the knobs that travel with a source, so one config file can
// drive many sources.
type sourceFile struct {
	SourceConfig `yaml:",inline"`

	OutputSubdir string `yaml:"output_subdir"`
	DriveDelayMs int    `yaml:"drive_delay_ms"`
}

// applySourceFile replaces the source block with the descriptor at p
// and folds its per-source knobs into the surrounding config.
func (c *Config) applySourceFile(p string) error {
	data, err := os.ReadFile(p)
	if err != nil {
		return fmt.Errorf("read source descriptor %s: %w", p, err)
	}
	var sf sourceFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return fmt.Errorf("parse source descriptor %s: %w", p, err)
	}

	c.Source = sf.SourceConfig
	if sf.DriveDelayMs > 0 {
		c.Fetch.DriveDelayMs = sf.DriveDelayMs
	}
	if sf.OutputSubdir != "" {
		if c.Output.Dir != "" {
			c.Output.Dir = filepath.Join(c.Output.Dir, sf.OutputSubdir)
		}
		if c.Output.Backend == "bucket" {
			c.Output.Prefix = path.Join(c.Output.Prefix, sf.OutputSubdir)
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Output.Dir = envStr("SHARDPACK_OUTPUT_DIR", c.Output.Dir)
	c.Output.BucketURL = envStr("SHARDPACK_OUTPUT_BUCKET_URL", c.Output.BucketURL)
	if c.Output.BucketURL != "" && os.Getenv("SHARDPACK_OUTPUT_BUCKET_URL") != "" {
		c.Output.Backend = "bucket"
	}
	c.Manifest.Backend = envStr("SHARDPACK_MANIFEST_BACKEND", c.Manifest.Backend)
	c.Manifest.Path = envStr("SHARDPACK_MANIFEST_PATH", c.Manifest.Path)
	c.Workers.Drive = envInt("SHARDPACK_DRIVE_WORKERS", c.Workers.Drive)
	c.Workers.HTTP = envInt("SHARDPACK_HTTP_WORKERS", c.Workers.HTTP)
	c.Workers.MaxInflight = envInt("SHARDPACK_MAX_INFLIGHT", c.Workers.MaxInflight)
	c.Shards.MaxBytes = envInt64("SHARDPACK_MAX_SHARD_BYTES", c.Shards.MaxBytes)
	c.Drive.APIKey = envStr("SHARDPACK_DRIVE_API_KEY", c.Drive.APIKey)
	c.Catalog.DSN = envStr("SHARDPACK_CATALOG_DSN", c.Catalog.DSN)
	c.Report.WebhookURL = envStr("SHARDPACK_REPORT_WEBHOOK_URL", c.Report.WebhookURL)
	c.Logging.Level = envStr("SHARDPACK_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = envStr("SHARDPACK_LOG_FORMAT", c.Logging.Format)
	c.Logging.File = envStr("SHARDPACK_LOG_FILE", c.Logging.File)
	c.Metrics.Addr = envStr("SHARDPACK_METRICS_ADDR", c.Metrics.Addr)
	c.ManifestOnly = envBool("SHARDPACK_MANIFEST_ONLY", c.ManifestOnly)
}

var sourceNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// Validate checks the parts of the config that would otherwise fail
// somewhere deep in the run.
func (c *Config) Validate() error {
	if c.Source.Name == "" {
		return fmt.Errorf("source.name is required")
	}
	if !sourceNameRe.MatchString(c.Source.Name) {
		return fmt.Errorf("source.name %q: must be lowercase alphanumerics, dot, dash, underscore", c.Source.Name)
	}
	if len(c.Source.Items) == 0 {
		return fmt.Errorf("source %q has no items", c.Source.Name)
	}
	for i, item := range c.Source.Items {
		switch item.Kind {
		case KindDriveFolder:
			if item.FolderID == "" {
				return fmt.Errorf("source item %d: drive_folder requires folder_id", i)
			}
		case KindHTTPFile:
			if item.URL == "" {
				return fmt.Errorf("source item %d: http_file requires url", i)
			}
		default:
			return fmt.Errorf("source item %d: unknown kind %q", i, item.Kind)
		}
	}

	switch c.Output.Backend {
	case "local":
		if c.Output.Dir == "" {
			return fmt.Errorf("output.dir is required for the local backend")
		}
	case "bucket":
		if c.Output.BucketURL == "" {
			return fmt.Errorf("output.bucket_url is required for the bucket backend")
		}
	default:
		return fmt.Errorf("unknown output backend %q", c.Output.Backend)
	}

	switch c.Manifest.Backend {
	case "json", "sqlite":
	default:
		return fmt.Errorf("unknown manifest backend %q", c.Manifest.Backend)
	}

	if c.Workers.Drive < 1 || c.Workers.HTTP < 1 {
		return fmt.Errorf("worker counts must be at least 1 (drive=%d http=%d)", c.Workers.Drive, c.Workers.HTTP)
	}
	if c.Workers.MaxInflight < 1 {
		return fmt.Errorf("workers.max_inflight must be at least 1")
	}
	if c.Fetch.Attempts < 1 {
		return fmt.Errorf("fetch.attempts must be at least 1")
	}
	if c.Shards.MaxBytes <= 0 {
		return fmt.Errorf("shards.max_bytes must be positive")
	}
	if c.Shards.ContentCeilingBytes <= 0 {
		return fmt.Errorf("shards.content_ceiling_bytes must be positive")
	}
	return nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}
