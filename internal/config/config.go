package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. AIRTABLE_API_TOKEN
// for api.token.
const EnvPrefix = "AIRTABLE"

var (
	ErrMissingToken   = errors.New("API token is required (set AIRTABLE_API_TOKEN)")
	ErrResumeNeedsDir = errors.New("resume needs the output directory of the earlier run (set output.dir or --output)")
)

type Config struct {
	API         APIConfig
	Output      OutputConfig
	Formats     FormatsConfig
	Attachments AttachmentsConfig
	Perf        PerfConfig
	Mirror      MirrorConfig
	Catalog     CatalogConfig
	Audit       AuditConfig
	Metrics     MetricsConfig
	Log         LogConfig

	ContinueOnError bool
	DryRun          bool
	Resume          bool
}

type APIConfig struct {
	Token   string
	BaseURL string
	MetaURL string
	Timeout time.Duration
}

type OutputConfig struct {
	Dir string

	// Generated is set when Dir was derived from the start time because
	// none was configured.
	Generated bool
}

// DefaultOutputDir names the output directory of a run started at t.
func DefaultOutputDir(t time.Time) string {
	return "airtable_backup_" + t.Format("2006-01-02_15-04-05")
}

type FormatsConfig struct {
	JSON    bool
	YAML    bool
	NDJSON  bool
	CSV     bool
	SQLite  bool
	Parquet bool

	ParquetCompression string
	SnapshotEvery      int // csv/parquet flush cadence in pages
}

// Enabled lists the enabled format names in canonical order.
func (f FormatsConfig) Enabled() []string {
	var out []string
	for _, e := range []struct {
		name string
		on   bool
	}{
		{"json", f.JSON},
		{"yaml", f.YAML},
		{"ndjson", f.NDJSON},
		{"csv", f.CSV},
		{"sqlite", f.SQLite},
		{"parquet", f.Parquet},
	} {
		if e.on {
			out = append(out, e.name)
		}
	}
	return out
}

type AttachmentsConfig struct {
	Include bool
}

type PerfConfig struct {
	RequestDelay time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	PageSize     int
}

type MirrorConfig struct {
	Backend    string
	LocalDir   string
	GCSBucket  string
	S3Bucket   string
	S3Endpoint string
	S3Region   string
	Prefix     string
	Compress   bool
}

type CatalogConfig struct {
	PostgresDSN string
}

// AuditConfig enables the hash-chained trail of completed tables under
// metadata/audit, optionally posted to Endpoint.
type AuditConfig struct {
	Enabled  bool
	Endpoint string
}

type MetricsConfig struct {
	Address string
}

type LogConfig struct {
	Format string
	Level  string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "https://api.airtable.com/v0")
	v.SetDefault("api.meta_url", "https://api.airtable.com/v0/meta")
	v.SetDefault("api.timeout", "60s")

	v.SetDefault("output.dir", "")

	v.SetDefault("formats.json", true)
	v.SetDefault("formats.yaml", true)
	v.SetDefault("formats.ndjson", true)
	v.SetDefault("formats.csv", true)
	v.SetDefault("formats.sqlite", true)
	v.SetDefault("formats.parquet", true)
	v.SetDefault("formats.parquet_compression", "snappy")
	v.SetDefault("formats.snapshot_every", 1)

	v.SetDefault("attachments.include", true)

	v.SetDefault("perf.request_delay", "100ms")
	v.SetDefault("perf.max_retries", 3)
	v.SetDefault("perf.retry_backoff", "1s")
	v.SetDefault("perf.page_size", 0)

	v.SetDefault("mirror.backend", "")
	v.SetDefault("mirror.local_dir", "")
	v.SetDefault("mirror.gcs_bucket", "")
	v.SetDefault("mirror.s3_bucket", "")
	v.SetDefault("mirror.s3_endpoint", "")
	v.SetDefault("mirror.s3_region", "")
	v.SetDefault("mirror.prefix", "")
	v.SetDefault("mirror.compress", true)

	v.SetDefault("catalog.postgres_dsn", "")
	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.endpoint", "")
	v.SetDefault("metrics.address", "")

	v.SetDefault("log.format", "text")
	v.SetDefault("log.level", "info")

	v.SetDefault("continue_on_error", true)
	v.SetDefault("api.token", "")
}

// Load reads configuration from defaults, the optional YAML file at path and
// AIRTABLE_* environment variables, in increasing precedence.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := Config{
		API: APIConfig{
			Token:   os.ExpandEnv(v.GetString("api.token")),
			BaseURL: v.GetString("api.base_url"),
			MetaURL: v.GetString("api.meta_url"),
			Timeout: v.GetDuration("api.timeout"),
		},
		Output: OutputConfig{
			Dir: os.ExpandEnv(v.GetString("output.dir")),
		},
		Formats: FormatsConfig{
			JSON:               v.GetBool("formats.json"),
			YAML:               v.GetBool("formats.yaml"),
			NDJSON:             v.GetBool("formats.ndjson"),
			CSV:                v.GetBool("formats.csv"),
			SQLite:             v.GetBool("formats.sqlite"),
			Parquet:            v.GetBool("formats.parquet"),
			ParquetCompression: v.GetString("formats.parquet_compression"),
			SnapshotEvery:      v.GetInt("formats.snapshot_every"),
		},
		Attachments: AttachmentsConfig{
			Include: v.GetBool("attachments.include"),
		},
		Perf: PerfConfig{
			RequestDelay: v.GetDuration("perf.request_delay"),
			MaxRetries:   v.GetInt("perf.max_retries"),
			RetryBackoff: v.GetDuration("perf.retry_backoff"),
			PageSize:     v.GetInt("perf.page_size"),
		},
		Mirror: MirrorConfig{
			Backend:    v.GetString("mirror.backend"),
			LocalDir:   v.GetString("mirror.local_dir"),
			GCSBucket:  v.GetString("mirror.gcs_bucket"),
			S3Bucket:   v.GetString("mirror.s3_bucket"),
			S3Endpoint: v.GetString("mirror.s3_endpoint"),
			S3Region:   v.GetString("mirror.s3_region"),
			Prefix:     v.GetString("mirror.prefix"),
			Compress:   v.GetBool("mirror.compress"),
		},
		Catalog: CatalogConfig{
			PostgresDSN: os.ExpandEnv(v.GetString("catalog.postgres_dsn")),
		},
		Audit: AuditConfig{
			Enabled:  v.GetBool("audit.enabled"),
			Endpoint: os.ExpandEnv(v.GetString("audit.endpoint")),
		},
		Metrics: MetricsConfig{
			Address: v.GetString("metrics.address"),
		},
		Log: LogConfig{
			Format: v.GetString("log.format"),
			Level:  v.GetString("log.level"),
		},
		ContinueOnError: v.GetBool("continue_on_error"),
	}
	if cfg.Output.Dir == "" {
		cfg.Output.Dir = DefaultOutputDir(time.Now())
		cfg.Output.Generated = true
	}

	return cfg, nil
}

// Validate checks the settings a backup run depends on. Dry runs need the
// token and URLs too since they list bases.
func (c Config) Validate() error {
	if strings.TrimSpace(c.API.Token) == "" {
		return ErrMissingToken
	}
	for name, raw := range map[string]string{"api.base_url": c.API.BaseURL, "api.meta_url": c.API.MetaURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid %s %q", name, raw)
		}
	}
	if c.Output.Dir == "" {
		return fmt.Errorf("output directory is required")
	}
	if c.Resume && c.Output.Generated {
		return ErrResumeNeedsDir
	}
	if len(c.Formats.Enabled()) == 0 {
		return fmt.Errorf("at least one output format must be enabled")
	}
	if c.Formats.SnapshotEvery < 1 {
		return fmt.Errorf("formats.snapshot_every must be >= 1, got %d", c.Formats.SnapshotEvery)
	}
	if c.Perf.MaxRetries < 0 {
		return fmt.Errorf("perf.max_retries must be >= 0, got %d", c.Perf.MaxRetries)
	}
	if c.Audit.Endpoint != "" {
		if u, err := url.Parse(c.Audit.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid audit.endpoint %q", c.Audit.Endpoint)
		}
	}
	if c.Perf.RequestDelay < 0 {
		return fmt.Errorf("perf.request_delay must be >= 0, got %s", c.Perf.RequestDelay)
	}
	return nil
}
