package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AIRTABLE_API_TOKEN", "pat123")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "pat123", cfg.API.Token)
	assert.Equal(t, "https://api.airtable.com/v0", cfg.API.BaseURL)
	assert.Regexp(t, `^airtable_backup_\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2}$`, cfg.Output.Dir)
	assert.True(t, cfg.Output.Generated)
	assert.Equal(t, []string{"json", "yaml", "ndjson", "csv", "sqlite", "parquet"}, cfg.Formats.Enabled())
	assert.Equal(t, 100*time.Millisecond, cfg.Perf.RequestDelay)
	assert.Equal(t, 3, cfg.Perf.MaxRetries)
	assert.Equal(t, 1, cfg.Formats.SnapshotEvery)
	assert.True(t, cfg.Attachments.Include)
	assert.True(t, cfg.ContinueOnError)
}

func TestLoadFileAndEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api:
  token: from-file
output:
  dir: /srv/backups
formats:
  parquet: false
  snapshot_every: 5
perf:
  request_delay: 250ms
mirror:
  backend: s3
  s3_bucket: my-bucket
audit:
  enabled: true
`), 0644))
	t.Setenv("AIRTABLE_API_TOKEN", "from-env")
	t.Setenv("AIRTABLE_PERF_MAX_RETRIES", "7")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.API.Token)
	assert.Equal(t, "/srv/backups", cfg.Output.Dir)
	assert.False(t, cfg.Output.Generated)
	assert.False(t, cfg.Formats.Parquet)
	assert.Equal(t, 5, cfg.Formats.SnapshotEvery)
	assert.Equal(t, 250*time.Millisecond, cfg.Perf.RequestDelay)
	assert.Equal(t, 7, cfg.Perf.MaxRetries)
	assert.Equal(t, "s3", cfg.Mirror.Backend)
	assert.Equal(t, "my-bucket", cfg.Mirror.S3Bucket)
	assert.True(t, cfg.Audit.Enabled)
}

func TestDefaultOutputDir(t *testing.T) {
	at := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	assert.Equal(t, "airtable_backup_2024-03-09_14-05-07", DefaultOutputDir(at))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("AIRTABLE_API_TOKEN", "pat123")
	base, err := Load("")
	require.NoError(t, err)

	noToken := base
	noToken.API.Token = " "
	assert.True(t, errors.Is(noToken.Validate(), ErrMissingToken))

	badURL := base
	badURL.API.BaseURL = "not a url"
	assert.Error(t, badURL.Validate())

	noFormats := base
	noFormats.Formats = FormatsConfig{SnapshotEvery: 1}
	assert.Error(t, noFormats.Validate())

	badCadence := base
	badCadence.Formats.SnapshotEvery = 0
	assert.Error(t, badCadence.Validate())

	badAudit := base
	badAudit.Audit.Endpoint = "audit.local"
	assert.Error(t, badAudit.Validate())

	resumeGenerated := base
	resumeGenerated.Resume = true
	assert.ErrorIs(t, resumeGenerated.Validate(), ErrResumeNeedsDir)

	resumeExplicit := resumeGenerated
	resumeExplicit.Output = OutputConfig{Dir: "/srv/backups"}
	assert.NoError(t, resumeExplicit.Validate())

	negRetries := base
	negRetries.Perf.MaxRetries = -1
	assert.Error(t, negRetries.Validate())
}
