package metadata

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/airtable-backup/internal/storage"
)

func TestWriteBackupMetadataJSONAndYAML(t *testing.T) {
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	w := NewFileWriter(store)

	m := &BackupMetadata{
		BackupDate: "2024-05-01_10-00-00",
		RunID:      "run-1",
		Status:     StatusPartial,
		StartedAt:  time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Bases:      map[string]string{"app1": "Base1"},
		Statistics: RunStats{
			BasesProcessed:   1,
			TablesProcessed:  2,
			RecordsProcessed: 10,
			Errors:           []string{"Table Base1/Broken: boom"},
		},
		Formats: []string{"json", "csv"},
	}
	require.NoError(t, w.WriteBackupMetadata(context.Background(), m))

	js, err := os.ReadFile(store.Path("metadata/backup_metadata.json"))
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(js, &decoded))
	assert.Equal(t, "2024-05-01_10-00-00", decoded["backup_date"])
	assert.Equal(t, map[string]any{"app1": "Base1"}, decoded["bases"])
	stats := decoded["statistics"].(map[string]any)
	assert.Equal(t, float64(10), stats["records_processed"])
	assert.Equal(t, []any{"json", "csv"}, decoded["formats"])

	ys, err := os.ReadFile(store.Path("metadata/backup_metadata.yaml"))
	require.NoError(t, err)
	var ydoc BackupMetadata
	require.NoError(t, yaml.Unmarshal(ys, &ydoc))
	assert.Equal(t, "run-1", ydoc.RunID)
	assert.Equal(t, []string{"Table Base1/Broken: boom"}, ydoc.Statistics.Errors)
}

func TestNameMapping(t *testing.T) {
	m := NewNameMapping("2024-05-01_10-00-00")
	m.AddBase("app1", "Sales: 2024", "Sales_ 2024")
	m.AddTable("app1", "tbl1", "Q1/Q2", "Q1_Q2")

	require.Contains(t, m.Tables, "app1_Q1/Q2")
	tbl := m.Tables["app1_Q1/Q2"]
	assert.Equal(t, "Sales: 2024", tbl.BaseName)
	assert.Equal(t, "Q1_Q2", tbl.SanitizedName)

	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, NewFileWriter(store).WriteNameMapping(context.Background(), m))

	data, err := os.ReadFile(store.Path("metadata/name_mapping.json"))
	require.NoError(t, err)
	var decoded NameMapping
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "Sales_ 2024", decoded.Bases["app1"].SanitizedName)
}

func TestNewCatalogWithoutDSNIsNoop(t *testing.T) {
	c, err := NewCatalog(context.Background(), CatalogConfig{})
	require.NoError(t, err)
	assert.NoError(t, c.RecordRun(context.Background(), &BackupMetadata{}))
	assert.NoError(t, c.RecordTable(context.Background(), TableRecord{}))
	sum, err := c.LastChecksum(context.Background(), "app1", "tbl1", "json")
	require.NoError(t, err)
	assert.Empty(t, sum)
	assert.NoError(t, c.Close())
}

func TestNewCatalogBadDSN(t *testing.T) {
	_, err := NewCatalog(context.Background(), CatalogConfig{PostgresDSN: "postgres://%zz"})
	assert.Error(t, err)
}
