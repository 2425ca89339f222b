package checkpoint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/airtable-backup/internal/metadata"
)

func TestFileManagerRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "metadata")
	m, err := NewManager(Config{Enabled: true, Dir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = m.Load(ctx)
	assert.True(t, errors.Is(err, ErrNoCheckpoint))

	cp := &Checkpoint{RunID: "run-1"}
	cp.MarkCompleted(TableRef{BaseID: "app1", TableID: "tbl1", TableName: "Tasks", Records: 1})
	cp.MarkCompleted(TableRef{BaseID: "app1", TableID: "tbl1", TableName: "Tasks", Records: 2})
	cp.Stats = metadata.RunStats{TablesProcessed: 1, RecordsProcessed: 2}
	require.NoError(t, m.Save(ctx, cp))

	_, err = os.Stat(filepath.Join(dir, FileName+".tmp"))
	assert.True(t, os.IsNotExist(err))

	loaded, err := m.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-1", loaded.RunID)
	require.Len(t, loaded.Completed, 1)
	assert.Equal(t, 2, loaded.Completed[0].Records)
	assert.Equal(t, 2, loaded.Stats.RecordsProcessed)
	assert.False(t, loaded.UpdatedAt.IsZero())

	assert.True(t, found(loaded.Find("app1", "tbl1")))
	assert.False(t, found(loaded.Find("app1", "tbl2")))
}

func TestLoadCorruptCheckpoint(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("{not json"), 0644))

	m, err := NewManager(Config{Enabled: true, Dir: dir})
	require.NoError(t, err)
	_, err = m.Load(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoCheckpoint))
}

func TestNoopManager(t *testing.T) {
	m, err := NewManager(Config{})
	require.NoError(t, err)
	require.NoError(t, m.Save(context.Background(), &Checkpoint{}))
	_, err = m.Load(context.Background())
	assert.True(t, errors.Is(err, ErrNoCheckpoint))

	var nilCP *Checkpoint
	assert.False(t, found(nilCP.Find("a", "b")))
}

func found(_ TableRef, ok bool) bool { return ok }
