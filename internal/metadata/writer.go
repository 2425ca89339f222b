package metadata

import (
	"bytes"
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/airtable-backup/internal/storage"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Metadata file names, without extension.
const (
	BackupMetadataName = "backup_metadata"
	NameMappingName    = "name_mapping"
)

// FileWriter writes run descriptions into the output tree as JSON and YAML.
type FileWriter struct {
	store storage.Store
}

// NewFileWriter creates a writer targeting store.
func NewFileWriter(store storage.Store) *FileWriter {
	return &FileWriter{store: store}
}

// WriteBackupMetadata writes metadata/backup_metadata.{json,yaml}.
func (w *FileWriter) WriteBackupMetadata(ctx context.Context, m *BackupMetadata) error {
	return w.writeBoth(ctx, BackupMetadataName, m)
}

// WriteNameMapping writes metadata/name_mapping.{json,yaml}.
func (w *FileWriter) WriteNameMapping(ctx context.Context, m *NameMapping) error {
	return w.writeBoth(ctx, NameMappingName, m)
}

func (w *FileWriter) writeBoth(ctx context.Context, name string, v any) error {
	js, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s json: %w", name, err)
	}
	if err := w.store.Write(ctx, storage.MetadataKey(name+".json"), js); err != nil {
		return fmt.Errorf("write %s json: %w", name, err)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("marshal %s yaml: %w", name, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("marshal %s yaml: %w", name, err)
	}
	if err := w.store.Write(ctx, storage.MetadataKey(name+".yaml"), buf.Bytes()); err != nil {
		return fmt.Errorf("write %s yaml: %w", name, err)
	}
	return nil
}

// Catalog records runs and per-table outcomes in an external database.
type Catalog interface {
	RecordRun(ctx context.Context, m *BackupMetadata) error
	RecordTable(ctx context.Context, rec TableRecord) error

	// LastChecksum returns the checksum of format recorded by the most
	// recent finished run for a table, or "" when there is none.
	LastChecksum(ctx context.Context, baseID, tableID, format string) (string, error)

	Close() error
}

// CatalogConfig configures the run catalog.
type CatalogConfig struct {
	PostgresDSN string
}

// NewCatalog connects to the configured catalog, or returns a no-op catalog
// when none is configured.
func NewCatalog(ctx context.Context, cfg CatalogConfig) (Catalog, error) {
	if cfg.PostgresDSN == "" {
		return noopCatalog{}, nil
	}
	return NewPostgresCatalog(ctx, cfg)
}

type noopCatalog struct{}

func (noopCatalog) RecordRun(context.Context, *BackupMetadata) error { return nil }
func (noopCatalog) RecordTable(context.Context, TableRecord) error { return nil }
func (noopCatalog) LastChecksum(context.Context, string, string, string) (string, error) {
	return "", nil
}
func (noopCatalog) Close() error { return nil }
