package sink

import (
	"bytes"
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/airtable-backup/internal/storage"
	"github.com/withObsrvr/airtable-backup/internal/tables"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// fileWriter holds what every whole-file format shares.
type fileWriter struct {
	store *storage.LocalStore
}

func (w fileWriter) put(ctx context.Context, f Format, ext string, t Target, data []byte, rows int) (Output, error) {
	key := storage.DataKey(string(f), t.FileStem()+"."+ext)
	if err := w.store.Write(ctx, key, data); err != nil {
		return Output{}, err
	}
	return Output{
		Key:      key,
		Rows:     rows,
		Bytes:    int64(len(data)),
		Checksum: tables.ComputeChecksum(data),
	}, nil
}

func (fileWriter) Close() error { return nil }

type jsonWriter struct{ fileWriter }

// NewJSONWriter writes each table as one indented JSON array.
func NewJSONWriter(store *storage.LocalStore) Writer {
	return jsonWriter{fileWriter{store}}
}

func (jsonWriter) Format() Format { return FormatJSON }
func (jsonWriter) Snapshot() bool { return false }

func (w jsonWriter) Write(ctx context.Context, t Target, records []tables.Record) (Output, error) {
	if records == nil {
		records = []tables.Record{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return Output{}, fmt.Errorf("marshal json: %w", err)
	}
	return w.put(ctx, FormatJSON, "json", t, data, len(records))
}

type ndjsonWriter struct{ fileWriter }

// NewNDJSONWriter writes one JSON record per line.
func NewNDJSONWriter(store *storage.LocalStore) Writer {
	return ndjsonWriter{fileWriter{store}}
}

func (ndjsonWriter) Format() Format { return FormatNDJSON }
func (ndjsonWriter) Snapshot() bool { return false }

func (w ndjsonWriter) Write(ctx context.Context, t Target, records []tables.Record) (Output, error) {
	var buf bytes.Buffer
	for _, r := range records {
		line, err := json.Marshal(r)
		if err != nil {
			return Output{}, fmt.Errorf("marshal record %s: %w", r.ID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return w.put(ctx, FormatNDJSON, "ndjson", t, buf.Bytes(), len(records))
}

type yamlWriter struct{ fileWriter }

// NewYAMLWriter writes each table as one YAML sequence.
func NewYAMLWriter(store *storage.LocalStore) Writer {
	return yamlWriter{fileWriter{store}}
}

func (yamlWriter) Format() Format { return FormatYAML }
func (yamlWriter) Snapshot() bool { return false }

func (w yamlWriter) Write(ctx context.Context, t Target, records []tables.Record) (Output, error) {
	if records == nil {
		records = []tables.Record{}
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(records); err != nil {
		return Output{}, fmt.Errorf("marshal yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return Output{}, fmt.Errorf("marshal yaml: %w", err)
	}
	return w.put(ctx, FormatYAML, "yaml", t, buf.Bytes(), len(records))
}
