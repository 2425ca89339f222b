package sink

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/withObsrvr/airtable-backup/internal/storage"
	"github.com/withObsrvr/airtable-backup/internal/tables"
)

type parquetWriter struct {
	fileWriter
	codec compress.Codec
}

// NewParquetWriter writes each table as a parquet file with one optional
// string column per field plus id. compression is "snappy", "zstd", "gzip"
// or "none".
func NewParquetWriter(store *storage.LocalStore, compression string) (Writer, error) {
	codec, err := parquetCodec(compression)
	if err != nil {
		return nil, err
	}
	return parquetWriter{fileWriter: fileWriter{store}, codec: codec}, nil
}

func parquetCodec(name string) (compress.Codec, error) {
	switch strings.ToLower(name) {
	case "", "snappy":
		return &parquet.Snappy, nil
	case "zstd":
		return &parquet.Zstd, nil
	case "gzip":
		return &parquet.Gzip, nil
	case "none":
		return &parquet.Uncompressed, nil
	default:
		return nil, fmt.Errorf("unknown parquet compression %q", name)
	}
}

func (parquetWriter) Format() Format { return FormatParquet }
func (parquetWriter) Snapshot() bool { return true }

func (w parquetWriter) Write(ctx context.Context, t Target, records []tables.Record) (Output, error) {
	data, err := encodeParquet(records, w.codec)
	if err != nil {
		return Output{}, err
	}
	return w.put(ctx, FormatParquet, "parquet", t, data, len(records))
}

// encodeParquet builds a schema from the batch column union and writes
// every record as one row. Missing and null fields are written as nulls.
func encodeParquet(records []tables.Record, codec compress.Codec) ([]byte, error) {
	columns := tables.Columns(records)

	group := make(parquet.Group, len(columns))
	for _, col := range columns {
		if col == tables.IDColumn {
			group[col] = parquet.String()
			continue
		}
		group[col] = parquet.Optional(parquet.String())
	}
	schema := parquet.NewSchema("record", group)

	// Map each column to its leaf index in the schema.
	index := make([]int, len(columns))
	for i, col := range columns {
		leaf, ok := schema.Lookup(col)
		if !ok {
			return nil, fmt.Errorf("parquet column %q missing from schema", col)
		}
		index[i] = leaf.ColumnIndex
	}

	var buf bytes.Buffer
	pw := parquet.NewWriter(&buf, schema, parquet.Compression(codec))

	rows := make([]parquet.Row, 0, len(records))
	for _, r := range records {
		cells, present := tables.FlatRow(r, columns, ListSeparator)
		row := make(parquet.Row, len(columns))
		for i, col := range columns {
			idx := index[i]
			switch {
			case col == tables.IDColumn:
				row[idx] = parquet.ByteArrayValue([]byte(cells[i])).Level(0, 0, idx)
			case present[i]:
				row[idx] = parquet.ByteArrayValue([]byte(cells[i])).Level(0, 1, idx)
			default:
				row[idx] = parquet.NullValue().Level(0, 0, idx)
			}
		}
		rows = append(rows, row)
	}

	if len(rows) > 0 {
		if _, err := pw.WriteRows(rows); err != nil {
			return nil, fmt.Errorf("write parquet rows: %w", err)
		}
	}
	if err := pw.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}
