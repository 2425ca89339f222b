package sink

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"

	"github.com/withObsrvr/airtable-backup/internal/storage"
	"github.com/withObsrvr/airtable-backup/internal/tables"
)

// Capabilities maps each format to nil when it can be written, or to the
// reason it cannot.
type Capabilities map[Format]error

// Available reports whether f passed detection.
func (c Capabilities) Available(f Format) bool {
	err, ok := c[f]
	return ok && err == nil
}

// Detect probes the optional backends once at startup.
func Detect(ctx context.Context) Capabilities {
	caps := Capabilities{
		FormatJSON:   nil,
		FormatYAML:   nil,
		FormatNDJSON: nil,
		FormatCSV:    nil,
	}
	caps[FormatSQLite] = probeSQLite(ctx)
	caps[FormatParquet] = probeParquet()
	return caps
}

func probeSQLite(ctx context.Context) error {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer db.Close()

	var version string
	if err := db.QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&version); err != nil {
		return fmt.Errorf("query sqlite: %w", err)
	}
	return nil
}

func probeParquet() error {
	probe := []tables.Record{{ID: "probe", Fields: map[string]tables.Value{"f": tables.Scalar("v")}}}
	codec, err := parquetCodec("snappy")
	if err != nil {
		return err
	}
	if _, err := encodeParquet(probe, codec); err != nil {
		return fmt.Errorf("encode parquet: %w", err)
	}
	return nil
}

// Options selects and tunes the writers.
type Options struct {
	Formats            []Format
	ParquetCompression string
}

// Build creates a sink for the requested formats that passed detection, in
// the canonical flush order. Unavailable formats are logged and left out.
func Build(store *storage.LocalStore, opts Options, caps Capabilities) (*MultiFormatSink, error) {
	log := slog.With("component", "sink")

	wanted := make(map[Format]bool, len(opts.Formats))
	for _, f := range opts.Formats {
		wanted[f] = true
	}

	var writers []Writer
	for _, f := range AllFormats {
		if !wanted[f] {
			continue
		}
		if !caps.Available(f) {
			log.Warn("format unavailable, skipping", "format", f, "reason", caps[f])
			continue
		}

		var w Writer
		switch f {
		case FormatJSON:
			w = NewJSONWriter(store)
		case FormatYAML:
			w = NewYAMLWriter(store)
		case FormatNDJSON:
			w = NewNDJSONWriter(store)
		case FormatCSV:
			w = NewCSVWriter(store)
		case FormatSQLite:
			w = NewSQLiteWriter(store)
		case FormatParquet:
			pw, err := NewParquetWriter(store, opts.ParquetCompression)
			if err != nil {
				return nil, err
			}
			w = pw
		}
		writers = append(writers, w)
	}

	if len(writers) == 0 {
		names := make([]string, 0, len(opts.Formats))
		for _, f := range opts.Formats {
			names = append(names, string(f))
		}
		sort.Strings(names)
		return nil, fmt.Errorf("no usable output format among %v", names)
	}

	return New(writers...), nil
}
