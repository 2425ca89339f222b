// Package sink writes record batches to several output formats, keeping
// every format consistent with the same in-memory record set.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/withObsrvr/airtable-backup/internal/metrics"
	"github.com/withObsrvr/airtable-backup/internal/tables"
)

// Format names an output representation.
type Format string

const (
	FormatJSON    Format = "json"
	FormatYAML    Format = "yaml"
	FormatNDJSON  Format = "ndjson"
	FormatCSV     Format = "csv"
	FormatSQLite  Format = "sqlite"
	FormatParquet Format = "parquet"
)

// AllFormats lists every supported format in flush order.
var AllFormats = []Format{FormatJSON, FormatYAML, FormatNDJSON, FormatCSV, FormatSQLite, FormatParquet}

// ParseFormat validates a format name.
func ParseFormat(name string) (Format, error) {
	for _, f := range AllFormats {
		if string(f) == name {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown format %q", name)
}

// Target identifies the table a batch belongs to.
type Target struct {
	BaseID    string
	BaseName  string
	TableID   string
	TableName string
	SafeBase  string
	SafeTable string
}

// FileStem is the per-table file name without extension.
func (t Target) FileStem() string {
	return t.BaseID + "_" + t.SafeTable
}

func (t Target) String() string {
	return t.BaseName + "/" + t.TableName
}

// Output describes what one format wrote.
type Output struct {
	Key      string // store key of the file written
	Rows     int
	Bytes    int64
	Checksum string // empty for formats updated in place
}

// Writer persists a full snapshot of a table's records in one format.
type Writer interface {
	Format() Format

	// Snapshot reports whether a flush may be deferred to a bounded cadence.
	Snapshot() bool

	Write(ctx context.Context, t Target, records []tables.Record) (Output, error)

	Close() error
}

// SinkWriteError is a failure of one format. Other formats are unaffected.
type SinkWriteError struct {
	Format Format
	Target string
	Err    error
}

func (e *SinkWriteError) Error() string {
	return fmt.Sprintf("write %s for %s: %v", e.Format, e.Target, e.Err)
}

func (e *SinkWriteError) Unwrap() error {
	return e.Err
}

// FlushOptions controls one flush.
type FlushOptions struct {
	// Snapshots includes deferrable formats in this flush.
	Snapshots bool
}

// FlushResult collects per-format outcomes of one flush.
type FlushResult struct {
	Outputs map[Format]Output
	Errors  []*SinkWriteError
	Skipped []Format
}

// Err joins all format errors, or returns nil.
func (r FlushResult) Err() error {
	errs := make([]error, 0, len(r.Errors))
	for _, e := range r.Errors {
		errs = append(errs, e)
	}
	return errors.Join(errs...)
}

// MultiFormatSink fans one record batch out to every configured writer.
type MultiFormatSink struct {
	writers []Writer
	log     *slog.Logger
}

// New creates a sink over writers, flushed in the given order.
func New(writers ...Writer) *MultiFormatSink {
	return &MultiFormatSink{
		writers: writers,
		log:     slog.With("component", "sink"),
	}
}

// Formats lists the active formats.
func (s *MultiFormatSink) Formats() []Format {
	out := make([]Format, 0, len(s.writers))
	for _, w := range s.writers {
		out = append(out, w.Format())
	}
	return out
}

// Flush writes the full record list of a table to each format. Every format
// receives the same slice; a failing format is recorded and the remaining
// formats are still written.
func (s *MultiFormatSink) Flush(ctx context.Context, t Target, records []tables.Record, opts FlushOptions) FlushResult {
	res := FlushResult{Outputs: make(map[Format]Output, len(s.writers))}

	for _, w := range s.writers {
		if w.Snapshot() && !opts.Snapshots {
			res.Skipped = append(res.Skipped, w.Format())
			continue
		}

		start := time.Now()
		out, err := s.flushOne(ctx, w, t, records)
		metrics.Get().ObserveFlush(string(w.Format()), time.Since(start).Seconds(), err != nil)

		if err != nil {
			werr := &SinkWriteError{Format: w.Format(), Target: t.String(), Err: err}
			res.Errors = append(res.Errors, werr)
			s.log.Warn("format write failed",
				"format", w.Format(),
				"base", t.BaseName,
				"table", t.TableName,
				"records", len(records),
				"error", err,
			)
			continue
		}
		res.Outputs[w.Format()] = out
	}

	return res
}

func (s *MultiFormatSink) flushOne(ctx context.Context, w Writer, t Target, records []tables.Record) (out Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s writer: %v", w.Format(), r)
		}
	}()
	return w.Write(ctx, t, records)
}

// Close closes every writer.
func (s *MultiFormatSink) Close() error {
	var errs []error
	for _, w := range s.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s writer: %w", w.Format(), err))
		}
	}
	return errors.Join(errs...)
}
