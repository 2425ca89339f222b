package sink

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"

	"github.com/withObsrvr/airtable-backup/internal/storage"
	"github.com/withObsrvr/airtable-backup/internal/tables"
)

// ListSeparator joins list items in csv and parquet cells.
const ListSeparator = "; "

type csvWriter struct{ fileWriter }

// NewCSVWriter writes each table as a csv file whose header is the sorted
// union of field names plus id.
func NewCSVWriter(store *storage.LocalStore) Writer {
	return csvWriter{fileWriter{store}}
}

func (csvWriter) Format() Format { return FormatCSV }
func (csvWriter) Snapshot() bool { return true }

func (w csvWriter) Write(ctx context.Context, t Target, records []tables.Record) (Output, error) {
	columns := tables.Columns(records)

	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.Write(columns); err != nil {
		return Output{}, fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range records {
		cells, _ := tables.FlatRow(r, columns, ListSeparator)
		if err := cw.Write(cells); err != nil {
			return Output{}, fmt.Errorf("write csv row %s: %w", r.ID, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return Output{}, fmt.Errorf("flush csv: %w", err)
	}

	return w.put(ctx, FormatCSV, "csv", t, buf.Bytes(), len(records))
}
