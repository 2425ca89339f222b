// Package report renders the human readable summary of a backup run.
package report

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/withObsrvr/airtable-backup/internal/metadata"
	"github.com/withObsrvr/airtable-backup/internal/storage"
)

// FileName is the report file inside the reports directory.
const FileName = "backup_report.txt"

// Info is the run context the statistics do not carry.
type Info struct {
	BackupDate string
	RunID      string
	Status     string
	OutputDir  string
	Formats    []string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Summary is everything the report shows.
type Summary struct {
	Info
	Stats   metadata.RunStats
	Elapsed time.Duration
	Errors  []string
}

// Build derives a summary from run statistics. It copies its inputs.
func Build(stats metadata.RunStats, info Info) Summary {
	s := Summary{
		Info:  info,
		Stats: stats,
	}
	s.Formats = append([]string(nil), info.Formats...)
	s.Errors = append([]string(nil), stats.Errors...)
	s.Stats.Errors = s.Errors
	if !info.StartedAt.IsZero() && info.FinishedAt.After(info.StartedAt) {
		s.Elapsed = info.FinishedAt.Sub(info.StartedAt).Round(time.Second)
	}
	return s
}

var formatLabels = map[string]string{
	"json":    "JSON",
	"yaml":    "YAML",
	"ndjson":  "NDJSON",
	"csv":     "CSV",
	"sqlite":  "SQLite",
	"parquet": "Parquet",
}

// Render formats the summary as plain text.
func Render(s Summary) string {
	var b strings.Builder
	dir := func(parts ...string) string {
		return filepath.Join(append([]string{s.OutputDir}, parts...)...) + string(filepath.Separator)
	}

	b.WriteString("Airtable Backup Report\n")
	b.WriteString("======================\n\n")
	fmt.Fprintf(&b, "Backup Date: %s\n", s.BackupDate)
	if s.RunID != "" {
		fmt.Fprintf(&b, "Run ID: %s\n", s.RunID)
	}
	if s.Status != "" {
		fmt.Fprintf(&b, "Status: %s\n", s.Status)
	}
	if s.Elapsed > 0 {
		fmt.Fprintf(&b, "Duration: %s\n", s.Elapsed)
	}
	fmt.Fprintf(&b, "Output Directory: %s\n\n", s.OutputDir)

	b.WriteString("Statistics:\n")
	fmt.Fprintf(&b, "- Bases Processed: %d\n", s.Stats.BasesProcessed)
	fmt.Fprintf(&b, "- Tables Processed: %d\n", s.Stats.TablesProcessed)
	if s.Stats.TablesSkipped > 0 {
		fmt.Fprintf(&b, "- Tables Skipped (resumed): %d\n", s.Stats.TablesSkipped)
	}
	fmt.Fprintf(&b, "- Records Processed: %d\n", s.Stats.RecordsProcessed)
	fmt.Fprintf(&b, "- Attachments Downloaded: %d\n", s.Stats.AttachmentsDownloaded)
	if s.Stats.AttachmentsFailed > 0 {
		fmt.Fprintf(&b, "- Attachments Failed: %d\n", s.Stats.AttachmentsFailed)
	}
	fmt.Fprintf(&b, "- Errors: %d\n\n", len(s.Errors))

	b.WriteString("Output Formats:\n")
	if len(s.Formats) == 0 {
		b.WriteString("- none\n")
	}
	for _, f := range s.Formats {
		label, ok := formatLabels[f]
		if !ok {
			label = f
		}
		fmt.Fprintf(&b, "- %s: %s\n", label, dir(storage.DataDir, f))
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "Attachments: %s\n", dir(storage.AttachmentsDir))
	fmt.Fprintf(&b, "Logs: %s\n", dir(storage.LogsDir))
	fmt.Fprintf(&b, "Metadata: %s\n", dir(storage.MetadataDir))

	if len(s.Errors) > 0 {
		b.WriteString("\nErrors:\n")
		for _, e := range s.Errors {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}
	return b.String()
}

// Write renders the summary to reports/backup_report.txt.
func Write(ctx context.Context, store storage.Store, s Summary) error {
	if err := store.Write(ctx, storage.ReportKey(FileName), []byte(Render(s))); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
