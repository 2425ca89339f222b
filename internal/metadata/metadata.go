// Package metadata describes a backup run: its statistics, the names it
// sanitized and the formats it wrote. Run descriptions are written next to
// the data and, optionally, to a Postgres catalog.
package metadata

import (
	"time"
)

// Run status values.
const (
	StatusCompleted = "completed"
	StatusPartial   = "completed_with_errors"
	StatusAborted   = "aborted"
	StatusCancelled = "cancelled"
)

// DateLayout formats backup_date and the log file suffix.
const DateLayout = "2006-01-02_15-04-05"

// RunStats is the serializable snapshot of a run's counters.
type RunStats struct {
	BasesProcessed        int      `json:"bases_processed" yaml:"bases_processed"`
	TablesProcessed       int      `json:"tables_processed" yaml:"tables_processed"`
	TablesSkipped         int      `json:"tables_skipped" yaml:"tables_skipped"`
	RecordsProcessed      int      `json:"records_processed" yaml:"records_processed"`
	AttachmentsDownloaded int      `json:"attachments_downloaded" yaml:"attachments_downloaded"`
	AttachmentsFailed     int      `json:"attachments_failed" yaml:"attachments_failed"`
	Errors                []string `json:"errors" yaml:"errors"`
}

// BackupMetadata is written to metadata/backup_metadata.{json,yaml}.
type BackupMetadata struct {
	BackupDate    string            `json:"backup_date" yaml:"backup_date"`
	RunID         string            `json:"run_id" yaml:"run_id"`
	Status        string            `json:"status" yaml:"status"`
	SchemaVersion string            `json:"schema_version" yaml:"schema_version"`
	StartedAt     time.Time         `json:"started_at" yaml:"started_at"`
	FinishedAt    time.Time         `json:"finished_at" yaml:"finished_at"`
	OutputDir     string            `json:"output_dir" yaml:"output_dir"`
	Bases         map[string]string `json:"bases" yaml:"bases"`
	Statistics    RunStats          `json:"statistics" yaml:"statistics"`
	Formats       []string          `json:"formats" yaml:"formats"`
}

// BaseName maps one base id to its display and filesystem names.
type BaseName struct {
	OriginalName  string `json:"original_name" yaml:"original_name"`
	SanitizedName string `json:"sanitized_name" yaml:"sanitized_name"`
}

// TableName maps one table to its display and filesystem names.
type TableName struct {
	BaseID        string `json:"base_id" yaml:"base_id"`
	BaseName      string `json:"base_name" yaml:"base_name"`
	TableID       string `json:"table_id" yaml:"table_id"`
	OriginalName  string `json:"original_name" yaml:"original_name"`
	SanitizedName string `json:"sanitized_name" yaml:"sanitized_name"`
}

// NameMapping is written to metadata/name_mapping.{json,yaml}. Tables are
// keyed "<baseId>_<tableName>".
type NameMapping struct {
	BackupDate string               `json:"backup_date" yaml:"backup_date"`
	Bases      map[string]BaseName  `json:"bases" yaml:"bases"`
	Tables     map[string]TableName `json:"tables" yaml:"tables"`
}

// NewNameMapping returns an empty mapping for the run dated backupDate.
func NewNameMapping(backupDate string) *NameMapping {
	return &NameMapping{
		BackupDate: backupDate,
		Bases:      make(map[string]BaseName),
		Tables:     make(map[string]TableName),
	}
}

// AddBase records a base.
func (m *NameMapping) AddBase(id, name, safe string) {
	m.Bases[id] = BaseName{OriginalName: name, SanitizedName: safe}
}

// AddTable records a table of a base previously added with AddBase.
func (m *NameMapping) AddTable(baseID, tableID, name, safe string) {
	m.Tables[baseID+"_"+name] = TableName{
		BaseID:        baseID,
		BaseName:      m.Bases[baseID].OriginalName,
		TableID:       tableID,
		OriginalName:  name,
		SanitizedName: safe,
	}
}

// TableRecord is one table's outcome, as recorded in the catalog.
type TableRecord struct {
	RunID     string
	BaseID    string
	BaseName  string
	TableID   string
	TableName string
	Records   int
	Pages     int
	Status    string // "completed" | "failed" | "skipped"
	Error     string
	Checksums map[string]string // per-format checksum of the final flush
	Duration  time.Duration
}
