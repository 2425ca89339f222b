// Package backup walks bases and tables of the remote dataset, persisting
// every table through the multi-format sink, and finalizes the run with
// metadata, a checkpoint and a report.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/withObsrvr/airtable-backup/internal/attachments"
	"github.com/withObsrvr/airtable-backup/internal/audit"
	"github.com/withObsrvr/airtable-backup/internal/checkpoint"
	"github.com/withObsrvr/airtable-backup/internal/logging"
	"github.com/withObsrvr/airtable-backup/internal/metadata"
	"github.com/withObsrvr/airtable-backup/internal/metrics"
	"github.com/withObsrvr/airtable-backup/internal/report"
	"github.com/withObsrvr/airtable-backup/internal/sink"
	"github.com/withObsrvr/airtable-backup/internal/source"
	"github.com/withObsrvr/airtable-backup/internal/storage"
	"github.com/withObsrvr/airtable-backup/internal/tables"
	"github.com/withObsrvr/airtable-backup/internal/util"
)

var (
	// ErrAborted is returned when the run stopped before walking every
	// table: enumeration failed, credentials were rejected, or a table
	// failed with continue-on-error disabled.
	ErrAborted = errors.New("backup aborted")

	// ErrFilesystem is returned when the output tree cannot be created.
	ErrFilesystem = errors.New("output directory unavailable")
)

// Config holds run options.
type Config struct {
	RunID           string
	BackupDate      string // defaults to the start time in metadata.DateLayout
	ContinueOnError bool
	Resume          bool // skip tables the checkpoint marks completed
	Fetch           FetcherConfig
}

// Deps are the collaborators of a run. Attachments, Catalog, Checkpoints
// and Audit may be nil.
type Deps struct {
	Source      source.Source
	Store       *storage.LocalStore
	Sink        *sink.MultiFormatSink
	Attachments *attachments.Store
	Catalog     metadata.Catalog
	Checkpoints checkpoint.Manager
	Audit       audit.Emitter
}

// Orchestrator runs one backup.
type Orchestrator struct {
	src         source.Source
	store       *storage.LocalStore
	sink        *sink.MultiFormatSink
	fetcher     *Fetcher
	meta        *metadata.FileWriter
	catalog     metadata.Catalog
	checkpoints checkpoint.Manager
	audit       audit.Emitter
	cfg         Config
	log         *slog.Logger

	stats     Stats
	startedAt time.Time
	bases     map[string]string
	names     *metadata.NameMapping
	cp        *checkpoint.Checkpoint
}

// New creates an orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.RunID == "" {
		cfg.RunID = logging.GenerateCorrelationID()
	}
	catalog := deps.Catalog
	if catalog == nil {
		catalog, _ = metadata.NewCatalog(context.Background(), metadata.CatalogConfig{})
	}
	checkpoints := deps.Checkpoints
	if checkpoints == nil {
		checkpoints, _ = checkpoint.NewManager(checkpoint.Config{})
	}
	trail := deps.Audit
	if trail == nil {
		trail, _ = audit.NewEmitter(audit.Config{}, nil)
	}

	return &Orchestrator{
		src:         deps.Source,
		store:       deps.Store,
		sink:        deps.Sink,
		fetcher:     NewFetcher(deps.Source, deps.Sink, deps.Attachments, cfg.Fetch),
		meta:        metadata.NewFileWriter(deps.Store),
		catalog:     catalog,
		checkpoints: checkpoints,
		audit:       trail,
		cfg:         cfg,
		log:         slog.With("component", "backup", "run_id", cfg.RunID),
		bases:       make(map[string]string),
	}
}

// Stats returns a snapshot of the run statistics.
func (o *Orchestrator) Stats() metadata.RunStats {
	return o.stats.Snapshot()
}

// Run performs the backup. Finalize always runs, even when the walk fails
// or ctx is cancelled; a cancelled run returns context.Canceled.
func (o *Orchestrator) Run(ctx context.Context) (metadata.RunStats, error) {
	o.startedAt = time.Now().UTC()
	if o.cfg.BackupDate == "" {
		o.cfg.BackupDate = o.startedAt.Local().Format(metadata.DateLayout)
	}
	o.names = metadata.NewNameMapping(o.cfg.BackupDate)
	o.cp = o.loadCheckpoint(ctx)

	o.log.Info("starting backup",
		"output", o.store.Root(),
		"formats", o.formats(),
		"resume", o.cfg.Resume,
	)

	runErr := o.walk(ctx)

	status := metadata.StatusCompleted
	switch {
	case runErr == nil:
		if len(o.stats.Snapshot().Errors) > 0 {
			status = metadata.StatusPartial
		}
	case errors.Is(runErr, context.Canceled):
		status = metadata.StatusCancelled
		o.log.Warn("backup interrupted, finalizing partial output")
	default:
		status = metadata.StatusAborted
		o.log.Error("backup failed", "error", runErr)
	}

	finErr := o.finalize(context.WithoutCancel(ctx), status)

	snap := o.stats.Snapshot()
	o.log.Info("backup finished",
		"status", status,
		"bases", snap.BasesProcessed,
		"tables", snap.TablesProcessed,
		"records", snap.RecordsProcessed,
		"attachments", snap.AttachmentsDownloaded,
		"errors", len(snap.Errors),
		"duration", time.Since(o.startedAt).Round(time.Millisecond),
	)

	if runErr != nil {
		return snap, runErr
	}
	return snap, finErr
}

func (o *Orchestrator) loadCheckpoint(ctx context.Context) *checkpoint.Checkpoint {
	fresh := &checkpoint.Checkpoint{RunID: o.cfg.RunID}
	if !o.cfg.Resume {
		return fresh
	}
	cp, err := o.checkpoints.Load(ctx)
	if err != nil {
		if !errors.Is(err, checkpoint.ErrNoCheckpoint) {
			o.log.Warn("ignoring unreadable checkpoint", "error", err)
		}
		return fresh
	}
	o.log.Info("resuming from checkpoint", "previous_run", cp.RunID, "completed_tables", len(cp.Completed))
	cp.RunID = o.cfg.RunID
	cp.Stats = metadata.RunStats{}
	return cp
}

func (o *Orchestrator) walk(ctx context.Context) error {
	var bases []tables.Base
	err := o.fetcher.withRetry(ctx, "list_bases", o.log, func() error {
		var err error
		bases, err = o.src.ListBases(ctx)
		return err
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		o.stats.AddError("List bases: %v", err)
		return fmt.Errorf("%w: %w", ErrAborted, err)
	}
	for _, b := range bases {
		o.bases[b.ID] = b.Name
		o.names.AddBase(b.ID, b.Name, util.SafeName(b.Name))
	}

	for _, b := range bases {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.backupBase(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) backupBase(ctx context.Context, base tables.Base) error {
	safeBase := util.SafeName(base.Name)
	log := o.log.With("base", base.Name, "base_id", base.ID)
	log.Info("processing base")

	marker := storage.DataKey(string(sink.FormatJSON), path.Join(safeBase, base.ID+".txt"))
	if err := o.store.Write(ctx, marker, []byte(base.ID)); err != nil {
		log.Warn("failed to write base id marker", "key", marker, "error", err)
	}

	var tbls []tables.Table
	err := o.fetcher.withRetry(ctx, "list_tables", log, func() error {
		var err error
		tbls, err = o.src.ListTables(ctx, base.ID)
		return err
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		o.stats.AddError("Base %s: list tables: %v", base.Name, err)
		return fmt.Errorf("%w: %w", ErrAborted, err)
	}

	for _, tbl := range tbls {
		if err := ctx.Err(); err != nil {
			return err
		}

		safeTable := util.SafeName(tbl.Name)
		o.names.AddTable(base.ID, tbl.ID, tbl.Name, safeTable)

		target := sink.Target{
			BaseID:    base.ID,
			BaseName:  base.Name,
			TableID:   tbl.ID,
			TableName: tbl.Name,
			SafeBase:  safeBase,
			SafeTable: safeTable,
		}

		if o.cfg.Resume && o.alreadyBackedUp(ctx, target) {
			o.stats.TableSkipped()
			metrics.Get().TableSkipped()
			log.Info("skipping completed table", "table", tbl.Name)
			o.recordTable(ctx, metadata.TableRecord{
				BaseID:    base.ID,
				BaseName:  base.Name,
				TableID:   tbl.ID,
				TableName: tbl.Name,
				Status:    "skipped",
			})
			continue
		}

		if err := o.backupTable(ctx, target); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(err, source.ErrAuth) || !o.cfg.ContinueOnError {
				return fmt.Errorf("%w: %w", ErrAborted, err)
			}
		}
	}

	o.stats.BaseProcessed()
	metrics.Get().BaseDone()
	log.Info("completed base", "tables", len(tbls))
	return nil
}

func (o *Orchestrator) backupTable(ctx context.Context, t sink.Target) error {
	log := logging.TableLogger(o.cfg.RunID, t.BaseID, t.BaseName, t.TableName)
	log.Info("processing table")

	job := TableJob{
		Target:        t,
		AttachmentDir: o.store.Path(path.Join(storage.AttachmentsDir, t.SafeBase, t.SafeTable)),
		OnAttachment:  func(attachments.Result) { o.stats.AttachmentDownloaded() },
	}
	res, err := o.fetcher.Fetch(ctx, job)

	o.stats.AddRecords(len(res.Records))
	if n := res.Attachments.Failed; n > 0 {
		o.stats.AttachmentsFailed(n)
		o.stats.AddError("Attachments %s: %d of %d downloads failed", t, n, n+res.Attachments.Downloaded+res.Attachments.Skipped)
	}
	for _, fe := range res.FormatErrors {
		o.stats.AddError("Format %s %s: %v", fe.Format, t, fe.Err)
	}

	rec := metadata.TableRecord{
		RunID:     o.cfg.RunID,
		BaseID:    t.BaseID,
		BaseName:  t.BaseName,
		TableID:   t.TableID,
		TableName: t.TableName,
		Records:   len(res.Records),
		Pages:     res.Pages,
		Checksums: make(map[string]string),
		Duration:  res.Duration,
	}
	for format, out := range res.Outputs {
		if out.Checksum != "" {
			rec.Checksums[string(format)] = out.Checksum
		}
	}

	if err != nil {
		rec.Status = "failed"
		rec.Error = err.Error()
		if ctx.Err() != nil {
			log.Warn("table interrupted", "records", len(res.Records))
		} else {
			o.stats.AddError("Table %s: %v", t, err)
			metrics.Get().TableFailed()
			log.Error("table failed", "records", len(res.Records), "kind", source.ErrorKind(err), "error", err)
		}
		o.recordTable(context.WithoutCancel(ctx), rec)
		return err
	}

	rec.Status = "completed"
	o.stats.TableProcessed()
	metrics.Get().TableDone(len(res.Records), res.Duration.Seconds())

	o.cp.MarkCompleted(checkpoint.TableRef{
		BaseID:    t.BaseID,
		TableID:   t.TableID,
		TableName: t.TableName,
		Records:   len(res.Records),
		Checksum:  res.Checksum(sink.FormatJSON),
	})
	o.cp.Stats = o.stats.Snapshot()
	if err := o.checkpoints.Save(ctx, o.cp); err != nil {
		log.Warn("failed to save checkpoint", "error", err)
	}
	o.recordTable(ctx, rec)
	o.emitAudit(ctx, t, res)

	log.Info("completed table", "records", len(res.Records), "pages", res.Pages, "duration", res.Duration)
	return nil
}

// alreadyBackedUp reports whether the checkpoint marks t completed and its
// json snapshot still matches the checksum recorded by the checkpoint or,
// failing that, by the catalog. Without any checksum the checkpoint is
// trusted.
func (o *Orchestrator) alreadyBackedUp(ctx context.Context, t sink.Target) bool {
	ref, ok := o.cp.Find(t.BaseID, t.TableID)
	if !ok {
		return false
	}
	if ref.Checksum == "" {
		sum, err := o.catalog.LastChecksum(ctx, t.BaseID, t.TableID, string(sink.FormatJSON))
		if err != nil {
			o.log.Warn("catalog checksum lookup failed", "table", t.String(), "error", err)
		}
		ref.Checksum = sum
	}
	if ref.Checksum == "" {
		return true
	}

	key := storage.DataKey(string(sink.FormatJSON), t.FileStem()+".json")
	f, err := o.store.Open(key)
	if err != nil {
		o.log.Warn("completed table has no snapshot, fetching again", "table", t.String(), "key", key)
		return false
	}
	defer f.Close()

	match, err := tables.VerifyReader(f, ref.Checksum)
	if err != nil || !match {
		o.log.Warn("completed table snapshot changed, fetching again", "table", t.String(), "error", err)
		return false
	}
	return true
}

func (o *Orchestrator) recordTable(ctx context.Context, rec metadata.TableRecord) {
	rec.RunID = o.cfg.RunID
	if err := o.catalog.RecordTable(ctx, rec); err != nil {
		o.log.Warn("failed to record table in catalog", "table", rec.TableName, "error", err)
	}
}

func (o *Orchestrator) emitAudit(ctx context.Context, t sink.Target, res FetchResult) {
	evt := &audit.Event{
		RunID: o.cfg.RunID,
		Table: audit.TableInfo{
			BaseID:    t.BaseID,
			BaseName:  t.BaseName,
			TableID:   t.TableID,
			TableName: t.TableName,
			Records:   len(res.Records),
		},
		Outputs: make(map[string]audit.OutputInfo, len(res.Outputs)),
	}
	for format, out := range res.Outputs {
		evt.Outputs[string(format)] = audit.OutputInfo{Checksum: out.Checksum, Path: out.Key, Bytes: out.Bytes}
	}
	if err := o.audit.Emit(ctx, evt); err != nil {
		o.log.Warn("failed to emit audit event", "table", t.String(), "error", err)
	}
}

func (o *Orchestrator) formats() []string {
	var out []string
	for _, f := range o.sink.Formats() {
		out = append(out, string(f))
	}
	return out
}

// finalize writes metadata, name mapping, checkpoint, report and catalog
// entries. Each step is attempted; failures are logged and joined.
func (o *Orchestrator) finalize(ctx context.Context, status string) error {
	snap := o.stats.Snapshot()
	finishedAt := time.Now().UTC()
	var errs []error

	meta := &metadata.BackupMetadata{
		BackupDate:    o.cfg.BackupDate,
		RunID:         o.cfg.RunID,
		Status:        status,
		SchemaVersion: tables.SchemaVersion,
		StartedAt:     o.startedAt,
		FinishedAt:    finishedAt,
		OutputDir:     o.store.Root(),
		Bases:         o.bases,
		Statistics:    snap,
		Formats:       o.formats(),
	}
	if err := o.meta.WriteBackupMetadata(ctx, meta); err != nil {
		errs = append(errs, err)
	}
	if err := o.meta.WriteNameMapping(ctx, o.names); err != nil {
		errs = append(errs, err)
	}

	o.cp.Stats = snap
	if err := o.checkpoints.Save(ctx, o.cp); err != nil {
		errs = append(errs, fmt.Errorf("save checkpoint: %w", err))
	}

	summary := report.Build(snap, report.Info{
		BackupDate: o.cfg.BackupDate,
		RunID:      o.cfg.RunID,
		Status:     status,
		OutputDir:  o.store.Root(),
		Formats:    meta.Formats,
		StartedAt:  o.startedAt,
		FinishedAt: finishedAt,
	})
	if err := report.Write(ctx, o.store, summary); err != nil {
		errs = append(errs, err)
	}

	if err := o.catalog.RecordRun(ctx, meta); err != nil {
		errs = append(errs, fmt.Errorf("record run in catalog: %w", err))
	}

	for _, err := range errs {
		o.log.Error("finalize step failed", "error", err)
	}
	return errors.Join(errs...)
}
