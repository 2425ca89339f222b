package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/airtable-backup/internal/attachments"
	"github.com/withObsrvr/airtable-backup/internal/audit"
	"github.com/withObsrvr/airtable-backup/internal/backup"
	"github.com/withObsrvr/airtable-backup/internal/checkpoint"
	"github.com/withObsrvr/airtable-backup/internal/config"
	"github.com/withObsrvr/airtable-backup/internal/logging"
	"github.com/withObsrvr/airtable-backup/internal/metadata"
	"github.com/withObsrvr/airtable-backup/internal/metrics"
	"github.com/withObsrvr/airtable-backup/internal/sink"
	"github.com/withObsrvr/airtable-backup/internal/source"
	"github.com/withObsrvr/airtable-backup/internal/storage"
)

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if cmd.Flags().Changed("output") {
		cfg.Output.Dir = outputDir
		cfg.Output.Generated = false
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	cfg.DryRun = dryRun
	cfg.Resume = resume

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newSource(cfg config.Config) *source.HTTPSource {
	return source.NewHTTPSource(source.Config{
		Token:        cfg.API.Token,
		APIURL:       cfg.API.BaseURL,
		MetaURL:      cfg.API.MetaURL,
		Timeout:      cfg.API.Timeout,
		RequestDelay: cfg.Perf.RequestDelay,
		PageSize:     cfg.Perf.PageSize,
		UserAgent:    "airtable-backup/" + Version,
	})
}

func runBackup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if cfg.DryRun {
		return runDryRun(ctx, cfg)
	}

	started := time.Now()
	backupDate := started.Format(metadata.DateLayout)
	runID := logging.GenerateCorrelationID()

	formats := make([]sink.Format, 0, len(cfg.Formats.Enabled()))
	for _, name := range cfg.Formats.Enabled() {
		f, err := sink.ParseFormat(name)
		if err != nil {
			return err
		}
		formats = append(formats, f)
	}

	store, err := storage.NewLocalStore(cfg.Output.Dir)
	if err != nil {
		return fmt.Errorf("%w: %w", backup.ErrFilesystem, err)
	}
	defer store.Close()

	s, err := sink.Build(store, sink.Options{
		Formats:            formats,
		ParquetCompression: cfg.Formats.ParquetCompression,
	}, sink.Detect(ctx))
	if err != nil {
		return fmt.Errorf("configure outputs: %w", err)
	}
	defer s.Close()

	var active []string
	for _, f := range s.Formats() {
		active = append(active, string(f))
	}
	if err := store.EnsureTree(active); err != nil {
		return fmt.Errorf("%w: %w", backup.ErrFilesystem, err)
	}

	closeLog, err := logging.Setup(logging.Config{
		Format: cfg.Log.Format,
		Level:  cfg.Log.Level,
		File:   store.Path(path.Join(storage.LogsDir, "backup_"+backupDate+".log")),
	})
	if err != nil {
		return fmt.Errorf("%w: %w", backup.ErrFilesystem, err)
	}
	defer closeLog()

	log := logging.Component("main").With("run_id", runID)
	log.Info("airtable-backup starting", "version", Version, "git_sha", GitSHA, "output", store.Root())

	if cfg.Metrics.Address != "" {
		metrics.Init("airtable_backup")
		go func() {
			log.Info("metrics server listening", "address", cfg.Metrics.Address)
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	src := newSource(cfg)
	defer src.Close()

	var files *attachments.Store
	if cfg.Attachments.Include {
		files = attachments.New(src, attachments.Config{
			MaxRetries:   cfg.Perf.MaxRetries,
			RetryBackoff: cfg.Perf.RetryBackoff,
		})
	}

	catalog, err := metadata.NewCatalog(ctx, metadata.CatalogConfig{PostgresDSN: cfg.Catalog.PostgresDSN})
	if err != nil {
		log.Warn("run catalog unavailable, continuing without it", "error", err)
		catalog, _ = metadata.NewCatalog(ctx, metadata.CatalogConfig{})
	}
	defer catalog.Close()

	checkpoints, err := checkpoint.NewManager(checkpoint.Config{
		Enabled: true,
		Dir:     store.Path(storage.MetadataDir),
	})
	if err != nil {
		return fmt.Errorf("%w: %w", backup.ErrFilesystem, err)
	}

	trail, err := audit.NewEmitter(audit.Config{
		Enabled:      cfg.Audit.Enabled,
		Endpoint:     cfg.Audit.Endpoint,
		Timeout:      cfg.API.Timeout,
		MaxRetries:   cfg.Perf.MaxRetries,
		RetryBackoff: cfg.Perf.RetryBackoff,
		Producer:     audit.ProducerInfo{Name: "airtable-backup", Version: Version, GitSHA: GitSHA},
	}, store)
	if err != nil {
		return fmt.Errorf("%w: %w", backup.ErrFilesystem, err)
	}
	defer trail.Close()

	orch := backup.New(backup.Deps{
		Source:      src,
		Store:       store,
		Sink:        s,
		Attachments: files,
		Catalog:     catalog,
		Checkpoints: checkpoints,
		Audit:       trail,
	}, backup.Config{
		RunID:           runID,
		BackupDate:      backupDate,
		ContinueOnError: cfg.ContinueOnError,
		Resume:          cfg.Resume,
		Fetch: backup.FetcherConfig{
			MaxRetries:    cfg.Perf.MaxRetries,
			RetryBackoff:  cfg.Perf.RetryBackoff,
			SnapshotEvery: cfg.Formats.SnapshotEvery,
		},
	})

	stats, runErr := orch.Run(ctx)
	if err := s.Close(); err != nil {
		log.Warn("closing outputs", "error", err)
	}

	mirror := storage.MirrorConfig{
		Backend:    cfg.Mirror.Backend,
		LocalDir:   cfg.Mirror.LocalDir,
		GCSBucket:  cfg.Mirror.GCSBucket,
		S3Bucket:   cfg.Mirror.S3Bucket,
		S3Endpoint: cfg.Mirror.S3Endpoint,
		S3Region:   cfg.Mirror.S3Region,
		Prefix:     cfg.Mirror.Prefix,
		Compress:   cfg.Mirror.Compress,
	}
	if mirror.Enabled() && !errors.Is(runErr, context.Canceled) {
		if err := mirrorOutput(ctx, store, mirror); err != nil {
			log.Error("mirror failed", "error", err)
			runErr = errors.Join(runErr, err)
		}
	}

	if runErr != nil {
		return runErr
	}

	log.Info("backup completed",
		"records", stats.RecordsProcessed,
		"attachments", stats.AttachmentsDownloaded,
		"errors", len(stats.Errors),
		"output", store.Root(),
		"elapsed", time.Since(started).Round(time.Second),
	)
	return nil
}

func mirrorOutput(ctx context.Context, store *storage.LocalStore, cfg storage.MirrorConfig) error {
	dst, err := storage.NewBlobStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open mirror: %w", err)
	}
	defer dst.Close()

	_, err = storage.Mirror(ctx, store, dst)
	return err
}

func runDryRun(ctx context.Context, cfg config.Config) error {
	if _, err := logging.Setup(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level}); err != nil {
		return err
	}

	src := newSource(cfg)
	defer src.Close()

	previews, err := backup.DryRun(ctx, src)
	if err != nil {
		return err
	}

	tables := 0
	for _, p := range previews {
		tables += len(p.Tables)
	}
	slog.Info("dry run complete, nothing was written", "bases", len(previews), "tables", tables)
	return nil
}
