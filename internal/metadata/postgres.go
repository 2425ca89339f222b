package metadata

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresCatalog implements Catalog using PostgreSQL.
type PostgresCatalog struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewPostgresCatalog connects to the catalog database and creates its
// tables if needed.
func NewPostgresCatalog(ctx context.Context, cfg CatalogConfig) (*PostgresCatalog, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolCfg.MaxConns = 2
	poolCfg.MinConns = 0
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	c := &PostgresCatalog{
		pool: pool,
		log:  slog.With("component", "catalog"),
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	c.log.Info("connected to PostgreSQL catalog")
	return c, nil
}

// RecordRun upserts the run row. It is called once, from Finalize.
func (c *PostgresCatalog) RecordRun(ctx context.Context, m *BackupMetadata) error {
	query := `
		INSERT INTO backup_runs (
			run_id, backup_date, status, started_at, finished_at, output_dir,
			bases_processed, tables_processed, tables_skipped, records_processed,
			attachments_downloaded, attachments_failed, error_count, formats
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (run_id)
		DO UPDATE SET
			status = EXCLUDED.status,
			finished_at = EXCLUDED.finished_at,
			bases_processed = EXCLUDED.bases_processed,
			tables_processed = EXCLUDED.tables_processed,
			tables_skipped = EXCLUDED.tables_skipped,
			records_processed = EXCLUDED.records_processed,
			attachments_downloaded = EXCLUDED.attachments_downloaded,
			attachments_failed = EXCLUDED.attachments_failed,
			error_count = EXCLUDED.error_count,
			formats = EXCLUDED.formats
	`

	s := m.Statistics
	_, err := c.pool.Exec(ctx, query,
		m.RunID,
		m.BackupDate,
		m.Status,
		m.StartedAt,
		m.FinishedAt,
		m.OutputDir,
		s.BasesProcessed,
		s.TablesProcessed,
		s.TablesSkipped,
		s.RecordsProcessed,
		s.AttachmentsDownloaded,
		s.AttachmentsFailed,
		len(s.Errors),
		m.Formats,
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// RecordTable writes one table outcome and its per-format checksums in a
// single transaction.
func (c *PostgresCatalog) RecordTable(ctx context.Context, rec TableRecord) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var errMsg *string
	if rec.Error != "" {
		errMsg = &rec.Error
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO backup_tables (
			run_id, base_id, base_name, table_id, table_name,
			record_count, page_count, status, error_message, duration_ms
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (run_id, base_id, table_id)
		DO UPDATE SET
			record_count = EXCLUDED.record_count,
			page_count = EXCLUDED.page_count,
			status = EXCLUDED.status,
			error_message = EXCLUDED.error_message,
			duration_ms = EXCLUDED.duration_ms
	`,
		rec.RunID,
		rec.BaseID,
		rec.BaseName,
		rec.TableID,
		rec.TableName,
		rec.Records,
		rec.Pages,
		rec.Status,
		errMsg,
		rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("record table: %w", err)
	}

	batch := &pgx.Batch{}
	for format, checksum := range rec.Checksums {
		batch.Queue(`
			INSERT INTO backup_outputs (run_id, base_id, table_id, format, checksum)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (run_id, base_id, table_id, format)
			DO UPDATE SET checksum = EXCLUDED.checksum
		`, rec.RunID, rec.BaseID, rec.TableID, format, checksum)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("record outputs: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	c.log.Debug("recorded table", "base_id", rec.BaseID, "table", rec.TableName, "status", rec.Status)
	return nil
}

// LastChecksum returns the checksum of format recorded by the most recent
// finished run for a table, or "" when there is none.
func (c *PostgresCatalog) LastChecksum(ctx context.Context, baseID, tableID, format string) (string, error) {
	query := `
		SELECT o.checksum
		FROM backup_outputs o
		JOIN backup_runs r ON r.run_id = o.run_id
		WHERE o.base_id = $1 AND o.table_id = $2 AND o.format = $3
		ORDER BY r.started_at DESC
		LIMIT 1
	`

	var checksum string
	err := c.pool.QueryRow(ctx, query, baseID, tableID, format).Scan(&checksum)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("get last checksum: %w", err)
	}
	return checksum, nil
}

// Close releases database connections.
func (c *PostgresCatalog) Close() error {
	c.pool.Close()
	return nil
}
