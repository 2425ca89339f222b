// Package attachments downloads record attachments into the output tree,
// skipping files that already exist.
package attachments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/withObsrvr/airtable-backup/internal/metrics"
	"github.com/withObsrvr/airtable-backup/internal/source"
	"github.com/withObsrvr/airtable-backup/internal/tables"
	"github.com/withObsrvr/airtable-backup/internal/util"
)

// ErrDownload marks a failed attachment download. It never aborts a page.
var ErrDownload = errors.New("attachment download failed")

// Downloader streams the body behind url into w.
type Downloader interface {
	Download(ctx context.Context, url string, w io.Writer) (int64, error)
}

// Result describes one Ensure call.
type Result struct {
	Path       string
	Downloaded bool
	Bytes      int64
}

// Summary aggregates the outcome of a batch of Ensure calls.
type Summary struct {
	Downloaded int
	Skipped    int
	Failed     int
	Bytes      int64
	Errors     []error
}

// Add merges other into s.
func (s *Summary) Add(other Summary) {
	s.Downloaded += other.Downloaded
	s.Skipped += other.Skipped
	s.Failed += other.Failed
	s.Bytes += other.Bytes
	s.Errors = append(s.Errors, other.Errors...)
}

// Store writes attachments under per-table directories. The existence check
// and the write of a destination path are serialized so that concurrent
// callers never download the same path twice.
type Store struct {
	dl    Downloader
	cfg   Config
	locks sync.Map // path -> *sync.Mutex
	log   *slog.Logger
}

// Config controls retries of transient download failures.
type Config struct {
	MaxRetries   int
	RetryBackoff time.Duration
}

func New(dl Downloader, cfg Config) *Store {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Store{
		dl:  dl,
		cfg: cfg,
		log: slog.With("component", "attachments"),
	}
}

func (s *Store) lock(path string) func() {
	m, _ := s.locks.LoadOrStore(path, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Ensure downloads url into dir under the sanitized filename unless a file
// already exists at that path. Two attachments whose names sanitize to the
// same value resolve to whichever was written first.
func (s *Store) Ensure(ctx context.Context, url, filename, dir string) (Result, error) {
	dest := filepath.Join(dir, util.SafeFilename(filename))

	unlock := s.lock(dest)
	defer unlock()

	if _, err := os.Stat(dest); err == nil {
		return Result{Path: dest}, nil
	} else if !os.IsNotExist(err) {
		return Result{Path: dest}, fmt.Errorf("%w: stat %s: %v", ErrDownload, dest, err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return Result{Path: dest}, fmt.Errorf("%w: create directory %s: %v", ErrDownload, dir, err)
	}

	tempPath, n, err := s.download(ctx, url, dir)
	if err != nil {
		return Result{Path: dest}, fmt.Errorf("%w: %s: %w", ErrDownload, filepath.Base(dest), err)
	}

	if err := os.Rename(tempPath, dest); err != nil {
		os.Remove(tempPath)
		return Result{Path: dest}, fmt.Errorf("%w: rename %s: %v", ErrDownload, dest, err)
	}

	return Result{Path: dest, Downloaded: true, Bytes: n}, nil
}

// download fetches url into a temp file in dir and returns its path.
// Transient failures are retried, each attempt into a fresh temp file.
func (s *Store) download(ctx context.Context, url, dir string) (string, int64, error) {
	var (
		tempPath string
		n        int64
		attempts int
	)
	op := func() error {
		attempts++
		tmp, err := os.CreateTemp(dir, ".download-*.tmp")
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create temp file: %w", err))
		}
		written, err := s.dl.Download(ctx, url, tmp)
		if closeErr := tmp.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			os.Remove(tmp.Name())
			if errors.Is(err, source.ErrTransient) {
				return err
			}
			return backoff.Permanent(err)
		}
		tempPath, n = tmp.Name(), written
		return nil
	}
	notify := func(err error, wait time.Duration) {
		metrics.Get().IncRetryAttempts("download")
		s.log.Warn("download failed, retrying", "attempt", attempts, "wait", wait, "error", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryBackoff
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()

	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.MaxRetries)), ctx), notify)
	return tempPath, n, err
}

// EnsureRecords walks every attachment field of records and ensures each
// file exists in dir. Failures are logged and counted, never returned.
// onDownload, when set, is called once per file actually downloaded.
func (s *Store) EnsureRecords(ctx context.Context, records []tables.Record, dir string, onDownload func(Result)) Summary {
	var sum Summary
	for _, r := range records {
		for _, name := range sortedFields(r) {
			v, _ := r.Field(name)
			if v.Kind() != tables.KindAttachments {
				continue
			}
			for _, a := range v.AttachmentList() {
				if ctx.Err() != nil {
					return sum
				}
				res, err := s.Ensure(ctx, a.URL, a.Filename, dir)
				switch {
				case err != nil:
					sum.Failed++
					sum.Errors = append(sum.Errors, err)
					metrics.Get().AttachmentFailed()
					s.log.Warn("failed to download attachment",
						"record_id", r.ID,
						"field", name,
						"filename", a.Filename,
						"error", err,
					)
				case res.Downloaded:
					sum.Downloaded++
					sum.Bytes += res.Bytes
					metrics.Get().AttachmentDownloaded(res.Bytes)
					s.log.Debug("downloaded attachment", "path", res.Path, "bytes", res.Bytes)
					if onDownload != nil {
						onDownload(res)
					}
				default:
					sum.Skipped++
				}
			}
		}
	}
	return sum
}

func sortedFields(r tables.Record) []string {
	return tables.FieldNames([]tables.Record{r})
}
