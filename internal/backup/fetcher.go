package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/withObsrvr/airtable-backup/internal/attachments"
	"github.com/withObsrvr/airtable-backup/internal/metrics"
	"github.com/withObsrvr/airtable-backup/internal/sink"
	"github.com/withObsrvr/airtable-backup/internal/source"
	"github.com/withObsrvr/airtable-backup/internal/tables"
)

// ErrRetriesExhausted wraps the last transient error once a page request
// has used up its retries.
var ErrRetriesExhausted = errors.New("retries exhausted")

// FetcherConfig controls paging and flushing of one table.
type FetcherConfig struct {
	MaxRetries   int
	RetryBackoff time.Duration

	// SnapshotEvery is the flush cadence, in pages, of formats that rewrite
	// a full snapshot (csv, parquet). The last page always flushes them.
	SnapshotEvery int
}

// Fetcher pulls every page of a table, persisting progress after each page.
type Fetcher struct {
	src   source.Source
	sink  *sink.MultiFormatSink
	files *attachments.Store // nil disables attachment downloads
	cfg   FetcherConfig
	log   *slog.Logger
}

// NewFetcher creates a fetcher. files may be nil.
func NewFetcher(src source.Source, s *sink.MultiFormatSink, files *attachments.Store, cfg FetcherConfig) *Fetcher {
	if cfg.SnapshotEvery < 1 {
		cfg.SnapshotEvery = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Fetcher{
		src:   src,
		sink:  s,
		files: files,
		cfg:   cfg,
		log:   slog.With("component", "fetcher"),
	}
}

// TableJob is one table to fetch.
type TableJob struct {
	Target sink.Target

	// AttachmentDir is the absolute directory for downloaded files.
	AttachmentDir string

	// OnAttachment is called once per file actually downloaded.
	OnAttachment func(attachments.Result)
}

// FetchResult is what a fetch accumulated, complete or not.
type FetchResult struct {
	Records     []tables.Record
	Pages       int
	Attachments attachments.Summary

	// Outputs holds the latest successful output per format.
	Outputs map[sink.Format]sink.Output

	// FormatErrors holds the last failure of each format that failed during
	// any flush, in flush order.
	FormatErrors []*sink.SinkWriteError

	Duration time.Duration
}

// Checksum returns the checksum of format's final output, if any.
func (r FetchResult) Checksum(f sink.Format) string {
	return r.Outputs[f].Checksum
}

// Fetch walks the record pages of job's table. Records from every page
// fetched are returned even when err is non-nil; in that case the partial
// table has already been flushed.
func (f *Fetcher) Fetch(ctx context.Context, job TableJob) (FetchResult, error) {
	start := time.Now()
	t := job.Target
	log := f.log.With("base", t.BaseName, "table", t.TableName)

	acc := tables.NewAccumulator()
	res := FetchResult{Outputs: make(map[sink.Format]sink.Output)}
	formatErrs := make(map[sink.Format]*sink.SinkWriteError)

	finish := func(err error) (FetchResult, error) {
		if err != nil && acc.Pages() > 0 {
			// Cancellation must not prevent persisting what was fetched.
			f.flush(context.WithoutCancel(ctx), t, acc.Records(), true, &res, formatErrs)
		}
		res.Records = acc.Records()
		res.Pages = acc.Pages()
		res.Duration = time.Since(start)
		for _, format := range f.sink.Formats() {
			if e, ok := formatErrs[format]; ok {
				res.FormatErrors = append(res.FormatErrors, e)
			}
		}
		return res, err
	}

	offset := ""
	for {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}

		page, err := f.fetchPage(ctx, t, offset)
		if err != nil {
			return finish(err)
		}
		acc.AddPage(page.Records)
		log.Debug("fetched page", "page", acc.Pages(), "records", len(page.Records), "total", acc.Len())

		if f.files != nil && len(page.Records) > 0 {
			sum := f.files.EnsureRecords(ctx, page.Records, job.AttachmentDir, job.OnAttachment)
			res.Attachments.Add(sum)
		}
		if err := ctx.Err(); err != nil {
			return finish(err)
		}

		last := page.Offset == ""
		snapshots := last || acc.Pages()%f.cfg.SnapshotEvery == 0
		f.flush(ctx, t, acc.Records(), snapshots, &res, formatErrs)

		if last {
			break
		}
		if page.Offset == offset {
			return finish(fmt.Errorf("list records of %s: %w: cursor %q did not advance", t, source.ErrProtocol, offset))
		}
		offset = page.Offset
	}

	log.Info("fetched table", "records", acc.Len(), "pages", acc.Pages(), "duration", time.Since(start))
	return finish(nil)
}

func (f *Fetcher) flush(ctx context.Context, t sink.Target, records []tables.Record, snapshots bool, res *FetchResult, errs map[sink.Format]*sink.SinkWriteError) {
	fr := f.sink.Flush(ctx, t, records, sink.FlushOptions{Snapshots: snapshots})
	for format, out := range fr.Outputs {
		res.Outputs[format] = out
	}
	for _, e := range fr.Errors {
		errs[e.Format] = e
	}
	if len(fr.Skipped) > 0 {
		f.log.Debug("deferred snapshot formats", "table", t.String(), "formats", fr.Skipped)
	}
}

// fetchPage requests one page, retrying transient failures.
func (f *Fetcher) fetchPage(ctx context.Context, t sink.Target, offset string) (*source.Page, error) {
	var page *source.Page
	err := f.withRetry(ctx, "list_records", f.log.With("table", t.String()), func() error {
		start := time.Now()
		p, err := f.src.ListRecords(ctx, t.BaseID, t.TableName, offset)
		if err != nil {
			return err
		}
		metrics.Get().PageFetched(t.BaseID, len(p.Records), time.Since(start).Seconds())
		page = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// withRetry runs fn, retrying ErrTransient failures with exponential
// backoff up to MaxRetries times. Auth, protocol and context errors are
// returned immediately. Exhausted retries wrap ErrRetriesExhausted.
func (f *Fetcher) withRetry(ctx context.Context, operation string, log *slog.Logger, fn func() error) error {
	attempts := 0
	op := func() error {
		attempts++
		err := fn()
		if err == nil || errors.Is(err, source.ErrTransient) {
			return err
		}
		return backoff.Permanent(err)
	}

	notify := func(err error, wait time.Duration) {
		metrics.Get().IncRetryAttempts(operation)
		log.Warn("request failed, retrying",
			"operation", operation,
			"attempt", attempts,
			"max_retries", f.cfg.MaxRetries,
			"wait", wait,
			"error", err,
		)
	}

	if err := backoff.RetryNotify(op, f.newBackoff(ctx), notify); err != nil {
		if errors.Is(err, source.ErrTransient) {
			return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, err)
		}
		return err
	}
	return nil
}

func (f *Fetcher) newBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.cfg.RetryBackoff
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(f.cfg.MaxRetries)), ctx)
}
