package attachments

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/airtable-backup/internal/source"
	"github.com/withObsrvr/airtable-backup/internal/tables"
)

// mockDownloader serves fixed bodies per URL and counts calls.
type mockDownloader struct {
	mu     sync.Mutex
	bodies map[string]string
	fail   map[string]error
	flaky  map[string][]error // returned one per call before fail/bodies apply
	calls  map[string]int
}

func newMockDownloader() *mockDownloader {
	return &mockDownloader{
		bodies: make(map[string]string),
		fail:   make(map[string]error),
		flaky:  make(map[string][]error),
		calls:  make(map[string]int),
	}
}

func (m *mockDownloader) Download(ctx context.Context, url string, w io.Writer) (int64, error) {
	m.mu.Lock()
	m.calls[url]++
	body, err := m.bodies[url], m.fail[url]
	if queue := m.flaky[url]; len(queue) > 0 {
		err, m.flaky[url] = queue[0], queue[1:]
	}
	m.mu.Unlock()
	if err != nil {
		return 0, err
	}
	n, err := io.WriteString(w, body)
	return int64(n), err
}

func (m *mockDownloader) count(url string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[url]
}

func TestEnsureIsIdempotent(t *testing.T) {
	dl := newMockDownloader()
	dl.bodies["https://dl/a"] = "AAAA"
	store := New(dl, Config{})
	dir := filepath.Join(t.TempDir(), "Base1", "Tasks")
	ctx := context.Background()

	res, err := store.Ensure(ctx, "https://dl/a", "a.png", dir)
	require.NoError(t, err)
	assert.True(t, res.Downloaded)
	assert.Equal(t, int64(4), res.Bytes)

	res, err = store.Ensure(ctx, "https://dl/a", "a.png", dir)
	require.NoError(t, err)
	assert.False(t, res.Downloaded)
	assert.Equal(t, 1, dl.count("https://dl/a"))

	data, err := os.ReadFile(filepath.Join(dir, "a.png"))
	require.NoError(t, err)
	assert.Equal(t, "AAAA", string(data))
}

func TestEnsureConcurrentCallersDownloadOnce(t *testing.T) {
	dl := newMockDownloader()
	dl.bodies["https://dl/a"] = "AAAA"
	store := New(dl, Config{})
	dir := t.TempDir()

	var wg sync.WaitGroup
	var mu sync.Mutex
	downloaded := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.Ensure(context.Background(), "https://dl/a", "a.png", dir)
			if err == nil && res.Downloaded {
				mu.Lock()
				downloaded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, downloaded)
	assert.Equal(t, 1, dl.count("https://dl/a"))
}

func TestSanitizedCollisionFirstWriteWins(t *testing.T) {
	dl := newMockDownloader()
	dl.bodies["https://dl/1"] = "first"
	dl.bodies["https://dl/2"] = "second"
	store := New(dl, Config{})
	dir := t.TempDir()
	ctx := context.Background()

	_, err := store.Ensure(ctx, "https://dl/1", "report?.pdf", dir)
	require.NoError(t, err)
	res, err := store.Ensure(ctx, "https://dl/2", "report*.pdf", dir)
	require.NoError(t, err)
	assert.False(t, res.Downloaded)

	data, err := os.ReadFile(filepath.Join(dir, "report.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
}

func TestEnsureFailureLeavesNoFile(t *testing.T) {
	dl := newMockDownloader()
	dl.fail["https://dl/bad"] = errors.New("connection reset")
	store := New(dl, Config{})
	dir := t.TempDir()

	_, err := store.Ensure(context.Background(), "https://dl/bad", "bad.bin", dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDownload)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEnsureRecordsCountsAndReports(t *testing.T) {
	dl := newMockDownloader()
	dl.bodies["https://dl/a"] = "A"
	dl.bodies["https://dl/b"] = "BB"
	dl.fail["https://dl/c"] = errors.New("404")
	store := New(dl, Config{})
	dir := t.TempDir()

	records := []tables.Record{
		{ID: "rec1", Fields: map[string]tables.Value{
			"Files": tables.Attachments(
				tables.Attachment{URL: "https://dl/a", Filename: "a.txt"},
				tables.Attachment{URL: "https://dl/c", Filename: "c.txt"},
			),
			"Name": tables.Scalar("x"),
		}},
		{ID: "rec2", Fields: map[string]tables.Value{
			"Files": tables.Attachments(tables.Attachment{URL: "https://dl/b", Filename: "b.txt"}),
		}},
	}

	var reported []Result
	sum := store.EnsureRecords(context.Background(), records, dir, func(r Result) {
		reported = append(reported, r)
	})
	assert.Equal(t, 2, sum.Downloaded)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, int64(3), sum.Bytes)
	assert.Len(t, sum.Errors, 1)
	assert.Len(t, reported, 2)

	// A second pass finds every successful file in place.
	sum = store.EnsureRecords(context.Background(), records, dir, func(Result) {
		t.Fatal("no download expected on the second pass")
	})
	assert.Equal(t, 0, sum.Downloaded)
	assert.Equal(t, 2, sum.Skipped)
	assert.Equal(t, 1, sum.Failed)
}

func transient() error {
	return fmt.Errorf("%w: status 503", source.ErrTransient)
}

func TestEnsureRetriesTransientFailures(t *testing.T) {
	dl := newMockDownloader()
	dl.bodies["https://dl/a"] = "AAAA"
	dl.flaky["https://dl/a"] = []error{transient()}
	store := New(dl, Config{MaxRetries: 3, RetryBackoff: time.Millisecond})
	dir := t.TempDir()

	sum := store.EnsureRecords(context.Background(), []tables.Record{
		{ID: "rec1", Fields: map[string]tables.Value{
			"Files": tables.Attachments(tables.Attachment{URL: "https://dl/a", Filename: "a.txt"}),
		}},
	}, dir, nil)
	assert.Equal(t, 1, sum.Downloaded)
	assert.Equal(t, 0, sum.Failed)
	assert.Equal(t, 2, dl.count("https://dl/a"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "failed attempts leave no temp files")
	assert.Equal(t, "a.txt", entries[0].Name())
}

func TestEnsureRetryLimits(t *testing.T) {
	t.Run("exhausted", func(t *testing.T) {
		dl := newMockDownloader()
		dl.fail["https://dl/a"] = transient()
		store := New(dl, Config{MaxRetries: 2, RetryBackoff: time.Millisecond})

		_, err := store.Ensure(context.Background(), "https://dl/a", "a.txt", t.TempDir())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDownload)
		assert.ErrorIs(t, err, source.ErrTransient)
		assert.Equal(t, 3, dl.count("https://dl/a"))
	})

	t.Run("protocol errors are not retried", func(t *testing.T) {
		dl := newMockDownloader()
		dl.fail["https://dl/a"] = fmt.Errorf("%w: status 404", source.ErrProtocol)
		store := New(dl, Config{MaxRetries: 3, RetryBackoff: time.Millisecond})

		_, err := store.Ensure(context.Background(), "https://dl/a", "a.txt", t.TempDir())
		require.Error(t, err)
		assert.ErrorIs(t, err, source.ErrProtocol)
		assert.Equal(t, 1, dl.count("https://dl/a"))
	})
}
