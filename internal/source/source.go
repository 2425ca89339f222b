package source

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/withObsrvr/airtable-backup/internal/tables"
)

var (
	// ErrAuth is returned for rejected credentials (401/403). It is fatal to
	// the run.
	ErrAuth = errors.New("authentication rejected")

	// ErrTransient marks failures worth retrying: transport errors, 408, 429
	// and 5xx responses.
	ErrTransient = errors.New("transient API failure")

	// ErrProtocol marks responses that violate the API contract: other 4xx
	// statuses, undecodable bodies or a pagination cursor that does not
	// advance.
	ErrProtocol = errors.New("API protocol violation")
)

// Page is one page of records plus the cursor for the next page. An empty
// Offset means the table is exhausted.
type Page struct {
	Records []tables.Record
	Offset  string
}

// Source is the remote dataset: bases, their tables and paginated records.
type Source interface {
	ListBases(ctx context.Context) ([]tables.Base, error)
	ListTables(ctx context.Context, baseID string) ([]tables.Table, error)
	ListRecords(ctx context.Context, baseID, tableName, offset string) (*Page, error)
	Download(ctx context.Context, url string, w io.Writer) (int64, error)
	Close() error
}

// classifyStatus maps an HTTP status to one of the error kinds. It returns
// nil for 2xx.
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ErrAuth
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= 500:
		return ErrTransient
	default:
		return ErrProtocol
	}
}

// ErrorKind names the kind of err for logs and metrics.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}
