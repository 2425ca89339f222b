package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"

	"github.com/withObsrvr/airtable-backup/internal/metrics"
	"github.com/withObsrvr/airtable-backup/internal/tables"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultAPIURL  = "https://api.airtable.com/v0"
	DefaultMetaURL = "https://api.airtable.com/v0/meta"
)

// Config configures the HTTP source.
type Config struct {
	Token        string
	APIURL       string        // record endpoints, e.g. https://api.airtable.com/v0
	MetaURL      string        // meta endpoints, e.g. https://api.airtable.com/v0/meta
	Timeout      time.Duration // per request
	RequestDelay time.Duration // minimum spacing between API requests
	PageSize     int           // 0 lets the server choose
	UserAgent    string
}

// HTTPSource reads from the Airtable REST and meta APIs.
type HTTPSource struct {
	api     *resty.Client
	files   *resty.Client
	cfg     Config
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewHTTPSource creates a source. Retries are left to the caller so that
// backoff policy and error classification live in one place.
func NewHTTPSource(cfg Config) *HTTPSource {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.MetaURL == "" {
		cfg.MetaURL = DefaultMetaURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "airtable-backup"
	}

	api := resty.New().
		SetAuthToken(cfg.Token).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", cfg.UserAgent).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0)

	// Attachment URLs are pre-signed and may point at other hosts, so the
	// token is never sent with them.
	files := resty.New().
		SetHeader("User-Agent", cfg.UserAgent).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0)

	limit := rate.Inf
	if cfg.RequestDelay > 0 {
		limit = rate.Every(cfg.RequestDelay)
	}

	return &HTTPSource{
		api:     api,
		files:   files,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		log:     slog.With("component", "source"),
	}
}

// HTTPClients returns the underlying clients (API, files), e.g. for
// installing a mock transport.
func (s *HTTPSource) HTTPClients() (*http.Client, *http.Client) {
	return s.api.GetClient(), s.files.GetClient()
}

type basesResponse struct {
	Bases  []tables.Base `json:"bases"`
	Offset string        `json:"offset"`
}

type tablesResponse struct {
	Tables *[]tables.Table `json:"tables"`
}

type recordsResponse struct {
	Records *[]tables.Record `json:"records"`
	Offset  string           `json:"offset"`
}

// ListBases returns every base visible to the token, following the meta
// API cursor.
func (s *HTTPSource) ListBases(ctx context.Context) ([]tables.Base, error) {
	var bases []tables.Base
	offset := ""
	for {
		query := map[string]string{}
		if offset != "" {
			query["offset"] = offset
		}

		var body basesResponse
		if err := s.get(ctx, s.api, s.cfg.MetaURL+"/bases", nil, query, &body); err != nil {
			return nil, fmt.Errorf("list bases: %w", err)
		}
		bases = append(bases, body.Bases...)

		if body.Offset == "" {
			break
		}
		if body.Offset == offset {
			return nil, fmt.Errorf("list bases: %w: cursor %q did not advance", ErrProtocol, offset)
		}
		offset = body.Offset
	}

	s.log.Info("listed bases", "count", len(bases))
	return bases, nil
}

// ListTables returns the tables of one base.
func (s *HTTPSource) ListTables(ctx context.Context, baseID string) ([]tables.Table, error) {
	var body tablesResponse
	params := map[string]string{"baseId": baseID}
	if err := s.get(ctx, s.api, s.cfg.MetaURL+"/bases/{baseId}/tables", params, nil, &body); err != nil {
		return nil, fmt.Errorf("list tables of base %s: %w", baseID, err)
	}
	if body.Tables == nil {
		return nil, fmt.Errorf("list tables of base %s: %w: response has no tables", baseID, ErrProtocol)
	}
	return *body.Tables, nil
}

// ListRecords fetches one page of records. offset is the cursor returned by
// the previous page, empty for the first page.
func (s *HTTPSource) ListRecords(ctx context.Context, baseID, tableName, offset string) (*Page, error) {
	params := map[string]string{"baseId": baseID, "tableName": tableName}
	query := map[string]string{}
	if offset != "" {
		query["offset"] = offset
	}
	if s.cfg.PageSize > 0 {
		query["pageSize"] = strconv.Itoa(s.cfg.PageSize)
	}

	var body recordsResponse
	if err := s.get(ctx, s.api, s.cfg.APIURL+"/{baseId}/{tableName}", params, query, &body); err != nil {
		return nil, fmt.Errorf("list records of %s/%s: %w", baseID, tableName, err)
	}
	if body.Records == nil {
		return nil, fmt.Errorf("list records of %s/%s: %w: response has no records", baseID, tableName, ErrProtocol)
	}
	for i, r := range *body.Records {
		if r.ID == "" {
			return nil, fmt.Errorf("list records of %s/%s: %w: record %d has no id", baseID, tableName, ErrProtocol, i)
		}
	}

	return &Page{Records: *body.Records, Offset: body.Offset}, nil
}

// Download streams an attachment body into w.
func (s *HTTPSource) Download(ctx context.Context, url string, w io.Writer) (int64, error) {
	resp, err := s.files.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, fmt.Errorf("%w: GET attachment: %v", ErrTransient, err)
	}
	body := resp.RawBody()
	defer body.Close()

	if kind := classifyStatus(resp.StatusCode()); kind != nil {
		return 0, fmt.Errorf("%w: GET attachment: status %d", kind, resp.StatusCode())
	}

	n, err := io.Copy(w, body)
	if err != nil {
		return n, fmt.Errorf("%w: read attachment body: %v", ErrTransient, err)
	}
	return n, nil
}

// Close releases idle connections.
func (s *HTTPSource) Close() error {
	s.api.GetClient().CloseIdleConnections()
	s.files.GetClient().CloseIdleConnections()
	return nil
}

// get waits for the rate limiter, issues a GET and decodes a JSON body into
// out. Errors are classified into ErrAuth, ErrTransient or ErrProtocol;
// context errors are returned as is.
func (s *HTTPSource) get(ctx context.Context, client *resty.Client, url string, params, query map[string]string, out any) error {
	if err := s.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}

	req := client.R().SetContext(ctx)
	if params != nil {
		req.SetPathParams(params)
	}
	if query != nil {
		req.SetQueryParams(query)
	}

	start := time.Now()
	resp, err := req.Get(url)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		metrics.Get().IncAPIErrors("transient")
		return fmt.Errorf("%w: GET %s: %v", ErrTransient, url, err)
	}

	s.log.Debug("api request",
		"url", resp.Request.URL,
		"status", resp.StatusCode(),
		"duration", time.Since(start),
	)

	if kind := classifyStatus(resp.StatusCode()); kind != nil {
		metrics.Get().IncAPIErrors(ErrorKind(kind))
		return fmt.Errorf("%w: GET %s: status %d: %s", kind, resp.Request.URL, resp.StatusCode(), truncate(resp.String(), 200))
	}

	if err := json.Unmarshal(resp.Body(), out); err != nil {
		metrics.Get().IncAPIErrors("protocol")
		return fmt.Errorf("%w: decode %s: %v", ErrProtocol, resp.Request.URL, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
