package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/withObsrvr/airtable-backup/internal/storage"
)

// Dir is the audit directory inside the metadata directory.
const Dir = "audit"

// Key returns the store key of a file in the audit directory.
func Key(name string) string {
	return storage.MetadataKey(path.Join(Dir, name))
}

// EventKey returns the store key an event is saved under.
func EventKey(evt *Event) string {
	return Key(path.Join(evt.Table.BaseID, fmt.Sprintf("%s_%s.json", evt.Table.TableID, evt.RunID)))
}

// Config configures the audit trail.
type Config struct {
	Enabled bool

	// Endpoint, when set, receives every event as a JSON POST after it is
	// saved locally.
	Endpoint     string
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration

	Producer ProducerInfo
}

// Emitter records completed table backups.
type Emitter interface {
	Emit(ctx context.Context, evt *Event) error
	Close() error
}

// NewEmitter creates the emitter selected by cfg. A disabled trail yields a
// no-op emitter.
func NewEmitter(cfg Config, store Store) (Emitter, error) {
	log := slog.With("component", "audit")
	if !cfg.Enabled {
		log.Debug("disabled, using no-op emitter")
		return noopEmitter{}, nil
	}

	chain, err := NewChainTracker(store)
	if err != nil {
		return nil, err
	}
	e := &ChainEmitter{
		cfg:   cfg,
		store: store,
		chain: chain,
		log:   log,
	}
	if cfg.Endpoint != "" {
		if e.cfg.Timeout == 0 {
			e.cfg.Timeout = 30 * time.Second
		}
		if e.cfg.RetryBackoff == 0 {
			e.cfg.RetryBackoff = time.Second
		}
		e.client = resty.New().
			SetHeader("Content-Type", "application/json").
			SetTimeout(e.cfg.Timeout).
			SetRetryCount(0)
		log.Info("posting events", "endpoint", cfg.Endpoint)
	}
	return e, nil
}

// ChainEmitter saves events into the output tree and optionally posts them
// to an HTTP endpoint.
type ChainEmitter struct {
	cfg    Config
	store  Store
	chain  *ChainTracker
	client *resty.Client // nil when no endpoint is configured
	log    *slog.Logger
}

// HTTPClient exposes the underlying client, nil without an endpoint.
func (e *ChainEmitter) HTTPClient() *resty.Client {
	return e.client
}

// Emit links evt to its chain, saves it and posts it. The chain head only
// advances once every configured destination accepted the event.
func (e *ChainEmitter) Emit(ctx context.Context, evt *Event) error {
	chainKey := evt.ChainKey()

	prev, err := e.chain.Head(chainKey)
	if err != nil && !errors.Is(err, ErrNoChainHead) {
		return fmt.Errorf("get chain head: %w", err)
	}

	evt.Version = EventVersion
	evt.EventType = EventTypeTable
	evt.EventID = uuid.NewString()
	evt.Timestamp = time.Now().UTC()
	evt.Producer = e.cfg.Producer
	evt.Chain.PrevEventHash = prev
	if evt.Chain.EventHash, err = ComputeEventHash(evt); err != nil {
		return fmt.Errorf("hash event: %w", err)
	}

	data, err := json.MarshalIndent(evt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	key := EventKey(evt)
	if err := e.store.Write(ctx, key, data); err != nil {
		return fmt.Errorf("save event: %w", err)
	}

	if e.client != nil {
		if err := e.postWithRetry(ctx, data); err != nil {
			return fmt.Errorf("post event: %w", err)
		}
	}

	if err := e.chain.SetHead(ctx, chainKey, evt.Chain.EventHash); err != nil {
		return fmt.Errorf("set chain head: %w", err)
	}

	e.log.Debug("emitted event",
		"chain", chainKey,
		"table", evt.Table.TableName,
		"prev_hash", prev,
		"event_hash", evt.Chain.EventHash,
		"key", key,
	)
	return nil
}

func (e *ChainEmitter) postWithRetry(ctx context.Context, body []byte) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.RetryBackoff
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()

	attempt := 0
	op := func() error {
		attempt++
		return e.post(ctx, body)
	}
	notify := func(err error, wait time.Duration) {
		e.log.Warn("post failed, retrying", "attempt", attempt, "wait", wait, "error", err)
	}
	return backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.cfg.MaxRetries)), ctx), notify)
}

func (e *ChainEmitter) post(ctx context.Context, body []byte) error {
	resp, err := e.client.R().
		SetContext(ctx).
		SetBody(body).
		Post(e.cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	if resp.IsSuccess() {
		return nil
	}
	err = fmt.Errorf("http %d: %s", resp.StatusCode(), resp.String())
	if resp.StatusCode() >= 400 && resp.StatusCode() < 500 && resp.StatusCode() != 429 {
		return backoff.Permanent(err)
	}
	return err
}

// Close releases resources.
func (e *ChainEmitter) Close() error {
	return nil
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *Event) error { return nil }
func (noopEmitter) Close() error { return nil }
