package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync"

	"github.com/withObsrvr/airtable-backup/internal/storage"
)

// ChainHeadsName is the file, under the audit directory, that holds the
// last event hash of every chain.
const ChainHeadsName = "chain_heads.json"

// ErrNoChainHead indicates no previous event exists for a chain.
var ErrNoChainHead = errors.New("no chain head found")

// Store is the subset of the output tree the audit trail needs.
type Store interface {
	storage.Store
	Open(key string) (io.ReadCloser, error)
}

// ChainTracker keeps the head of every chain, persisted in the output tree
// so a later run continues the same chains.
type ChainTracker struct {
	mu    sync.RWMutex
	heads map[string]string // chain key -> event hash
	store Store
	key   string
}

// NewChainTracker loads existing chain heads from store, if any.
func NewChainTracker(store Store) (*ChainTracker, error) {
	ct := &ChainTracker{
		heads: make(map[string]string),
		store: store,
		key:   Key(ChainHeadsName),
	}
	if err := ct.load(); err != nil {
		return nil, fmt.Errorf("load chain heads: %w", err)
	}
	return ct, nil
}

// Head returns the last event hash of a chain.
func (ct *ChainTracker) Head(chainKey string) (string, error) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	hash, ok := ct.heads[chainKey]
	if !ok || hash == "" {
		return "", ErrNoChainHead
	}
	return hash, nil
}

// SetHead records eventHash as the head of a chain and persists all heads.
func (ct *ChainTracker) SetHead(ctx context.Context, chainKey, eventHash string) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	ct.heads[chainKey] = eventHash

	data, err := json.MarshalIndent(ct.heads, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal chain heads: %w", err)
	}
	return ct.store.Write(ctx, ct.key, data)
}

func (ct *ChainTracker) load() error {
	f, err := ct.store.Open(ct.key)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	return json.NewDecoder(f).Decode(&ct.heads)
}
