package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/withObsrvr/airtable-backup/internal/metadata"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrNoCheckpoint is returned when no checkpoint exists.
	ErrNoCheckpoint = errors.New("no checkpoint found")
)

// FileName is the checkpoint file inside the metadata directory.
const FileName = "checkpoint.json"

// Checkpoint represents the progress of a backup into one output directory.
type Checkpoint struct {
	RunID     string            `json:"run_id"`
	Completed []TableRef        `json:"completed_tables"`
	Stats     metadata.RunStats `json:"statistics"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// TableRef describes one fully backed up table.
type TableRef struct {
	BaseID    string `json:"base_id"`
	TableID   string `json:"table_id"`
	TableName string `json:"table_name"`
	Records   int    `json:"records"`
	Checksum  string `json:"checksum,omitempty"` // checksum of the json snapshot
}

// Find returns the completion entry of a table.
func (cp *Checkpoint) Find(baseID, tableID string) (TableRef, bool) {
	if cp == nil {
		return TableRef{}, false
	}
	for _, t := range cp.Completed {
		if t.BaseID == baseID && t.TableID == tableID {
			return t, true
		}
	}
	return TableRef{}, false
}

// MarkCompleted records a completed table, replacing an earlier entry.
func (cp *Checkpoint) MarkCompleted(ref TableRef) {
	for i, t := range cp.Completed {
		if t.BaseID == ref.BaseID && t.TableID == ref.TableID {
			cp.Completed[i] = ref
			return
		}
	}
	cp.Completed = append(cp.Completed, ref)
}

// Manager handles checkpoint persistence and retrieval.
type Manager interface {
	// Load reads the current checkpoint.
	Load(ctx context.Context) (*Checkpoint, error)

	// Save persists the checkpoint.
	Save(ctx context.Context, cp *Checkpoint) error
}

// Config configures the checkpoint manager.
type Config struct {
	Enabled bool
	Dir     string // metadata directory of the output tree
}

// NewManager creates a checkpoint manager based on configuration.
func NewManager(cfg Config) (Manager, error) {
	if !cfg.Enabled {
		return &noopManager{}, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", cfg.Dir, err)
	}

	return &fileManager{path: filepath.Join(cfg.Dir, FileName)}, nil
}

// fileManager persists the checkpoint to a single local file.
type fileManager struct {
	mu   sync.Mutex
	path string
}

// Load reads the checkpoint from file.
func (m *fileManager) Load(ctx context.Context) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint file: %w", err)
	}

	return &cp, nil
}

// Save persists the checkpoint to file.
func (m *fileManager) Save(ctx context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	// Write atomically
	tempPath := m.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}

	if err := os.Rename(tempPath, m.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename checkpoint file: %w", err)
	}

	return nil
}

// noopManager is a no-op checkpoint manager for when checkpointing is disabled.
type noopManager struct{}

func (m *noopManager) Load(ctx context.Context) (*Checkpoint, error) {
	return nil, ErrNoCheckpoint
}

func (m *noopManager) Save(ctx context.Context, cp *Checkpoint) error {
	return nil
}
