package feed

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sugawarayuuta/sonnet"
)

// Checkpointer persists the last block the feed fully delivered.
type Checkpointer interface {
	Load(ctx context.Context) (uint64, bool, error)
	Save(ctx context.Context, block uint64) error
}

type fileCheckpoint struct {
	LastDeliveredBlock uint64 `json:"last_delivered_block"`
	UpdatedAt          string `json:"updated_at"`
}

// FileCheckpoint keeps the checkpoint in a JSON file replaced atomically.
type FileCheckpoint struct {
	path string
}

func NewFileCheckpoint(path string) *FileCheckpoint {
	return &FileCheckpoint{path: path}
}

func (c *FileCheckpoint) Load(context.Context) (uint64, bool, error) {
	stat, err := os.Stat(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("stat checkpoint: %w", err)
	}
	if stat.IsDir() {
		return 0, false, fmt.Errorf("checkpoint path %s is a directory", c.path)
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		return 0, false, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp fileCheckpoint
	if err := sonnet.Unmarshal(data, &cp); err != nil {
		return 0, false, fmt.Errorf("parse checkpoint: %w", err)
	}
	return cp.LastDeliveredBlock, true, nil
}

func (c *FileCheckpoint) Save(_ context.Context, block uint64) error {
	dir := filepath.Dir(c.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create checkpoint dir: %w", err)
		}
	}

	data, err := sonnet.Marshal(fileCheckpoint{
		LastDeliveredBlock: block,
		UpdatedAt:          time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint tmp: %w", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

// CheckpointTable is the subset of the Postgres store holding named
// checkpoints.
type CheckpointTable interface {
	LoadCheckpoint(ctx context.Context, name string) (uint64, bool, error)
	SaveCheckpoint(ctx context.Context, name string, block uint64) error
}

// TableCheckpoint stores the checkpoint as one named row.
type TableCheckpoint struct {
	table CheckpointTable
	name  string
}

func NewTableCheckpoint(table CheckpointTable, name string) *TableCheckpoint {
	return &TableCheckpoint{table: table, name: name}
}

func (c *TableCheckpoint) Load(ctx context.Context) (uint64, bool, error) {
	block, ok, err := c.table.LoadCheckpoint(ctx, c.name)
	if err != nil {
		return 0, false, fmt.Errorf("load checkpoint %s: %w", c.name, err)
	}
	return block, ok, nil
}

func (c *TableCheckpoint) Save(ctx context.Context, block uint64) error {
	if err := c.table.SaveCheckpoint(ctx, c.name, block); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", c.name, err)
	}
	return nil
}
