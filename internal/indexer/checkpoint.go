package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ledgersync/internal/model"
	"ledgersync/internal/storage"
)

type cursorFile struct {
	Cursors map[int64]model.SyncCursor `json:"cursors"`
}

// FileCursorStore persists per-offering cursors in one JSON file, replaced
// atomically on every write.
type FileCursorStore struct {
	path string
	mu   sync.Mutex
}

var _ storage.CursorStore = (*FileCursorStore)(nil)

func NewFileCursorStore(path string) *FileCursorStore {
	return &FileCursorStore{path: path}
}

func (c *FileCursorStore) Load(_ context.Context, offeringID int64) (model.SyncCursor, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	file, err := c.read()
	if err != nil {
		return model.SyncCursor{}, false, err
	}
	cur, ok := file.Cursors[offeringID]
	return cur, ok, nil
}

// Save records block unless a larger value is already stored.
func (c *FileCursorStore) Save(_ context.Context, offeringID int64, block uint64) error {
	return c.update(offeringID, func(prev uint64, ok bool) uint64 {
		if ok && prev > block {
			return prev
		}
		return block
	})
}

func (c *FileCursorStore) Reset(_ context.Context, offeringID int64) error {
	return c.update(offeringID, func(uint64, bool) uint64 { return 0 })
}

func (c *FileCursorStore) update(offeringID int64, next func(prev uint64, ok bool) uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	file, err := c.read()
	if err != nil {
		return err
	}
	prev, ok := file.Cursors[offeringID]
	file.Cursors[offeringID] = model.SyncCursor{
		OfferingID: offeringID,
		LastBlock:  next(prev.LastBlock, ok),
		UpdatedAt:  time.Now().UTC(),
	}
	return c.write(file)
}

func (c *FileCursorStore) read() (cursorFile, error) {
	file := cursorFile{Cursors: make(map[int64]model.SyncCursor)}

	stat, err := os.Stat(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return file, nil
		}
		return file, fmt.Errorf("stat cursor file: %w", err)
	}
	if stat.IsDir() {
		return file, fmt.Errorf("cursor path is a directory")
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		return file, fmt.Errorf("read cursor file: %w", err)
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return file, fmt.Errorf("parse cursor file: %w", err)
	}
	if file.Cursors == nil {
		file.Cursors = make(map[int64]model.SyncCursor)
	}
	return file, nil
}

func (c *FileCursorStore) write(file cursorFile) error {
	dir := filepath.Dir(c.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create cursor dir: %w", err)
		}
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cursors: %w", err)
	}

	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write cursor tmp: %w", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		return fmt.Errorf("rename cursor file: %w", err)
	}
	return nil
}
