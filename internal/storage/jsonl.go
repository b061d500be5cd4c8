package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ledgersync/internal/model"
)

// AuditLog appends operator-facing records (gap skips, undecodable logs) to a
// JSONL file.
type AuditLog struct {
	path string
	mu   sync.Mutex
}

func NewAuditLog(path string) *AuditLog {
	return &AuditLog{path: path}
}

// RecordGapSkip appends a skipped block.
func (a *AuditLog) RecordGapSkip(skip model.GapSkip) error {
	if skip.Type == "" {
		skip.Type = "gap_skip"
	}
	if skip.ObservedAt == "" {
		skip.ObservedAt = time.Now().UTC().Format(time.RFC3339)
	}
	return a.append(skip)
}

// RecordDecodeError appends a log that could not be decoded.
func (a *AuditLog) RecordDecodeError(rec model.DecodeError) error {
	if rec.Type == "" {
		rec.Type = "decode_error"
	}
	if rec.ObservedAt == "" {
		rec.ObservedAt = time.Now().UTC().Format(time.RFC3339)
	}
	return a.append(rec)
}

func (a *AuditLog) append(records ...interface{}) error {
	if len(records) == 0 || a.path == "" {
		return nil
	}

	dir := filepath.Dir(a.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create audit dir: %w", err)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	file, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	for _, record := range records {
		line, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal audit record: %w", err)
		}
		if _, err := writer.Write(line); err != nil {
			return fmt.Errorf("write audit record: %w", err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("write newline: %w", err)
		}
	}

	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush audit file: %w", err)
	}
	return nil
}
