package chronology

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// AuditRecord is one line of the append-only repair log.
type AuditRecord struct {
	RunID    string      `json:"run_id"`
	Group    string      `json:"group"`
	LoggedAt time.Time   `json:"logged_at"`
	Block    RepairBlock `json:"block"`
}

// AuditWriter appends repair-block records to a log file, one JSON line
// per block. It is safe for use from multiple goroutines.
type AuditWriter struct {
	mu   sync.Mutex
	file *os.File
}

// NewAuditWriter opens (or creates) the audit log in append mode.
func NewAuditWriter(path string) (*AuditWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log %s: %w", path, err)
	}
	return &AuditWriter{file: f}, nil
}

// Write appends one record. Writes are serialized; the record hits the
// file as a single line.
func (w *AuditWriter) Write(runID, group string, block RepairBlock) error {
	rec := AuditRecord{
		RunID:    runID,
		Group:    group,
		LoggedAt: time.Now().UTC(),
		Block:    block,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// Close closes the underlying log file.
func (w *AuditWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
