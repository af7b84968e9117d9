package services

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"telemetry-pipeline/internal/models"
)

// ProcessedCache decides whether a source file has already been
// ingested. It is injected into the orchestrator; there is no ambient
// global cache state.
type ProcessedCache interface {
	Seen(f models.SourceFile) bool
	Mark(f models.SourceFile)
	Flush() error
}

// fileCacheEntry is one record of the JSON cache file.
type fileCacheEntry struct {
	Size    int64  `json:"size"`
	ModTime int64  `json:"mod_time_unix"`
	Format  string `json:"format"`
}

// FileCache is a JSON-file ProcessedCache keyed by path + size +
// mtime, so a rewritten file is picked up again.
type FileCache struct {
	path    string
	mu      sync.Mutex
	entries map[string]fileCacheEntry
}

// NewFileCache loads (or initializes) the cache at path.
func NewFileCache(path string) (*FileCache, error) {
	c := &FileCache{
		path:    path,
		entries: make(map[string]fileCacheEntry),
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cache %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &c.entries); err != nil {
		return nil, fmt.Errorf("parse cache %s: %w", path, err)
	}
	return c, nil
}

// Seen reports whether the exact file (path, size, mtime) was already
// ingested successfully.
func (c *FileCache) Seen(f models.SourceFile) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[f.Path]
	return ok && e.Size == f.Size && e.ModTime == f.ModTime.Unix()
}

// Mark records a file as ingested. The mark only becomes durable on
// Flush, after the file's group persisted successfully.
func (c *FileCache) Mark(f models.SourceFile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[f.Path] = fileCacheEntry{
		Size:    f.Size,
		ModTime: f.ModTime.Unix(),
		Format:  f.Format,
	}
}

// Flush writes the cache back to disk.
func (c *FileCache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0o644); err != nil {
		return fmt.Errorf("write cache %s: %w", c.path, err)
	}
	return nil
}

// NopCache ignores every file, forcing a full reprocess.
type NopCache struct{}

func (NopCache) Seen(models.SourceFile) bool { return false }
func (NopCache) Mark(models.SourceFile)      {}
func (NopCache) Flush() error                { return nil }
