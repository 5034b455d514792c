package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang-stock-gateway/internal/logger"
	"golang-stock-gateway/internal/market"
)

// Document is the on-disk cache envelope. Timestamp records when the
// snapshot batch was written, so readers can decide whether the data is
// still fresh.
type Document struct {
	Timestamp time.Time         `json:"timestamp"`
	Data      []market.Snapshot `json:"data"`
}

// FileCache persists collected snapshots as a single JSON document. Writes
// go through a temp file and rename so readers never observe a torn file;
// a missing or corrupt file reads back as absent, never as an error.
type FileCache struct {
	path string
	log  *logger.Entry
}

// NewFileCache creates a cache backed by the given file path.
func NewFileCache(path string, log *logger.Log) *FileCache {
	return &FileCache{
		path: path,
		log:  log.WithComponent("cache"),
	}
}

// Path returns the backing file path.
func (c *FileCache) Path() string {
	return c.path
}

// Save writes the snapshots to disk with the current time as the document
// timestamp. The previous document, if any, is replaced atomically.
func (c *FileCache) Save(snapshots []market.Snapshot) error {
	return c.SaveAt(snapshots, time.Now())
}

// SaveAt writes the snapshots with an explicit timestamp.
func (c *FileCache) SaveAt(snapshots []market.Snapshot, ts time.Time) error {
	doc := Document{Timestamp: ts, Data: snapshots}

	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode cache document: %w", err)
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(c.path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temp cache file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close cache file: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace cache file: %w", err)
	}

	c.log.WithFields(logger.Fields{"snapshots": len(snapshots), "file": c.path}).Info("💾 Cache saved")
	return nil
}

// Load reads the cache document. The second return value is false when no
// usable document exists: the file is missing, unreadable, or corrupt. A
// corrupt file is logged and treated as absent so collection can start over.
func (c *FileCache) Load() (*Document, bool) {
	payload, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.WithError(err).Warn("⚠️ Cache file unreadable, treating as absent")
		}
		return nil, false
	}

	var doc Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		c.log.WithError(err).Warn("⚠️ Cache file corrupt, treating as absent")
		return nil, false
	}

	return &doc, true
}

// CachedCodes returns the instrument codes already present in the cache.
// An absent cache yields an empty set.
func (c *FileCache) CachedCodes() map[string]bool {
	codes := make(map[string]bool)
	doc, ok := c.Load()
	if !ok {
		return codes
	}
	for _, snap := range doc.Data {
		codes[snap.StockCode] = true
	}
	return codes
}

// FreshWithin reports whether a cache document exists and was written no
// longer than the validity window ago.
func (c *FileCache) FreshWithin(validity time.Duration) bool {
	doc, ok := c.Load()
	if !ok {
		return false
	}
	return time.Since(doc.Timestamp) <= validity
}
