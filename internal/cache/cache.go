package cache

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"healthwatch/internal/config"
)

// ErrMiss signals that no valid entry exists for a key. Expired and
// corrupted entries report as misses.
var ErrMiss = errors.New("cache miss")

// Cache is a file-backed TTL cache. An entry is valid while its file is
// younger than the TTL; expired files stay on disk until a sweep runs.
// Reads tolerate concurrent cleanup passes.
type Cache struct {
	dir         string
	ttl         time.Duration
	maxSize     int64
	compression bool
	logger      *slog.Logger
}

func New(cfg config.CacheConfig, logger *slog.Logger) (*Cache, error) {
	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return nil, err
	}
	return &Cache{
		dir:         cfg.Directory,
		ttl:         cfg.TTL,
		maxSize:     cfg.MaxSizeBytes,
		compression: cfg.Compression,
		logger:      logger,
	}, nil
}

func (c *Cache) entryPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:16])
	if c.compression {
		return filepath.Join(c.dir, name+".json.gz")
	}
	return filepath.Join(c.dir, name+".json")
}

// stalePath is where the entry would live under the opposite compression
// setting. Toggling compression across restarts leaves entries behind
// under the old extension; Put removes them so a key never resolves to
// two files.
func (c *Cache) stalePath(key string) string {
	sum := sha256.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:16])
	if c.compression {
		return filepath.Join(c.dir, name+".json")
	}
	return filepath.Join(c.dir, name+".json.gz")
}

// Valid reports whether the entry behind key exists and has not expired.
func (c *Cache) Valid(key string) bool {
	info, err := os.Stat(c.entryPath(key))
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) < c.ttl
}

// Get returns the stored bytes for key or ErrMiss. A corrupted entry is
// deleted and reported as a miss.
func (c *Cache) Get(key string) ([]byte, error) {
	path := c.entryPath(key)
	info, err := os.Stat(path)
	if err != nil {
		return nil, ErrMiss
	}
	if time.Since(info.ModTime()) >= c.ttl {
		return nil, ErrMiss
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, ErrMiss
	}
	defer f.Close()
	var r io.Reader = f
	if filepath.Ext(path) == ".gz" {
		gz, err := gzip.NewReader(f)
		if err != nil {
			c.drop(path)
			return nil, ErrMiss
		}
		defer gz.Close()
		r = gz
	}
	data, err := io.ReadAll(r)
	if err != nil {
		c.drop(path)
		return nil, ErrMiss
	}
	return data, nil
}

// Put stores bytes under key and triggers a size-based cleanup when the
// cumulative cache size exceeds the limit.
func (c *Cache) Put(key string, data []byte) error {
	path := c.entryPath(key)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if c.compression {
		gz := gzip.NewWriter(f)
		if _, err = gz.Write(data); err == nil {
			err = gz.Close()
		}
	} else {
		_, err = f.Write(data)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	c.drop(c.stalePath(key))
	c.cleanupBySize()
	return nil
}

// Delete removes the entry for key if present.
func (c *Cache) Delete(key string) {
	c.drop(c.entryPath(key))
}

func (c *Cache) drop(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) && c.logger != nil {
		c.logger.Warn("cache delete failed", "path", path, "err", err)
	}
}

type entryInfo struct {
	path    string
	size    int64
	modTime time.Time
}

func (c *Cache) entries() []entryInfo {
	matches, _ := filepath.Glob(filepath.Join(c.dir, "*.json*"))
	out := make([]entryInfo, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		out = append(out, entryInfo{path: m, size: info.Size(), modTime: info.ModTime()})
	}
	return out
}

func (c *Cache) cleanupBySize() {
	entries := c.entries()
	var total int64
	for _, e := range entries {
		total += e.size
	}
	if total <= c.maxSize {
		return
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].modTime.Before(entries[j].modTime)
	})
	removed := 0
	for _, e := range entries {
		if total <= c.maxSize {
			break
		}
		c.drop(e.path)
		total -= e.size
		removed++
	}
	if removed > 0 && c.logger != nil {
		c.logger.Info("cache size cleanup", "removed", removed)
	}
}

// SweepExpired removes entries past the TTL regardless of cache size and
// returns the number removed. Safe to run concurrently with reads.
func (c *Cache) SweepExpired() int {
	removed := 0
	for _, e := range c.entries() {
		if time.Since(e.modTime) >= c.ttl {
			c.drop(e.path)
			removed++
		}
	}
	if removed > 0 && c.logger != nil {
		c.logger.Info("cache expiry sweep", "removed", removed)
	}
	return removed
}

// Clear removes every entry and returns the number deleted.
func (c *Cache) Clear() int {
	removed := 0
	for _, e := range c.entries() {
		c.drop(e.path)
		removed++
	}
	return removed
}

// Size returns the cumulative size in bytes and the entry count.
func (c *Cache) Size() (int64, int) {
	entries := c.entries()
	var total int64
	for _, e := range entries {
		total += e.size
	}
	return total, len(entries)
}
