package buffer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"github.com/rs/zerolog"

	agenterrors "github.com/rcourtman/pulse-netmon/internal/errors"
	"github.com/rcourtman/pulse-netmon/pkg/agents/netmon"
)

// DefaultMaxEntries bounds the cache when no size is configured.
const DefaultMaxEntries = 100

// Entry is a batch that failed delivery, stamped with when it was cached.
type Entry struct {
	netmon.Batch
	EnqueuedAt time.Time `json:"enqueuedAt"`

	seq uint64
}

// CacheConfig controls where and how much the cache stores.
type CacheConfig struct {
	Path       string
	MaxEntries int
	Logger     *zerolog.Logger
}

// Cache is a bounded, persisted FIFO of undelivered batches. Every mutation is
// written through to disk; a failed write keeps the state in memory and marks
// the cache dirty until Persist succeeds.
type Cache struct {
	path   string
	queue  *Queue[Entry]
	logger zerolog.Logger

	// persistMu serialises disk writes; the queue has its own lock.
	persistMu sync.Mutex
	mu        sync.Mutex
	seq       uint64
	dirty     bool

	now       func() time.Time
	writeFile func(path string, r io.Reader) error
}

// NewCache creates an empty cache. Call Load to restore persisted entries.
func NewCache(cfg CacheConfig) *Cache {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "cache").Logger()
	}
	return &Cache{
		path:      cfg.Path,
		queue:     New[Entry](maxEntries),
		logger:    logger,
		now:       time.Now,
		writeFile: atomic.WriteFile,
	}
}

// Load replaces the in-memory contents with the persisted file. A missing file
// is an empty cache. A file that does not parse is moved aside to <path>.corrupt.
func (c *Cache) Load() error {
	if c.path == "" {
		return nil
	}

	entries, err := readEntries(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
			corrupt := c.path + ".corrupt"
			if renameErr := os.Rename(c.path, corrupt); renameErr != nil {
				c.logger.Error().Err(renameErr).Str("path", c.path).Msg("Failed to move corrupt cache file aside")
			} else {
				c.logger.Warn().Err(err).Str("path", corrupt).Msg("Cache file was corrupt, starting empty")
			}
			return nil
		}
		return agenterrors.WrapPersistenceError("load_cache", c.path, err)
	}

	c.mu.Lock()
	for i := range entries {
		c.seq++
		entries[i].seq = c.seq
	}
	c.mu.Unlock()

	evicted := c.queue.Replace(entries)
	if len(evicted) > 0 {
		c.logger.Warn().Int("dropped", len(evicted)).Int("max", c.queue.Cap()).Msg("Cache file exceeded limit, dropped oldest entries")
		c.markDirty()
	}
	c.logger.Info().Int("entries", c.queue.Len()).Str("path", c.path).Msg("Loaded cached batches")
	return c.Persist()
}

// Add appends a batch, evicting the oldest entries beyond the limit, and
// persists the result. The entry is kept in memory even if the write fails.
func (c *Cache) Add(batch netmon.Batch) error {
	c.mu.Lock()
	c.seq++
	entry := Entry{Batch: batch, EnqueuedAt: c.now().UTC(), seq: c.seq}
	c.dirty = true
	c.mu.Unlock()

	if evicted := c.queue.Push(entry); len(evicted) > 0 {
		for _, e := range evicted {
			c.logger.Warn().
				Time("enqueuedAt", e.EnqueuedAt).
				Time("batchTimestamp", e.Timestamp).
				Int("websites", len(e.Websites)).
				Msg("Cache full, dropped oldest batch")
		}
	}
	return c.Persist()
}

// DrainAttempt offers every entry to send in insertion order. Entries for which
// send returns true are removed; the rest stay in their original order.
// send is called without holding the cache lock.
func (c *Cache) DrainAttempt(send func(netmon.Batch) bool) (delivered int, err error) {
	entries := c.queue.Items()
	if len(entries) == 0 {
		return 0, c.Persist()
	}

	done := make(map[uint64]struct{}, len(entries))
	for _, e := range entries {
		if send(e.Batch) {
			done[e.seq] = struct{}{}
		}
	}

	if len(done) > 0 {
		delivered = c.queue.Retain(func(e Entry) bool {
			_, ok := done[e.seq]
			return !ok
		})
		c.markDirty()
	}
	return delivered, c.Persist()
}

// Persist writes the cache if a previous write failed or state changed since.
func (c *Cache) Persist() error {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	dirty := c.dirty
	c.dirty = false
	c.mu.Unlock()

	if !dirty || c.path == "" {
		return nil
	}

	if err := c.write(c.queue.Items()); err != nil {
		c.markDirty()
		return agenterrors.WrapPersistenceError("persist_cache", c.path, err)
	}
	return nil
}

// Len returns the number of cached batches.
func (c *Cache) Len() int {
	return c.queue.Len()
}

// Entries returns a copy of the cached entries, oldest first.
func (c *Cache) Entries() []Entry {
	return c.queue.Items()
}

// Dirty reports whether in-memory state has not reached disk yet.
func (c *Cache) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

// Path returns the backing file.
func (c *Cache) Path() string {
	return c.path
}

func (c *Cache) markDirty() {
	c.mu.Lock()
	c.dirty = true
	c.mu.Unlock()
}

func (c *Cache) write(entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache entries: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	if err := c.writeFile(c.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write cache file: %w", err)
	}
	c.logger.Debug().Int("entries", len(entries)).Str("path", c.path).Msg("Persisted cache")
	return nil
}

// CountFile returns the number of batches in a persisted cache file without
// loading it into a Cache. A missing file counts as zero.
func CountFile(path string) (int, error) {
	entries, err := readEntries(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return len(entries), nil
}

func readEntries(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
