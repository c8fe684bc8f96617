// Package diskcache implements a size-bounded LRU cache of files on a core.FS.
//
// Every entry is a pair of files, the data and a small JSON metadata document,
// named after the SHA-256 of the entry key. Writes go through an Editor that
// stages temporary files and renames them into place on Commit, so readers
// never observe partial data. A journal records every edit, commit, removal
// and read so the cache can be restored, in LRU order, after a restart.
//
// A Snapshot opens its files eagerly. A commit that replaces the entry while a
// snapshot is open does not affect it: the snapshot keeps reading the old data
// until it is closed.
package diskcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/jmgilman/go/fs/core"

	"github.com/panpf/sketch-sub019/internal/keylock"
	"github.com/panpf/sketch-sub019/internal/logging"
)

const (
	dataIndex     = 0
	metadataIndex = 1
	tmpSuffix     = ".tmp"
)

type entry struct {
	name     string
	lengths  [valueCount]int64
	readable bool
	editor   *Editor
	// dirty is only used while replaying the journal.
	dirty bool
}

func (e *entry) size() int64 {
	var n int64
	for _, l := range e.lengths {
		n += l
	}
	return n
}

// Cache is a journaled disk LRU cache, safe for concurrent use.
type Cache struct {
	mu         sync.Mutex
	fs         core.FS
	dir        string
	name       string
	appVersion int
	maxSize    int64
	size       int64
	entries    *simplelru.LRU[string, *entry]
	journal    *journalWriter
	redundant  int
	closed     bool
	locks      *keylock.Map
	logger     *logging.Logger

	hits      atomic.Int64
	misses    atomic.Int64
	commits   atomic.Int64
	aborts    atomic.Int64
	evictions atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithAppVersion sets the version stamped into the journal. Opening a cache
// written with a different version discards its contents.
func WithAppVersion(v int) Option {
	return func(c *Cache) { c.appVersion = v }
}

// WithName sets the name the cache logs under, e.g. "result" or "download".
func WithName(name string) Option {
	return func(c *Cache) { c.name = name }
}

// Open opens or creates the cache rooted at dir on fsys.
func Open(ctx context.Context, fsys core.FS, dir string, maxSize int64, opts ...Option) (*Cache, error) {
	if fsys == nil {
		return nil, fmt.Errorf("filesystem cannot be nil")
	}
	if dir == "" {
		return nil, fmt.Errorf("cache directory cannot be empty")
	}
	if maxSize <= 0 {
		return nil, fmt.Errorf("max size must be positive, got %d", maxSize)
	}

	entries, err := simplelru.NewLRU[string, *entry](math.MaxInt, nil)
	if err != nil {
		return nil, err
	}
	c := &Cache{
		fs:         fsys,
		dir:        dir,
		name:       "disk",
		appVersion: 1,
		maxSize:    maxSize,
		entries:    entries,
		locks:      keylock.New(),
		logger:     logging.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent("diskcache").With("cache", c.name)

	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory %q: %w", dir, err)
	}

	start := time.Now()
	c.mu.Lock()
	err = c.load(ctx)
	c.mu.Unlock()
	logging.LogOperation(ctx, c.logger, logging.OpJournalLoad, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (c *Cache) filePath(name string, index int) string {
	return filepath.Join(c.dir, name+"."+strconv.Itoa(index))
}

func (c *Cache) tmpPath(name string, index int) string {
	return c.filePath(name, index) + tmpSuffix
}

// load must be called with c.mu held.
func (c *Cache) load(ctx context.Context) error {
	f, err := c.fs.Open(filepath.Join(c.dir, journalFile))
	if errors.Is(err, fs.ErrNotExist) {
		c.sweep(ctx)
		return c.rebuildJournal()
	}
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	records, truncated, err := readJournal(f, c.appVersion)
	_ = f.Close()
	if err != nil {
		c.logger.Info(ctx, "discarding disk cache contents", "reason", err.Error())
		if err := c.wipe(); err != nil {
			return err
		}
		return c.rebuildJournal()
	}

	c.replay(records)
	c.sweep(ctx)
	if truncated || c.needsRebuild() {
		return c.rebuildJournal()
	}
	journal, err := openJournalWriter(c.fs, c.dir)
	if err != nil {
		return err
	}
	c.journal = journal
	return nil
}

func (c *Cache) replay(records []record) {
	for _, rec := range records {
		e, ok := c.entries.Get(rec.name)
		switch rec.op {
		case opDirty:
			if !ok {
				e = &entry{name: rec.name}
				c.entries.Add(rec.name, e)
			}
			e.dirty = true
		case opClean:
			if !ok {
				e = &entry{name: rec.name}
				c.entries.Add(rec.name, e)
			}
			e.dirty = false
			e.readable = true
			e.lengths = rec.lengths
		case opRemove:
			c.entries.Remove(rec.name)
		}
	}
	c.redundant = len(records) - c.entries.Len()

	// An edit without a CLEAN or REMOVE was interrupted, possibly half way
	// through its renames, so the whole entry is dropped.
	c.size = 0
	for _, name := range c.entries.Keys() {
		e, _ := c.entries.Peek(name)
		if e.dirty || !e.readable {
			c.entries.Remove(name)
			continue
		}
		c.size += e.size()
	}
}

// sweep deletes files in the cache directory that no live entry owns.
func (c *Cache) sweep(ctx context.Context) {
	dirEntries, err := c.fs.ReadDir(c.dir)
	if err != nil {
		c.logger.Warn(ctx, "failed to list cache directory", "error", err.Error())
		return
	}
	for _, de := range dirEntries {
		if de.IsDir() || de.Name() == journalFile {
			continue
		}
		name, index, ok := strings.Cut(de.Name(), ".")
		if ok && (index == "0" || index == "1") {
			if e, live := c.entries.Peek(name); live && e.readable {
				continue
			}
		}
		if err := c.fs.Remove(filepath.Join(c.dir, de.Name())); err != nil {
			c.logger.Warn(ctx, "failed to delete orphaned cache file", "file", de.Name(), "error", err.Error())
		}
	}
}

func (c *Cache) wipe() error {
	if err := c.fs.RemoveAll(c.dir); err != nil {
		return fmt.Errorf("failed to clear cache directory: %w", err)
	}
	if err := c.fs.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	c.entries.Purge()
	c.size = 0
	return nil
}

// rebuildJournal rewrites the journal from the live entries. It must be called
// with c.mu held.
func (c *Cache) rebuildJournal() error {
	if c.journal != nil {
		_ = c.journal.close()
		c.journal = nil
	}
	records := make([]record, 0, c.entries.Len())
	for _, name := range c.entries.Keys() {
		e, _ := c.entries.Peek(name)
		if e.readable {
			records = append(records, record{op: opClean, name: name, lengths: e.lengths})
		}
		if e.editor != nil {
			records = append(records, record{op: opDirty, name: name})
		}
	}
	if err := writeJournal(c.fs, c.dir, c.appVersion, records); err != nil {
		return err
	}
	journal, err := openJournalWriter(c.fs, c.dir)
	if err != nil {
		return err
	}
	c.journal = journal
	c.redundant = 0
	return nil
}

func (c *Cache) needsRebuild() bool {
	return c.redundant >= rebuildThreshold && c.redundant >= c.entries.Len()
}

// record appends to the journal. A failed append is logged and repaired by
// rewriting the journal on the next opportunity.
func (c *Cache) record(rec record) {
	c.redundant++
	if c.journal == nil {
		return
	}
	if err := c.journal.append(rec); err != nil {
		c.logger.Warn(context.Background(), "failed to append to journal", "op", string(rec.op), "error", err.Error())
		c.redundant = rebuildThreshold + c.entries.Len()
	}
}

func (c *Cache) maybeRebuild() {
	if !c.needsRebuild() {
		return
	}
	if err := c.rebuildJournal(); err != nil {
		c.logger.Warn(context.Background(), "failed to rebuild journal", "error", err.Error())
	}
}

// Edit opens an editor for key. At most one editor may be open per key; a
// second call fails with ErrEditInProgress until the first is committed or
// aborted.
func (c *Cache) Edit(ctx context.Context, key string) (*Editor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := hashKey(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	e, ok := c.entries.Peek(name)
	if ok && e.editor != nil {
		return nil, fmt.Errorf("%w: %s", ErrEditInProgress, key)
	}
	if c.journal == nil {
		return nil, fmt.Errorf("failed to edit %s: journal unavailable", key)
	}
	if err := c.journal.append(record{op: opDirty, name: name}); err != nil {
		return nil, fmt.Errorf("failed to record edit of %s: %w", key, err)
	}
	c.redundant++
	if !ok {
		e = &entry{name: name}
		c.entries.Add(name, e)
	}
	ed := &Editor{c: c, e: e, key: key}
	e.editor = ed
	return ed, nil
}

// Get returns a snapshot of the committed entry for key, or ErrNotFound. Any
// other error means the entry could not be read; it has been dropped.
func (c *Cache) Get(ctx context.Context, key string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := hashKey(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	e, ok := c.entries.Get(name)
	if !ok || !e.readable {
		c.misses.Add(1)
		logging.LogCacheMiss(ctx, c.logger, c.name, key, "absent")
		return nil, ErrNotFound
	}

	var files [valueCount]fs.File
	for i := range valueCount {
		f, err := c.fs.Open(c.filePath(name, i))
		if err != nil {
			for _, opened := range files[:i] {
				_ = opened.Close()
			}
			c.misses.Add(1)
			logging.LogCacheMiss(ctx, c.logger, c.name, key, "unreadable")
			if e.editor == nil {
				c.removeLocked(ctx, e)
			}
			return nil, fmt.Errorf("failed to open entry %s: %w", key, err)
		}
		files[i] = f
	}

	c.record(record{op: opRead, name: name})
	c.maybeRebuild()
	c.hits.Add(1)
	logging.LogCacheHit(ctx, c.logger, c.name, key)
	return &Snapshot{key: key, files: files, lengths: e.lengths}, nil
}

// Exist reports whether a committed entry exists for key, without touching
// its recency.
func (c *Cache) Exist(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries.Peek(hashKey(key))
	return ok && e.readable
}

// Remove deletes the entry for key. It returns false when there is nothing to
// remove and ErrEditInProgress when the entry is being edited.
func (c *Cache) Remove(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrClosed
	}
	e, ok := c.entries.Peek(hashKey(key))
	if !ok {
		return false, nil
	}
	if e.editor != nil {
		return false, fmt.Errorf("%w: %s", ErrEditInProgress, key)
	}
	removed := e.readable
	c.removeLocked(ctx, e)
	c.maybeRebuild()
	return removed, nil
}

// removeLocked deletes an entry that has no open editor.
func (c *Cache) removeLocked(ctx context.Context, e *entry) {
	for i := range valueCount {
		if err := c.fs.Remove(c.filePath(e.name, i)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn(ctx, "failed to delete cache file", "entry", e.name, "error", err.Error())
		}
	}
	if e.readable {
		c.size -= e.size()
	}
	c.entries.Remove(e.name)
	c.record(record{op: opRemove, name: e.name})
}

// trimLocked evicts least recently used entries that are not being edited
// until the cache fits in maxSize.
func (c *Cache) trimLocked(ctx context.Context) {
	for _, name := range c.entries.Keys() {
		if c.size <= c.maxSize {
			return
		}
		e, _ := c.entries.Peek(name)
		if e.editor != nil || !e.readable {
			continue
		}
		size := e.size()
		c.removeLocked(ctx, e)
		c.evictions.Add(1)
		logging.LogEviction(ctx, c.logger, c.name, name, size, "size")
	}
}

// Clear deletes every committed entry. Open editors stay valid and may still
// commit; open snapshots keep reading the data they opened.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	for _, name := range c.entries.Keys() {
		e, _ := c.entries.Peek(name)
		if e.editor == nil {
			c.removeLocked(ctx, e)
			continue
		}
		for i := range valueCount {
			_ = c.fs.Remove(c.filePath(name, i))
		}
		e.readable = false
		e.lengths = [valueCount]int64{}
	}
	c.size = 0
	if err := c.rebuildJournal(); err != nil {
		return fmt.Errorf("failed to clear %s cache: %w", c.name, err)
	}
	c.logger.Info(ctx, "disk cache cleared")
	return nil
}

// EditLock returns the lock serializing check-then-fetch-then-populate
// sequences for key. It is independent of Edit: holding it does not open an
// editor, and Edit does not take it.
func (c *Cache) EditLock(key string) sync.Locker {
	return c.locks.Locker(key)
}

// Close flushes and closes the journal. Open editors fail to commit afterwards.
// Calling Close more than once is safe.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.journal.close()
	c.journal = nil
	return err
}

// Size returns the bytes held by committed entries.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// MaxSize returns the capacity in bytes.
func (c *Cache) MaxSize() int64 { return c.maxSize }

// Dir returns the directory holding the cache.
func (c *Cache) Dir() string { return c.dir }

// Len returns the number of committed entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, name := range c.entries.Keys() {
		if e, _ := c.entries.Peek(name); e.readable {
			n++
		}
	}
	return n
}

// Stats is a point-in-time copy of the cache counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Commits   int64
	Aborts    int64
	Evictions int64
	Size      int64
	MaxSize   int64
}

// Stats returns the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Commits:   c.commits.Load(),
		Aborts:    c.aborts.Load(),
		Evictions: c.evictions.Load(),
		Size:      c.Size(),
		MaxSize:   c.maxSize,
	}
}
