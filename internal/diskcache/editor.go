package diskcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/jmgilman/go/fs/core"

	"github.com/panpf/sketch-sub019/internal/logging"
)

// Metadata is the small key/value document stored next to an entry's data.
type Metadata map[string]string

// Editor stages a new version of an entry. It is owned by one goroutine.
// Nothing it writes becomes visible until Commit; Abort, or a failed Commit,
// leaves the previous version in place.
type Editor struct {
	c   *Cache
	e   *entry
	key string

	files   [valueCount]core.File
	written [valueCount]int64
	werr    error
	done    bool
}

// Key returns the key being edited.
func (ed *Editor) Key() string { return ed.key }

// Data returns the writer for the entry's data file.
func (ed *Editor) Data() (io.Writer, error) {
	return ed.writer(dataIndex)
}

// SetMetadata replaces the entry's metadata. Entries committed without
// metadata get an empty document.
func (ed *Editor) SetMetadata(m Metadata) error {
	w, err := ed.writer(metadataIndex)
	if err != nil {
		return err
	}
	return json.NewEncoder(w).Encode(m)
}

func (ed *Editor) writer(index int) (io.Writer, error) {
	c := ed.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if ed.done {
		return nil, ErrEditorClosed
	}
	if ed.files[index] == nil {
		f, err := c.fs.Create(c.tmpPath(ed.e.name, index))
		if err != nil {
			return nil, fmt.Errorf("failed to stage %s: %w", ed.key, err)
		}
		ed.files[index] = f
	}
	return &editorWriter{ed: ed, index: index}, nil
}

type editorWriter struct {
	ed    *Editor
	index int
}

func (w *editorWriter) Write(p []byte) (int, error) {
	n, err := w.ed.files[w.index].Write(p)
	w.ed.written[w.index] += int64(n)
	if err != nil && w.ed.werr == nil {
		w.ed.werr = err
	}
	return n, err
}

// Commit publishes the staged files atomically and records the entry as clean.
// A new entry must have had its data written.
func (ed *Editor) Commit() error {
	c := ed.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if ed.done {
		return ErrEditorClosed
	}
	ed.done = true
	e := ed.e
	e.editor = nil
	ctx := context.Background()

	closeErr := ed.closeFiles()
	if c.closed {
		ed.removeTemps()
		return ErrClosed
	}
	if err := errors.Join(ed.werr, closeErr); err != nil {
		ed.removeTemps()
		c.abortLocked(ctx, e)
		return fmt.Errorf("failed to write %s: %w", ed.key, err)
	}
	if !e.readable {
		if ed.files[dataIndex] == nil {
			ed.removeTemps()
			c.abortLocked(ctx, e)
			return fmt.Errorf("failed to commit %s: no data written", ed.key)
		}
		if ed.files[metadataIndex] == nil {
			empty := []byte("{}\n")
			if err := c.fs.WriteFile(c.tmpPath(e.name, metadataIndex), empty, 0o644); err != nil {
				ed.removeTemps()
				c.abortLocked(ctx, e)
				return fmt.Errorf("failed to write metadata of %s: %w", ed.key, err)
			}
			ed.written[metadataIndex] = int64(len(empty))
			ed.files[metadataIndex] = closedFile{}
		}
	}

	for i := range valueCount {
		if ed.files[i] == nil {
			continue
		}
		if err := c.fs.Rename(c.tmpPath(e.name, i), c.filePath(e.name, i)); err != nil {
			// The entry may now mix old and new files.
			ed.removeTemps()
			c.removeLocked(ctx, e)
			return fmt.Errorf("failed to commit %s: %w", ed.key, err)
		}
	}

	var old int64
	if e.readable {
		old = e.size()
	}
	for i := range valueCount {
		if ed.files[i] != nil {
			e.lengths[i] = ed.written[i]
		}
	}
	e.readable = true
	c.entries.Get(e.name)
	c.size += e.size() - old
	c.record(record{op: opClean, name: e.name, lengths: e.lengths})
	c.commits.Add(1)
	c.logger.Debug(ctx, "entry committed",
		"operation", string(logging.OpDiskCommit),
		"key", ed.key,
		"size", e.size())

	c.trimLocked(ctx)
	c.maybeRebuild()
	return nil
}

// Abort discards the staged files. It is a no-op after Commit or a previous
// Abort, so it can be deferred unconditionally.
func (ed *Editor) Abort() error {
	c := ed.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if ed.done {
		return nil
	}
	ed.done = true
	ed.e.editor = nil
	_ = ed.closeFiles()
	ed.removeTemps()
	c.aborts.Add(1)
	if c.closed {
		return nil
	}
	c.abortLocked(context.Background(), ed.e)
	return nil
}

// abortLocked balances the DIRTY record of an abandoned edit.
func (c *Cache) abortLocked(ctx context.Context, e *entry) {
	if e.readable {
		c.record(record{op: opClean, name: e.name, lengths: e.lengths})
		return
	}
	c.removeLocked(ctx, e)
}

func (ed *Editor) closeFiles() error {
	var errs []error
	for _, f := range ed.files {
		if f != nil {
			errs = append(errs, f.Close())
		}
	}
	return errors.Join(errs...)
}

func (ed *Editor) removeTemps() {
	for i := range valueCount {
		if ed.files[i] == nil {
			continue
		}
		err := ed.c.fs.Remove(ed.c.tmpPath(ed.e.name, i))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			ed.c.logger.Warn(context.Background(), "failed to delete staged file", "key", ed.key, "error", err.Error())
		}
	}
}

// closedFile stands in for a staged file written in one go.
type closedFile struct{ core.File }

func (closedFile) Close() error { return nil }
