package diskcache

import "errors"

// ErrNotFound is returned by Get when no committed entry exists for a key.
var ErrNotFound = errors.New("disk cache entry not found")

// ErrEditInProgress is returned when an editor is already open for a key.
var ErrEditInProgress = errors.New("disk cache entry is already being edited")

// ErrEditorClosed is returned when an editor is used after Commit or Abort.
var ErrEditorClosed = errors.New("disk cache editor is closed")

// ErrClosed is returned by operations on a closed cache.
var ErrClosed = errors.New("disk cache is closed")

// ErrJournalCorrupted is returned when the journal header cannot be read.
var ErrJournalCorrupted = errors.New("disk cache journal is corrupted")
