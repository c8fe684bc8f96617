package diskcache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync"
)

// Snapshot is a read handle on a committed entry. Its files are opened when
// the snapshot is taken, so later commits or removals of the same key do not
// change what it reads. Close must be called to release the files.
type Snapshot struct {
	key     string
	files   [valueCount]fs.File
	lengths [valueCount]int64

	metaOnce sync.Once
	meta     Metadata
	metaErr  error

	closeOnce sync.Once
	closeErr  error
}

// Key returns the key of the entry.
func (s *Snapshot) Key() string { return s.key }

// Data returns a reader over the entry's data. It can be read once.
func (s *Snapshot) Data() io.Reader { return s.files[dataIndex] }

// DataLength returns the committed length of the data file.
func (s *Snapshot) DataLength() int64 { return s.lengths[dataIndex] }

// ReadData reads the whole data file.
func (s *Snapshot) ReadData() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(int(s.lengths[dataIndex]))
	if _, err := buf.ReadFrom(s.Data()); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.key, err)
	}
	return buf.Bytes(), nil
}

// Metadata decodes the entry's metadata. The result is cached.
func (s *Snapshot) Metadata() (Metadata, error) {
	s.metaOnce.Do(func() {
		var m Metadata
		if err := json.NewDecoder(s.files[metadataIndex]).Decode(&m); err != nil && !errors.Is(err, io.EOF) {
			s.metaErr = fmt.Errorf("failed to decode metadata of %s: %w", s.key, err)
			return
		}
		if m == nil {
			m = Metadata{}
		}
		s.meta = m
	})
	return s.meta, s.metaErr
}

// Close releases the snapshot's files. Calling it more than once is safe.
func (s *Snapshot) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		for _, f := range s.files {
			if f != nil {
				errs = append(errs, f.Close())
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
