package sketch

import (
	"bytes"
	"context"
	"io"
)

// DataSource is fetched image data. Open may be called more than once; every
// call returns an independent reader positioned at the start.
type DataSource interface {
	DataFrom() DataFrom
	Open() (io.ReadCloser, error)
	// Length returns the data size in bytes, or -1 when unknown.
	Length() int64
}

// FetchResult is the output of a Fetcher.
type FetchResult struct {
	Source   DataSource
	MimeType string
	DataFrom DataFrom
}

// Fetcher obtains the bytes of one request.
type Fetcher interface {
	Fetch(ctx context.Context) (*FetchResult, error)
}

// FetcherFactory creates a Fetcher for requests it understands and returns
// nil for the rest. Factories are tried in registration order.
type FetcherFactory interface {
	Create(req *Request) Fetcher
}

// bytesSource serves data held in memory.
type bytesSource struct {
	data []byte
	from DataFrom
}

func newBytesSource(data []byte, from DataFrom) *bytesSource {
	return &bytesSource{data: data, from: from}
}

func (s *bytesSource) DataFrom() DataFrom { return s.from }

func (s *bytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.data)), nil
}

func (s *bytesSource) Length() int64 { return int64(len(s.data)) }

// Bytes returns the data without copying.
func (s *bytesSource) Bytes() []byte { return s.data }
