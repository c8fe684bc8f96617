package sketch

import (
	"context"
	"io"
	"io/fs"
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/jmgilman/go/fs/core"
)

// FileFetcherFactory serves file:// URIs and absolute paths from a
// filesystem.
type FileFetcherFactory struct {
	fs core.FS
}

// NewFileFetcherFactory creates a factory reading from fsys.
func NewFileFetcherFactory(fsys core.FS) *FileFetcherFactory {
	return &FileFetcherFactory{fs: fsys}
}

// Create returns a fetcher for file:// URIs and absolute paths.
func (f *FileFetcherFactory) Create(req *Request) Fetcher {
	p, ok := filePath(req.URI)
	if !ok {
		return nil
	}
	return &fileFetcher{fs: f.fs, path: p}
}

func filePath(uri string) (string, bool) {
	switch {
	case strings.HasPrefix(uri, "file://"):
		u, err := url.Parse(uri)
		if err != nil || u.Path == "" {
			return "", false
		}
		return u.Path, true
	case strings.HasPrefix(uri, "/"):
		return uri, true
	default:
		return "", false
	}
}

type fileFetcher struct {
	fs   core.FS
	path string
}

func (f *fileFetcher) Fetch(ctx context.Context) (*FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := f.fs.Stat(f.path)
	if err != nil {
		return nil, newFetchError(err, "stat %s", f.path)
	}
	if info.IsDir() {
		return nil, newFetchError(fs.ErrInvalid, "%s is a directory", f.path)
	}
	return &FetchResult{
		Source:   &fileSource{fs: f.fs, path: f.path, size: info.Size()},
		MimeType: mime.TypeByExtension(path.Ext(f.path)),
		DataFrom: DataFromLocal,
	}, nil
}

type fileSource struct {
	fs   core.FS
	path string
	size int64
}

func (s *fileSource) DataFrom() DataFrom { return DataFromLocal }

func (s *fileSource) Open() (io.ReadCloser, error) {
	return s.fs.Open(s.path)
}

func (s *fileSource) Length() int64 { return s.size }
