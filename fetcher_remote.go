package sketch

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"time"

	"github.com/jmgilman/go/errors"

	"github.com/panpf/sketch-sub019/internal/diskcache"
	"github.com/panpf/sketch-sub019/internal/logging"
	"github.com/panpf/sketch-sub019/internal/metrics"
)

// Progress is reported at most once per progressStep bytes.
const progressStep = 32 << 10

const metaMimeType = "mimeType"

// downloader retrieves the bytes of one kind of network URI.
type downloader interface {
	accepts(uri string) bool
	// download returns the body and its mime type. Progress should be
	// reported through readBody.
	download(ctx context.Context, req *Request) ([]byte, string, error)
}

// remoteFetcherFactory serves network URIs through the download cache.
type remoteFetcherFactory struct {
	dl      downloader
	cache   *diskcache.Cache
	logger  *logging.Logger
	metrics *metrics.Metrics
}

func (f *remoteFetcherFactory) Create(req *Request) Fetcher {
	if !f.dl.accepts(req.URI) {
		return nil
	}
	return &remoteFetcher{factory: f, req: req}
}

type remoteFetcher struct {
	factory *remoteFetcherFactory
	req     *Request
}

// Fetch returns the downloaded bytes. With the download cache in use the whole
// check, download and populate sequence holds the key's edit lock, so
// concurrent fetches of one URI download it once.
func (r *remoteFetcher) Fetch(ctx context.Context) (*FetchResult, error) {
	f := r.factory
	key := r.req.DownloadKey()
	policy := r.req.DownloadCachePolicy
	cache := f.cache
	if policy == CachePolicyDisabled {
		cache = nil
	}

	if cache != nil {
		lock := cache.EditLock(key)
		lock.Lock()
		defer lock.Unlock()

		if policy.ReadEnabled() {
			if res, ok := r.readCache(ctx, cache, key); ok {
				return res, nil
			}
		}
	}

	if r.req.Depth >= DepthLocal {
		return nil, newDepthLimitError(r.req.Depth, "network download")
	}

	start := time.Now()
	data, mimeType, err := f.dl.download(ctx, r.req)
	logging.LogOperation(ctx, f.logger.WithKey(key), logging.OpFetch, time.Since(start), err)
	if err != nil {
		return nil, err
	}

	if cache != nil && policy.WriteEnabled() {
		r.writeCache(ctx, cache, key, data, mimeType)
	}
	return &FetchResult{
		Source:   newBytesSource(data, DataFromNetwork),
		MimeType: mimeType,
		DataFrom: DataFromNetwork,
	}, nil
}

// readCache returns the cached download. Read errors count as a miss.
func (r *remoteFetcher) readCache(ctx context.Context, cache *diskcache.Cache, key string) (*FetchResult, bool) {
	f := r.factory
	snap, err := cache.Get(ctx, key)
	if err != nil {
		reason := "not found"
		if !stderrors.Is(err, diskcache.ErrNotFound) {
			reason = err.Error()
			f.logger.Warn(ctx, "download cache read failed", "key", key, "error", err)
		}
		logging.LogCacheMiss(ctx, f.logger, metrics.TierDownload, key, reason)
		f.metrics.RecordMiss(metrics.TierDownload)
		return nil, false
	}
	defer snap.Close()

	data, err := snap.ReadData()
	if err != nil {
		f.logger.Warn(ctx, "download cache read failed", "key", key, "error", err)
		_, _ = cache.Remove(ctx, key)
		f.metrics.RecordMiss(metrics.TierDownload)
		return nil, false
	}
	meta, err := snap.Metadata()
	if err != nil {
		f.logger.Debug(ctx, "download cache metadata unreadable", "key", key, "error", err)
	}

	logging.LogCacheHit(ctx, f.logger, metrics.TierDownload, key)
	f.metrics.RecordHit(metrics.TierDownload)
	return &FetchResult{
		Source:   newBytesSource(data, DataFromDownloadCache),
		MimeType: meta[metaMimeType],
		DataFrom: DataFromDownloadCache,
	}, true
}

// writeCache stores a download. Failures abort the edit and are only logged:
// the caller already has the bytes.
func (r *remoteFetcher) writeCache(ctx context.Context, cache *diskcache.Cache, key string, data []byte, mimeType string) {
	logger := r.factory.logger
	ed, err := cache.Edit(ctx, key)
	if err != nil {
		logger.Warn(ctx, "download cache edit failed", "key", key, "error", err)
		return
	}
	err = func() error {
		w, err := ed.Data()
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		if err := ed.SetMetadata(diskcache.Metadata{metaMimeType: mimeType}); err != nil {
			return err
		}
		return ed.Commit()
	}()
	if err != nil {
		_ = ed.Abort()
		logger.Warn(ctx, "download cache write failed", "key", key, "error", err)
	}
}

// readBody reads a response body of total bytes (-1 if unknown), reporting
// progress to the request's ProgressListener.
func readBody(ctx context.Context, req *Request, body io.Reader, total int64) ([]byte, error) {
	if req.ProgressListener != nil {
		body = &progressReader{r: body, req: req, listener: req.ProgressListener, total: total}
	}
	var buf bytes.Buffer
	if total > 0 {
		buf.Grow(int(total))
	}
	if _, err := buf.ReadFrom(body); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, newFetchError(err, "read body of %s", req.URI)
	}
	return buf.Bytes(), nil
}

// newPermanentFetchError is a fetch error that retrying cannot fix, such as a
// missing object.
func newPermanentFetchError(err error, format string, args ...any) error {
	return errors.WithClassification(
		errors.Wrapf(err, CodeFetchFailed, format, args...),
		errors.ClassificationPermanent,
	)
}

// progressReader reports download progress as the body is read.
type progressReader struct {
	r        io.Reader
	req      *Request
	listener ProgressListener
	total    int64
	read     int64
	reported int64
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.read-p.reported >= progressStep || (err == io.EOF && p.read != p.reported) {
		p.reported = p.read
		p.listener.OnProgress(p.req, p.total, p.read)
	}
	return n, err
}
