// Package sketch is an image loading engine. It fetches image bytes, decodes
// them and serves repeated requests from a tiered cache stack: a
// reference-counted memory cache, a result cache of transformed images and a
// download cache of source bytes, with decoded pixel buffers recycled through
// a BitmapPool.
//
// Concurrent requests for the same image share one execution. Every
// successful Execute returns a Result holding its own reference to the
// image; release it when done:
//
//	engine, err := sketch.New(ctx, sketch.WithCacheDir("/var/cache/sketch"))
//	if err != nil {
//		return err
//	}
//	defer engine.Close()
//
//	res, err := engine.Execute(ctx, sketch.NewRequest(uri,
//		sketch.WithResize(200, 200, sketch.PrecisionExactly, sketch.ScaleCenterCrop)))
//	if err != nil {
//		return err
//	}
//	defer res.Release()
package sketch

import (
	"context"
	stderrors "errors"
	"net/http"
	"path"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/billy"
	"github.com/jmgilman/go/fs/core"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/panpf/sketch-sub019/internal/bitmappool"
	"github.com/panpf/sketch-sub019/internal/coordinator"
	"github.com/panpf/sketch-sub019/internal/diskcache"
	"github.com/panpf/sketch-sub019/internal/dispatch"
	"github.com/panpf/sketch-sub019/internal/keylock"
	"github.com/panpf/sketch-sub019/internal/logging"
	"github.com/panpf/sketch-sub019/internal/memcache"
	"github.com/panpf/sketch-sub019/internal/metrics"
)

const tracerName = "github.com/panpf/sketch-sub019"

// Disk cache directories below Config.CacheDir.
const (
	resultCacheDir   = "result"
	downloadCacheDir = "download"
)

// TrimLevel selects how much memory Trim gives back.
type TrimLevel int

const (
	// TrimModerate shrinks the memory cache and the pool to half.
	TrimModerate TrimLevel = iota
	// TrimComplete empties both, except for images in use.
	TrimComplete
)

// Engine loads images. It owns the caches, the pools and the interceptor
// chains; all methods are safe for concurrent use.
type Engine struct {
	config  Config
	logger  *logging.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics

	memoryCache   *memcache.Cache
	memoryLocks   *keylock.Map
	bitmapPool    *bitmappool.Pool
	resultCache   *diskcache.Cache
	downloadCache *diskcache.Cache

	fetchers            []FetcherFactory
	decoders            []DecoderFactory
	requestInterceptors []RequestInterceptor
	decodeInterceptors  []DecodeInterceptor

	coordinator *coordinator.Coordinator[*Result]
	decodePool  *dispatch.Pool
	ioPool      *dispatch.Pool

	closed atomic.Bool
}

// New creates an engine. Disk caches are opened, and their journals
// replayed, when a cache directory is configured.
func New(ctx context.Context, opts ...Option) (*Engine, error) {
	o := &options{config: DefaultConfig()}
	for _, opt := range opts {
		opt(o)
	}
	cfg := o.config
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		config:  cfg,
		metrics: metrics.New(),
	}

	switch {
	case o.logHandler != nil:
		e.logger = logging.NewWithHandler(o.logHandler)
	case o.logOutput != nil:
		level, _ := logging.ParseLevel(cfg.LogLevel)
		e.logger = logging.New(logging.Config{Level: level, Output: o.logOutput})
	default:
		e.logger = logging.NewNop()
	}
	e.logger = e.logger.WithComponent("sketch")

	tp := o.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	e.tracer = tp.Tracer(tracerName)

	fsys := o.fs
	if fsys == nil {
		fsys = billy.NewLocal()
	}

	e.memoryCache = memcache.New(cfg.MemoryCacheSize, memcache.WithLogger(e.logger))
	e.memoryLocks = keylock.New()
	e.bitmapPool = bitmappool.New(cfg.BitmapPoolSize, bitmappool.WithLogger(e.logger))

	if cfg.CacheDir != "" {
		if err := e.openDiskCaches(ctx, fsys, cfg); err != nil {
			return nil, err
		}
	}

	e.decodePool = dispatch.New("decode", cfg.DecodeParallelism)
	e.ioPool = dispatch.New("io", cfg.IOParallelism)

	client := o.httpClient
	if client == nil {
		client = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	e.fetchers = append(append([]FetcherFactory(nil), o.fetchers...),
		e.remoteFetcherFactory(httpDownloader{client: client}),
		NewFileFetcherFactory(fsys),
		NewDataURIFetcherFactory(),
	)

	s3Client := o.s3Client
	if s3Client == nil && cfg.S3.Enabled() {
		var err error
		if s3Client, err = newS3Client(cfg.S3); err != nil {
			return nil, errors.Wrap(err, errors.CodeInvalidConfig, "create s3 client")
		}
	}
	if s3Client != nil {
		e.fetchers = append(e.fetchers, e.remoteFetcherFactory(s3Downloader{client: s3Client}))
	}
	e.decoders = append(append([]DecoderFactory(nil), o.decoders...),
		NewImageDecoderFactory(e.bitmapPool, cfg.MaxDecodeBytes),
	)

	requestInterceptors := append([]RequestInterceptor{
		errorTranslationInterceptor{},
		policyOverrideInterceptor{overrides: o.overrides},
		memoryCacheInterceptor{},
	}, o.requestInterceptors...)
	e.requestInterceptors = append(sortByWeight(requestInterceptors), engineRequestInterceptor{})

	decodeInterceptors := append([]DecodeInterceptor{
		resultCacheInterceptor{},
		downsampleInterceptor{},
		transformationInterceptor{},
	}, o.decodeInterceptors...)
	e.decodeInterceptors = append(sortByWeight(decodeInterceptors), engineDecodeInterceptor{})

	e.coordinator = coordinator.New(
		coordinator.WithShare(func(r *Result) *Result { return r.share() }),
		coordinator.WithRelease(func(r *Result) { r.Release() }),
	)
	return e, nil
}

func (e *Engine) openDiskCaches(ctx context.Context, fsys core.FS, cfg Config) error {
	root := cfg.CacheDir
	if fsys.Type() == core.FSTypeLocal {
		abs, err := filepath.Abs(root)
		if err != nil {
			return errors.Wrapf(err, CodeCacheIO, "resolve cache dir %s", root)
		}
		root = abs
	}

	var err error
	e.resultCache, err = diskcache.Open(ctx, fsys, path.Join(root, resultCacheDir), cfg.ResultCacheSize,
		diskcache.WithName("result"),
		diskcache.WithAppVersion(cfg.AppVersion),
		diskcache.WithLogger(e.logger))
	if err != nil {
		return newCacheIOError(err, "open result cache")
	}
	e.downloadCache, err = diskcache.Open(ctx, fsys, path.Join(root, downloadCacheDir), cfg.DownloadCacheSize,
		diskcache.WithName("download"),
		diskcache.WithAppVersion(cfg.AppVersion),
		diskcache.WithLogger(e.logger))
	if err != nil {
		_ = e.resultCache.Close()
		return newCacheIOError(err, "open download cache")
	}
	return nil
}

// Execute loads req. Concurrent calls for the same image share one
// execution and observe the same outcome. On success the caller owns the
// returned Result and must Release it.
//
// Errors are *LoadError values wrapping a coded error (see Code) or the
// context error when ctx ended first.
func (e *Engine) Execute(ctx context.Context, req *Request) (*Result, error) {
	if e.closed.Load() {
		return nil, e.loadError(req, "", ErrEngineClosed)
	}
	if err := req.Validate(); err != nil {
		return nil, e.loadError(req, "", errors.Wrap(err, errors.CodeInvalidInput, "invalid request"))
	}

	key := req.Key()
	ctx, span := e.tracer.Start(ctx, "sketch.Execute", trace.WithAttributes(
		attribute.String("sketch.uri", req.URI),
		attribute.String("sketch.depth", req.Depth.String()),
	))
	defer span.End()

	if req.Listener != nil {
		req.Listener.OnStart(req)
	}

	start := time.Now()
	res, shared, err := e.coordinator.Execute(ctx, req.executionKey(), func(ctx context.Context) (*Result, error) {
		return newRequestChain(e, req, e.requestInterceptors).Proceed(ctx)
	})
	elapsed := time.Since(start)

	e.metrics.RecordRequest(shared, err)
	e.metrics.RecordLatency(metrics.LatencyExecute, elapsed)
	logging.LogOperation(ctx, e.logger.WithKey(key), logging.OpExecute, elapsed, err)
	span.SetAttributes(attribute.Bool("sketch.shared", shared))

	if err != nil {
		err = translateError(err)
		e.metrics.RecordError(errorLabel(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		lerr := e.loadError(req, key, err)
		if req.Listener != nil {
			req.Listener.OnError(req, lerr)
		}
		return nil, lerr
	}

	res.Request = req
	span.SetAttributes(attribute.String("sketch.data_from", res.DataFrom.String()))
	if req.Listener != nil {
		req.Listener.OnSuccess(req, res)
	}
	return res, nil
}

func (e *Engine) loadError(req *Request, key string, err error) *LoadError {
	le := &LoadError{Op: "execute", Key: key, Err: err}
	if req != nil {
		le.URI = req.URI
	}
	return le
}

func errorLabel(err error) string {
	switch {
	case stderrors.Is(err, context.Canceled):
		return "CANCELED"
	case stderrors.Is(err, context.DeadlineExceeded):
		return "DEADLINE_EXCEEDED"
	default:
		return string(Code(err))
	}
}

// ExecuteAll loads every request concurrently, at most as many at a time as
// the io pool allows. results[i] is nil when reqs[i] failed; the failures are
// joined into the returned error.
func (e *Engine) ExecuteAll(ctx context.Context, reqs []*Request) ([]*Result, error) {
	results := make([]*Result, len(reqs))
	errs := make([]error, len(reqs))

	var g errgroup.Group
	g.SetLimit(e.ioPool.Size())
	for i, req := range reqs {
		g.Go(func() error {
			results[i], errs[i] = e.Execute(ctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return results, stderrors.Join(errs...)
}

// newCountedResult wraps a fresh decode in a reference-counted image and
// returns the first reference to it.
func (e *Engine) newCountedResult(req *Request, dr *DecodeResult) *Result {
	opts := []memcache.ImageOption{
		memcache.WithAttachment(&producedBy{
			info:              dr.Info,
			dataFrom:          dr.DataFrom,
			transformsApplied: dr.TransformsApplied,
		}),
	}
	if dr.Buffer != nil {
		opts = append(opts, memcache.WithBuffer(dr.Buffer))
		if !req.DisallowReuseBitmap {
			opts = append(opts, memcache.WithRecycler(e.bitmapPool))
		}
	}
	img := memcache.NewCountedImage(req.Key(), dr.Image, opts...)
	// A new image is never released, so Acquire cannot fail.
	h, _ := img.Acquire()
	return newResult(req, req.Key(), h, dr.DataFrom)
}

// buffer returns a buffer for a width x height image in the request's layout.
func (e *Engine) buffer(req *Request, width, height int) *Buffer {
	if !req.DisallowReuseBitmap {
		if b := e.bitmapPool.GetDirty(width, height, req.BufferConfig); b != nil {
			return b
		}
	}
	return bitmappool.NewBuffer(width, height, req.BufferConfig)
}

// recycle hands a buffer no longer referenced by any image back to the pool.
func (e *Engine) recycle(req *Request, b *Buffer) {
	if b == nil {
		return
	}
	if req.DisallowReuseBitmap || !e.bitmapPool.Put(b) {
		b.Release()
	}
}

// fetch runs the first fetcher accepting req on the io pool.
func (e *Engine) fetch(ctx context.Context, req *Request) (*FetchResult, error) {
	var f Fetcher
	for _, factory := range e.fetchers {
		if f = factory.Create(req); f != nil {
			break
		}
	}
	if f == nil {
		return nil, newFetchError(ErrNoFetcher, "fetch %s", req.URI)
	}

	start := time.Now()
	res, err := dispatch.Run(ctx, e.ioPool, f.Fetch)
	if err != nil {
		if errors.GetCode(err) == errors.CodeUnknown && !isContextError(err) {
			err = newFetchError(err, "fetch %s", req.URI)
		}
		return nil, err
	}
	if res == nil || res.Source == nil {
		return nil, newFetchError(stderrors.New("fetcher returned no data"), "fetch %s", req.URI)
	}
	e.metrics.RecordFetch(res.Source.Length(), time.Since(start))
	return res, nil
}

func (e *Engine) remoteFetcherFactory(dl downloader) *remoteFetcherFactory {
	return &remoteFetcherFactory{dl: dl, cache: e.downloadCache, logger: e.logger, metrics: e.metrics}
}

func (e *Engine) decoderFor(req *Request, fetched *FetchResult) Decoder {
	for _, factory := range e.decoders {
		if d := factory.Create(req, fetched); d != nil {
			return d
		}
	}
	return nil
}

// Trim gives memory back: the memory cache and the BitmapPool shrink to half
// for TrimModerate and to nothing but in-use images for TrimComplete.
func (e *Engine) Trim(level TrimLevel) {
	start := time.Now()
	if level == TrimComplete {
		e.memoryCache.Trim(memcache.TrimComplete)
		e.bitmapPool.Trim(bitmappool.TrimComplete)
	} else {
		e.memoryCache.Trim(memcache.TrimModerate)
		e.bitmapPool.Trim(bitmappool.TrimModerate)
	}
	logging.LogOperation(context.Background(), e.logger, logging.OpTrim, time.Since(start), nil)
}

// ClearMemoryCache empties the memory cache. Images still in use stay valid
// until released.
func (e *Engine) ClearMemoryCache() {
	e.memoryCache.Clear()
}

// ClearDiskCaches empties the result and download caches.
func (e *Engine) ClearDiskCaches(ctx context.Context) error {
	var errs []error
	for _, c := range []*diskcache.Cache{e.resultCache, e.downloadCache} {
		if c == nil {
			continue
		}
		if err := c.Clear(ctx); err != nil {
			errs = append(errs, newCacheIOError(err, "clear disk cache"))
		}
	}
	return stderrors.Join(errs...)
}

// BitmapPool returns the engine's buffer pool, for custom decoders.
func (e *Engine) BitmapPool() *BitmapPool { return e.bitmapPool }

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.config }

// Close releases the engine's caches. Execute fails with ErrEngineClosed
// afterwards. Results already returned remain valid until released.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.memoryCache.Clear()
	e.bitmapPool.Clear()
	var errs []error
	for _, c := range []*diskcache.Cache{e.resultCache, e.downloadCache} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
