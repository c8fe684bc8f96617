package sketch

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/jmgilman/go/fs/core"
	"github.com/minio/minio-go/v7"
	"go.opentelemetry.io/otel/trace"
)

// options contains configuration collected from Option values.
type options struct {
	// Config holds sizes and limits. Zero fields take defaults.
	config Config

	// fs backs the disk caches and the file fetcher. If nil, the local
	// filesystem is used.
	fs core.FS

	httpClient     *http.Client
	s3Client       *minio.Client
	logHandler     slog.Handler
	logOutput      io.Writer
	tracerProvider trace.TracerProvider

	fetchers            []FetcherFactory
	decoders            []DecoderFactory
	requestInterceptors []RequestInterceptor
	decodeInterceptors  []DecodeInterceptor

	overrides policyOverrides
}

// Option configures an Engine.
type Option func(*options)

// WithConfig replaces the engine configuration. Options applied after it
// still take effect.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.config = cfg }
}

// WithFS sets the filesystem used for the disk caches and file:// sources.
func WithFS(fsys core.FS) Option {
	return func(o *options) { o.fs = fsys }
}

// WithCacheDir enables the disk caches under dir. Without a cache directory
// only the memory cache is used.
func WithCacheDir(dir string) Option {
	return func(o *options) { o.config.CacheDir = dir }
}

// WithMemoryCacheSize sets the memory cache capacity in bytes.
func WithMemoryCacheSize(n int64) Option {
	return func(o *options) { o.config.MemoryCacheSize = n }
}

// WithBitmapPoolSize sets the buffer pool capacity in bytes.
func WithBitmapPoolSize(n int64) Option {
	return func(o *options) { o.config.BitmapPoolSize = n }
}

// WithResultCacheSize sets the result cache capacity in bytes.
func WithResultCacheSize(n int64) Option {
	return func(o *options) { o.config.ResultCacheSize = n }
}

// WithDownloadCacheSize sets the download cache capacity in bytes.
func WithDownloadCacheSize(n int64) Option {
	return func(o *options) { o.config.DownloadCacheSize = n }
}

// WithAppVersion sets the disk cache version. Changing it discards both disk
// caches on the next start.
func WithAppVersion(v int) Option {
	return func(o *options) { o.config.AppVersion = v }
}

// WithParallelism sets the decode and io pool sizes. Zero keeps the default.
func WithParallelism(decode, io int) Option {
	return func(o *options) {
		o.config.DecodeParallelism = decode
		o.config.IOParallelism = io
	}
}

// WithMaxDecodeBytes caps the memory of one decode, source and output together.
func WithMaxDecodeBytes(n int64) Option {
	return func(o *options) { o.config.MaxDecodeBytes = n }
}

// WithHTTPClient sets the client used for http and https sources.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithS3Client serves s3://bucket/key sources from client instead of one
// built from Config.S3.
func WithS3Client(c *minio.Client) Option {
	return func(o *options) { o.s3Client = c }
}

// WithLogHandler sends engine logs to h. Logging is disabled by default.
func WithLogHandler(h slog.Handler) Option {
	return func(o *options) { o.logHandler = h }
}

// WithLogOutput writes text logs to w at the configured LogLevel.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.logOutput = w }
}

// WithTracerProvider sets where Execute spans go. Defaults to the global
// provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithFetcherFactory registers fetchers ahead of the built-in ones.
func WithFetcherFactory(f ...FetcherFactory) Option {
	return func(o *options) { o.fetchers = append(o.fetchers, f...) }
}

// WithDecoderFactory registers decoders ahead of the built-in one.
func WithDecoderFactory(d ...DecoderFactory) Option {
	return func(o *options) { o.decoders = append(o.decoders, d...) }
}

// WithRequestInterceptor adds request interceptors.
func WithRequestInterceptor(i ...RequestInterceptor) Option {
	return func(o *options) { o.requestInterceptors = append(o.requestInterceptors, i...) }
}

// WithDecodeInterceptor adds decode interceptors.
func WithDecodeInterceptor(i ...DecodeInterceptor) Option {
	return func(o *options) { o.decodeInterceptors = append(o.decodeInterceptors, i...) }
}

// WithMemoryCachePolicyOverride forces the memory cache policy of every
// request.
func WithMemoryCachePolicyOverride(p CachePolicy) Option {
	return func(o *options) { o.overrides.memory = &p }
}

// WithResultCachePolicyOverride forces the result cache policy of every
// request.
func WithResultCachePolicyOverride(p CachePolicy) Option {
	return func(o *options) { o.overrides.result = &p }
}

// WithDownloadCachePolicyOverride forces the download cache policy of every
// request.
func WithDownloadCachePolicyOverride(p CachePolicy) Option {
	return func(o *options) { o.overrides.download = &p }
}

// policyOverrides are engine-wide cache policies. A nil field leaves the
// request's policy alone.
type policyOverrides struct {
	memory   *CachePolicy
	result   *CachePolicy
	download *CachePolicy
}

func (p policyOverrides) empty() bool {
	return p.memory == nil && p.result == nil && p.download == nil
}

func (p policyOverrides) apply(req *Request) *Request {
	out := req.clone()
	if p.memory != nil {
		out.MemoryCachePolicy = *p.memory
	}
	if p.result != nil {
		out.ResultCachePolicy = *p.result
	}
	if p.download != nil {
		out.DownloadCachePolicy = *p.download
	}
	return out
}
