package sketch

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jmgilman/go/errors"

	"github.com/panpf/sketch-sub019/internal/dispatch"
	"github.com/panpf/sketch-sub019/internal/logging"
)

// Default sizes in bytes.
const (
	DefaultMemoryCacheSize   = 128 << 20
	DefaultBitmapPoolSize    = 64 << 20
	DefaultResultCacheSize   = 200 << 20
	DefaultDownloadCacheSize = 300 << 20
	DefaultHTTPTimeout       = 30 * time.Second
)

// Config holds engine sizes and limits. It can be read from SKETCH_*
// environment variables with ParseEnv.
type Config struct {
	// CacheDir is the root of the disk caches. Empty disables them.
	CacheDir string `env:"SKETCH_CACHE_DIR"`

	MemoryCacheSize   int64 `env:"SKETCH_MEMORY_CACHE_SIZE" envDefault:"134217728"`
	BitmapPoolSize    int64 `env:"SKETCH_BITMAP_POOL_SIZE" envDefault:"67108864"`
	ResultCacheSize   int64 `env:"SKETCH_RESULT_CACHE_SIZE" envDefault:"209715200"`
	DownloadCacheSize int64 `env:"SKETCH_DOWNLOAD_CACHE_SIZE" envDefault:"314572800"`

	// AppVersion is recorded in the disk cache journals; a change wipes them.
	AppVersion int `env:"SKETCH_APP_VERSION" envDefault:"1"`

	// DecodeParallelism bounds concurrent decodes. Zero means GOMAXPROCS.
	DecodeParallelism int `env:"SKETCH_DECODE_PARALLELISM" envDefault:"0"`
	// IOParallelism bounds concurrent fetches.
	IOParallelism int `env:"SKETCH_IO_PARALLELISM" envDefault:"16"`

	// MaxDecodeBytes caps the memory of one decode, source and output together.
	MaxDecodeBytes int64 `env:"SKETCH_MAX_DECODE_BYTES" envDefault:"268435456"`

	HTTPTimeout time.Duration `env:"SKETCH_HTTP_TIMEOUT" envDefault:"30s"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"SKETCH_LOG_LEVEL" envDefault:"info"`

	// S3 enables s3:// sources when an endpoint is set.
	S3 S3Config
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.SetDefaults()
	return cfg
}

// ParseEnv reads the configuration from the environment.
func ParseEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SetDefaults applies default values to unset fields in the configuration.
func (c *Config) SetDefaults() {
	if c.MemoryCacheSize == 0 {
		c.MemoryCacheSize = DefaultMemoryCacheSize
	}
	if c.BitmapPoolSize == 0 {
		c.BitmapPoolSize = DefaultBitmapPoolSize
	}
	if c.ResultCacheSize == 0 {
		c.ResultCacheSize = DefaultResultCacheSize
	}
	if c.DownloadCacheSize == 0 {
		c.DownloadCacheSize = DefaultDownloadCacheSize
	}
	if c.AppVersion == 0 {
		c.AppVersion = 1
	}
	if c.IOParallelism == 0 {
		c.IOParallelism = dispatch.DefaultIOSize
	}
	if c.MaxDecodeBytes == 0 {
		c.MaxDecodeBytes = DefaultMaxDecodeBytes
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	sizes := []struct {
		name string
		v    int64
	}{
		{"memory cache size", c.MemoryCacheSize},
		{"bitmap pool size", c.BitmapPoolSize},
		{"result cache size", c.ResultCacheSize},
		{"download cache size", c.DownloadCacheSize},
		{"max decode bytes", c.MaxDecodeBytes},
	}
	for _, s := range sizes {
		if s.v <= 0 {
			return errors.Newf(errors.CodeInvalidConfig, "%s must be greater than 0, got %d", s.name, s.v)
		}
	}
	if c.AppVersion < 1 {
		return errors.Newf(errors.CodeInvalidConfig, "app version must be at least 1, got %d", c.AppVersion)
	}
	if c.DecodeParallelism < 0 || c.IOParallelism < 0 {
		return errors.New(errors.CodeInvalidConfig, "parallelism must not be negative")
	}
	if c.HTTPTimeout < 0 {
		return errors.New(errors.CodeInvalidConfig, "http timeout must not be negative")
	}
	if c.S3.Enabled() && (c.S3.AccessKey == "") != (c.S3.SecretKey == "") {
		return errors.New(errors.CodeInvalidConfig, "s3 access key and secret key must be set together")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "invalid log level")
	}
	return nil
}
