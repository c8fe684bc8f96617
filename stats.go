package sketch

import (
	"github.com/panpf/sketch-sub019/internal/bitmappool"
	"github.com/panpf/sketch-sub019/internal/coordinator"
	"github.com/panpf/sketch-sub019/internal/diskcache"
	"github.com/panpf/sketch-sub019/internal/dispatch"
	"github.com/panpf/sketch-sub019/internal/memcache"
	"github.com/panpf/sketch-sub019/internal/metrics"
)

type (
	LoadStats        = metrics.Snapshot
	MemoryCacheStats = memcache.Stats
	BitmapPoolStats  = bitmappool.Stats
	DiskCacheStats   = diskcache.Stats
	CoordinatorStats = coordinator.Stats
)

// PoolStats describes one worker pool.
type PoolStats struct {
	Name   string `json:"name"`
	Size   int    `json:"size"`
	Active int    `json:"active"`
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Loads       LoadStats        `json:"loads"`
	MemoryCache MemoryCacheStats `json:"memory_cache"`
	BitmapPool  BitmapPoolStats  `json:"bitmap_pool"`
	// ResultCache and DownloadCache are nil when disk caching is off.
	ResultCache   *DiskCacheStats  `json:"result_cache,omitempty"`
	DownloadCache *DiskCacheStats  `json:"download_cache,omitempty"`
	Coordinator   CoordinatorStats `json:"coordinator"`
	Pending       int              `json:"pending"`
	DecodePool    PoolStats        `json:"decode_pool"`
	IOPool        PoolStats        `json:"io_pool"`
}

// Stats returns the current engine statistics.
func (e *Engine) Stats() Stats {
	s := Stats{
		Loads:       e.metrics.Snapshot(),
		MemoryCache: e.memoryCache.Stats(),
		BitmapPool:  e.bitmapPool.Stats(),
		Coordinator: e.coordinator.Stats(),
		Pending:     e.coordinator.Len(),
		DecodePool:  poolStats(e.decodePool),
		IOPool:      poolStats(e.ioPool),
	}
	if e.resultCache != nil {
		rs := e.resultCache.Stats()
		s.ResultCache = &rs
	}
	if e.downloadCache != nil {
		ds := e.downloadCache.Stats()
		s.DownloadCache = &ds
	}
	return s
}

func poolStats(p *dispatch.Pool) PoolStats {
	return PoolStats{Name: p.Name(), Size: p.Size(), Active: p.Active()}
}
