package sketch

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"image"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"

	"github.com/panpf/sketch-sub019/internal/bitmappool"
	"github.com/panpf/sketch-sub019/internal/diskcache"
	"github.com/panpf/sketch-sub019/internal/dispatch"
	"github.com/panpf/sketch-sub019/internal/logging"
	"github.com/panpf/sketch-sub019/internal/metrics"
)

// Sort weights of the built-in interceptors. Custom interceptors with a
// higher weight run outside them.
const (
	WeightErrorTranslation = 100
	WeightPolicyOverride   = 95
	WeightMemoryCache      = 90
	WeightResultCache      = 90
	WeightDownsample       = 80
	WeightTransformation   = 70
)

// maxDownsampleRetries bounds how often a decode is retried at half size.
const maxDownsampleRetries = 3

// Result cache metadata keys.
const (
	metaWidth             = "width"
	metaHeight            = "height"
	metaTransformsApplied = "transformsApplied"
)

// errorTranslationInterceptor maps every failure onto the error taxonomy.
type errorTranslationInterceptor struct{}

func (errorTranslationInterceptor) Key() string     { return "ErrorTranslation" }
func (errorTranslationInterceptor) SortWeight() int { return WeightErrorTranslation }

func (errorTranslationInterceptor) Intercept(ctx context.Context, chain *RequestChain) (*Result, error) {
	res, err := chain.Proceed(ctx)
	if err != nil {
		return nil, translateError(err)
	}
	return res, nil
}

// policyOverrideInterceptor applies engine-wide cache policies on top of the
// request's own.
type policyOverrideInterceptor struct {
	overrides policyOverrides
}

func (policyOverrideInterceptor) Key() string     { return "PolicyOverride" }
func (policyOverrideInterceptor) SortWeight() int { return WeightPolicyOverride }

func (p policyOverrideInterceptor) Intercept(ctx context.Context, chain *RequestChain) (*Result, error) {
	if p.overrides.empty() {
		return chain.Proceed(ctx)
	}
	return chain.ProceedWith(ctx, p.overrides.apply(chain.Request()))
}

// memoryCacheInterceptor serves and fills the memory cache. Requests limited
// to DepthMemory stop here on a miss.
type memoryCacheInterceptor struct{}

func (memoryCacheInterceptor) Key() string     { return "MemoryCache" }
func (memoryCacheInterceptor) SortWeight() int { return WeightMemoryCache }

func (memoryCacheInterceptor) Intercept(ctx context.Context, chain *RequestChain) (*Result, error) {
	e, req := chain.Engine(), chain.Request()
	key := req.Key()
	policy := req.MemoryCachePolicy

	if policy.ReadEnabled() {
		if res, ok := memoryCacheHit(ctx, e, req, key); ok {
			return res, nil
		}
		logging.LogCacheMiss(ctx, e.logger, metrics.TierMemory, key, "not found")
		e.metrics.RecordMiss(metrics.TierMemory)
	}

	if req.Depth == DepthMemory {
		return nil, newDepthLimitError(req.Depth, "loading beyond the memory cache")
	}

	if !policy.WriteEnabled() {
		return chain.Proceed(ctx)
	}

	// Requests that differ only in policies have different execution keys
	// but populate the same entry; one decodes while the others wait.
	e.memoryLocks.Lock(key)
	defer e.memoryLocks.Unlock(key)

	if policy.ReadEnabled() {
		if res, ok := memoryCacheHit(ctx, e, req, key); ok {
			return res, nil
		}
	}

	res, err := chain.Proceed(ctx)
	if err != nil {
		return nil, err
	}
	if img := res.counted(); img != nil {
		e.memoryCache.Put(key, img)
	}
	return res, nil
}

func memoryCacheHit(ctx context.Context, e *Engine, req *Request, key string) (*Result, bool) {
	img := e.memoryCache.Get(key)
	if img == nil {
		return nil, false
	}
	h, ok := img.Acquire()
	if !ok {
		return nil, false
	}
	logging.LogCacheHit(ctx, e.logger, metrics.TierMemory, key)
	e.metrics.RecordHit(metrics.TierMemory)
	return newResult(req, key, h, DataFromMemoryCache), true
}

// engineRequestInterceptor is the last request interceptor. It runs the
// decode chain and wraps the output in a reference-counted image.
type engineRequestInterceptor struct{}

func (engineRequestInterceptor) Key() string     { return "Engine" }
func (engineRequestInterceptor) SortWeight() int { return 0 }

func (engineRequestInterceptor) Intercept(ctx context.Context, chain *RequestChain) (*Result, error) {
	e, req := chain.Engine(), chain.Request()
	dr, err := newDecodeChain(e, req, e.decodeInterceptors).Proceed(ctx)
	if err != nil {
		return nil, err
	}
	if dr == nil || dr.Image == nil {
		return nil, newDecodeError(fmt.Errorf("decode chain returned no image"), "decode %s", req.URI)
	}
	return e.newCountedResult(req, dr), nil
}

// resultCacheInterceptor serves and fills the result cache: resized and
// transformed images stored as PNG under the request key.
type resultCacheInterceptor struct{}

func (resultCacheInterceptor) Key() string     { return "ResultCache" }
func (resultCacheInterceptor) SortWeight() int { return WeightResultCache }

func (resultCacheInterceptor) Intercept(ctx context.Context, chain *DecodeChain) (*DecodeResult, error) {
	e, req := chain.Engine(), chain.Request()
	cache := e.resultCache
	policy := req.ResultCachePolicy
	if cache == nil || policy == CachePolicyDisabled {
		return chain.Proceed(ctx)
	}

	key := req.Key()
	lock := cache.EditLock(key)
	lock.Lock()
	defer lock.Unlock()

	if policy.ReadEnabled() {
		if res, ok := e.readResult(ctx, cache, req, key); ok {
			return res, nil
		}
	}

	res, err := chain.Proceed(ctx)
	if err != nil {
		return nil, err
	}
	// Untransformed images are cheaper to decode again from the source.
	if policy.WriteEnabled() && len(res.TransformsApplied) > 0 {
		e.writeResult(ctx, cache, key, res)
	}
	return res, nil
}

// readResult decodes a result cache entry. Any failure counts as a miss; an
// unreadable entry is removed.
func (e *Engine) readResult(ctx context.Context, cache *diskcache.Cache, req *Request, key string) (*DecodeResult, bool) {
	snap, err := cache.Get(ctx, key)
	if err != nil {
		reason := "not found"
		if !stderrors.Is(err, diskcache.ErrNotFound) {
			reason = err.Error()
			e.logger.Warn(ctx, "result cache read failed", "key", key, "error", err)
		}
		logging.LogCacheMiss(ctx, e.logger, metrics.TierResult, key, reason)
		e.metrics.RecordMiss(metrics.TierResult)
		return nil, false
	}
	defer snap.Close()

	res, err := dispatch.Run(ctx, e.decodePool, func(context.Context) (*DecodeResult, error) {
		meta, err := snap.Metadata()
		if err != nil {
			return nil, err
		}
		img, err := imaging.Decode(snap.Data())
		if err != nil {
			return nil, err
		}
		return e.resultFromCache(req, img, meta)
	})
	if err != nil {
		e.logger.Warn(ctx, "result cache entry unreadable", "key", key, "error", err)
		if ctx.Err() == nil {
			_, _ = cache.Remove(ctx, key)
		}
		e.metrics.RecordMiss(metrics.TierResult)
		return nil, false
	}
	logging.LogCacheHit(ctx, e.logger, metrics.TierResult, key)
	e.metrics.RecordHit(metrics.TierResult)
	return res, true
}

func (e *Engine) resultFromCache(req *Request, img image.Image, meta diskcache.Metadata) (*DecodeResult, error) {
	info := ImageInfo{MimeType: meta[metaMimeType]}
	var err error
	if info.Width, err = strconv.Atoi(meta[metaWidth]); err != nil {
		return nil, fmt.Errorf("metadata width: %w", err)
	}
	if info.Height, err = strconv.Atoi(meta[metaHeight]); err != nil {
		return nil, fmt.Errorf("metadata height: %w", err)
	}
	var applied []string
	if err := json.Unmarshal([]byte(meta[metaTransformsApplied]), &applied); err != nil {
		return nil, fmt.Errorf("metadata transforms: %w", err)
	}

	b := img.Bounds()
	buf := e.buffer(req, b.Dx(), b.Dy())
	draw.Draw(buf.Image(), buf.Image().Bounds(), img, b.Min, draw.Src)
	return &DecodeResult{
		Image:             buf.Image(),
		Info:              info,
		DataFrom:          DataFromResultCache,
		TransformsApplied: applied,
		Buffer:            buf,
	}, nil
}

// writeResult stores res as PNG. Failures abort the edit and are only
// logged: the request already has its image.
func (e *Engine) writeResult(ctx context.Context, cache *diskcache.Cache, key string, res *DecodeResult) {
	ed, err := cache.Edit(ctx, key)
	if err != nil {
		e.logger.Warn(ctx, "result cache edit failed", "key", key, "error", err)
		return
	}
	err = func() error {
		w, err := ed.Data()
		if err != nil {
			return err
		}
		if err := imaging.Encode(w, res.Image, imaging.PNG); err != nil {
			return err
		}
		applied, err := json.Marshal(res.TransformsApplied)
		if err != nil {
			return err
		}
		if err := ed.SetMetadata(diskcache.Metadata{
			metaWidth:             strconv.Itoa(res.Info.Width),
			metaHeight:            strconv.Itoa(res.Info.Height),
			metaMimeType:          res.Info.MimeType,
			metaTransformsApplied: string(applied),
		}); err != nil {
			return err
		}
		return ed.Commit()
	}()
	if err != nil {
		_ = ed.Abort()
		e.logger.Warn(ctx, "result cache write failed", "key", key, "error", err)
	}
}

// downsampleInterceptor retries a decode that ran out of memory at half the
// size, up to maxDownsampleRetries times.
type downsampleInterceptor struct{}

func (downsampleInterceptor) Key() string     { return "Downsample" }
func (downsampleInterceptor) SortWeight() int { return WeightDownsample }

func (downsampleInterceptor) Intercept(ctx context.Context, chain *DecodeChain) (*DecodeResult, error) {
	e, req := chain.Engine(), chain.Request()
	for attempt := 0; ; attempt++ {
		res, err := chain.ProceedWith(ctx, req)
		if err == nil || !stderrors.Is(err, ErrOutOfMemory) || attempt == maxDownsampleRetries {
			return res, err
		}
		req = req.clone()
		req.sampleShift++
		e.metrics.RecordDownsample()
		e.logger.Info(ctx, "decode out of memory, retrying smaller",
			"uri", req.URI, "sample_shift", req.sampleShift, "error", err)
		chain = chain.Retry()
	}
}

// transformationInterceptor applies the request's transformations in order.
type transformationInterceptor struct{}

func (transformationInterceptor) Key() string     { return "Transformation" }
func (transformationInterceptor) SortWeight() int { return WeightTransformation }

func (transformationInterceptor) Intercept(ctx context.Context, chain *DecodeChain) (*DecodeResult, error) {
	e, req := chain.Engine(), chain.Request()
	res, err := chain.Proceed(ctx)
	if err != nil || len(req.Transformations) == 0 {
		return res, err
	}

	img := res.Image
	applied := append([]string(nil), res.TransformsApplied...)
	for _, t := range req.Transformations {
		out, err := t.Transform(ctx, img)
		if err == nil && out == nil {
			err = fmt.Errorf("transformation returned no image")
		}
		if err != nil {
			e.recycle(req, res.Buffer)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, newDecodeError(err, "transformation %s", t.Key())
		}
		img = out
		applied = append(applied, t.Key())
	}

	if res.Buffer != nil && image.Image(res.Buffer.Image()) != img {
		e.recycle(req, res.Buffer)
	}
	buf, ok := bitmappool.Wrap(img)
	if !ok {
		buf = nil
	}
	return &DecodeResult{
		Image:             img,
		Info:              res.Info,
		DataFrom:          res.DataFrom,
		TransformsApplied: applied,
		Buffer:            buf,
	}, nil
}

// engineDecodeInterceptor is the last decode interceptor: fetch on the io
// pool, then decode on the decode pool.
type engineDecodeInterceptor struct{}

func (engineDecodeInterceptor) Key() string     { return "EngineDecode" }
func (engineDecodeInterceptor) SortWeight() int { return 0 }

func (engineDecodeInterceptor) Intercept(ctx context.Context, chain *DecodeChain) (*DecodeResult, error) {
	e, req := chain.Engine(), chain.Request()
	fetched, err := chain.FetchResult(ctx)
	if err != nil {
		return nil, err
	}
	dec := e.decoderFor(req, fetched)
	if dec == nil {
		return nil, newDecodeError(ErrNoDecoder, "decode %q from %s", fetched.MimeType, req.URI)
	}

	start := time.Now()
	res, err := dispatch.Run(ctx, e.decodePool, dec.Decode)
	logging.LogOperation(ctx, e.logger.WithKey(req.Key()), logging.OpDecode, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	if res == nil || res.Image == nil {
		return nil, newDecodeError(fmt.Errorf("decoder returned no image"), "decode %s", req.URI)
	}
	e.metrics.RecordDecode(time.Since(start))
	return res, nil
}
