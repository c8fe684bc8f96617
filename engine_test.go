package sketch

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/billy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panpf/sketch-sub019/internal/diskcache"
)

func TestEngine_ExecuteDataURI(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	req := NewRequest(dataURI(t, 16, 8))

	res, err := e.Execute(ctx, req)
	require.NoError(t, err)
	defer res.Release()

	assert.Equal(t, 16, res.Image.Bounds().Dx())
	assert.Equal(t, 8, res.Image.Bounds().Dy())
	assert.Equal(t, DataFromMemory, res.DataFrom)
	assert.Equal(t, ImageInfo{Width: 16, Height: 8, MimeType: "image/png"}, res.Info)
	assert.Same(t, req, res.Request)

	again, err := e.Execute(ctx, NewRequest(req.URI))
	require.NoError(t, err)
	defer again.Release()
	assert.Equal(t, DataFromMemoryCache, again.DataFrom)
	assert.Equal(t, res.Image, again.Image)
	assert.Equal(t, res.Info, again.Info)
}

func TestEngine_CoalescesConcurrentRequests(t *testing.T) {
	stub := newStubFetcher(t, 8, 8)
	stub.delay = 100 * time.Millisecond
	e := newTestEngine(t, WithFetcherFactory(stub))
	ctx := context.Background()

	const callers = 10
	results := make([]*Result, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = e.Execute(ctx, NewRequest("stub://a"))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), stub.calls.Load())
	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].Image, results[i].Image)
	}

	cached := e.memoryCache.Get(results[0].Key)
	require.NotNil(t, cached)
	assert.Equal(t, callers, cached.RefCount())
	for _, res := range results {
		res.Release()
		res.Release()
	}
	assert.Equal(t, 0, cached.RefCount())
	assert.False(t, cached.Released())
}

func TestEngine_PolicyVariantsShareOneDecode(t *testing.T) {
	stub := newStubFetcher(t, 8, 8)
	stub.delay = 100 * time.Millisecond
	e := newTestEngine(t, WithFetcherFactory(stub))
	ctx := context.Background()

	reqs := []*Request{
		NewRequest("stub://a"),
		NewRequest("stub://a", WithDownloadCachePolicy(CachePolicyDisabled)),
	}
	require.Equal(t, reqs[0].Key(), reqs[1].Key())
	require.NotEqual(t, reqs[0].executionKey(), reqs[1].executionKey())

	results := make([]*Result, len(reqs))
	errs := make([]error, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = e.Execute(ctx, req)
		}()
	}
	wg.Wait()

	for i := range reqs {
		require.NoError(t, errs[i])
		defer results[i].Release()
	}
	assert.Equal(t, int32(1), stub.calls.Load())
	assert.Same(t, results[0].Image, results[1].Image)
	assert.Equal(t, 0, e.memoryLocks.Len())
}

func TestEngine_SharedFailureReachesEveryWaiter(t *testing.T) {
	stub := newStubFetcher(t, 8, 8)
	stub.delay = 50 * time.Millisecond
	stub.err = newFetchError(stderrors.New("connection reset"), "fetch stub")
	e := newTestEngine(t, WithFetcherFactory(stub))

	var wg sync.WaitGroup
	var fetchErrors atomic.Int32
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.Execute(context.Background(), NewRequest("stub://broken"))
			if IsFetchError(err) && res == nil {
				fetchErrors.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), fetchErrors.Load())
	assert.Equal(t, int32(1), stub.calls.Load())
}

func TestEngine_UnclassifiedFetcherErrorIsFetchError(t *testing.T) {
	stub := newStubFetcher(t, 8, 8)
	stub.err = stderrors.New("connection reset by peer")
	e := newTestEngine(t, WithFetcherFactory(stub))

	_, err := e.Execute(context.Background(), NewRequest("stub://a"))

	require.Error(t, err)
	assert.True(t, IsFetchError(err))
	assert.False(t, IsDecodeError(err))
	assert.True(t, errors.IsRetryable(err))
	assert.ErrorIs(t, err, stub.err)
}

func TestEngine_FetcherContextErrorIsNotReclassified(t *testing.T) {
	stub := newStubFetcher(t, 8, 8)
	stub.err = context.DeadlineExceeded
	e := newTestEngine(t, WithFetcherFactory(stub))

	_, err := e.Execute(context.Background(), NewRequest("stub://a"))

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, IsFetchError(err))
}

func TestEngine_DepthMemoryFailsWithoutIO(t *testing.T) {
	stub := newStubFetcher(t, 8, 8)
	e := newTestEngine(t, WithFetcherFactory(stub))

	_, err := e.Execute(context.Background(), NewRequest("stub://a", WithDepth(DepthMemory)))
	require.Error(t, err)
	assert.True(t, IsDepthLimitError(err))
	assert.Zero(t, stub.calls.Load())

	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "stub://a", le.URI)
}

func TestEngine_DepthLocalSkipsNetwork(t *testing.T) {
	var hits atomic.Int32
	body := pngBytes(t, 4, 4, colorRed)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	e := newTestEngine(t, WithCacheDir("/cache"))
	ctx := context.Background()

	_, err := e.Execute(ctx, NewRequest(srv.URL+"/a.png", WithDepth(DepthLocal)))
	assert.True(t, IsDepthLimitError(err))
	assert.Zero(t, hits.Load())

	res, err := e.Execute(ctx, NewRequest(srv.URL+"/a.png"))
	require.NoError(t, err)
	assert.Equal(t, DataFromNetwork, res.DataFrom)
	res.Release()

	// The download cache now satisfies a local-only load.
	res, err = e.Execute(ctx, NewRequest(srv.URL+"/a.png",
		WithDepth(DepthLocal), WithMemoryCachePolicy(CachePolicyDisabled)))
	require.NoError(t, err)
	defer res.Release()
	assert.Equal(t, DataFromDownloadCache, res.DataFrom)
	assert.Equal(t, int32(1), hits.Load())
}

func TestEngine_ProgressListener(t *testing.T) {
	body := pngBytes(t, 64, 64, colorRed)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	e := newTestEngine(t)
	var last, total atomic.Int64
	res, err := e.Execute(context.Background(), NewRequest(srv.URL,
		WithProgressListener(ProgressFunc(func(_ *Request, t, completed int64) {
			total.Store(t)
			last.Store(completed)
		}))))
	require.NoError(t, err)
	defer res.Release()

	assert.Equal(t, int64(len(body)), total.Load())
	assert.Equal(t, int64(len(body)), last.Load())
}

func TestEngine_HTTPErrorStatusIsRetryableFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	e := newTestEngine(t)
	_, err := e.Execute(context.Background(), NewRequest(srv.URL))
	require.Error(t, err)
	assert.True(t, IsFetchError(err))
	assert.True(t, errors.IsRetryable(err))
}

func TestEngine_ResultCacheStoresTransformedImage(t *testing.T) {
	e := newTestEngine(t, WithCacheDir("/cache"))
	ctx := context.Background()
	uri := dataURI(t, 40, 20)
	newReq := func() *Request {
		return NewRequest(uri,
			WithResize(10, 10, PrecisionExactly, ScaleCenterCrop),
			WithTransformations(Grayscale{}))
	}

	res, err := e.Execute(ctx, newReq())
	require.NoError(t, err)
	assert.Equal(t, DataFromMemory, res.DataFrom)
	want := []string{"Resize(10x10,EXACTLY,CENTER_CROP)", "Grayscale"}
	assert.Equal(t, want, res.TransformsApplied)
	res.Release()
	assert.True(t, e.resultCache.Exist(newReq().Key()))

	e.ClearMemoryCache()
	res, err = e.Execute(ctx, newReq())
	require.NoError(t, err)
	defer res.Release()
	assert.Equal(t, DataFromResultCache, res.DataFrom)
	assert.Equal(t, want, res.TransformsApplied)
	assert.Equal(t, ImageInfo{Width: 40, Height: 20, MimeType: "image/png"}, res.Info)
	assert.Equal(t, 10, res.Image.Bounds().Dx())
}

func TestEngine_UnreadableResultCacheEntryIsAMiss(t *testing.T) {
	stub := newStubFetcher(t, 20, 20)
	e := newTestEngine(t, WithCacheDir("/cache"), WithFetcherFactory(stub))
	ctx := context.Background()
	req := NewRequest("stub://a", WithResize(5, 5, PrecisionExactly, ScaleCenterCrop))

	ed, err := e.resultCache.Edit(ctx, req.Key())
	require.NoError(t, err)
	w, err := ed.Data()
	require.NoError(t, err)
	_, err = w.Write([]byte("not a png"))
	require.NoError(t, err)
	require.NoError(t, ed.SetMetadata(diskcache.Metadata{metaWidth: "1"}))
	require.NoError(t, ed.Commit())

	res, err := e.Execute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, DataFromNetwork, res.DataFrom)
	assert.Equal(t, int32(1), stub.calls.Load())
	res.Release()

	// The bad entry was replaced by a good one.
	e.ClearMemoryCache()
	res, err = e.Execute(ctx, NewRequest("stub://a", WithResize(5, 5, PrecisionExactly, ScaleCenterCrop)))
	require.NoError(t, err)
	defer res.Release()
	assert.Equal(t, DataFromResultCache, res.DataFrom)
	assert.Equal(t, int32(1), stub.calls.Load())
}

func TestEngine_ResultCacheWriteFailureStillSucceeds(t *testing.T) {
	fsys := &failingFS{FS: billy.NewMemory()}
	stub := newStubFetcher(t, 20, 20)
	e, err := New(context.Background(), WithFS(fsys), WithCacheDir("/cache"), WithFetcherFactory(stub))
	require.NoError(t, err)
	defer e.Close()

	fsys.failStaging.Store(true)
	res, err := e.Execute(context.Background(), NewRequest("stub://a", WithResize(5, 5, PrecisionExactly, ScaleCenterCrop)))
	require.NoError(t, err)
	defer res.Release()

	assert.Equal(t, 5, res.Image.Bounds().Dx())
	assert.Equal(t, 0, e.resultCache.Len())
}

func TestEngine_DownsamplesOnOutOfMemory(t *testing.T) {
	stub := newStubFetcher(t, 64, 64)
	// 16 KiB of source plus 16 KiB of output does not fit; a 32x32 output does.
	e := newTestEngine(t, WithFetcherFactory(stub), WithMaxDecodeBytes(21_000))

	res, err := e.Execute(context.Background(), NewRequest("stub://big"))
	require.NoError(t, err)
	defer res.Release()

	assert.Equal(t, 32, res.Image.Bounds().Dx())
	assert.Equal(t, []string{"Resize(32x32,LESS_PIXELS,CENTER_CROP)"}, res.TransformsApplied)
	assert.Equal(t, int64(1), e.Stats().Loads.Downsamples)
	assert.Equal(t, int32(1), stub.calls.Load())
}

func TestEngine_OutOfMemoryAfterRetriesIsDecodeError(t *testing.T) {
	stub := newStubFetcher(t, 64, 64)
	e := newTestEngine(t, WithFetcherFactory(stub), WithMaxDecodeBytes(10))

	_, err := e.Execute(context.Background(), NewRequest("stub://big"))
	require.Error(t, err)
	assert.True(t, IsDecodeError(err))
	assert.ErrorIs(t, err, ErrOutOfMemory)
	assert.Equal(t, int64(maxDownsampleRetries), e.Stats().Loads.Downsamples)
}

func TestEngine_PolicyOverrideDisablesMemoryCache(t *testing.T) {
	stub := newStubFetcher(t, 8, 8)
	e := newTestEngine(t, WithFetcherFactory(stub), WithMemoryCachePolicyOverride(CachePolicyDisabled))
	ctx := context.Background()

	for range 2 {
		res, err := e.Execute(ctx, NewRequest("stub://a"))
		require.NoError(t, err)
		assert.Equal(t, DataFromNetwork, res.DataFrom)
		res.Release()
	}
	assert.Equal(t, int32(2), stub.calls.Load())
	assert.Equal(t, 0, e.memoryCache.Len())
}

func TestEngine_ReadOnlyMemoryPolicyDoesNotWrite(t *testing.T) {
	e := newTestEngine(t)
	res, err := e.Execute(context.Background(), NewRequest(dataURI(t, 4, 4),
		WithMemoryCachePolicy(CachePolicyReadOnly)))
	require.NoError(t, err)
	defer res.Release()
	assert.Equal(t, 0, e.memoryCache.Len())
}

func TestEngine_ReleaseRecyclesBuffer(t *testing.T) {
	e := newTestEngine(t)
	res, err := e.Execute(context.Background(), NewRequest(dataURI(t, 16, 16),
		WithMemoryCachePolicy(CachePolicyDisabled)))
	require.NoError(t, err)
	assert.Equal(t, 0, e.bitmapPool.Len())

	res.Release()
	assert.Equal(t, 1, e.bitmapPool.Len())

	// The next decode of the same shape reuses it.
	res, err = e.Execute(context.Background(), NewRequest(dataURI(t, 16, 16),
		WithMemoryCachePolicy(CachePolicyDisabled)))
	require.NoError(t, err)
	defer res.Release()
	assert.Equal(t, 0, e.bitmapPool.Len())
	assert.Equal(t, int64(1), e.bitmapPool.Stats().Hits)
}

func TestEngine_DisallowReuseBitmapSkipsPool(t *testing.T) {
	e := newTestEngine(t)
	res, err := e.Execute(context.Background(), NewRequest(dataURI(t, 16, 16),
		WithMemoryCachePolicy(CachePolicyDisabled), WithDisallowReuseBitmap()))
	require.NoError(t, err)
	res.Release()
	assert.Equal(t, 0, e.bitmapPool.Len())
}

func TestEngine_TrimComplete(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	kept, err := e.Execute(ctx, NewRequest(dataURI(t, 4, 4)))
	require.NoError(t, err)
	defer kept.Release()
	res, err := e.Execute(ctx, NewRequest(dataURI(t, 8, 8)))
	require.NoError(t, err)
	res.Release()
	require.Equal(t, 2, e.memoryCache.Len())

	e.Trim(TrimComplete)
	assert.Equal(t, []string{kept.Key}, e.memoryCache.Keys())
}

func TestEngine_Errors(t *testing.T) {
	stub := newStubFetcher(t, 4, 4)
	stub.mimeType = "text/html"
	e := newTestEngine(t, WithFetcherFactory(stub))
	ctx := context.Background()

	t.Run("no fetcher", func(t *testing.T) {
		_, err := e.Execute(ctx, NewRequest("gopher://x"))
		assert.True(t, IsFetchError(err))
		assert.ErrorIs(t, err, ErrNoFetcher)
	})
	t.Run("no decoder", func(t *testing.T) {
		_, err := e.Execute(ctx, NewRequest("stub://page"))
		assert.True(t, IsDecodeError(err))
		assert.ErrorIs(t, err, ErrNoDecoder)
	})
	t.Run("undecodable bytes", func(t *testing.T) {
		_, err := e.Execute(ctx, NewRequest("data:image/png;base64,AAAA"))
		assert.True(t, IsDecodeError(err))
	})
	t.Run("invalid request", func(t *testing.T) {
		_, err := e.Execute(ctx, NewRequest(""))
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})
}

func TestEngine_CallerTimeoutDetaches(t *testing.T) {
	stub := newStubFetcher(t, 4, 4)
	stub.delay = 200 * time.Millisecond
	e := newTestEngine(t, WithFetcherFactory(stub))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.Execute(ctx, NewRequest("stub://slow"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, errors.CodeUnknown, Code(err))
}

func TestEngine_Listener(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	ok := &recordingListener{}
	res, err := e.Execute(ctx, NewRequest(dataURI(t, 2, 2), WithListener(ok)))
	require.NoError(t, err)
	res.Release()
	assert.Equal(t, []string{"start", "success"}, ok.events)

	failed := &recordingListener{}
	_, err = e.Execute(ctx, NewRequest("gopher://x", WithListener(failed)))
	require.Error(t, err)
	assert.Equal(t, []string{"start", "error"}, failed.events)
	assert.Equal(t, err, failed.err)
}

func TestEngine_ExecuteAll(t *testing.T) {
	e := newTestEngine(t)
	reqs := []*Request{
		NewRequest(dataURI(t, 2, 2)),
		NewRequest(dataURI(t, 3, 3)),
		NewRequest("gopher://x"),
	}

	results, err := e.ExecuteAll(context.Background(), reqs)
	require.Error(t, err)
	assert.True(t, IsFetchError(err))
	require.Len(t, results, 3)
	require.NotNil(t, results[0])
	require.NotNil(t, results[1])
	assert.Nil(t, results[2])
	assert.Equal(t, 3, results[1].Image.Bounds().Dx())
	results[0].Release()
	results[1].Release()
}

func TestEngine_Close(t *testing.T) {
	e, err := New(context.Background(), WithFS(billy.NewMemory()), WithCacheDir("/cache"))
	require.NoError(t, err)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	_, err = e.Execute(context.Background(), NewRequest(dataURI(t, 2, 2)))
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestEngine_Stats(t *testing.T) {
	e := newTestEngine(t, WithCacheDir("/cache"))
	res, err := e.Execute(context.Background(), NewRequest(dataURI(t, 2, 2)))
	require.NoError(t, err)
	res.Release()

	s := e.Stats()
	assert.Equal(t, int64(1), s.Loads.Requests)
	assert.Equal(t, int64(1), s.Loads.Tiers["memory"].Misses)
	assert.Equal(t, 1, s.MemoryCache.Entries)
	require.NotNil(t, s.ResultCache)
	require.NotNil(t, s.DownloadCache)
	assert.Equal(t, "decode", s.DecodePool.Name)
	assert.Equal(t, 0, s.Pending)
}

func TestEngine_ClearDiskCaches(t *testing.T) {
	e := newTestEngine(t, WithCacheDir("/cache"))
	ctx := context.Background()
	res, err := e.Execute(ctx, NewRequest(dataURI(t, 8, 8), WithResize(2, 2, PrecisionExactly, ScaleCenterCrop)))
	require.NoError(t, err)
	res.Release()
	require.Equal(t, 1, e.resultCache.Len())

	require.NoError(t, e.ClearDiskCaches(ctx))
	assert.Equal(t, 0, e.resultCache.Len())
}

func TestEngine_HTTPNotFoundIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	e := newTestEngine(t)
	_, err := e.Execute(context.Background(), NewRequest(srv.URL+"/missing.png"))
	require.Error(t, err)
	assert.True(t, IsFetchError(err))
	assert.False(t, errors.IsRetryable(err))
}
