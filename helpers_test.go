package sketch

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmgilman/go/fs/billy"
	"github.com/jmgilman/go/fs/core"
	"github.com/stretchr/testify/require"
)

var colorRed = color.NRGBA{R: 255, A: 255}

func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func dataURI(t *testing.T, w, h int) string {
	t.Helper()
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes(t, w, h, color.NRGBA{R: 200, G: 40, B: 40, A: 255}))
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	all := append([]Option{WithFS(billy.NewMemory())}, opts...)
	e, err := New(context.Background(), all...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// stubFetcherFactory serves fixed bytes for stub:// URIs and counts fetches.
type stubFetcherFactory struct {
	data     []byte
	mimeType string
	delay    time.Duration
	err      error
	calls    atomic.Int32
}

func newStubFetcher(t *testing.T, w, h int) *stubFetcherFactory {
	return &stubFetcherFactory{
		data:     pngBytes(t, w, h, color.NRGBA{R: 10, G: 120, B: 220, A: 255}),
		mimeType: "image/png",
	}
}

func (f *stubFetcherFactory) Create(req *Request) Fetcher {
	if !strings.HasPrefix(req.URI, "stub://") {
		return nil
	}
	return stubFetcher{f: f}
}

type stubFetcher struct {
	f *stubFetcherFactory
}

func (s stubFetcher) Fetch(ctx context.Context) (*FetchResult, error) {
	s.f.calls.Add(1)
	if s.f.delay > 0 {
		select {
		case <-time.After(s.f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.f.err != nil {
		return nil, s.f.err
	}
	return &FetchResult{
		Source:   newBytesSource(s.f.data, DataFromNetwork),
		MimeType: s.f.mimeType,
		DataFrom: DataFromNetwork,
	}, nil
}

// failingFS fails to stage disk cache entries while failStaging is set.
type failingFS struct {
	core.FS
	failStaging atomic.Bool
}

func (f *failingFS) Create(name string) (core.File, error) {
	if f.failStaging.Load() && strings.HasSuffix(name, ".tmp") && !strings.HasSuffix(name, "journal.tmp") {
		return nil, errors.New("disk full")
	}
	return f.FS.Create(name)
}

// recordingListener records lifecycle callbacks.
type recordingListener struct {
	events []string
	err    error
}

func (l *recordingListener) OnStart(*Request) { l.events = append(l.events, "start") }

func (l *recordingListener) OnSuccess(*Request, *Result) { l.events = append(l.events, "success") }

func (l *recordingListener) OnError(_ *Request, err error) {
	l.events = append(l.events, "error")
	l.err = err
}
