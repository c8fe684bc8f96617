package sketch

import (
	"context"
	"io"
	"testing"

	"github.com/jmgilman/go/fs/billy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDataURI(t *testing.T) {
	tests := []struct {
		name     string
		uri      string
		wantMime string
		wantData string
		wantErr  bool
	}{
		{name: "base64", uri: "data:image/png;base64,aGVsbG8=", wantMime: "image/png", wantData: "hello"},
		{name: "unpadded base64", uri: "data:image/png;base64,aGVsbG8", wantMime: "image/png", wantData: "hello"},
		{name: "parameters", uri: "data:text/plain;charset=utf-8;base64,aGk=", wantMime: "text/plain", wantData: "hi"},
		{name: "percent escaped", uri: "data:,a%20b", wantMime: "text/plain", wantData: "a b"},
		{name: "missing comma", uri: "data:image/png;base64", wantErr: true},
		{name: "bad base64", uri: "data:image/png;base64,!!!", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mimeType, data, err := parseDataURI(tt.uri)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantMime, mimeType)
			assert.Equal(t, tt.wantData, string(data))
		})
	}
}

func TestDataURIFetcher(t *testing.T) {
	factory := NewDataURIFetcherFactory()
	assert.Nil(t, factory.Create(NewRequest("https://x")))

	res, err := factory.Create(NewRequest("data:,abc")).Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DataFromMemory, res.DataFrom)
	assert.Equal(t, int64(3), res.Source.Length())

	_, err = factory.Create(NewRequest("data:nope")).Fetch(context.Background())
	assert.True(t, IsFetchError(err))
}

func TestFileFetcher(t *testing.T) {
	fsys := billy.NewMemory()
	require.NoError(t, fsys.MkdirAll("/img", 0o755))
	require.NoError(t, fsys.WriteFile("/img/a.png", []byte("pixels"), 0o644))
	factory := NewFileFetcherFactory(fsys)
	ctx := context.Background()

	assert.Nil(t, factory.Create(NewRequest("https://x/a.png")))
	assert.Nil(t, factory.Create(NewRequest("relative/a.png")))

	for _, uri := range []string{"file:///img/a.png", "/img/a.png"} {
		t.Run(uri, func(t *testing.T) {
			f := factory.Create(NewRequest(uri))
			require.NotNil(t, f)

			res, err := f.Fetch(ctx)
			require.NoError(t, err)
			assert.Equal(t, "image/png", res.MimeType)
			assert.Equal(t, DataFromLocal, res.DataFrom)
			assert.Equal(t, int64(6), res.Source.Length())

			rc, err := res.Source.Open()
			require.NoError(t, err)
			defer rc.Close()
			data, err := io.ReadAll(rc)
			require.NoError(t, err)
			assert.Equal(t, "pixels", string(data))
		})
	}

	t.Run("missing", func(t *testing.T) {
		_, err := factory.Create(NewRequest("/img/missing.png")).Fetch(ctx)
		assert.True(t, IsFetchError(err))
	})

	t.Run("directory", func(t *testing.T) {
		_, err := factory.Create(NewRequest("/img")).Fetch(ctx)
		assert.True(t, IsFetchError(err))
	})
}

func TestEngine_LoadsLocalFile(t *testing.T) {
	fsys := billy.NewMemory()
	require.NoError(t, fsys.MkdirAll("/photos", 0o755))
	require.NoError(t, fsys.WriteFile("/photos/cat.png", pngBytes(t, 12, 6, colorRed), 0o644))
	e := newTestEngine(t, WithFS(fsys))

	res, err := e.Execute(context.Background(), NewRequest("file:///photos/cat.png", WithDepth(DepthLocal)))
	require.NoError(t, err)
	defer res.Release()

	assert.Equal(t, DataFromLocal, res.DataFrom)
	assert.Equal(t, 12, res.Info.Width)
}
