package sketch

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// DataURIFetcherFactory serves RFC 2397 data: URIs.
type DataURIFetcherFactory struct{}

// NewDataURIFetcherFactory creates a data: URI fetcher factory.
func NewDataURIFetcherFactory() *DataURIFetcherFactory {
	return &DataURIFetcherFactory{}
}

// Create returns a fetcher for data: URIs.
func (f *DataURIFetcherFactory) Create(req *Request) Fetcher {
	if !strings.HasPrefix(req.URI, "data:") {
		return nil
	}
	return &dataURIFetcher{uri: req.URI}
}

type dataURIFetcher struct {
	uri string
}

func (f *dataURIFetcher) Fetch(ctx context.Context) (*FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mimeType, data, err := parseDataURI(f.uri)
	if err != nil {
		return nil, newFetchError(err, "parse data uri")
	}
	return &FetchResult{
		Source:   newBytesSource(data, DataFromMemory),
		MimeType: mimeType,
		DataFrom: DataFromMemory,
	}, nil
}

func parseDataURI(uri string) (string, []byte, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok {
		return "", nil, fmt.Errorf("missing comma in data uri")
	}
	isBase64 := false
	if h, found := strings.CutSuffix(header, ";base64"); found {
		header, isBase64 = h, true
	}
	mimeType, _, _ := strings.Cut(header, ";")
	if mimeType == "" {
		mimeType = "text/plain"
	}
	if isBase64 {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			// Some producers drop the padding.
			data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
			if err != nil {
				return "", nil, fmt.Errorf("decode base64 payload: %w", err)
			}
		}
		return mimeType, data, nil
	}
	data, err := url.PathUnescape(payload)
	if err != nil {
		return "", nil, fmt.Errorf("unescape payload: %w", err)
	}
	return mimeType, []byte(data), nil
}
