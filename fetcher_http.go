package sketch

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// httpDownloader downloads http and https URIs.
type httpDownloader struct {
	client *http.Client
}

func (h httpDownloader) accepts(uri string) bool {
	return strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://")
}

func (h httpDownloader) download(ctx context.Context, req *Request) ([]byte, string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URI, nil)
	if err != nil {
		return nil, "", newPermanentFetchError(err, "build request for %s", req.URI)
	}
	resp, err := h.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", newFetchError(err, "get %s", req.URI)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := fmt.Errorf("unexpected status %s", resp.Status)
		if permanentStatus(resp.StatusCode) {
			return nil, "", newPermanentFetchError(statusErr, "get %s", req.URI)
		}
		return nil, "", newFetchError(statusErr, "get %s", req.URI)
	}

	data, err := readBody(ctx, req, resp.Body, resp.ContentLength)
	if err != nil {
		return nil, "", err
	}
	mimeType, _, _ := strings.Cut(resp.Header.Get("Content-Type"), ";")
	return data, strings.TrimSpace(mimeType), nil
}

// permanentStatus reports whether a status means the request itself is wrong.
// Timeouts and rate limits may still succeed later.
func permanentStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	default:
		return code >= 400 && code < 500
	}
}
