package sketch

import (
	"fmt"
	"image"

	"github.com/panpf/sketch-sub019/internal/memcache"
)

// DataFrom tells where a result's data came from.
type DataFrom int

const (
	DataFromNetwork DataFrom = iota
	DataFromLocal
	DataFromMemory
	DataFromDownloadCache
	DataFromResultCache
	DataFromMemoryCache
)

func (d DataFrom) String() string {
	switch d {
	case DataFromNetwork:
		return "NETWORK"
	case DataFromLocal:
		return "LOCAL"
	case DataFromMemory:
		return "MEMORY"
	case DataFromDownloadCache:
		return "DOWNLOAD_CACHE"
	case DataFromResultCache:
		return "RESULT_CACHE"
	case DataFromMemoryCache:
		return "MEMORY_CACHE"
	default:
		return fmt.Sprintf("DataFrom(%d)", int(d))
	}
}

// ImageInfo describes the source image before resizing.
type ImageInfo struct {
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	MimeType string `json:"mimeType"`
}

// DecodeResult is the output of the decode chain.
type DecodeResult struct {
	Image image.Image
	Info  ImageInfo
	// DataFrom is where the decoded bytes came from.
	DataFrom DataFrom
	// TransformsApplied lists the keys of every resize and transformation
	// applied to Image.
	TransformsApplied []string
	// Buffer backs Image when it was decoded into pooled memory.
	Buffer *Buffer
}

// producedBy is attached to cached images so a memory cache hit can report
// how the image was made.
type producedBy struct {
	info              ImageInfo
	dataFrom          DataFrom
	transformsApplied []string
}

// Result is a successfully loaded image. Every Result holds its own reference
// to the image; call Release when done with it so the image can be recycled.
type Result struct {
	Request           *Request
	Key               string
	Image             image.Image
	Info              ImageInfo
	DataFrom          DataFrom
	TransformsApplied []string

	handle *memcache.Handle
}

func newResult(req *Request, key string, h *memcache.Handle, dataFrom DataFrom) *Result {
	img := h.Image()
	r := &Result{
		Request:  req,
		Key:      key,
		Image:    img.Image(),
		DataFrom: dataFrom,
		handle:   h,
	}
	if p, ok := img.Attachment().(*producedBy); ok {
		r.Info = p.info
		r.TransformsApplied = append([]string(nil), p.transformsApplied...)
	}
	return r
}

// share returns a copy of r holding a reference of its own.
func (r *Result) share() *Result {
	c := *r
	c.TransformsApplied = append([]string(nil), r.TransformsApplied...)
	c.handle = nil
	if r.handle != nil {
		if h, ok := r.handle.Image().Acquire(); ok {
			c.handle = h
		}
	}
	return &c
}

// Release gives up the result's reference to the image. The image must not
// be used afterwards. Calls after the first are no-ops.
func (r *Result) Release() {
	if r != nil && r.handle != nil {
		r.handle.Release()
	}
}

// counted returns the reference-counted image behind the result, if any.
func (r *Result) counted() *memcache.CountedImage {
	if r.handle == nil {
		return nil
	}
	return r.handle.Image()
}
