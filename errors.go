package sketch

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jmgilman/go/errors"

	"github.com/panpf/sketch-sub019/internal/coordinator"
	"github.com/panpf/sketch-sub019/internal/diskcache"
)

// Error codes of the load error taxonomy. Every error returned by Execute,
// other than a context error, carries exactly one of them.
const (
	// CodeFetchFailed means the source bytes could not be obtained. It is
	// classified as retryable.
	CodeFetchFailed errors.ErrorCode = "FETCH_FAILED"
	// CodeDecodeFailed means the bytes could not be turned into an image.
	CodeDecodeFailed errors.ErrorCode = "DECODE_FAILED"
	// CodeDepthLimit means the request's Depth forbade the work needed to
	// satisfy it.
	CodeDepthLimit errors.ErrorCode = "DEPTH_LIMIT"
	// CodeCacheIO means a cache could not be read or written and the failure
	// could not be absorbed.
	CodeCacheIO errors.ErrorCode = "CACHE_IO"
	// CodeDuplicateEdit means a disk cache entry was already being edited.
	CodeDuplicateEdit errors.ErrorCode = "DUPLICATE_EDIT"
)

var (
	// ErrChainReused is returned by Proceed when a chain position has already
	// proceeded once.
	ErrChainReused = stderrors.New("interceptor chain position already proceeded")

	// ErrOutOfMemory is returned, possibly wrapped, by a Decoder that cannot
	// allocate the requested image. The engine retries the decode at half
	// the size.
	ErrOutOfMemory = stderrors.New("out of memory")

	// ErrNoFetcher is wrapped by the fetch error returned when no registered
	// fetcher accepts a request URI.
	ErrNoFetcher = stderrors.New("no fetcher for uri")

	// ErrNoDecoder is wrapped by the decode error returned when no registered
	// decoder accepts fetched data.
	ErrNoDecoder = stderrors.New("no decoder for data")

	// ErrEngineClosed is returned by Execute after Close.
	ErrEngineClosed = stderrors.New("engine is closed")

	// ErrInvalidRequest is returned for a request that fails validation.
	ErrInvalidRequest = stderrors.New("invalid request")
)

// LoadError describes a failed load. It wraps a coded error from the taxonomy
// above, or a context error when the caller gave up.
type LoadError struct {
	// Op is the operation that failed, e.g. "execute".
	Op string
	// Key is the request cache key.
	Key string
	// URI is the request URI.
	URI string
	// Err is the underlying error.
	Err error
}

// Error returns the underlying error message.
func (e *LoadError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *LoadError) Unwrap() error {
	return e.Err
}

// FormatError renders the error with its operation and URI.
func (e *LoadError) FormatError() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.URI, e.Err.Error())
}

func newFetchError(err error, format string, args ...any) error {
	return errors.WithClassification(
		errors.Wrapf(err, CodeFetchFailed, format, args...),
		errors.ClassificationRetryable,
	)
}

func newDecodeError(err error, format string, args ...any) error {
	return errors.Wrapf(err, CodeDecodeFailed, format, args...)
}

func newCacheIOError(err error, format string, args ...any) error {
	return errors.Wrapf(err, CodeCacheIO, format, args...)
}

func newDepthLimitError(depth Depth, reason string) error {
	return errors.WithContextMap(
		errors.Newf(CodeDepthLimit, "request depth %s forbids %s", depth, reason),
		map[string]interface{}{"depth": depth.String()},
	)
}

// translateError maps any error onto the taxonomy. Coded errors and context
// errors pass through unchanged.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.GetCode(err) != errors.CodeUnknown {
		return err
	}
	switch {
	case isContextError(err):
		return err
	case stderrors.Is(err, diskcache.ErrEditInProgress):
		return errors.Wrap(err, CodeDuplicateEdit, "disk cache entry is being edited")
	case stderrors.Is(err, ErrNoFetcher):
		return newFetchError(err, "fetch failed")
	case stderrors.Is(err, coordinator.ErrPanic):
		return errors.Wrap(err, CodeDecodeFailed, "load panicked")
	default:
		// An interceptor failed without classifying its error; the load
		// produced no image.
		return newDecodeError(err, "load failed")
	}
}

func isContextError(err error) bool {
	return stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)
}

// Code returns the taxonomy code carried by err, or errors.CodeUnknown.
func Code(err error) errors.ErrorCode {
	return errors.GetCode(err)
}

// IsFetchError reports whether err is a fetch failure.
func IsFetchError(err error) bool { return errors.GetCode(err) == CodeFetchFailed }

// IsDecodeError reports whether err is a decode failure.
func IsDecodeError(err error) bool { return errors.GetCode(err) == CodeDecodeFailed }

// IsDepthLimitError reports whether err was caused by the request's Depth.
func IsDepthLimitError(err error) bool { return errors.GetCode(err) == CodeDepthLimit }

// IsCacheIOError reports whether err is an unabsorbed cache failure.
func IsCacheIOError(err error) bool { return errors.GetCode(err) == CodeCacheIO }

// IsDuplicateEditError reports whether err is a concurrent disk edit.
func IsDuplicateEditError(err error) bool { return errors.GetCode(err) == CodeDuplicateEdit }
