package cogwarp

import (
	"errors"
	"fmt"
	"strings"
)

// FailureKind categorizes a failed reprojection call. Classification happens
// exactly once, at the call site closest to the warp primitive; everything
// above acts on the kind, never on the error text.
type FailureKind int

const (
	FailureUnknown FailureKind = iota
	// FailureStreaming is GDAL's "chunk and warp" family of errors raised
	// when a remote read breaks mid-warp.
	FailureStreaming
	FailureMemory
	// FailureNetwork covers curl/VSI transport errors.
	FailureNetwork
)

func (k FailureKind) String() string {
	switch k {
	case FailureStreaming:
		return "streaming"
	case FailureMemory:
		return "memory"
	case FailureNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// A WarpFailure carries the classification assigned to an error at the warp
// call site, from the raw driver message. Wrapping it never changes the kind:
// ClassifyWarpFailure unwraps to it before looking at any message text.
type WarpFailure struct {
	Kind   FailureKind
	Window Window
	Err    error
}

func (e *WarpFailure) Error() string {
	return fmt.Sprintf("warp window %d,%d: %v", e.Window.X, e.Window.Y, e.Err)
}

func (e *WarpFailure) Unwrap() error {
	return e.Err
}

// ClassifyWarpFailure assigns a FailureKind to an error returned by the warp
// primitive. A *WarpFailure anywhere in the chain wins; otherwise the kind is
// derived by case-insensitive matching on the driver's message, so callers
// must not wrap the raw error with text of their own before classifying it.
func ClassifyWarpFailure(err error) FailureKind {
	if err == nil {
		return FailureUnknown
	}
	var wf *WarpFailure
	if errors.As(err, &wf) {
		return wf.Kind
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "chunk and warp"):
		return FailureStreaming
	case strings.Contains(msg, "memory"):
		return FailureMemory
	case strings.Contains(msg, "curl"), strings.Contains(msg, "vsi"):
		return FailureNetwork
	default:
		return FailureUnknown
	}
}

// IsRemotePath reports whether path denotes a raster streamed on demand from
// object storage rather than a local file.
func IsRemotePath(path string) bool {
	for _, prefix := range []string{"/vsis3/", "/vsigs/", "/vsicurl/", "s3://", "gs://"} {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// A StreamingError aborts the whole file: a transport fault occurred while
// warping from a streamed source, and the stream cannot be trusted for any
// further read. It must propagate out of the band and chunk loops unhandled;
// the caller reopens the source from a local download and restarts the file
// from scratch, discarding any window already written.
type StreamingError struct {
	Band   int
	Window Window
	Err    error
}

func (e *StreamingError) Error() string {
	return fmt.Sprintf("streaming failure on band %d window (%d,%d %dx%d): %v",
		e.Band, e.Window.X, e.Window.Y, e.Window.Width, e.Window.Height, e.Err)
}

func (e *StreamingError) Unwrap() error {
	return e.Err
}
