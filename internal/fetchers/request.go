// Package fetchers turns URLs into bytes for the rest of the engine. It
// defines the request function abstraction every transport goes through,
// a default implementation on net/http, and the backoff loop that walks a
// URL fallback list until one attempt succeeds.
package fetchers

import (
	"context"
	"time"

	"github.com/lfaureyt/rx-player/internal/manifest/index"
)

// Request describes one HTTP resource fetch.
type Request struct {
	URL string

	// Range restricts the request to a byte range of the resource.
	Range *index.ByteRange

	// Timeout bounds the whole request when positive.
	Timeout time.Duration

	// OnProgress, when set, observes the body as it arrives.
	OnProgress func(Progress)

	// OnChunk, when set, receives each body chunk as soon as it is read;
	// the returned Response then carries no Data. Chunks are only valid
	// for the duration of the callback.
	OnChunk func([]byte)
}

// Progress reports the state of an in-flight request body.
type Progress struct {
	// Bytes received so far.
	Bytes int64
	// Elapsed time since the request was sent.
	Elapsed time.Duration
	// Total size announced by the server, 0 when unknown.
	Total int64
}

// Response is the outcome of a successful request.
type Response struct {
	// Data is the full body, nil when the request streamed through OnChunk.
	Data []byte
	// Size is the number of body bytes received.
	Size int64
	// Duration spans from sending the request to the last body byte.
	Duration time.Duration
	// URL is the final URL, after redirects.
	URL string
	// Status is the HTTP status code.
	Status int

	SendingTime  time.Time
	ReceivedTime time.Time
}

// RequestFunc performs a request. Implementations classify failures with
// the errs taxonomy so callers can decide retryability, and surface
// cancellation as errs.ErrCancellation.
type RequestFunc func(ctx context.Context, req Request) (*Response, error)
