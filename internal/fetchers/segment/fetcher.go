// Package segment downloads media segments. It layers the request lifecycle
// expected by the adaptive-bitrate logic (request-begin, progress,
// request-end) on top of the retrying transport, consults the init-segment
// cache, synthesizes Smooth initialization segments locally and validates
// ISOBMFF payloads before handing them up.
package segment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lfaureyt/rx-player/internal/fetchers"
	"github.com/lfaureyt/rx-player/internal/logger"
	"github.com/lfaureyt/rx-player/internal/manifest"
	"github.com/lfaureyt/rx-player/internal/manifest/index"
	"github.com/lfaureyt/rx-player/internal/parsers/isobmff"
)

// ErrFallback is returned by a CustomLoader to hand the request over to the
// built-in loader.
var ErrFallback = errors.New("custom loader requested fallback")

// CustomLoader gets first refusal on every segment request. It may resolve
// the request itself, fail it with an error from the errs taxonomy, or
// return ErrFallback to delegate to the built-in loader. Once it has
// delegated, any callback it still invokes on the request is ignored.
type CustomLoader func(ctx context.Context, req fetchers.Request) (*fetchers.Response, error)

// Content identifies the segment to fetch together with the manifest nodes
// it belongs to.
type Content struct {
	Period         *manifest.Period
	Adaptation     *manifest.Adaptation
	Representation *manifest.Representation
	Segment        index.Segment
}

// CacheKey identifies the representation in the init cache.
func (c Content) CacheKey() string {
	return c.Period.ID + "/" + c.Adaptation.ID + "/" + c.Representation.ID
}

// RequestInfo announces a network request about to start.
type RequestInfo struct {
	ID       string
	URL      string
	IsInit   bool
	Time     float64
	Duration float64
}

// ProgressInfo reports bytes received so far on a running request.
type ProgressInfo struct {
	ID      string
	Bytes   int64
	Elapsed time.Duration
	Total   int64
}

// EndInfo closes a request. Size and Duration feed the bandwidth estimator.
type EndInfo struct {
	ID       string
	Size     int64
	Duration time.Duration
}

// DataInfo carries a complete segment payload. Data is nil for segments
// that have nothing to load. FromCache marks payloads served from the init
// cache, which must not feed the bandwidth estimator.
type DataInfo struct {
	Data      []byte
	FromCache bool
}

// Events receives the fetch lifecycle. Any callback may be nil. Chunk
// payloads are only valid for the duration of the callback.
type Events struct {
	OnRequestBegin  func(RequestInfo)
	OnProgress      func(ProgressInfo)
	OnRequestEnd    func(EndInfo)
	OnChunk         func([]byte)
	OnChunkComplete func()
	OnData          func(DataInfo)
	OnWarning       func(error)
}

func (e Events) requestBegin(info RequestInfo) {
	if e.OnRequestBegin != nil {
		e.OnRequestBegin(info)
	}
}

func (e Events) progress(info ProgressInfo) {
	if e.OnProgress != nil {
		e.OnProgress(info)
	}
}

func (e Events) requestEnd(info EndInfo) {
	if e.OnRequestEnd != nil {
		e.OnRequestEnd(info)
	}
}

func (e Events) chunk(data []byte) {
	if e.OnChunk != nil {
		e.OnChunk(data)
	}
}

func (e Events) chunkComplete() {
	if e.OnChunkComplete != nil {
		e.OnChunkComplete()
	}
}

func (e Events) data(info DataInfo) {
	if e.OnData != nil {
		e.OnData(info)
	}
}

func (e Events) warning(err error) {
	if e.OnWarning != nil {
		e.OnWarning(err)
	}
}

// Options configures a Fetcher.
type Options struct {
	// Prefix namespaces request ids, typically the media type.
	Prefix string

	// RequestTimeout bounds each individual attempt. Zero disables it.
	RequestTimeout time.Duration

	// CheckIntegrity enables structural validation of ISOBMFF payloads.
	// Failures count as retryable transport errors.
	CheckIntegrity bool

	// LowLatency enables progressive chunk delivery for media segments
	// when the caller subscribed to chunks.
	LowLatency bool

	Backoff fetchers.BackoffOptions

	// Cache, when set, is consulted for audio and video init segments.
	Cache *InitCache

	// CustomLoader, when set, gets first refusal on every request.
	CustomLoader CustomLoader
}

// Fetcher downloads segments for one media type.
type Fetcher struct {
	rf      fetchers.RequestFunc
	opts    Options
	logger  logger.Logger
	counter atomic.Uint64
}

// NewFetcher creates a Fetcher issuing requests through rf.
func NewFetcher(rf fetchers.RequestFunc, opts Options, log logger.Logger) *Fetcher {
	return &Fetcher{rf: rf, opts: opts, logger: log}
}

// Fetch retrieves one segment and reports it through ev. It returns once
// the segment has been fully delivered or the fetch has definitely failed.
// Cache hits and locally synthesized segments produce data without any
// request lifecycle events. For everything else exactly one request-begin
// and one request-end are emitted, the latter even when ctx is cancelled
// mid-transfer.
func (f *Fetcher) Fetch(ctx context.Context, c Content, ev Events) error {
	seg := c.Segment

	if seg.IsInit && f.opts.Cache != nil {
		if data, found := f.opts.Cache.Get(c.CacheKey()); found {
			f.logger.Debugf("Serving init segment %s from cache", seg.ID)
			ev.data(DataInfo{Data: data, FromCache: true})
			ev.chunkComplete()
			return nil
		}
	}

	if len(seg.MediaURLs) == 0 {
		return f.synthesize(c, ev)
	}

	id := fmt.Sprintf("%s%d", f.opts.Prefix, f.counter.Add(1))
	begin := time.Now()
	ev.requestBegin(RequestInfo{
		ID:       id,
		URL:      seg.MediaURLs[0],
		IsInit:   seg.IsInit,
		Time:     seg.Time,
		Duration: seg.Duration,
	})

	var received atomic.Int64
	ended := false
	end := func(size int64, duration time.Duration) {
		if ended {
			return
		}
		ended = true
		ev.requestEnd(EndInfo{ID: id, Size: size, Duration: duration})
	}
	defer func() { end(received.Load(), time.Since(begin)) }()

	backoff := f.opts.Backoff
	backoff.OnRetry = func(err error) { ev.warning(err) }

	chunked := f.opts.LowLatency && ev.OnChunk != nil && !seg.IsInit
	req := fetchers.Request{
		Range:   seg.Range,
		Timeout: f.opts.RequestTimeout,
		OnProgress: func(p fetchers.Progress) {
			if ctx.Err() != nil {
				return
			}
			received.Store(p.Bytes)
			ev.progress(ProgressInfo{ID: id, Bytes: p.Bytes, Elapsed: p.Elapsed, Total: p.Total})
		},
	}
	if chunked {
		req.OnChunk = func(chunk []byte) {
			if ctx.Err() != nil {
				return
			}
			ev.chunk(chunk)
		}
	}

	loader := f.withIntegrity(f.loader(), c, seg.IsInit)

	// An init segment whose index lives in a separate byte range needs the
	// index bytes too. Contiguous ranges collapse into one request.
	if seg.IsInit && seg.Range != nil && seg.IndexRange != nil {
		if seg.Range.End+1 == seg.IndexRange.Start {
			merged := index.ByteRange{Start: seg.Range.Start, End: seg.IndexRange.End}
			req.Range = &merged
		} else {
			return f.fetchInitAndIndex(ctx, c, ev, loader, req, &received, end, begin)
		}
	}

	res, err := fetchers.FetchWithBackoff(ctx, loader, req, seg.MediaURLs, backoff, f.logger)
	if err != nil {
		return err
	}

	if chunked {
		ev.chunkComplete()
		end(received.Load(), res.Duration)
		return nil
	}

	if seg.IsInit && f.opts.Cache != nil {
		f.opts.Cache.Set(c.CacheKey(), res.Data)
	}
	ev.data(DataInfo{Data: res.Data})
	ev.chunkComplete()
	end(res.Size, res.Duration)
	return nil
}

// fetchInitAndIndex loads an init segment and its separate index range as
// two sequential requests and delivers the concatenation.
func (f *Fetcher) fetchInitAndIndex(ctx context.Context, c Content, ev Events,
	loader fetchers.RequestFunc, req fetchers.Request, received *atomic.Int64,
	end func(int64, time.Duration), begin time.Time) error {

	seg := c.Segment
	backoff := f.opts.Backoff
	backoff.OnRetry = func(err error) { ev.warning(err) }

	initRes, err := fetchers.FetchWithBackoff(ctx, loader, req, seg.MediaURLs, backoff, f.logger)
	if err != nil {
		return err
	}

	indexReq := req
	indexReq.Range = seg.IndexRange
	// The index bytes are a bare sidx box, not a full document.
	indexRes, err := fetchers.FetchWithBackoff(ctx, f.loader(), indexReq, seg.MediaURLs, backoff, f.logger)
	if err != nil {
		return err
	}

	data := make([]byte, 0, len(initRes.Data)+len(indexRes.Data))
	data = append(data, initRes.Data...)
	data = append(data, indexRes.Data...)

	if f.opts.Cache != nil {
		f.opts.Cache.Set(c.CacheKey(), data)
	}
	received.Store(initRes.Size + indexRes.Size)
	ev.data(DataInfo{Data: data})
	ev.chunkComplete()
	end(initRes.Size+indexRes.Size, time.Since(begin))
	return nil
}

// synthesize handles segments that carry no URL. Smooth init segments are
// built locally from the manifest parameters; anything else resolves empty.
func (f *Fetcher) synthesize(c Content, ev Events) error {
	seg := c.Segment
	if seg.IsInit && seg.PrivateInfos.SmoothInit != nil {
		data, err := isobmff.BuildSmoothInit(seg.PrivateInfos.SmoothInit)
		if err != nil {
			return fmt.Errorf("failed to build init segment for %s: %w", c.Representation.ID, err)
		}
		f.logger.Debugf("Synthesized init segment for %s (%d bytes)", c.Representation.ID, len(data))
		if f.opts.Cache != nil {
			f.opts.Cache.Set(c.CacheKey(), data)
		}
		ev.data(DataInfo{Data: data})
		ev.chunkComplete()
		return nil
	}
	ev.data(DataInfo{})
	ev.chunkComplete()
	return nil
}

// loader returns the per-attempt request function, giving the custom loader
// first refusal when one is configured.
func (f *Fetcher) loader() fetchers.RequestFunc {
	custom := f.opts.CustomLoader
	if custom == nil {
		return f.rf
	}
	var fellBack atomic.Bool
	return func(ctx context.Context, req fetchers.Request) (*fetchers.Response, error) {
		if fellBack.Load() {
			return f.rf(ctx, req)
		}
		guarded := req
		if req.OnProgress != nil {
			onProgress := req.OnProgress
			guarded.OnProgress = func(p fetchers.Progress) {
				if !fellBack.Load() {
					onProgress(p)
				}
			}
		}
		if req.OnChunk != nil {
			onChunk := req.OnChunk
			guarded.OnChunk = func(chunk []byte) {
				if !fellBack.Load() {
					onChunk(chunk)
				}
			}
		}
		res, err := custom(ctx, guarded)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ErrFallback) {
			return nil, err
		}
		fellBack.Store(true)
		f.logger.Debugf("Custom loader fell back to the built-in loader for %s", req.URL)
		return f.rf(ctx, req)
	}
}

// withIntegrity wraps rf so structurally broken ISOBMFF payloads fail the
// attempt. The failure is retryable, so the backoff loop downloads again.
func (f *Fetcher) withIntegrity(rf fetchers.RequestFunc, c Content, isInit bool) fetchers.RequestFunc {
	if !f.opts.CheckIntegrity || !isISOBMFF(c.Representation.MimeType) {
		return rf
	}
	return func(ctx context.Context, req fetchers.Request) (*fetchers.Response, error) {
		res, err := rf(ctx, req)
		if err != nil {
			return nil, err
		}
		if res.Data != nil {
			if err := isobmff.CheckIntegrity(res.Data, isInit); err != nil {
				return nil, err
			}
		}
		return res, nil
	}
}

func isISOBMFF(mimeType string) bool {
	return strings.Contains(mimeType, "mp4")
}

