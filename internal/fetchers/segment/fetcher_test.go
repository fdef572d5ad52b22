package segment_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Eyevinn/mp4ff/aac"
	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfaureyt/rx-player/internal/errs"
	"github.com/lfaureyt/rx-player/internal/fetchers"
	"github.com/lfaureyt/rx-player/internal/fetchers/segment"
	"github.com/lfaureyt/rx-player/internal/logger"
	"github.com/lfaureyt/rx-player/internal/manifest"
	"github.com/lfaureyt/rx-player/internal/manifest/index"
	"github.com/lfaureyt/rx-player/internal/parsers/isobmff"
)

const testCodecPrivateData = "00000001674D401FDA0280BC400000000168CE3880"

type recorder struct {
	begins    []segment.RequestInfo
	progress  []segment.ProgressInfo
	ends      []segment.EndInfo
	chunks    [][]byte
	completes int
	data      []segment.DataInfo
	warnings  []error
}

func (r *recorder) events() segment.Events {
	return segment.Events{
		OnRequestBegin: func(i segment.RequestInfo) { r.begins = append(r.begins, i) },
		OnProgress:     func(i segment.ProgressInfo) { r.progress = append(r.progress, i) },
		OnRequestEnd:   func(i segment.EndInfo) { r.ends = append(r.ends, i) },
		OnChunk: func(b []byte) {
			r.chunks = append(r.chunks, append([]byte(nil), b...))
		},
		OnChunkComplete: func() { r.completes++ },
		OnData:          func(i segment.DataInfo) { r.data = append(r.data, i) },
		OnWarning:       func(err error) { r.warnings = append(r.warnings, err) },
	}
}

func content(seg index.Segment) segment.Content {
	return segment.Content{
		Period:         &manifest.Period{ID: "p1"},
		Adaptation:     &manifest.Adaptation{ID: "a1"},
		Representation: &manifest.Representation{ID: "r1", MimeType: "video/webm"},
		Segment:        seg,
	}
}

func testOptions() segment.Options {
	return segment.Options{
		Prefix:  "video",
		Backoff: fetchers.BackoffOptions{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxRetries: 4},
	}
}

func newFetcher(t *testing.T, opts segment.Options) *segment.Fetcher {
	t.Helper()
	return segment.NewFetcher(fetchers.NewRequestFunc("", logger.Nop()), opts, logger.Nop())
}

// encodedInit returns a small but structurally complete init segment.
func encodedInit(t *testing.T) []byte {
	t.Helper()
	init := mp4.CreateEmptyInit()
	init.AddEmptyTrack(48000, "audio", "und")
	require.NoError(t, init.Moov.Trak.SetAACDescriptor(aac.AAClc, 48000))
	var buf bytes.Buffer
	require.NoError(t, init.Encode(&buf))
	return buf.Bytes()
}

func TestFetchDeliversMediaSegment(t *testing.T) {
	payload := []byte("media segment payload")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	f := newFetcher(t, testOptions())
	rec := &recorder{}
	seg := index.Segment{ID: "s1", Time: 4, Duration: 4, MediaURLs: []string{srv.URL}}
	require.NoError(t, f.Fetch(context.Background(), content(seg), rec.events()))

	require.Len(t, rec.begins, 1)
	assert.Equal(t, "video1", rec.begins[0].ID)
	assert.Equal(t, srv.URL, rec.begins[0].URL)
	assert.Equal(t, 4.0, rec.begins[0].Time)
	assert.False(t, rec.begins[0].IsInit)

	require.NotEmpty(t, rec.progress)
	assert.Equal(t, "video1", rec.progress[0].ID)

	require.Len(t, rec.data, 1)
	assert.Equal(t, payload, rec.data[0].Data)
	assert.False(t, rec.data[0].FromCache)
	assert.Equal(t, 1, rec.completes)

	require.Len(t, rec.ends, 1)
	assert.Equal(t, "video1", rec.ends[0].ID)
	assert.Equal(t, int64(len(payload)), rec.ends[0].Size)
	assert.Empty(t, rec.chunks, "no chunk subscription, no chunk events")

	// Ids stay unique across fetches.
	rec2 := &recorder{}
	require.NoError(t, f.Fetch(context.Background(), content(seg), rec2.events()))
	assert.Equal(t, "video2", rec2.begins[0].ID)
}

func TestFetchChunkedDelivery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("chunk-one-"))
		w.(http.Flusher).Flush()
		time.Sleep(20 * time.Millisecond)
		_, _ = w.Write([]byte("chunk-two"))
	}))
	defer srv.Close()

	opts := testOptions()
	opts.LowLatency = true
	f := newFetcher(t, opts)
	rec := &recorder{}
	seg := index.Segment{ID: "s1", MediaURLs: []string{srv.URL}}
	require.NoError(t, f.Fetch(context.Background(), content(seg), rec.events()))

	var streamed []byte
	for _, c := range rec.chunks {
		streamed = append(streamed, c...)
	}
	assert.Equal(t, []byte("chunk-one-chunk-two"), streamed)
	assert.Empty(t, rec.data, "chunked fetches never emit a buffered data event")
	assert.Equal(t, 1, rec.completes)
	require.Len(t, rec.ends, 1)
	assert.Equal(t, int64(19), rec.ends[0].Size)
	assert.NotEmpty(t, rec.progress, "chunked fetches still report progress")
}

func TestFetchInitCache(t *testing.T) {
	initData := []byte("init bytes")
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(initData)
	}))
	defer srv.Close()

	cache := segment.NewInitCache(logger.Nop(), func() map[string]struct{} { return nil })
	opts := testOptions()
	opts.Cache = cache
	f := newFetcher(t, opts)
	seg := index.Segment{ID: "init", IsInit: true, MediaURLs: []string{srv.URL}}

	rec := &recorder{}
	require.NoError(t, f.Fetch(context.Background(), content(seg), rec.events()))
	require.Len(t, rec.data, 1)
	assert.Equal(t, initData, rec.data[0].Data)
	assert.False(t, rec.data[0].FromCache)
	assert.Equal(t, int32(1), hits.Load())

	rec2 := &recorder{}
	require.NoError(t, f.Fetch(context.Background(), content(seg), rec2.events()))
	require.Len(t, rec2.data, 1)
	assert.Equal(t, initData, rec2.data[0].Data)
	assert.True(t, rec2.data[0].FromCache)
	assert.Equal(t, 1, rec2.completes)
	assert.Equal(t, int32(1), hits.Load(), "cache hit must not reach the network")
	assert.Empty(t, rec2.begins, "cache hits do not open a request")
	assert.Empty(t, rec2.ends)
}

func TestFetchSynthesizesSmoothInit(t *testing.T) {
	f := newFetcher(t, testOptions())
	rec := &recorder{}
	seg := index.Segment{
		ID:     "init",
		IsInit: true,
		PrivateInfos: index.PrivateInfos{
			SmoothInit: &index.SmoothInitInfo{
				Timescale:        10000000,
				CodecPrivateData: testCodecPrivateData,
				MimeType:         "video/mp4",
				Width:            640,
				Height:           368,
			},
		},
	}
	c := content(seg)
	c.Representation.MimeType = "video/mp4"
	require.NoError(t, f.Fetch(context.Background(), c, rec.events()))

	require.Len(t, rec.data, 1)
	require.NotEmpty(t, rec.data[0].Data)
	assert.NoError(t, isobmff.CheckIntegrity(rec.data[0].Data, true))
	assert.Equal(t, 1, rec.completes)
	assert.Empty(t, rec.begins, "synthesized segments do not open a request")
	assert.Empty(t, rec.ends)
}

func TestFetchResolvesEmptyWithoutURL(t *testing.T) {
	f := newFetcher(t, testOptions())
	rec := &recorder{}
	require.NoError(t, f.Fetch(context.Background(), content(index.Segment{ID: "s1"}), rec.events()))

	require.Len(t, rec.data, 1)
	assert.Nil(t, rec.data[0].Data)
	assert.Equal(t, 1, rec.completes)
	assert.Empty(t, rec.begins)
}

func TestFetchRetriesIntegrityFailures(t *testing.T) {
	initData := encodedInit(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			_, _ = w.Write(initData[:len(initData)-9])
			return
		}
		_, _ = w.Write(initData)
	}))
	defer srv.Close()

	opts := testOptions()
	opts.CheckIntegrity = true
	f := newFetcher(t, opts)
	rec := &recorder{}
	seg := index.Segment{ID: "init", IsInit: true, MediaURLs: []string{srv.URL}}
	c := content(seg)
	c.Representation.MimeType = "audio/mp4"
	require.NoError(t, f.Fetch(context.Background(), c, rec.events()))

	assert.Equal(t, int32(2), hits.Load(), "broken payload is downloaded again")
	require.Len(t, rec.warnings, 1)
	var ie *errs.IntegrityError
	assert.ErrorAs(t, rec.warnings[0], &ie)
	require.Len(t, rec.data, 1)
	assert.Equal(t, initData, rec.data[0].Data)
}

func TestFetchMergesContiguousInitRanges(t *testing.T) {
	body := []byte("init-and-index-bytes")
	var ranges []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ranges = append(ranges, r.Header.Get("Range"))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	f := newFetcher(t, testOptions())
	rec := &recorder{}
	seg := index.Segment{
		ID:         "init",
		IsInit:     true,
		MediaURLs:  []string{srv.URL},
		Range:      &index.ByteRange{Start: 0, End: 699},
		IndexRange: &index.ByteRange{Start: 700, End: 900},
	}
	require.NoError(t, f.Fetch(context.Background(), content(seg), rec.events()))

	require.Equal(t, []string{"bytes=0-900"}, ranges, "touching ranges collapse into one request")
	require.Len(t, rec.data, 1)
	assert.Equal(t, body, rec.data[0].Data)
	require.Len(t, rec.ends, 1)
	assert.Equal(t, int64(len(body)), rec.ends[0].Size)
}

func TestFetchConcatenatesDisjointInitRanges(t *testing.T) {
	responses := map[string][]byte{
		"bytes=0-699":   []byte("init-part"),
		"bytes=801-900": []byte("index-part"),
	}
	var ranges []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rg := r.Header.Get("Range")
		ranges = append(ranges, rg)
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(responses[rg])
	}))
	defer srv.Close()

	f := newFetcher(t, testOptions())
	rec := &recorder{}
	seg := index.Segment{
		ID:         "init",
		IsInit:     true,
		MediaURLs:  []string{srv.URL},
		Range:      &index.ByteRange{Start: 0, End: 699},
		IndexRange: &index.ByteRange{Start: 801, End: 900},
	}
	require.NoError(t, f.Fetch(context.Background(), content(seg), rec.events()))

	require.Equal(t, []string{"bytes=0-699", "bytes=801-900"}, ranges)
	require.Len(t, rec.data, 1)
	assert.Equal(t, []byte("init-partindex-part"), rec.data[0].Data)
	assert.Equal(t, 1, rec.completes)
	require.Len(t, rec.begins, 1, "both requests share one lifecycle")
	require.Len(t, rec.ends, 1)
	assert.Equal(t, int64(19), rec.ends[0].Size)
}

func TestFetchEmitsRequestEndOnCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 2048))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFetcher(t, testOptions())
	rec := &recorder{}
	ev := rec.events()
	baseProgress := ev.OnProgress
	ev.OnProgress = func(p segment.ProgressInfo) {
		baseProgress(p)
		cancel()
	}

	seg := index.Segment{ID: "s1", MediaURLs: []string{srv.URL}}
	err := f.Fetch(ctx, content(seg), ev)
	require.Error(t, err)
	assert.True(t, errs.IsCancellation(err))

	require.Len(t, rec.begins, 1)
	require.Len(t, rec.ends, 1, "request-end is guaranteed on cancellation")
	assert.Equal(t, rec.begins[0].ID, rec.ends[0].ID)
	assert.Positive(t, rec.ends[0].Size)
	assert.Empty(t, rec.data, "no data event after cancellation")
	assert.Zero(t, rec.completes)
}

func TestFetchFallsBackAcrossURLs(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("from the fallback"))
	}))
	defer good.Close()

	f := newFetcher(t, testOptions())
	rec := &recorder{}
	seg := index.Segment{ID: "s1", MediaURLs: []string{bad.URL, good.URL}}
	require.NoError(t, f.Fetch(context.Background(), content(seg), rec.events()))

	require.Len(t, rec.data, 1)
	assert.Equal(t, []byte("from the fallback"), rec.data[0].Data)
	require.Len(t, rec.begins, 1)
	assert.Equal(t, bad.URL, rec.begins[0].URL, "the announced url is the first candidate")
}

func TestFetchCustomLoader(t *testing.T) {
	t.Run("custom loader resolves", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
		}))
		defer srv.Close()

		opts := testOptions()
		opts.CustomLoader = func(ctx context.Context, req fetchers.Request) (*fetchers.Response, error) {
			return &fetchers.Response{Data: []byte("custom"), Size: 6, Duration: 5 * time.Millisecond, URL: req.URL}, nil
		}
		f := newFetcher(t, opts)
		rec := &recorder{}
		seg := index.Segment{ID: "s1", MediaURLs: []string{srv.URL}}
		require.NoError(t, f.Fetch(context.Background(), content(seg), rec.events()))

		require.Len(t, rec.data, 1)
		assert.Equal(t, []byte("custom"), rec.data[0].Data)
		assert.Zero(t, hits.Load(), "the built-in loader never ran")
		require.Len(t, rec.ends, 1)
		assert.Equal(t, int64(6), rec.ends[0].Size)
	})

	t.Run("fallback reaches the built-in loader", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("builtin"))
		}))
		defer srv.Close()

		opts := testOptions()
		opts.CustomLoader = func(ctx context.Context, req fetchers.Request) (*fetchers.Response, error) {
			return nil, segment.ErrFallback
		}
		f := newFetcher(t, opts)
		rec := &recorder{}
		seg := index.Segment{ID: "s1", MediaURLs: []string{srv.URL}}
		require.NoError(t, f.Fetch(context.Background(), content(seg), rec.events()))

		require.Len(t, rec.data, 1)
		assert.Equal(t, []byte("builtin"), rec.data[0].Data)
	})

	t.Run("custom loader error fails the fetch", func(t *testing.T) {
		opts := testOptions()
		opts.CustomLoader = func(ctx context.Context, req fetchers.Request) (*fetchers.Response, error) {
			return nil, errors.New("loader exploded")
		}
		f := newFetcher(t, opts)
		rec := &recorder{}
		seg := index.Segment{ID: "s1", MediaURLs: []string{"http://192.0.2.1/unreachable"}}
		err := f.Fetch(context.Background(), content(seg), rec.events())
		require.ErrorContains(t, err, "loader exploded")
		require.Len(t, rec.ends, 1, "failed fetches still close their request")
	})
}
