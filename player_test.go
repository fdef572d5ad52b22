package rxplayer_test

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rxplayer "github.com/lfaureyt/rx-player"
)

// fakeServer answers request functions from canned bodies, with a 404
// for anything unknown.
type fakeServer struct {
	mu     sync.Mutex
	routes map[string][]byte
}

func newFakeServer() *fakeServer {
	return &fakeServer{routes: map[string][]byte{}}
}

func (s *fakeServer) serve(url string, body []byte) {
	s.mu.Lock()
	s.routes[url] = body
	s.mu.Unlock()
}

func (s *fakeServer) request(ctx context.Context, req rxplayer.Request) (*rxplayer.Response, error) {
	if ctx.Err() != nil {
		return nil, fmt.Errorf("request %s: %w", req.URL, rxplayer.ErrCancellation)
	}
	s.mu.Lock()
	body, ok := s.routes[req.URL]
	s.mu.Unlock()
	if !ok {
		return nil, &rxplayer.NetworkError{Kind: rxplayer.NetworkHTTPStatus, Status: 404, URL: req.URL}
	}
	now := time.Now()
	return &rxplayer.Response{
		Data:         body,
		Size:         int64(len(body)),
		Duration:     time.Millisecond,
		URL:          req.URL,
		Status:       200,
		SendingTime:  now.Add(-time.Millisecond),
		ReceivedTime: now,
	}, nil
}

func awaitEvent(t *testing.T, ch <-chan rxplayer.Event, kind rxplayer.EventKind) rxplayer.Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed while waiting for %q", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", kind)
		}
	}
}

const vodMPD = `<?xml version="1.0" encoding="utf-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static" mediaPresentationDuration="PT8S">
  <BaseURL>http://cdn.example.com/content/</BaseURL>
  <Period id="p1" start="PT0S" duration="PT8S">
    <AdaptationSet id="video" contentType="video" mimeType="video/webm" codecs="vp9">
      <SegmentTemplate timescale="1000" duration="4000" startNumber="1" media="seg-$Number$.webm" initialization="init.webm"/>
      <Representation id="v1" bandwidth="800000" width="1280" height="720"/>
    </AdaptationSet>
  </Period>
</MPD>`

func TestPlayerHeadlessLoad(t *testing.T) {
	const (
		manifestURL = "http://cdn.example.com/vod.mpd"
		base        = "http://cdn.example.com/content/"
	)
	srv := newFakeServer()
	srv.serve(manifestURL, []byte(vodMPD))
	srv.serve(base+"init.webm", bytes.Repeat([]byte{'i'}, 24))
	srv.serve(base+"seg-1.webm", bytes.Repeat([]byte{'a'}, 2048))
	srv.serve(base+"seg-2.webm", bytes.Repeat([]byte{'b'}, 2048))

	cfg := rxplayer.DefaultConfig()
	cfg.SamplingIntervalMediaSource = 10 * time.Millisecond

	p, err := rxplayer.New(manifestURL,
		rxplayer.WithConfig(cfg),
		rxplayer.WithRequestFunc(srv.request),
		rxplayer.WithLogger(rxplayer.NopLogger()),
		rxplayer.WithMetrics(rxplayer.NewMetrics()),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	awaitEvent(t, p.Events(), rxplayer.EventLoaded)
	awaitEvent(t, p.Events(), rxplayer.EventEndOfStream)

	st := p.Status()
	assert.Equal(t, p.ID(), st.LoadID)
	assert.Equal(t, rxplayer.TransportDASH, st.Transport)
	assert.False(t, st.IsLive)
	assert.True(t, st.EndOfStream)
	require.Contains(t, st.Selected, rxplayer.MediaTypeVideo)
	assert.Equal(t, "v1", st.Selected[rxplayer.MediaTypeVideo].RepresentationID)

	require.Len(t, p.PeriodIDs(), 1)
	chosen := p.ChosenTrack("p1", rxplayer.MediaTypeVideo)
	require.NotNil(t, chosen)
	assert.Equal(t, "video", chosen.ID)

	// the simulated element plays through the buffered content once told
	// to, and stops at the content duration
	p.SetPlaybackRate(16)
	p.Play()
	require.Eventually(t, func() bool { return p.Status().Position > 3.9 },
		5*time.Second, 10*time.Millisecond)

	p.Stop()
	select {
	case err := <-runErr:
		assert.NoError(t, err, "a stop ends the load cleanly")
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestPlayerRunOnlyOnce(t *testing.T) {
	srv := newFakeServer()
	p, err := rxplayer.New("http://cdn.example.com/missing.mpd",
		rxplayer.WithRequestFunc(srv.request))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = p.Run(ctx)

	err = p.Run(context.Background())
	require.ErrorContains(t, err, "already called")
}
