package rxplayer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsEmptyURL(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}

func TestNewDefaultsToSimulatedElement(t *testing.T) {
	p, err := New("http://cdn.example.com/manifest.mpd")
	require.NoError(t, err)
	_, ok := p.element.(*SimulatedElement)
	assert.True(t, ok, "without WithElement the player runs headlessly")
}

func TestNewKeepsSuppliedElement(t *testing.T) {
	el := NewSimulatedElement(SimulatedElementArgs{})
	p, err := New("http://cdn.example.com/manifest.mpd", WithElement(el))
	require.NoError(t, err)
	assert.Same(t, el, p.element)
}

func TestBufferedIntersectsSinks(t *testing.T) {
	p := &Player{}
	open := p.trackSinks(func(MediaType, string) (BufferSink, error) {
		return NewMemorySink(), nil
	})
	video, err := open(MediaTypeVideo, `video/webm;codecs="vp9"`)
	require.NoError(t, err)
	audio, err := open(MediaTypeAudio, `audio/webm;codecs="opus"`)
	require.NoError(t, err)

	assert.Nil(t, p.buffered(), "nothing pushed yet")

	ctx := context.Background()
	_, err = video.Push(ctx, PushPayload{Chunk: []byte{1}, Start: 0, End: 10})
	require.NoError(t, err)
	_, err = audio.Push(ctx, PushPayload{Chunk: []byte{1}, Start: 2, End: 6})
	require.NoError(t, err)

	got := p.buffered()
	require.Len(t, got, 1)
	assert.Equal(t, 2.0, got[0].Start)
	assert.Equal(t, 6.0, got[0].End)
}

func TestOptionsApply(t *testing.T) {
	cfg := DefaultConfig()
	met := NewMetrics()
	var o Options
	for _, opt := range []Option{
		WithTransport(TransportSmooth),
		WithConfig(cfg),
		WithMetrics(met),
		WithLowLatency(),
		WithStartAt(12.5),
	} {
		opt(&o)
	}
	assert.Equal(t, TransportSmooth, o.args.Transport)
	assert.Same(t, cfg, o.args.Config)
	assert.Same(t, met, o.args.Metrics)
	assert.True(t, o.args.LowLatency)
	require.NotNil(t, o.args.StartAt)
	assert.Equal(t, 12.5, *o.args.StartAt)
}
