package core

import (
	"context"
	"math"
	"sync"

	"github.com/lfaureyt/rx-player/internal/manifest"
	"github.com/lfaureyt/rx-player/internal/playback"
)

// PushPayload is one unit handed to a buffer sink: optional initialization
// bytes, optional media bytes, and the metadata needed to place them.
type PushPayload struct {
	// Init carries initialization bytes, set when the representation
	// changed since the previous push on this sink.
	Init []byte
	// Chunk carries media bytes. nil pushes the init segment alone.
	Chunk []byte

	// Codec is the representation's full mime type and codecs string.
	Codec string

	// TimestampOffset shifts the chunk's media timestamps to presentation
	// time.
	TimestampOffset float64

	// AppendWindowStart and AppendWindowEnd clip the chunk to its period.
	// A zero or infinite end leaves the window open.
	AppendWindowStart float64
	AppendWindowEnd   float64

	// Start and End are the presentation interval the chunk covers. Both
	// are zero for init segments and for intermediate low-latency chunks,
	// whose coverage is only known once the segment completes.
	Start float64
	End   float64
}

// BufferSink is the media buffer one stream pushes to. Implementations
// must be safe for concurrent use: streams push while diagnostics read
// Buffered.
type BufferSink interface {
	// Push appends a payload and returns the buffered ranges afterwards.
	Push(ctx context.Context, p PushPayload) (playback.TimeRanges, error)
	// Buffered returns the currently buffered time ranges.
	Buffered() playback.TimeRanges
	// Flush drops the buffered interval [start, end).
	Flush(start, end float64) error
	// EndOfStream marks that no further payload will be pushed.
	EndOfStream()
}

// SinkOpener opens the buffer sink of one media type. The engine opens at
// most one sink per type and reuses it across periods and reloads. codec
// describes the first representation about to be pushed.
type SinkOpener func(t manifest.MediaType, codec string) (BufferSink, error)

// MemorySink is a BufferSink that only accounts for what it receives:
// enough for headless probing and tests, where nothing decodes the media.
type MemorySink struct {
	mu       sync.Mutex
	buffered playback.TimeRanges
	bytes    int64
	inits    int
	chunks   int
	ended    bool
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Push(ctx context.Context, p PushPayload) (playback.TimeRanges, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(p.Init) > 0 {
		s.inits++
		s.bytes += int64(len(p.Init))
	}
	if len(p.Chunk) > 0 {
		s.chunks++
		s.bytes += int64(len(p.Chunk))
	}
	if start, end, ok := clipToWindow(p); ok {
		s.buffered = s.buffered.Add(start, end)
	}
	s.ended = false
	return s.snapshotLocked(), nil
}

func clipToWindow(p PushPayload) (float64, float64, bool) {
	start, end := p.Start, p.End
	if start < p.AppendWindowStart {
		start = p.AppendWindowStart
	}
	if p.AppendWindowEnd > 0 && !math.IsInf(p.AppendWindowEnd, 1) && end > p.AppendWindowEnd {
		end = p.AppendWindowEnd
	}
	return start, end, end > start
}

func (s *MemorySink) Buffered() playback.TimeRanges {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *MemorySink) Flush(start, end float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffered = s.buffered.Remove(start, end)
	return nil
}

func (s *MemorySink) EndOfStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
}

// Ended reports whether EndOfStream was called after the last push.
func (s *MemorySink) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Bytes returns the total payload size received so far.
func (s *MemorySink) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// Pushes returns how many init and media payloads were received.
func (s *MemorySink) Pushes() (inits, chunks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inits, s.chunks
}

func (s *MemorySink) snapshotLocked() playback.TimeRanges {
	out := make(playback.TimeRanges, len(s.buffered))
	copy(out, s.buffered)
	return out
}
