package index_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfaureyt/rx-player/internal/manifest/index"
)

// liveTemplateIndex builds a dynamic template index against a server clock
// reading 100 s and a 20 s timeshift window: 1 s timescale grid, 4 s
// segments.
func liveTemplateIndex(t *testing.T) *index.TemplateIndex {
	t.Helper()
	offset := -900.0
	depth := 20.0
	bounds := index.NewBoundsCalculator(index.BoundsCalculatorArgs{
		IsDynamic:             true,
		AvailabilityStartTime: 0,
		TimeshiftDepth:        &depth,
		ClockOffset:           &offset,
		Now:                   func() time.Time { return time.Unix(1000, 0) },
	})
	idx, err := index.NewTemplateIndex(index.TemplateIndexArgs{
		Timescale:          1000,
		Duration:           4000,
		RepresentationID:   "video-1",
		Bitrate:            1400000,
		MediaURLs:          []string{"seg-$Number$.m4s"},
		InitializationURLs: []string{"init-$RepresentationID$.mp4"},
		IsDynamic:          true,
		Bounds:             bounds,
		MinimumSegmentSize: 0.005,
	})
	require.NoError(t, err)
	return idx
}

func TestTemplateIndexDynamicBounds(t *testing.T) {
	idx := liveTemplateIndex(t)

	first := idx.FirstPosition()
	require.True(t, first.IsKnown())
	assert.InDelta(t, 80.0, first.Time, 1e-9, "first position aligns down to the segment grid")

	last := idx.LastPosition()
	require.True(t, last.IsKnown())
	assert.InDelta(t, 96.0, last.Time, 1e-9)
}

func TestTemplateIndexSegments(t *testing.T) {
	idx := liveTemplateIndex(t)

	t.Run("window inside the live range", func(t *testing.T) {
		segs := idx.Segments(80, 8)
		require.Len(t, segs, 2)
		assert.Equal(t, uint64(21), segs[0].Number)
		assert.InDelta(t, 80.0, segs[0].Time, 1e-9)
		assert.InDelta(t, 84.0, segs[0].End, 1e-9)
		assert.Equal(t, []string{"seg-21.m4s"}, segs[0].MediaURLs)
		assert.Equal(t, uint64(22), segs[1].Number)
		assert.InDelta(t, 84.0, segs[1].Time, 1e-9)
	})

	t.Run("clips up before the first available segment", func(t *testing.T) {
		segs := idx.Segments(0, 82)
		require.Len(t, segs, 1)
		assert.InDelta(t, 80.0, segs[0].Time, 1e-9)
	})

	t.Run("empty past the last available segment", func(t *testing.T) {
		assert.Empty(t, idx.Segments(101, 4))
	})

	t.Run("strictly increasing with end greater than time", func(t *testing.T) {
		segs := idx.Segments(80, 16)
		for i, s := range segs {
			assert.Greater(t, s.End, s.Time)
			if i > 0 {
				assert.Greater(t, s.Time, segs[i-1].Time)
			}
		}
	})
}

func TestTemplateIndexInitSegment(t *testing.T) {
	idx := liveTemplateIndex(t)
	init := idx.InitSegment()
	assert.True(t, init.IsInit)
	assert.Equal(t, []string{"init-video-1.mp4"}, init.MediaURLs)
}

func TestTemplateIndexStaticTail(t *testing.T) {
	end := 8.002
	idx, err := index.NewTemplateIndex(index.TemplateIndexArgs{
		Timescale:          1000,
		Duration:           4000,
		PeriodEnd:          &end,
		RepresentationID:   "v",
		MediaURLs:          []string{"seg-$Number$.m4s"},
		MinimumSegmentSize: 0.005,
	})
	require.NoError(t, err)

	last := idx.LastPosition()
	require.True(t, last.IsKnown())
	assert.InDelta(t, 4.0, last.Time, 1e-9, "a 2 ms tail segment is omitted")

	segs := idx.Segments(0, 100)
	require.Len(t, segs, 2)
	assert.InDelta(t, 0.0, segs[0].Time, 1e-9)
	assert.InDelta(t, 4.0, segs[1].Time, 1e-9)
}

func TestTemplateIndexReplaceIsNoOp(t *testing.T) {
	a := liveTemplateIndex(t)
	b := liveTemplateIndex(t)

	beforeFirst := a.FirstPosition()
	beforeLast := a.LastPosition()
	beforeSegs := a.Segments(80, 16)

	require.NoError(t, a.Replace(b))

	assert.Equal(t, beforeFirst, a.FirstPosition())
	assert.Equal(t, beforeLast, a.LastPosition())
	assert.Equal(t, beforeSegs, a.Segments(80, 16))
}

func TestTemplateIndexVariantMismatch(t *testing.T) {
	a := liveTemplateIndex(t)
	other, err := index.NewListIndex(index.ListIndexArgs{
		Timescale: 1000,
		Duration:  4000,
		Items:     []index.ListItem{{MediaURLs: []string{"s1.m4s"}}},
	})
	require.NoError(t, err)

	assert.Error(t, a.Replace(other))
	assert.Error(t, a.AddSegments([]index.AddedSegment{{Time: 0, Duration: 4000, Timescale: 1000}}, nil))
}

func TestTemplateIndexAvailability(t *testing.T) {
	idx := liveTemplateIndex(t)
	segs := idx.Segments(80, 4)
	require.Len(t, segs, 1)

	assert.Equal(t, index.Available, idx.IsSegmentStillAvailable(segs[0]))

	evicted := *segs[0]
	evicted.Time = 40
	assert.Equal(t, index.NotAvailable, idx.IsSegmentStillAvailable(&evicted))

	assert.Equal(t, index.Available, idx.IsSegmentStillAvailable(idx.InitSegment()))
}

func TestTemplateIndexFlags(t *testing.T) {
	idx := liveTemplateIndex(t)
	assert.False(t, idx.ShouldRefresh(0, 1000))
	assert.False(t, idx.CanBeOutOfSync())
	assert.False(t, idx.IsFinished())
	assert.True(t, idx.IsInitialized())

	_, found := idx.CheckDiscontinuity(90)
	assert.False(t, found)
}
