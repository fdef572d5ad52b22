package playback_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfaureyt/rx-player/internal/playback"
)

func TestTimeRangesAdd(t *testing.T) {
	var rs playback.TimeRanges

	rs = rs.Add(0, 4)
	rs = rs.Add(10, 14)
	require.Equal(t, playback.TimeRanges{{Start: 0, End: 4}, {Start: 10, End: 14}}, rs)

	rs = rs.Add(4, 6) // touching ranges coalesce
	require.Equal(t, playback.TimeRanges{{Start: 0, End: 6}, {Start: 10, End: 14}}, rs)

	rs = rs.Add(5, 11) // bridging the hole merges everything
	require.Equal(t, playback.TimeRanges{{Start: 0, End: 14}}, rs)

	rs = rs.Add(3, 5) // fully contained is a no-op
	require.Equal(t, playback.TimeRanges{{Start: 0, End: 14}}, rs)

	rs = rs.Add(14.0005, 20) // sub-tolerance holes close
	require.Equal(t, playback.TimeRanges{{Start: 0, End: 20}}, rs)

	assert.Equal(t, rs, rs.Add(5, 5), "empty intervals change nothing")
}

func TestTimeRangesRemove(t *testing.T) {
	rs := playback.TimeRanges{{Start: 0, End: 10}}

	rs = rs.Remove(4, 6)
	require.Equal(t, playback.TimeRanges{{Start: 0, End: 4}, {Start: 6, End: 10}}, rs)

	rs = rs.Remove(0, 4)
	require.Equal(t, playback.TimeRanges{{Start: 6, End: 10}}, rs)

	rs = rs.Remove(8, 20)
	require.Equal(t, playback.TimeRanges{{Start: 6, End: 8}}, rs)
}

func TestTimeRangesQueries(t *testing.T) {
	rs := playback.TimeRanges{{Start: 0, End: 5}, {Start: 8, End: 12}}

	r, ok := rs.RangeFor(3)
	require.True(t, ok)
	assert.Equal(t, playback.TimeRange{Start: 0, End: 5}, r)

	_, ok = rs.RangeFor(5) // half-open: the end is not contained
	assert.False(t, ok)

	_, ok = rs.RangeFor(6)
	assert.False(t, ok)

	next, ok := rs.RangeAfter(5)
	require.True(t, ok)
	assert.Equal(t, 8.0, next.Start)

	end, ok := rs.End()
	require.True(t, ok)
	assert.Equal(t, 12.0, end)

	_, ok = playback.TimeRanges{}.End()
	assert.False(t, ok)
}

func TestIntersect(t *testing.T) {
	audio := playback.TimeRanges{{Start: 0, End: 10}, {Start: 12, End: 20}}
	video := playback.TimeRanges{{Start: 2, End: 14}, {Start: 18, End: 25}}

	got := playback.Intersect(audio, video)
	assert.Equal(t, playback.TimeRanges{
		{Start: 2, End: 10},
		{Start: 12, End: 14},
		{Start: 18, End: 20},
	}, got)

	assert.Nil(t, playback.Intersect(audio, nil))
}
