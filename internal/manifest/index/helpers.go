package index

import (
	"math"
	"sort"
	"strconv"

	"github.com/lfaureyt/rx-player/internal/errs"
)

// timeContext bundles what is needed to convert between ticks on the index
// timeline and presentation seconds:
//
//	presentation = (ticks - pto) / timescale + periodStart
type timeContext struct {
	timescale   uint64
	pto         int64
	periodStart float64
	periodEnd   *float64
}

func (tc timeContext) fromTicks(t int64) float64 {
	return (float64(t)-float64(tc.pto))/float64(tc.timescale) + tc.periodStart
}

func (tc timeContext) toTicks(seconds float64) int64 {
	return int64(math.Round((seconds-tc.periodStart)*float64(tc.timescale))) + tc.pto
}

// scaledPeriodEnd returns the period end as a tick on the index timeline,
// or nil when the period end is unknown.
func (tc timeContext) scaledPeriodEnd() *int64 {
	if tc.periodEnd == nil {
		return nil
	}
	v := tc.toTicks(*tc.periodEnd)
	return &v
}

// timestampOffset is the value to add to media timestamps to obtain
// presentation time.
func (tc timeContext) timestampOffset() float64 {
	return tc.periodStart - float64(tc.pto)/float64(tc.timescale)
}

// timelineEntry is one run of equal-duration segments: a start tick, a
// duration and a repeat count after the first occurrence. repeat == -1
// means "repeat until the next entry or the period end".
type timelineEntry struct {
	start      int64
	duration   int64
	repeat     int64
	mediaRange *ByteRange
}

// calculateRepeat resolves an entry's repeat count, expanding -1 against
// the next entry or the period end. Unresolvable open repeats count as 0.
func calculateRepeat(e timelineEntry, next *timelineEntry, scaledPeriodEnd *int64) int64 {
	if e.repeat >= 0 {
		return e.repeat
	}
	if e.duration <= 0 {
		return 0
	}
	var until int64
	switch {
	case next != nil:
		until = next.start
	case scaledPeriodEnd != nil:
		until = *scaledPeriodEnd
	default:
		return 0
	}
	if until <= e.start {
		return 0
	}
	n := ceilDiv(until-e.start, e.duration) - 1
	if n < 0 {
		return 0
	}
	return n
}

// entryEnd returns the tick at which the entry's last repetition ends.
func entryEnd(e timelineEntry, next *timelineEntry, scaledPeriodEnd *int64) int64 {
	rep := calculateRepeat(e, next, scaledPeriodEnd)
	return e.start + (rep+1)*e.duration
}

func nextEntry(timeline []timelineEntry, i int) *timelineEntry {
	if i+1 < len(timeline) {
		return &timeline[i+1]
	}
	return nil
}

// timelineBounds returns the first start and last end ticks of the
// timeline. ok is false when the timeline is empty.
func timelineBounds(timeline []timelineEntry, scaledPeriodEnd *int64) (first, lastEnd int64, ok bool) {
	if len(timeline) == 0 {
		return 0, 0, false
	}
	last := len(timeline) - 1
	return timeline[0].start, entryEnd(timeline[last], nil, scaledPeriodEnd), true
}

// segmentCounts returns, for each entry, the number of segments contained
// in all previous entries. Used to derive $Number$ values.
func segmentCounts(timeline []timelineEntry, scaledPeriodEnd *int64) []uint64 {
	counts := make([]uint64, len(timeline))
	var acc uint64
	for i := range timeline {
		counts[i] = acc
		acc += uint64(calculateRepeat(timeline[i], nextEntry(timeline, i), scaledPeriodEnd) + 1)
	}
	return counts
}

// timelineContext bundles what the timeline lookup needs to build concrete
// segment descriptors.
type timelineContext struct {
	tc          timeContext
	media       []string
	repID       string
	bitrate     int64
	startNumber uint64
	smoothMedia *SmoothMediaInfo
}

func (ctx *timelineContext) buildSegment(start, duration int64, number uint64, r *ByteRange) *Segment {
	t := ctx.tc.fromTicks(start)
	end := ctx.tc.fromTicks(start + duration)
	var urls []string
	if len(ctx.media) > 0 {
		st := uint64(0)
		if start > 0 {
			st = uint64(start)
		}
		urls = make([]string, 0, len(ctx.media))
		for _, tpl := range ctx.media {
			// Templates are validated at construction; with both numeric
			// tokens provided expansion cannot fail.
			u, err := ExpandTemplate(tpl, TokenValues{
				RepresentationID: ctx.repID,
				Bitrate:          ctx.bitrate,
				Number:           &number,
				Time:             &st,
			})
			if err != nil {
				continue
			}
			urls = append(urls, u)
		}
	}
	var priv PrivateInfos
	if ctx.smoothMedia != nil {
		priv.SmoothMedia = ctx.smoothMedia
	}
	return &Segment{
		ID:              strconv.FormatInt(start, 10),
		Time:            t,
		End:             end,
		Duration:        end - t,
		Timescale:       ctx.tc.timescale,
		Number:          number,
		MediaURLs:       urls,
		Range:           r,
		TimestampOffset: ctx.tc.timestampOffset(),
		PrivateInfos:    priv,
	}
}

// segmentsFromTimeline returns the segments of a timeline intersecting the
// window [from, from+duration). The first candidate within an entry snaps
// to the nearest repetition boundary, so a window starting a hair before a
// boundary yields the next segment rather than a sliver of the previous
// one.
func segmentsFromTimeline(ctx *timelineContext, timeline []timelineEntry, counts []uint64, from, duration float64) []*Segment {
	if len(timeline) == 0 || duration <= 0 {
		return nil
	}
	tc := ctx.tc
	scaledUp := tc.toTicks(from)
	scaledTo := tc.toTicks(from + duration)
	spe := tc.scaledPeriodEnd()

	var segs []*Segment
	lo := sort.Search(len(timeline), func(i int) bool {
		return entryEnd(timeline[i], nextEntry(timeline, i), spe) > scaledUp
	})
	for i := lo; i < len(timeline); i++ {
		e := timeline[i]
		if e.start >= scaledTo {
			break
		}
		rep := calculateRepeat(e, nextEntry(timeline, i), spe)
		var k int64
		if e.start < scaledUp && e.duration > 0 {
			k = (scaledUp - e.start + e.duration/2) / e.duration
			if k > rep {
				continue
			}
		}
		for ; k <= rep; k++ {
			st := e.start + k*e.duration
			if st >= scaledTo {
				return segs
			}
			dur := e.duration
			if spe != nil && st+dur > *spe {
				dur = *spe - st
				if dur <= 0 {
					return segs
				}
			}
			number := ctx.startNumber + counts[i] + uint64(k)
			segs = append(segs, ctx.buildSegment(st, dur, number, e.mediaRange))
		}
	}
	return segs
}

// insertSegmentInfo splices a segment learned at runtime into the timeline,
// extending the last entry when contiguous. Re-inserting a known segment is
// a no-op. It reports whether the timeline changed.
func insertSegmentInfo(timeline []timelineEntry, start, duration int64) ([]timelineEntry, bool) {
	if duration <= 0 {
		return timeline, false
	}
	n := len(timeline)
	if n == 0 {
		return append(timeline, timelineEntry{start: start, duration: duration}), true
	}
	last := &timeline[n-1]
	if last.repeat < 0 {
		return timeline, false
	}
	lastEnd := last.start + (last.repeat+1)*last.duration
	if start < lastEnd {
		return timeline, false
	}
	if start == lastEnd && duration == last.duration {
		last.repeat++
		return timeline, true
	}
	return append(timeline, timelineEntry{start: start, duration: duration}), true
}

// updateTimeline merges a timeline parsed from a refreshed manifest into
// the current one. A gap between the old end and the new start is an
// out-of-sync condition.
func updateTimeline(old, refreshed []timelineEntry, scaledPeriodEnd *int64) ([]timelineEntry, error) {
	if len(refreshed) == 0 {
		return old, nil
	}
	if len(old) == 0 {
		return refreshed, nil
	}
	newStart := refreshed[0].start
	oldEnd := entryEnd(old[len(old)-1], &refreshed[0], scaledPeriodEnd)
	if oldEnd < newStart {
		return nil, &errs.IndexError{Kind: errs.IndexOutOfSync}
	}
	for i := len(old) - 1; i >= 0; i-- {
		e := old[i]
		if e.start > newStart {
			continue
		}
		if e.start == newStart {
			return append(old[:i:i], refreshed...), nil
		}
		// The junction falls within e's repetitions: keep the repetitions
		// before it, then trust the refreshed data.
		if e.duration <= 0 || (newStart-e.start)%e.duration != 0 {
			return refreshed, nil
		}
		kept := append([]timelineEntry(nil), old[:i+1]...)
		kept[i].repeat = (newStart-e.start)/e.duration - 1
		return append(kept, refreshed...), nil
	}
	return refreshed, nil
}

// discontinuityEnd locates the end of an index hole containing the scaled
// time, if any.
func discontinuityEnd(timeline []timelineEntry, scaled int64, scaledPeriodEnd *int64) (int64, bool) {
	for i := range timeline {
		e := timeline[i]
		if e.start <= scaled {
			continue
		}
		if i == 0 {
			return 0, false
		}
		prevEnd := entryEnd(timeline[i-1], &timeline[i], scaledPeriodEnd)
		if scaled >= prevEnd {
			return e.start, true
		}
		return 0, false
	}
	return 0, false
}

// timelineContains reports whether a segment with the given start and
// duration is described by the timeline.
func timelineContains(timeline []timelineEntry, start, duration int64, scaledPeriodEnd *int64) bool {
	i := sort.Search(len(timeline), func(i int) bool {
		return entryEnd(timeline[i], nextEntry(timeline, i), scaledPeriodEnd) > start
	})
	if i >= len(timeline) {
		return false
	}
	e := timeline[i]
	if start < e.start || e.duration != duration {
		return false
	}
	return (start-e.start)%e.duration == 0
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
