package index

import (
	"errors"
	"math"
)

// TimelineEntry is one <S> element of a SegmentTimeline: an absolute start
// tick, a duration and a repeat count. Repeat == -1 means the entry repeats
// until the next one or the period end.
type TimelineEntry struct {
	Start    int64
	Duration int64
	Repeat   int64
}

// TimelineIndex implements SegmentTemplate addressing with an explicit
// SegmentTimeline. Lookups binary-search the timeline; refreshed manifests
// are merged so locally known segments are never forgotten.
type TimelineIndex struct {
	ctx       timelineContext
	timeline  []timelineEntry
	counts    []uint64
	initMedia []string
	initRange *ByteRange
	isDynamic bool
}

// TimelineIndexArgs configures a TimelineIndex. Timeline entries must have
// resolved, ascending start ticks.
type TimelineIndexArgs struct {
	Timescale              uint64
	PresentationTimeOffset int64
	PeriodStart            float64
	PeriodEnd              *float64
	StartNumber            *uint64
	RepresentationID       string
	Bitrate                int64
	InitializationURLs     []string
	InitializationRange    *ByteRange
	MediaURLs              []string
	Timeline               []TimelineEntry
	IsDynamic              bool
}

func NewTimelineIndex(args TimelineIndexArgs) (*TimelineIndex, error) {
	if args.Timescale == 0 {
		return nil, errors.New("segment timeline needs a positive timescale")
	}
	for _, tpl := range args.MediaURLs {
		if err := ValidateTemplate(tpl); err != nil {
			return nil, err
		}
	}
	for _, tpl := range args.InitializationURLs {
		if err := ValidateTemplate(tpl); err != nil {
			return nil, err
		}
	}
	startNumber := uint64(1)
	if args.StartNumber != nil {
		startNumber = *args.StartNumber
	}
	timeline := make([]timelineEntry, 0, len(args.Timeline))
	for _, e := range args.Timeline {
		if e.Duration <= 0 {
			continue
		}
		timeline = append(timeline, timelineEntry{start: e.Start, duration: e.Duration, repeat: e.Repeat})
	}
	x := &TimelineIndex{
		ctx: timelineContext{
			tc: timeContext{
				timescale:   args.Timescale,
				pto:         args.PresentationTimeOffset,
				periodStart: args.PeriodStart,
				periodEnd:   args.PeriodEnd,
			},
			media:       args.MediaURLs,
			repID:       args.RepresentationID,
			bitrate:     args.Bitrate,
			startNumber: startNumber,
		},
		timeline:  timeline,
		initMedia: args.InitializationURLs,
		initRange: args.InitializationRange,
		isDynamic: args.IsDynamic,
	}
	x.rebuild()
	return x, nil
}

func (x *TimelineIndex) rebuild() {
	x.counts = segmentCounts(x.timeline, x.ctx.tc.scaledPeriodEnd())
}

func (x *TimelineIndex) InitSegment() *Segment {
	return &Segment{
		ID:              "init",
		IsInit:          true,
		Timescale:       x.ctx.tc.timescale,
		MediaURLs:       expandStaticTokens(x.initMedia, x.ctx.repID, x.ctx.bitrate),
		Range:           x.initRange,
		TimestampOffset: x.ctx.tc.timestampOffset(),
	}
}

func (x *TimelineIndex) Segments(from, duration float64) []*Segment {
	return segmentsFromTimeline(&x.ctx, x.timeline, x.counts, from, duration)
}

func (x *TimelineIndex) FirstPosition() Position {
	if len(x.timeline) == 0 {
		return NoPosition()
	}
	return KnownPosition(x.ctx.tc.fromTicks(x.timeline[0].start))
}

func (x *TimelineIndex) LastPosition() Position {
	if len(x.timeline) == 0 {
		return NoPosition()
	}
	last := x.timeline[len(x.timeline)-1]
	rep := calculateRepeat(last, nil, x.ctx.tc.scaledPeriodEnd())
	return KnownPosition(x.ctx.tc.fromTicks(last.start + rep*last.duration))
}

// ShouldRefresh reports whether the asked range extends past the last known
// segment of a dynamic timeline.
func (x *TimelineIndex) ShouldRefresh(from, to float64) bool {
	if !x.isDynamic {
		return false
	}
	_, lastEnd, ok := timelineBounds(x.timeline, x.ctx.tc.scaledPeriodEnd())
	if !ok {
		return true
	}
	return x.ctx.tc.toTicks(to) > lastEnd
}

func (x *TimelineIndex) CheckDiscontinuity(t float64) (float64, bool) {
	end, ok := discontinuityEnd(x.timeline, x.ctx.tc.toTicks(t), x.ctx.tc.scaledPeriodEnd())
	if !ok {
		return 0, false
	}
	return x.ctx.tc.fromTicks(end), true
}

func (x *TimelineIndex) IsSegmentStillAvailable(seg *Segment) Availability {
	if seg.IsInit {
		return Available
	}
	spe := x.ctx.tc.scaledPeriodEnd()
	first, lastEnd, ok := timelineBounds(x.timeline, spe)
	if !ok {
		return NotAvailable
	}
	start := x.ctx.tc.toTicks(seg.Time)
	dur := x.ctx.tc.toTicks(seg.End) - start
	if timelineContains(x.timeline, start, dur, spe) {
		return Available
	}
	if start < first {
		return NotAvailable
	}
	if start >= lastEnd && x.isDynamic {
		return UnknownAvailability
	}
	return NotAvailable
}

func (x *TimelineIndex) CanBeOutOfSync() bool {
	return x.isDynamic
}

func (x *TimelineIndex) IsFinished() bool {
	if !x.isDynamic {
		return true
	}
	spe := x.ctx.tc.scaledPeriodEnd()
	if spe == nil {
		return false
	}
	_, lastEnd, ok := timelineBounds(x.timeline, spe)
	return ok && lastEnd >= *spe
}

func (x *TimelineIndex) IsInitialized() bool {
	return true
}

func (x *TimelineIndex) Replace(other SegmentIndex) error {
	o, ok := other.(*TimelineIndex)
	if !ok {
		return errors.New("cannot replace a timeline index with a different variant")
	}
	*x = *o
	return nil
}

// Update merges the refreshed timeline into this one. It fails with an
// out-of-sync error when the refreshed timeline starts after the known one
// ends, leaving a hole.
func (x *TimelineIndex) Update(other SegmentIndex) error {
	o, ok := other.(*TimelineIndex)
	if !ok {
		return errors.New("cannot update a timeline index with a different variant")
	}
	merged, err := updateTimeline(x.timeline, o.timeline, o.ctx.tc.scaledPeriodEnd())
	if err != nil {
		return err
	}
	*x = *o
	x.timeline = merged
	x.rebuild()
	return nil
}

func (x *TimelineIndex) AddSegments(segs []AddedSegment, current *Segment) error {
	changed := false
	if current != nil && !current.IsInit {
		start := x.ctx.tc.toTicks(current.Time)
		dur := x.ctx.tc.toTicks(current.End) - start
		var ins bool
		x.timeline, ins = insertSegmentInfo(x.timeline, start, dur)
		changed = changed || ins
	}
	for _, s := range segs {
		start, dur := rescaleTicks(s, x.ctx.tc.timescale)
		var ins bool
		x.timeline, ins = insertSegmentInfo(x.timeline, start, dur)
		changed = changed || ins
	}
	if changed {
		x.rebuild()
	}
	return nil
}

// rescaleTicks converts an added segment's ticks to the index timescale.
func rescaleTicks(s AddedSegment, timescale uint64) (start, duration int64) {
	if s.Timescale == 0 || s.Timescale == timescale {
		return s.Time, s.Duration
	}
	ratio := float64(timescale) / float64(s.Timescale)
	return int64(math.Round(float64(s.Time) * ratio)), int64(math.Round(float64(s.Duration) * ratio))
}
