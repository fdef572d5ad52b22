package index

import (
	"errors"
	"math"
)

// BaseIndex implements SegmentBase addressing. The manifest only gives byte
// ranges for the initialization data and the sidx box; the segment list is
// learned when the fetched sidx is parsed and fed through AddSegments.
// Base-indexed content never requires a manifest refresh.
type BaseIndex struct {
	ctx              timelineContext
	timeline         []timelineEntry
	counts           []uint64
	initRange        *ByteRange
	indexRange       *ByteRange
	initialized      bool
	patchLastSegment bool
}

// BaseIndexArgs configures a BaseIndex. MediaURLs point at the indexed
// resource itself; segments address byte ranges within it.
type BaseIndexArgs struct {
	Timescale              uint64
	PresentationTimeOffset int64
	PeriodStart            float64
	PeriodEnd              *float64
	RepresentationID       string
	Bitrate                int64
	MediaURLs              []string
	InitializationRange    *ByteRange
	IndexRange             *ByteRange
	// PatchLastSegment widens the last parsed segment's byte range to the
	// end of the resource, for packagings whose sidx understates it.
	PatchLastSegment bool
}

func NewBaseIndex(args BaseIndexArgs) (*BaseIndex, error) {
	if args.Timescale == 0 {
		return nil, errors.New("segment base needs a positive timescale")
	}
	for _, u := range args.MediaURLs {
		if err := ValidateTemplate(u); err != nil {
			return nil, err
		}
	}
	return &BaseIndex{
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
			startNumber: 1,
		},
		initRange:        args.InitializationRange,
		indexRange:       args.IndexRange,
		patchLastSegment: args.PatchLastSegment,
	}, nil
}

// InitSegment carries both the initialization range and the sidx range so
// the fetcher can retrieve them together.
func (x *BaseIndex) InitSegment() *Segment {
	return &Segment{
		ID:              "init",
		IsInit:          true,
		Timescale:       x.ctx.tc.timescale,
		MediaURLs:       expandStaticTokens(x.ctx.media, x.ctx.repID, x.ctx.bitrate),
		Range:           x.initRange,
		IndexRange:      x.indexRange,
		TimestampOffset: x.ctx.tc.timestampOffset(),
	}
}

func (x *BaseIndex) Segments(from, duration float64) []*Segment {
	return segmentsFromTimeline(&x.ctx, x.timeline, x.counts, from, duration)
}

func (x *BaseIndex) FirstPosition() Position {
	if !x.initialized {
		return UnknownPosition()
	}
	if len(x.timeline) == 0 {
		return NoPosition()
	}
	return KnownPosition(x.ctx.tc.fromTicks(x.timeline[0].start))
}

func (x *BaseIndex) LastPosition() Position {
	if !x.initialized {
		return UnknownPosition()
	}
	if len(x.timeline) == 0 {
		return NoPosition()
	}
	last := x.timeline[len(x.timeline)-1]
	rep := calculateRepeat(last, nil, x.ctx.tc.scaledPeriodEnd())
	return KnownPosition(x.ctx.tc.fromTicks(last.start + rep*last.duration))
}

func (x *BaseIndex) ShouldRefresh(from, to float64) bool {
	return false
}

func (x *BaseIndex) CheckDiscontinuity(t float64) (float64, bool) {
	end, ok := discontinuityEnd(x.timeline, x.ctx.tc.toTicks(t), x.ctx.tc.scaledPeriodEnd())
	if !ok {
		return 0, false
	}
	return x.ctx.tc.fromTicks(end), true
}

func (x *BaseIndex) IsSegmentStillAvailable(seg *Segment) Availability {
	if seg.IsInit {
		return Available
	}
	if !x.initialized {
		return UnknownAvailability
	}
	start := x.ctx.tc.toTicks(seg.Time)
	dur := x.ctx.tc.toTicks(seg.End) - start
	if timelineContains(x.timeline, start, dur, x.ctx.tc.scaledPeriodEnd()) {
		return Available
	}
	return NotAvailable
}

func (x *BaseIndex) CanBeOutOfSync() bool {
	return false
}

func (x *BaseIndex) IsFinished() bool {
	return x.initialized
}

func (x *BaseIndex) IsInitialized() bool {
	return x.initialized
}

// Replace substitutes manifest-provided fields but keeps locally parsed
// segments when the replacement has not been initialized itself.
func (x *BaseIndex) Replace(other SegmentIndex) error {
	o, ok := other.(*BaseIndex)
	if !ok {
		return errors.New("cannot replace a base index with a different variant")
	}
	keepTimeline := x.timeline
	keepCounts := x.counts
	wasInitialized := x.initialized
	*x = *o
	if !o.initialized && wasInitialized {
		x.timeline = keepTimeline
		x.counts = keepCounts
		x.initialized = true
	}
	return nil
}

func (x *BaseIndex) Update(other SegmentIndex) error {
	return x.Replace(other)
}

// AddSegments records the segments parsed from the sidx box. The call marks
// the index initialized; feeding the same list twice does not duplicate
// segments.
func (x *BaseIndex) AddSegments(segs []AddedSegment, current *Segment) error {
	changed := false
	for _, s := range segs {
		start, dur := rescaleTicks(s, x.ctx.tc.timescale)
		if x.insert(start, dur, s.Range) {
			changed = true
		}
	}
	x.initialized = true
	if x.patchLastSegment && len(x.timeline) > 0 {
		last := &x.timeline[len(x.timeline)-1]
		if last.mediaRange != nil {
			last.mediaRange = &ByteRange{Start: last.mediaRange.Start, End: math.MaxInt64}
		}
	}
	if changed {
		x.counts = segmentCounts(x.timeline, x.ctx.tc.scaledPeriodEnd())
	}
	return nil
}

func (x *BaseIndex) insert(start, duration int64, r *ByteRange) bool {
	if duration <= 0 {
		return false
	}
	if n := len(x.timeline); n > 0 {
		last := x.timeline[n-1]
		lastEnd := last.start + (last.repeat+1)*last.duration
		if start < lastEnd {
			return false
		}
	}
	var cp *ByteRange
	if r != nil {
		c := *r
		cp = &c
	}
	x.timeline = append(x.timeline, timelineEntry{start: start, duration: duration, mediaRange: cp})
	return true
}
