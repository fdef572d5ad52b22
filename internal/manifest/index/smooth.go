package index

import (
	"errors"
	"time"
)

// SmoothIndex implements Smooth Streaming timelines. It behaves like a
// TimelineIndex with two live-specific twists: segments older than the DVR
// window are evicted as the live edge progresses, and fetched segments may
// announce their successors through a tfrf box, merged in via AddSegments.
//
// Smooth servers do not serve an initialization segment; the one returned
// by InitSegment carries the parameters needed to synthesize it locally.
type SmoothIndex struct {
	ctx            timelineContext
	timeline       []timelineEntry
	counts         []uint64
	isLive         bool
	timeshiftDepth *float64
	initInfo       *SmoothInitInfo
	receivedAt     time.Time
	initialLastEnd int64
	now            func() time.Time
}

// SmoothIndexArgs configures a SmoothIndex. MediaURLs are templates using
// the $Bitrate$ and $Time$ tokens; timeline entries must have resolved,
// ascending start ticks.
type SmoothIndexArgs struct {
	Timescale              uint64
	PresentationTimeOffset int64
	PeriodStart            float64
	PeriodEnd              *float64
	RepresentationID       string
	Bitrate                int64
	MediaURLs              []string
	Timeline               []TimelineEntry
	IsLive                 bool
	// TimeshiftDepth is the DVR window in seconds; nil means unlimited.
	TimeshiftDepth *float64
	InitInfo       *SmoothInitInfo
	// Now is the wall clock, injectable in tests. Defaults to time.Now.
	Now func() time.Time
}

func NewSmoothIndex(args SmoothIndexArgs) (*SmoothIndex, error) {
	if args.Timescale == 0 {
		return nil, errors.New("smooth index needs a positive timescale")
	}
	for _, tpl := range args.MediaURLs {
		if err := ValidateTemplate(tpl); err != nil {
			return nil, err
		}
	}
	now := args.Now
	if now == nil {
		now = time.Now
	}
	timeline := make([]timelineEntry, 0, len(args.Timeline))
	for _, e := range args.Timeline {
		if e.Duration <= 0 {
			continue
		}
		rep := e.Repeat
		if rep < 0 {
			rep = 0
		}
		timeline = append(timeline, timelineEntry{start: e.Start, duration: e.Duration, repeat: rep})
	}
	var media *SmoothMediaInfo
	if args.IsLive {
		media = &SmoothMediaInfo{Timescale: args.Timescale}
	}
	x := &SmoothIndex{
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
			smoothMedia: media,
		},
		timeline:       timeline,
		isLive:         args.IsLive,
		timeshiftDepth: args.TimeshiftDepth,
		initInfo:       args.InitInfo,
		receivedAt:     now(),
		now:            now,
	}
	if _, lastEnd, ok := timelineBounds(timeline, nil); ok {
		x.initialLastEnd = lastEnd
	}
	x.rebuild()
	return x, nil
}

func (x *SmoothIndex) rebuild() {
	x.counts = segmentCounts(x.timeline, x.ctx.tc.scaledPeriodEnd())
}

// liveEdgeTicks estimates the current live edge on the index timeline,
// growing linearly from the timeline end observed at parse time.
func (x *SmoothIndex) liveEdgeTicks() (int64, bool) {
	if !x.isLive || x.initialLastEnd == 0 {
		return 0, false
	}
	elapsed := x.now().Sub(x.receivedAt).Seconds()
	return x.initialLastEnd + int64(elapsed*float64(x.ctx.tc.timescale)), true
}

// refreshTimeline drops segments that slid out of the DVR window.
func (x *SmoothIndex) refreshTimeline() {
	if x.timeshiftDepth == nil {
		return
	}
	edge, ok := x.liveEdgeTicks()
	if !ok {
		return
	}
	floor := edge - int64(*x.timeshiftDepth*float64(x.ctx.tc.timescale))
	if floor <= 0 {
		return
	}
	changed := false
	for len(x.timeline) > 0 {
		e := x.timeline[0]
		end := e.start + (e.repeat+1)*e.duration
		if end > floor {
			if drop := (floor - e.start) / e.duration; e.start < floor && drop > 0 {
				x.timeline[0].start += drop * e.duration
				x.timeline[0].repeat -= drop
				changed = true
			}
			break
		}
		x.timeline = x.timeline[1:]
		changed = true
	}
	if changed {
		x.rebuild()
	}
}

func (x *SmoothIndex) InitSegment() *Segment {
	return &Segment{
		ID:              "init",
		IsInit:          true,
		Timescale:       x.ctx.tc.timescale,
		TimestampOffset: x.ctx.tc.timestampOffset(),
		PrivateInfos:    PrivateInfos{SmoothInit: x.initInfo},
	}
}

func (x *SmoothIndex) Segments(from, duration float64) []*Segment {
	x.refreshTimeline()
	return segmentsFromTimeline(&x.ctx, x.timeline, x.counts, from, duration)
}

func (x *SmoothIndex) FirstPosition() Position {
	x.refreshTimeline()
	if len(x.timeline) == 0 {
		return NoPosition()
	}
	return KnownPosition(x.ctx.tc.fromTicks(x.timeline[0].start))
}

func (x *SmoothIndex) LastPosition() Position {
	x.refreshTimeline()
	if len(x.timeline) == 0 {
		return NoPosition()
	}
	last := x.timeline[len(x.timeline)-1]
	return KnownPosition(x.ctx.tc.fromTicks(last.start + last.repeat*last.duration))
}

func (x *SmoothIndex) ShouldRefresh(from, to float64) bool {
	if !x.isLive {
		return false
	}
	_, lastEnd, ok := timelineBounds(x.timeline, x.ctx.tc.scaledPeriodEnd())
	if !ok {
		return true
	}
	return x.ctx.tc.toTicks(to) > lastEnd
}

func (x *SmoothIndex) CheckDiscontinuity(t float64) (float64, bool) {
	end, ok := discontinuityEnd(x.timeline, x.ctx.tc.toTicks(t), x.ctx.tc.scaledPeriodEnd())
	if !ok {
		return 0, false
	}
	return x.ctx.tc.fromTicks(end), true
}

func (x *SmoothIndex) IsSegmentStillAvailable(seg *Segment) Availability {
	if seg.IsInit {
		return Available
	}
	x.refreshTimeline()
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
	if start >= lastEnd && x.isLive {
		return UnknownAvailability
	}
	return NotAvailable
}

func (x *SmoothIndex) CanBeOutOfSync() bool {
	return x.isLive
}

func (x *SmoothIndex) IsFinished() bool {
	return !x.isLive
}

func (x *SmoothIndex) IsInitialized() bool {
	return true
}

func (x *SmoothIndex) Replace(other SegmentIndex) error {
	o, ok := other.(*SmoothIndex)
	if !ok {
		return errors.New("cannot replace a smooth index with a different variant")
	}
	*x = *o
	return nil
}

// Update merges a timeline parsed from a refreshed manifest. Refreshed data
// wins over locally patched segments where both overlap.
func (x *SmoothIndex) Update(other SegmentIndex) error {
	o, ok := other.(*SmoothIndex)
	if !ok {
		return errors.New("cannot update a smooth index with a different variant")
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

// AddSegments merges the just-fetched segment and the upcoming segments its
// tfrf box announced. Re-adding known segments is a no-op.
func (x *SmoothIndex) AddSegments(segs []AddedSegment, current *Segment) error {
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
		x.refreshTimeline()
	}
	return nil
}
