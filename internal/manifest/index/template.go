package index

import (
	"errors"
	"strconv"
)

// TemplateIndex implements SegmentTemplate addressing without an explicit
// timeline. Relative to the period start, segment i spans
// [i*duration, (i+1)*duration) and carries number startNumber + i. For
// dynamic content the addressable range comes from a BoundsCalculator.
type TemplateIndex struct {
	tc          timeContext
	duration    int64
	startNumber uint64
	repID       string
	bitrate     int64
	initMedia   []string
	initRange   *ByteRange
	media       []string
	isDynamic   bool
	ato         float64
	aggressive  bool
	bounds      *BoundsCalculator
	minSegSize  float64
}

// TemplateIndexArgs configures a TemplateIndex. MediaURLs and
// InitializationURLs are templates already resolved against their base
// URLs.
type TemplateIndexArgs struct {
	Timescale              uint64
	PresentationTimeOffset int64
	PeriodStart            float64
	PeriodEnd              *float64
	Duration               int64 // in ticks
	StartNumber            *uint64
	RepresentationID       string
	Bitrate                int64
	InitializationURLs     []string
	InitializationRange    *ByteRange
	MediaURLs              []string
	IsDynamic              bool
	AvailabilityTimeOffset float64
	AggressiveMode         bool
	Bounds                 *BoundsCalculator
	MinimumSegmentSize     float64
}

func NewTemplateIndex(args TemplateIndexArgs) (*TemplateIndex, error) {
	if args.Timescale == 0 {
		return nil, errors.New("segment template needs a positive timescale")
	}
	if args.Duration <= 0 {
		return nil, errors.New("segment template needs a positive segment duration")
	}
	if args.IsDynamic && args.Bounds == nil {
		return nil, errors.New("dynamic segment template needs a bounds calculator")
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
	return &TemplateIndex{
		tc: timeContext{
			timescale:   args.Timescale,
			pto:         args.PresentationTimeOffset,
			periodStart: args.PeriodStart,
			periodEnd:   args.PeriodEnd,
		},
		duration:    args.Duration,
		startNumber: startNumber,
		repID:       args.RepresentationID,
		bitrate:     args.Bitrate,
		initMedia:   args.InitializationURLs,
		initRange:   args.InitializationRange,
		media:       args.MediaURLs,
		isDynamic:   args.IsDynamic,
		ato:         args.AvailabilityTimeOffset,
		aggressive:  args.AggressiveMode,
		bounds:      args.Bounds,
		minSegSize:  args.MinimumSegmentSize,
	}, nil
}

// relTicks converts a presentation time to ticks relative to the period
// start, where the segment grid is anchored.
func (x *TemplateIndex) relTicks(seconds float64) int64 {
	return x.tc.toTicks(seconds) - x.tc.pto
}

func (x *TemplateIndex) fromRel(rel int64) float64 {
	return x.tc.fromTicks(rel + x.tc.pto)
}

// scaledRelPeriodEnd returns the period end in ticks relative to the
// period start.
func (x *TemplateIndex) scaledRelPeriodEnd() *int64 {
	spe := x.tc.scaledPeriodEnd()
	if spe == nil {
		return nil
	}
	v := *spe - x.tc.pto
	return &v
}

func (x *TemplateIndex) InitSegment() *Segment {
	return &Segment{
		ID:              "init",
		IsInit:          true,
		Timescale:       x.tc.timescale,
		MediaURLs:       expandStaticTokens(x.initMedia, x.repID, x.bitrate),
		Range:           x.initRange,
		TimestampOffset: x.tc.timestampOffset(),
	}
}

// firstSegmentStart returns the relative tick of the earliest addressable
// segment.
func (x *TemplateIndex) firstSegmentStart() (int64, PositionKind) {
	if !x.isDynamic {
		return 0, PositionKnown
	}
	min, ok := x.bounds.MinimumBound()
	if !ok {
		return 0, PositionUnknown
	}
	if min < x.tc.periodStart {
		min = x.tc.periodStart
	}
	rel := x.relTicks(min)
	if rel < 0 {
		rel = 0
	}
	rel = (rel / x.duration) * x.duration
	if spe := x.scaledRelPeriodEnd(); spe != nil && rel >= *spe {
		return 0, PositionNone
	}
	return rel, PositionKnown
}

// staticLastStart derives the last segment start from the period end,
// dropping a final segment shorter than the minimum segment size.
func (x *TemplateIndex) staticLastStart() (int64, PositionKind) {
	spe := x.scaledRelPeriodEnd()
	if spe == nil {
		return 0, PositionUnknown
	}
	n := ceilDiv(*spe, x.duration)
	if n <= 0 {
		return 0, PositionNone
	}
	last := (n - 1) * x.duration
	minTicks := int64(x.minSegSize * float64(x.tc.timescale))
	if *spe-last < minTicks {
		if n == 1 {
			return 0, PositionNone
		}
		last -= x.duration
	}
	return last, PositionKnown
}

// lastSegmentStart returns the relative tick of the latest addressable
// segment.
func (x *TemplateIndex) lastSegmentStart() (int64, PositionKind) {
	if !x.isDynamic {
		return x.staticLastStart()
	}
	max, ok := x.bounds.MaximumBound()
	if !ok {
		return 0, PositionUnknown
	}
	lookahead := x.ato
	if x.aggressive {
		lookahead += float64(x.duration) / float64(x.tc.timescale)
	}
	avail := x.relTicks(max + lookahead)
	numAvailable := avail / x.duration
	if numAvailable <= 0 {
		return 0, PositionNone
	}
	last := (numAvailable - 1) * x.duration
	if staticLast, kind := x.staticLastStart(); kind == PositionKnown && staticLast < last {
		last = staticLast
	} else if kind == PositionNone {
		return 0, PositionNone
	}
	return last, PositionKnown
}

func (x *TemplateIndex) Segments(from, duration float64) []*Segment {
	if duration <= 0 {
		return nil
	}
	first, fk := x.firstSegmentStart()
	if fk != PositionKnown {
		return nil
	}
	last, lk := x.lastSegmentStart()
	if lk == PositionNone {
		return nil
	}
	hasLast := lk == PositionKnown
	if !hasLast && x.isDynamic {
		return nil
	}

	d := x.duration
	up := x.relTicks(from)
	to := x.relTicks(from + duration)
	start := up
	if start < first {
		start = first
	}
	start = (start / d) * d

	var segs []*Segment
	for t := start; t < to; t += d {
		if hasLast && t > last {
			break
		}
		seg := x.makeSegment(t)
		if seg == nil {
			break
		}
		segs = append(segs, seg)
	}
	return segs
}

func (x *TemplateIndex) makeSegment(rel int64) *Segment {
	d := x.duration
	if spe := x.scaledRelPeriodEnd(); spe != nil {
		if rel >= *spe {
			return nil
		}
		if rel+d > *spe {
			d = *spe - rel
			if float64(d)/float64(x.tc.timescale) < x.minSegSize {
				return nil
			}
		}
	}
	number := x.startNumber + uint64(rel/x.duration)
	timeToken := uint64(rel + x.tc.pto)
	urls := make([]string, 0, len(x.media))
	for _, tpl := range x.media {
		u, err := ExpandTemplate(tpl, TokenValues{
			RepresentationID: x.repID,
			Bitrate:          x.bitrate,
			Number:           &number,
			Time:             &timeToken,
		})
		if err != nil {
			continue
		}
		urls = append(urls, u)
	}
	t := x.fromRel(rel)
	end := x.fromRel(rel + d)
	return &Segment{
		ID:              strconv.FormatUint(number, 10),
		Time:            t,
		End:             end,
		Duration:        end - t,
		Timescale:       x.tc.timescale,
		Number:          number,
		MediaURLs:       urls,
		TimestampOffset: x.tc.timestampOffset(),
	}
}

func (x *TemplateIndex) FirstPosition() Position {
	rel, kind := x.firstSegmentStart()
	if kind != PositionKnown {
		return Position{Kind: kind}
	}
	return KnownPosition(x.fromRel(rel))
}

func (x *TemplateIndex) LastPosition() Position {
	rel, kind := x.lastSegmentStart()
	if kind != PositionKnown {
		return Position{Kind: kind}
	}
	return KnownPosition(x.fromRel(rel))
}

// ShouldRefresh always reports false: the addressable range is derived
// from the clock, not from manifest data.
func (x *TemplateIndex) ShouldRefresh(from, to float64) bool {
	return false
}

func (x *TemplateIndex) CheckDiscontinuity(t float64) (float64, bool) {
	return 0, false
}

func (x *TemplateIndex) IsSegmentStillAvailable(seg *Segment) Availability {
	if seg.IsInit {
		return Available
	}
	first, fk := x.firstSegmentStart()
	last, lk := x.lastSegmentStart()
	if fk == PositionUnknown || lk == PositionUnknown {
		return UnknownAvailability
	}
	if fk == PositionNone || lk == PositionNone {
		return NotAvailable
	}
	rel := x.relTicks(seg.Time)
	if rel < first || rel > last || rel%x.duration != 0 {
		return NotAvailable
	}
	return Available
}

func (x *TemplateIndex) CanBeOutOfSync() bool {
	return false
}

func (x *TemplateIndex) IsFinished() bool {
	return !x.isDynamic
}

func (x *TemplateIndex) IsInitialized() bool {
	return true
}

func (x *TemplateIndex) Replace(other SegmentIndex) error {
	o, ok := other.(*TemplateIndex)
	if !ok {
		return errors.New("cannot replace a template index with a different variant")
	}
	*x = *o
	return nil
}

func (x *TemplateIndex) Update(other SegmentIndex) error {
	return x.Replace(other)
}

func (x *TemplateIndex) AddSegments(segs []AddedSegment, current *Segment) error {
	return errors.New("cannot add segments to a template index")
}
