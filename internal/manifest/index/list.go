package index

import (
	"errors"
	"strconv"
)

// ListItem is one <SegmentURL> element of a SegmentList.
type ListItem struct {
	MediaURLs []string
	Range     *ByteRange
}

// ListIndex implements SegmentList addressing: an explicit, finite list of
// segment URLs sharing one duration.
type ListIndex struct {
	tc        timeContext
	duration  int64
	items     []ListItem
	initMedia []string
	initRange *ByteRange
	repID     string
	bitrate   int64
}

type ListIndexArgs struct {
	Timescale              uint64
	PresentationTimeOffset int64
	PeriodStart            float64
	PeriodEnd              *float64
	Duration               int64 // in ticks
	Items                  []ListItem
	InitializationURLs     []string
	InitializationRange    *ByteRange
	RepresentationID       string
	Bitrate                int64
}

func NewListIndex(args ListIndexArgs) (*ListIndex, error) {
	if args.Timescale == 0 {
		return nil, errors.New("segment list needs a positive timescale")
	}
	if args.Duration <= 0 {
		return nil, errors.New("segment list needs a positive segment duration")
	}
	return &ListIndex{
		tc: timeContext{
			timescale:   args.Timescale,
			pto:         args.PresentationTimeOffset,
			periodStart: args.PeriodStart,
			periodEnd:   args.PeriodEnd,
		},
		duration:  args.Duration,
		items:     args.Items,
		initMedia: args.InitializationURLs,
		initRange: args.InitializationRange,
		repID:     args.RepresentationID,
		bitrate:   args.Bitrate,
	}, nil
}

func (x *ListIndex) relTicks(seconds float64) int64 {
	return x.tc.toTicks(seconds) - x.tc.pto
}

func (x *ListIndex) fromRel(rel int64) float64 {
	return x.tc.fromTicks(rel + x.tc.pto)
}

func (x *ListIndex) InitSegment() *Segment {
	return &Segment{
		ID:              "init",
		IsInit:          true,
		Timescale:       x.tc.timescale,
		MediaURLs:       expandStaticTokens(x.initMedia, x.repID, x.bitrate),
		Range:           x.initRange,
		TimestampOffset: x.tc.timestampOffset(),
	}
}

func (x *ListIndex) Segments(from, duration float64) []*Segment {
	if duration <= 0 || len(x.items) == 0 {
		return nil
	}
	d := x.duration
	up := x.relTicks(from)
	to := x.relTicks(from + duration)
	first := up / d
	if first < 0 {
		first = 0
	}
	var segs []*Segment
	for i := first; i < int64(len(x.items)); i++ {
		start := i * d
		if start >= to {
			break
		}
		item := x.items[i]
		t := x.fromRel(start)
		end := x.fromRel(start + d)
		segs = append(segs, &Segment{
			ID:              strconv.FormatInt(start, 10),
			Time:            t,
			End:             end,
			Duration:        end - t,
			Timescale:       x.tc.timescale,
			Number:          uint64(i) + 1,
			MediaURLs:       expandStaticTokens(item.MediaURLs, x.repID, x.bitrate),
			Range:           item.Range,
			TimestampOffset: x.tc.timestampOffset(),
		})
	}
	return segs
}

func (x *ListIndex) FirstPosition() Position {
	if len(x.items) == 0 {
		return NoPosition()
	}
	return KnownPosition(x.fromRel(0))
}

func (x *ListIndex) LastPosition() Position {
	if len(x.items) == 0 {
		return NoPosition()
	}
	return KnownPosition(x.fromRel(int64(len(x.items)-1) * x.duration))
}

func (x *ListIndex) ShouldRefresh(from, to float64) bool {
	return false
}

func (x *ListIndex) CheckDiscontinuity(t float64) (float64, bool) {
	return 0, false
}

func (x *ListIndex) IsSegmentStillAvailable(seg *Segment) Availability {
	if seg.IsInit {
		return Available
	}
	rel := x.relTicks(seg.Time)
	if rel < 0 || rel%x.duration != 0 {
		return NotAvailable
	}
	if rel/x.duration >= int64(len(x.items)) {
		return NotAvailable
	}
	return Available
}

func (x *ListIndex) CanBeOutOfSync() bool {
	return false
}

func (x *ListIndex) IsFinished() bool {
	return true
}

func (x *ListIndex) IsInitialized() bool {
	return true
}

func (x *ListIndex) Replace(other SegmentIndex) error {
	o, ok := other.(*ListIndex)
	if !ok {
		return errors.New("cannot replace a list index with a different variant")
	}
	*x = *o
	return nil
}

func (x *ListIndex) Update(other SegmentIndex) error {
	return x.Replace(other)
}

func (x *ListIndex) AddSegments(segs []AddedSegment, current *Segment) error {
	return errors.New("cannot add segments to a list index")
}
