// Package index implements the segment indexes attached to each
// Representation: the mapping from a presentation-time window to the
// concrete list of downloadable segments.
//
// Four variants cover the supported packagings: TemplateIndex (DASH
// SegmentTemplate without timeline), TimelineIndex (SegmentTemplate with
// SegmentTimeline), BaseIndex (SegmentBase, fed by a parsed sidx box),
// ListIndex (SegmentList) and SmoothIndex (Smooth Streaming timelines
// patched at runtime from tfrf boxes).
//
// Indexes are owned by the core goroutine together with the rest of the
// manifest tree; they are not safe for concurrent mutation. Segment values
// handed out are plain copies and may cross goroutines freely.
package index

// PositionKind discriminates the result of first/last position queries.
type PositionKind int

const (
	// PositionKnown means the query produced a concrete time.
	PositionKnown PositionKind = iota
	// PositionNone means the index exists but produces no segment.
	PositionNone
	// PositionUnknown means the position cannot be determined yet.
	PositionUnknown
)

// Position is the tri-state result of FirstPosition and LastPosition.
type Position struct {
	Kind PositionKind
	Time float64
}

// KnownPosition builds a Position carrying a concrete time.
func KnownPosition(t float64) Position {
	return Position{Kind: PositionKnown, Time: t}
}

// NoPosition builds the "no segment" Position.
func NoPosition() Position {
	return Position{Kind: PositionNone}
}

// UnknownPosition builds the "not yet determinable" Position.
func UnknownPosition() Position {
	return Position{Kind: PositionUnknown}
}

// IsKnown reports whether the Position carries a concrete time.
func (p Position) IsKnown() bool {
	return p.Kind == PositionKnown
}

// Availability is the tri-state result of IsSegmentStillAvailable.
type Availability int

const (
	NotAvailable Availability = iota
	Available
	UnknownAvailability
)

func (a Availability) String() string {
	switch a {
	case NotAvailable:
		return "not-available"
	case Available:
		return "available"
	default:
		return "unknown"
	}
}

// SegmentIndex is the capability set shared by every index variant. The
// manifest layer talks to indexes exclusively through it.
type SegmentIndex interface {
	// InitSegment returns the initialization segment descriptor. Variants
	// without a separate init segment return one with nil MediaURLs.
	InitSegment() *Segment

	// Segments returns the media segments intersecting the window
	// [from, from+duration), ordered by strictly increasing time. Requests
	// before the first available segment clip up; requests past the last
	// return an empty list.
	Segments(from, duration float64) []*Segment

	// FirstPosition returns the earliest reachable presentation time.
	FirstPosition() Position

	// LastPosition returns the time at which the latest known segment
	// starts, the latest position from which playback can proceed.
	LastPosition() Position

	// ShouldRefresh reports whether answering for [from, to] needs a fresher
	// manifest. It is a hint; the manifest layer decides.
	ShouldRefresh(from, to float64) bool

	// CheckDiscontinuity reports, for a time falling inside an index-driven
	// gap, the presentation time at which the gap ends.
	CheckDiscontinuity(t float64) (float64, bool)

	// IsSegmentStillAvailable reports whether a previously returned segment
	// can still be fetched.
	IsSegmentStillAvailable(seg *Segment) Availability

	// CanBeOutOfSync reports whether a fetch failure on this index may mean
	// the index itself lags the server, warranting a manifest refresh.
	CanBeOutOfSync() bool

	// IsFinished reports whether no further segment will ever be added.
	IsFinished() bool

	// IsInitialized reports whether the index can already answer segment
	// queries. BaseIndex starts uninitialized until its sidx is parsed.
	IsInitialized() bool

	// Replace substitutes the whole index state with other's. It fails when
	// other is a different variant.
	Replace(other SegmentIndex) error

	// Update merges other, parsed from a refreshed manifest, into this
	// index, keeping locally learned segments where the variant allows.
	Update(other SegmentIndex) error

	// AddSegments feeds segments learned outside the manifest, parsed from
	// sidx bytes or announced by a tfrf box. current, when non-nil, is the
	// segment whose response carried the announcement.
	AddSegments(segs []AddedSegment, current *Segment) error
}
