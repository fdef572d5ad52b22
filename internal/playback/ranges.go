package playback

// rangeJoinTolerance is the largest hole, in seconds, still considered
// contiguous when ranges are merged. Segment boundaries computed from
// timescale arithmetic can be off by a few milliseconds.
const rangeJoinTolerance = 0.001

// TimeRange is a half-open buffered interval [Start, End) in seconds.
type TimeRange struct {
	Start float64
	End   float64
}

// Duration returns the range's length in seconds.
func (r TimeRange) Duration() float64 {
	return r.End - r.Start
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t float64) bool {
	return t >= r.Start && t < r.End
}

// TimeRanges is an ordered, non-overlapping list of buffered intervals,
// the shape a media element reports its buffer in.
type TimeRanges []TimeRange

// RangeFor returns the range containing t.
func (rs TimeRanges) RangeFor(t float64) (TimeRange, bool) {
	for _, r := range rs {
		if r.Contains(t) {
			return r, true
		}
	}
	return TimeRange{}, false
}

// RangeAfter returns the first range starting strictly after t.
func (rs TimeRanges) RangeAfter(t float64) (TimeRange, bool) {
	for _, r := range rs {
		if r.Start > t {
			return r, true
		}
	}
	return TimeRange{}, false
}

// End returns the end of the last range.
func (rs TimeRanges) End() (float64, bool) {
	if len(rs) == 0 {
		return 0, false
	}
	return rs[len(rs)-1].End, true
}

// Add returns the ranges with [start, end) inserted, coalescing whatever
// it touches or overlaps.
func (rs TimeRanges) Add(start, end float64) TimeRanges {
	if end <= start {
		return rs
	}
	out := make(TimeRanges, 0, len(rs)+1)
	inserted := false
	for _, r := range rs {
		switch {
		case r.End < start-rangeJoinTolerance:
			out = append(out, r)
		case r.Start > end+rangeJoinTolerance:
			if !inserted {
				out = append(out, TimeRange{start, end})
				inserted = true
			}
			out = append(out, r)
		default:
			if r.Start < start {
				start = r.Start
			}
			if r.End > end {
				end = r.End
			}
		}
	}
	if !inserted {
		out = append(out, TimeRange{start, end})
	}
	return out
}

// Remove returns the ranges with [start, end) carved out.
func (rs TimeRanges) Remove(start, end float64) TimeRanges {
	if end <= start {
		return rs
	}
	var out TimeRanges
	for _, r := range rs {
		if r.End <= start || r.Start >= end {
			out = append(out, r)
			continue
		}
		if r.Start < start {
			out = append(out, TimeRange{r.Start, start})
		}
		if r.End > end {
			out = append(out, TimeRange{end, r.End})
		}
	}
	return out
}

// Intersect returns the intervals buffered in both a and b, the combined
// health of several underlying buffers.
func Intersect(a, b TimeRanges) TimeRanges {
	var out TimeRanges
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		start := a[i].Start
		if b[j].Start > start {
			start = b[j].Start
		}
		end := a[i].End
		if b[j].End < end {
			end = b[j].End
		}
		if start < end {
			out = append(out, TimeRange{start, end})
		}
		if a[i].End < b[j].End {
			i++
		} else {
			j++
		}
	}
	return out
}
