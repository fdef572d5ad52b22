package index

import (
	"sync"
	"time"
)

// BoundsCalculator estimates the earliest and latest addressable positions
// of a presentation. For dynamic content the maximum is derived from the
// server clock when a clock offset is known, and otherwise grows linearly
// from the last position observed in the manifest.
type BoundsCalculator struct {
	mu                    sync.Mutex
	isDynamic             bool
	availabilityStartTime float64
	timeshiftDepth        *float64
	clockOffset           *float64
	lastPosition          float64
	lastPositionAt        time.Time
	hasLastPosition       bool
	now                   func() time.Time
}

// BoundsCalculatorArgs configures a BoundsCalculator.
type BoundsCalculatorArgs struct {
	IsDynamic bool
	// AvailabilityStartTime is in seconds since epoch.
	AvailabilityStartTime float64
	// TimeshiftDepth is the addressable window behind the live edge, in
	// seconds. nil means unlimited.
	TimeshiftDepth *float64
	// ClockOffset is server time minus client time, in seconds, when a UTC
	// timing source resolved it.
	ClockOffset *float64
	// Now is the wall clock, injectable in tests. Defaults to time.Now.
	Now func() time.Time
}

func NewBoundsCalculator(args BoundsCalculatorArgs) *BoundsCalculator {
	now := args.Now
	if now == nil {
		now = time.Now
	}
	return &BoundsCalculator{
		isDynamic:             args.IsDynamic,
		availabilityStartTime: args.AvailabilityStartTime,
		timeshiftDepth:        args.TimeshiftDepth,
		clockOffset:           args.ClockOffset,
		now:                   now,
	}
}

// SetLastPosition records the latest presentation time observed in the
// manifest, timestamped with the current wall clock so the estimate can
// grow from it.
func (b *BoundsCalculator) SetLastPosition(pos float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastPosition = pos
	b.lastPositionAt = b.now()
	b.hasLastPosition = true
}

// LastPositionIsKnown reports whether SetLastPosition was called. When it
// returns false and no clock offset is known, bounds are unknown.
func (b *BoundsCalculator) LastPositionIsKnown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hasLastPosition
}

// MaximumBound estimates the latest addressable presentation time.
func (b *BoundsCalculator) MaximumBound() (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maximumLocked()
}

func (b *BoundsCalculator) maximumLocked() (float64, bool) {
	if !b.isDynamic {
		if b.hasLastPosition {
			return b.lastPosition, true
		}
		return 0, false
	}
	if b.clockOffset != nil {
		serverNow := float64(b.now().UnixMilli())/1000 + *b.clockOffset
		return serverNow - b.availabilityStartTime, true
	}
	if b.hasLastPosition {
		elapsed := b.now().Sub(b.lastPositionAt).Seconds()
		return b.lastPosition + elapsed, true
	}
	return 0, false
}

// MinimumBound estimates the earliest addressable presentation time.
func (b *BoundsCalculator) MinimumBound() (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.isDynamic || b.timeshiftDepth == nil {
		return 0, true
	}
	max, ok := b.maximumLocked()
	if !ok {
		return 0, false
	}
	min := max - *b.timeshiftDepth
	if min < 0 {
		min = 0
	}
	return min, true
}
