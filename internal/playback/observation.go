package playback

import (
	"math"
	"time"
)

// ObservationEvent tells what triggered a sample.
type ObservationEvent string

const (
	EventInit            ObservationEvent = "init"
	EventTimer           ObservationEvent = "timer"
	EventManual          ObservationEvent = "manual"
	EventCanPlay         ObservationEvent = "canplay"
	EventPlay            ObservationEvent = "play"
	EventPause           ObservationEvent = "pause"
	EventSeeking         ObservationEvent = "seeking"
	EventInternalSeeking ObservationEvent = "internal-seeking"
	EventSeeked          ObservationEvent = "seeked"
	EventLoadedMetadata  ObservationEvent = "loadedmetadata"
	EventRateChange      ObservationEvent = "ratechange"
	EventTimeUpdate      ObservationEvent = "timeupdate"
	EventEnded           ObservationEvent = "ended"
)

// RebufferingReason classifies what emptied the buffer, which decides how
// much buffer must be rebuilt before playback resumes.
type RebufferingReason string

const (
	RebufferingReasonSeeking      RebufferingReason = "seeking"
	RebufferingReasonInternalSeek RebufferingReason = "internal-seek"
	RebufferingReasonNotReady     RebufferingReason = "not-ready"
	RebufferingReasonBuffering    RebufferingReason = "buffering"
)

// RebufferingStatus describes an ongoing rebuffering interruption.
type RebufferingStatus struct {
	Reason   RebufferingReason
	Since    time.Time
	Position float64
}

// FreezingStatus describes a playhead stuck despite available buffer.
type FreezingStatus struct {
	Since    time.Time
	Position float64
}

// Observation is one normalized sample of the media element's state.
type Observation struct {
	Event    ObservationEvent
	Position float64
	Duration float64

	// BufferGap is the buffered time ahead of the position, +Inf when the
	// position sits in no buffered range.
	BufferGap    float64
	Buffered     TimeRanges
	CurrentRange *TimeRange

	Paused       bool
	Ended        bool
	Seeking      bool
	ReadyState   int
	PlaybackRate float64

	Rebuffering *RebufferingStatus
	Freezing    *FreezingStatus

	// Seq orders observations; SampledAt timestamps them.
	Seq       uint64
	SampledAt time.Time
}

// FullyLoaded reports whether the buffer already reaches the end of the
// content, in which case a small gap is the end approaching, not a stall.
func (o *Observation) FullyLoaded() bool {
	if o.Ended {
		return true
	}
	if o.CurrentRange == nil || o.Duration <= 0 || math.IsInf(o.Duration, 1) {
		return false
	}
	return o.Duration-o.CurrentRange.End <= 1e-3
}
