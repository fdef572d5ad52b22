package playback

import (
	"math"
	"sync"
	"time"
)

// SimulatedElement is a MediaElement with a clock instead of a decoder:
// the playhead advances with wall time through whatever ranges were
// declared buffered, and starves at their edge. It stands in for a real
// element in headless runs and in tests.
type SimulatedElement struct {
	mu        sync.Mutex
	now       func() time.Time
	lastTick  time.Time
	position  float64
	duration  float64
	rate      float64
	paused    bool
	ended     bool
	seeking   bool
	ranges    TimeRanges
	rangesFn  func() TimeRanges
	events    chan ElementEvent
	hasMedia  bool
	announced bool
}

// SimulatedElementArgs configures a SimulatedElement. The zero value is
// usable: real clock, paused, rate 1, nothing buffered.
type SimulatedElementArgs struct {
	// Now is the advancing clock. Defaults to time.Now.
	Now func() time.Time
	// Buffered, when set, overrides the element's own range bookkeeping,
	// typically with the intersection of the engine's buffer sinks.
	Buffered func() TimeRanges
}

func NewSimulatedElement(args SimulatedElementArgs) *SimulatedElement {
	now := args.Now
	if now == nil {
		now = time.Now
	}
	return &SimulatedElement{
		now:      now,
		lastTick: now(),
		rate:     1,
		paused:   true,
		rangesFn: args.Buffered,
		events:   make(chan ElementEvent, 32),
	}
}

// advanceLocked moves the playhead by the wall time elapsed since the
// last accounting, clamped to the buffered range it plays inside.
func (e *SimulatedElement) advanceLocked() {
	t := e.now()
	dt := t.Sub(e.lastTick).Seconds()
	e.lastTick = t
	if dt <= 0 || e.paused || e.ended || e.seeking || e.rate == 0 {
		return
	}
	r, ok := e.bufferedLocked().RangeFor(e.position)
	if !ok {
		return
	}
	next := e.position + dt*e.rate
	if next > r.End {
		next = r.End
	}
	if e.duration > 0 && next >= e.duration {
		next = e.duration
		e.ended = true
		e.emit(ElementEventEnded)
	}
	e.position = next
}

func (e *SimulatedElement) bufferedLocked() TimeRanges {
	if e.rangesFn != nil {
		return e.rangesFn()
	}
	return e.ranges
}

func (e *SimulatedElement) emit(ev ElementEvent) {
	select {
	case e.events <- ev:
	default:
	}
}

func (e *SimulatedElement) CurrentTime() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.advanceLocked()
	return e.position
}

func (e *SimulatedElement) SetCurrentTime(t float64) {
	e.mu.Lock()
	e.advanceLocked()
	e.position = t
	e.ended = false
	e.seeking = true
	e.mu.Unlock()
	e.emit(ElementEventSeeking)
	e.mu.Lock()
	e.seeking = false
	e.mu.Unlock()
	e.emit(ElementEventSeeked)
}

func (e *SimulatedElement) Duration() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.duration == 0 {
		return math.Inf(1)
	}
	return e.duration
}

// SetDuration declares the content length, the simulated equivalent of
// metadata arriving.
func (e *SimulatedElement) SetDuration(d float64) {
	e.mu.Lock()
	e.duration = d
	e.hasMedia = true
	first := !e.announced
	e.announced = true
	e.mu.Unlock()
	if first {
		e.emit(ElementEventLoadedMetadata)
	}
}

func (e *SimulatedElement) Buffered() TimeRanges {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bufferedLocked()
}

// AppendBuffered declares [start, end) as buffered, as a push to a media
// buffer would.
func (e *SimulatedElement) AppendBuffered(start, end float64) {
	e.mu.Lock()
	e.advanceLocked()
	e.ranges = e.ranges.Add(start, end)
	e.hasMedia = true
	e.mu.Unlock()
	e.emit(ElementEventCanPlay)
}

func (e *SimulatedElement) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

func (e *SimulatedElement) Play() {
	e.mu.Lock()
	e.advanceLocked()
	e.paused = false
	e.mu.Unlock()
	e.emit(ElementEventPlay)
}

func (e *SimulatedElement) Pause() {
	e.mu.Lock()
	e.advanceLocked()
	e.paused = true
	e.mu.Unlock()
	e.emit(ElementEventPause)
}

func (e *SimulatedElement) Ended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.advanceLocked()
	return e.ended
}

func (e *SimulatedElement) Seeking() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seeking
}

// ReadyState derives the readiness ladder from the buffer: no media at
// all, metadata only, starved at a range edge, or enough to play.
func (e *SimulatedElement) ReadyState() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.advanceLocked()
	if !e.hasMedia {
		return HaveNothing
	}
	ranges := e.bufferedLocked()
	if _, ok := ranges.RangeFor(e.position); ok {
		return HaveEnoughData
	}
	for _, r := range ranges {
		if e.position == r.End {
			return HaveCurrentData
		}
	}
	return HaveMetadata
}

func (e *SimulatedElement) PlaybackRate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rate
}

func (e *SimulatedElement) SetPlaybackRate(rate float64) {
	e.mu.Lock()
	e.advanceLocked()
	e.rate = rate
	e.mu.Unlock()
	e.emit(ElementEventRateChange)
}

func (e *SimulatedElement) Events() <-chan ElementEvent {
	return e.events
}

// Close tears the element down, ending any observer attached to it.
func (e *SimulatedElement) Close() {
	close(e.events)
}
