// Package playback watches a media element and turns its raw state into a
// stream of normalized Observations: position, buffer health, and the
// derived rebuffering and freezing verdicts the rest of the engine reacts
// to. The element itself is abstract; anything able to answer the
// MediaElement interface can be observed, including the simulated element
// used for headless runs.
package playback

// Ready states, after the HTMLMediaElement readyState ladder.
const (
	HaveNothing     = 0
	HaveMetadata    = 1
	HaveCurrentData = 2
	HaveFutureData  = 3
	HaveEnoughData  = 4
)

// ElementEvent is a state-change notification from the media element.
type ElementEvent string

const (
	ElementEventCanPlay        ElementEvent = "canplay"
	ElementEventPlay           ElementEvent = "play"
	ElementEventPause          ElementEvent = "pause"
	ElementEventSeeking        ElementEvent = "seeking"
	ElementEventSeeked         ElementEvent = "seeked"
	ElementEventLoadedMetadata ElementEvent = "loadedmetadata"
	ElementEventRateChange     ElementEvent = "ratechange"
	ElementEventTimeUpdate     ElementEvent = "timeupdate"
	ElementEventEnded          ElementEvent = "ended"
)

// MediaElement is the decoding and rendering side of the pipeline, as much
// of it as the observer and the orchestrator need. Implementations must
// tolerate concurrent calls; the engine reads from several goroutines.
//
// Events must return the same channel on every call. The element closes it
// when it is torn down.
type MediaElement interface {
	CurrentTime() float64
	SetCurrentTime(t float64)
	Duration() float64
	Buffered() TimeRanges
	Paused() bool
	Ended() bool
	Seeking() bool
	ReadyState() int
	PlaybackRate() float64
	SetPlaybackRate(rate float64)
	Events() <-chan ElementEvent
}
