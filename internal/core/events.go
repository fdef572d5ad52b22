package core

import (
	"github.com/lfaureyt/rx-player/internal/manifest"
	"github.com/lfaureyt/rx-player/internal/playback"
)

// EventKind discriminates engine notifications.
type EventKind string

const (
	// EventLoaded fires once, when the element first has enough data to
	// start playing.
	EventLoaded EventKind = "loaded"
	// EventStalled fires when rebuffering starts, carrying the status, and
	// again with a nil status once playback can resume.
	EventStalled EventKind = "stalled"
	// EventWarning carries a recovered error: a failed refresh, a skipped
	// gap, a side resource that could not be fetched.
	EventWarning EventKind = "warning"
	// EventManifestRefreshed fires after a refreshed manifest was absorbed
	// into the presentation.
	EventManifestRefreshed EventKind = "manifest-refreshed"
	// EventPeriodChanged fires when the streams enter another period.
	EventPeriodChanged EventKind = "period-changed"
	// EventRepresentationChanged fires when a stream selects a quality,
	// including the initial choice.
	EventRepresentationChanged EventKind = "representation-changed"
	// EventEndOfStream fires when every stream of the last known period has
	// pushed its final segment.
	EventEndOfStream EventKind = "end-of-stream"
	// EventReload fires when a track or decipherability change forces the
	// streams to restart from the current position.
	EventReload EventKind = "reload"
)

// Event is one engine notification. Kind decides which fields are set.
type Event struct {
	Kind EventKind

	// Err holds the recovered error of a warning.
	Err error

	// Rebuffering is the stall status of EventStalled, nil when the event
	// reports a recovery.
	Rebuffering *playback.RebufferingStatus

	// PeriodID names the period of period and reload events.
	PeriodID string

	// MediaType and Representation describe representation changes.
	MediaType      manifest.MediaType
	Representation *manifest.Representation

	// Position is where playback continues after a reload.
	Position float64
}
