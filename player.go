// Package rxplayer is an adaptive streaming engine. It loads DASH and
// Microsoft Smooth Streaming manifests, follows live updates, chooses
// representations with a bandwidth estimator, fetches and validates
// media segments, and pushes them into buffer sinks while steering a
// media element through stalls.
//
// The package decodes and renders nothing: the embedding pipeline
// supplies the buffer sinks and the media element. When it supplies
// neither, the Player runs headlessly against a simulated element whose
// clock advances through whatever the sinks received, which is how the
// probe binary and the tests use it.
//
// A Player performs exactly one load:
//
//	p, err := rxplayer.New("https://cdn.example.com/manifest.mpd")
//	if err != nil { ... }
//	go p.Run(ctx)
//	for ev := range p.Events() { ... }
package rxplayer

import (
	"context"
	"errors"
	"sync"

	"github.com/lfaureyt/rx-player/internal/config"
	"github.com/lfaureyt/rx-player/internal/core"
	"github.com/lfaureyt/rx-player/internal/errs"
	"github.com/lfaureyt/rx-player/internal/fetchers"
	"github.com/lfaureyt/rx-player/internal/fetchers/segment"
	"github.com/lfaureyt/rx-player/internal/logger"
	"github.com/lfaureyt/rx-player/internal/manifest"
	"github.com/lfaureyt/rx-player/internal/metrics"
	"github.com/lfaureyt/rx-player/internal/playback"
	"github.com/lfaureyt/rx-player/internal/tracks"
)

// Player is one content load. Construct it with New, drive it with Run,
// consume Events until the channel closes. A Player cannot be reused;
// create a new one for the next content.
type Player struct {
	core    *core.Core
	element playback.MediaElement

	sinkMu sync.Mutex
	sinks  []BufferSink

	runMu sync.Mutex
	ran   bool
	stop  context.CancelFunc
}

// New builds a Player for one manifest URL. It performs no I/O; the
// load starts with Run.
func New(manifestURL string, opts ...Option) (*Player, error) {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	p := &Player{}

	args := o.args
	args.URL = manifestURL
	if args.OpenSink == nil {
		args.OpenSink = func(MediaType, string) (BufferSink, error) {
			return core.NewMemorySink(), nil
		}
	}
	args.OpenSink = p.trackSinks(args.OpenSink)
	if args.Element == nil {
		args.Element = playback.NewSimulatedElement(playback.SimulatedElementArgs{
			Buffered: p.buffered,
		})
	}
	p.element = args.Element

	c, err := core.New(args)
	if err != nil {
		return nil, err
	}
	p.core = c
	return p, nil
}

// trackSinks wraps open so the player knows every sink the engine
// opened. The simulated element reads its buffer state from them.
func (p *Player) trackSinks(open SinkOpener) SinkOpener {
	return func(t MediaType, codec string) (BufferSink, error) {
		s, err := open(t, codec)
		if err != nil {
			return nil, err
		}
		p.sinkMu.Lock()
		p.sinks = append(p.sinks, s)
		p.sinkMu.Unlock()
		return s, nil
	}
}

// buffered is the intersection of every sink's ranges, the interval
// actually playable across media types.
func (p *Player) buffered() TimeRanges {
	p.sinkMu.Lock()
	sinks := append([]BufferSink(nil), p.sinks...)
	p.sinkMu.Unlock()
	if len(sinks) == 0 {
		return nil
	}
	out := sinks[0].Buffered()
	for _, s := range sinks[1:] {
		out = playback.Intersect(out, s.Buffered())
	}
	return out
}

// Run performs the load. It blocks until the content ends, a terminal
// error occurs, or the context is cancelled; cancellation and Stop
// return nil. Run can be called at most once.
func (p *Player) Run(ctx context.Context) error {
	p.runMu.Lock()
	if p.ran {
		p.runMu.Unlock()
		return errors.New("rxplayer: Run was already called")
	}
	p.ran = true
	ctx, cancel := context.WithCancel(ctx)
	p.stop = cancel
	p.runMu.Unlock()
	defer cancel()
	return p.core.Run(ctx)
}

// Stop ends a running load. It is a no-op before Run.
func (p *Player) Stop() {
	p.runMu.Lock()
	stop := p.stop
	p.runMu.Unlock()
	if stop != nil {
		stop()
	}
}

// ID identifies this load in logs and metrics.
func (p *Player) ID() string { return p.core.ID() }

// Events returns the engine's notification stream. It is closed when
// Run returns. A consumer that falls behind loses the oldest events
// first.
func (p *Player) Events() <-chan Event { return p.core.Events() }

// Status assembles a point-in-time snapshot of the load. Safe to call
// at any time, including before Run.
func (p *Player) Status() Status { return p.core.Status() }

// Play starts the element clock when the element supports transport
// controls, which the built-in simulated element does. The engine never
// starts playback on its own.
func (p *Player) Play() {
	if el, ok := p.element.(interface{ Play() }); ok {
		el.Play()
	}
}

// Pause halts the element clock when the element supports it.
func (p *Player) Pause() {
	if el, ok := p.element.(interface{ Pause() }); ok {
		el.Pause()
	}
}

// SeekTo moves the playhead. Streams follow through their observations.
func (p *Player) SeekTo(position float64) { p.core.SeekTo(position) }

// SetPlaybackRate sets the wanted playback speed. During a stall the
// engine holds the rate at zero and restores the wanted speed when the
// stall ends.
func (p *Player) SetPlaybackRate(rate float64) { p.core.SetPlaybackRate(rate) }

// PeriodIDs lists the periods the engine currently knows about.
func (p *Player) PeriodIDs() []string { return p.core.PeriodIDs() }

// AvailableTracks lists what can be selected for one media type in one
// period.
func (p *Player) AvailableTracks(periodID string, t MediaType) []Track {
	return p.core.AvailableTracks(periodID, t)
}

// ChosenTrack describes the current selection for one media type, nil
// when the type is disabled or the period unknown.
func (p *Player) ChosenTrack(periodID string, t MediaType) *Track {
	return p.core.ChosenTrack(periodID, t)
}

// SetTrack selects a track by id for one media type in one period.
func (p *Player) SetTrack(periodID string, t MediaType, trackID string) error {
	return p.core.SetTrack(periodID, t, trackID)
}

// DisableTrack turns a media type off in one period.
func (p *Player) DisableTrack(periodID string, t MediaType) {
	p.core.DisableTrack(periodID, t)
}

// SetTrickModeEnabled switches video selection to trick mode tracks and
// back.
func (p *Player) SetTrickModeEnabled(enabled bool) {
	p.core.SetTrickModeEnabled(enabled)
}

// SetManualBitrate forces the representation choice for one media type.
// A negative value returns to automatic selection.
func (p *Player) SetManualBitrate(t MediaType, bitrate int64) {
	p.core.SetManualBitrate(t, bitrate)
}

// SetBitrateBounds clamps automatic choices for one media type to
// [min, max] bits per second.
func (p *Player) SetBitrateBounds(t MediaType, min, max int64) {
	p.core.SetBitrateBounds(t, min, max)
}

// SetBitrateCeiling filters out representations above bitrate for one
// media type. A negative value removes the filter.
func (p *Player) SetBitrateCeiling(t MediaType, bitrate int64) {
	p.core.SetBitrateCeiling(t, bitrate)
}

// SetWidthCeiling filters out video representations wider than needed
// for the given display width. Zero removes the filter.
func (p *Player) SetWidthCeiling(width int) {
	p.core.SetWidthCeiling(width)
}

// UpdateDecipherability applies a DRM verdict to every representation
// and reloads the streams when any changed. The verdict returns nil
// when a representation's status is unknown.
func (p *Player) UpdateDecipherability(verdict func(*Representation) *bool) {
	p.core.UpdateDecipherability(verdict)
}

// The engine lives under internal/. These aliases are the public names
// of everything that crosses the API.
type (
	Event         = core.Event
	EventKind     = core.EventKind
	Status        = core.Status
	SelectedTrack = core.SelectedTrack

	BufferSink  = core.BufferSink
	PushPayload = core.PushPayload
	SinkOpener  = core.SinkOpener
	MemorySink  = core.MemorySink

	MediaType           = manifest.MediaType
	Transport           = manifest.Transport
	Representation      = manifest.Representation
	CodecSupportChecker = manifest.CodecSupportChecker

	Track = tracks.Track

	MediaElement         = playback.MediaElement
	SimulatedElement     = playback.SimulatedElement
	SimulatedElementArgs = playback.SimulatedElementArgs
	TimeRanges           = playback.TimeRanges
	RebufferingStatus    = playback.RebufferingStatus
	FreezingStatus       = playback.FreezingStatus

	Config  = config.Config
	Logger  = logger.Logger
	Metrics = metrics.Metrics

	Request      = fetchers.Request
	Response     = fetchers.Response
	RequestFunc  = fetchers.RequestFunc
	CustomLoader = segment.CustomLoader

	NetworkError   = errs.NetworkError
	ManifestError  = errs.ManifestError
	IndexError     = errs.IndexError
	IntegrityError = errs.IntegrityError
	MediaError     = errs.MediaError
	DRMError       = errs.DRMError

	NetworkErrorKind  = errs.NetworkErrorKind
	ManifestErrorKind = errs.ManifestErrorKind
	IndexErrorKind    = errs.IndexErrorKind
	MediaErrorKind    = errs.MediaErrorKind
	DRMErrorKind      = errs.DRMErrorKind
)

const (
	NetworkTimeout    = errs.NetworkTimeout
	NetworkAborted    = errs.NetworkAborted
	NetworkHTTPStatus = errs.NetworkHTTPStatus
	NetworkOther      = errs.NetworkOther

	ManifestParse         = errs.ManifestParse
	ManifestUnsupported   = errs.ManifestUnsupported
	ManifestRefreshFailed = errs.ManifestRefreshFailed
)

// ErrCancellation marks work abandoned because its context was
// cancelled. Run reports cancellations as a nil error; the sentinel
// matters to custom request functions and loaders.
var ErrCancellation = errs.ErrCancellation

const (
	MediaTypeVideo = manifest.MediaTypeVideo
	MediaTypeAudio = manifest.MediaTypeAudio
	MediaTypeText  = manifest.MediaTypeText

	TransportDASH   = manifest.TransportDASH
	TransportSmooth = manifest.TransportSmooth
)

const (
	EventLoaded                = core.EventLoaded
	EventStalled               = core.EventStalled
	EventWarning               = core.EventWarning
	EventManifestRefreshed     = core.EventManifestRefreshed
	EventPeriodChanged         = core.EventPeriodChanged
	EventRepresentationChanged = core.EventRepresentationChanged
	EventEndOfStream           = core.EventEndOfStream
	EventReload                = core.EventReload
)

// DefaultConfig returns the engine defaults.
func DefaultConfig() *Config { return config.DefaultConfig() }

// NewLogger returns a JSON slog-backed logger at the given level
// (debug, info, warn, error).
func NewLogger(level string) Logger { return logger.NewLogger(level) }

// NopLogger returns a logger that discards everything. It is the
// default when no logger is configured.
func NopLogger() Logger { return logger.Nop() }

// NewMetrics returns engine metrics on their own Prometheus registry.
func NewMetrics() *Metrics { return metrics.New() }

// NewMemorySink returns a sink that only accounts for what it receives,
// for headless runs.
func NewMemorySink() *MemorySink { return core.NewMemorySink() }

// NewSimulatedElement returns a media element driven by a wall clock
// instead of a decoder. It is the default element, wired to the sinks;
// construct one directly to control the clock or the buffer view.
func NewSimulatedElement(args SimulatedElementArgs) *SimulatedElement {
	return playback.NewSimulatedElement(args)
}

// IsRetryable reports whether a failed fetch is worth retrying.
func IsRetryable(err error) bool { return errs.IsRetryable(err) }

// IsCancellation reports whether err stems from a cancelled context.
func IsCancellation(err error) bool { return errs.IsCancellation(err) }
