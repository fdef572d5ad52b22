// Package core wires the engine together. A Core loads a manifest, keeps
// it fresh, runs one stream per media type pushing segments into buffer
// sinks, watches playback health, and reports everything on a single
// event channel.
//
// A Core performs exactly one load. Cancel the context given to Run to
// stop it; create a new Core for the next content.
package core

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lfaureyt/rx-player/internal/abr"
	"github.com/lfaureyt/rx-player/internal/config"
	"github.com/lfaureyt/rx-player/internal/fetchers"
	"github.com/lfaureyt/rx-player/internal/fetchers/segment"
	"github.com/lfaureyt/rx-player/internal/logger"
	"github.com/lfaureyt/rx-player/internal/manifest"
	"github.com/lfaureyt/rx-player/internal/metrics"
	"github.com/lfaureyt/rx-player/internal/playback"
	"github.com/lfaureyt/rx-player/internal/tracks"
)

// eventBuffer bounds the event channel. Overflow drops the oldest event,
// so a slow consumer sees the newest state when it catches up and the
// engine never blocks on it.
const eventBuffer = 32

// Args configures a Core.
type Args struct {
	// URL locates the manifest.
	URL string
	// Transport selects the manifest format. Defaults to DASH.
	Transport manifest.Transport

	// Element is the playback clock the engine observes and steers.
	Element playback.MediaElement
	// OpenSink opens the buffer sink of each media type on first use.
	OpenSink SinkOpener

	Config  *config.Config
	Logger  logger.Logger
	Metrics *metrics.Metrics

	// Request performs every HTTP fetch. Defaults to the net/http request
	// function with the configured user agent.
	Request fetchers.RequestFunc

	// CustomLoader, when set, gets first refusal on segment requests.
	CustomLoader segment.CustomLoader

	// LowLatency tightens gap tolerances and backoff and enables chunked
	// segment delivery.
	LowLatency bool

	// StartAt overrides the initial position. By default playback starts
	// at the minimum position for static content and at the suggested live
	// position for dynamic content.
	StartAt *float64

	// CodecSupport reports which codecs the embedding pipeline decodes.
	// nil accepts everything.
	CodecSupport manifest.CodecSupportChecker
}

// Core is one content load.
type Core struct {
	id        string
	cfg       *config.Config
	log       logger.Logger
	met       *metrics.Metrics
	rf        fetchers.RequestFunc
	url       string
	transport manifest.Transport

	lowLatency   bool
	startAt      *float64
	customLoader segment.CustomLoader

	element  playback.MediaElement
	openSink SinkOpener
	observer *playback.Observer

	loader    *manifestLoader
	tracks    *tracks.Manager
	initCache *segment.InitCache

	// treeMu guards the manifest tree. Streams query indexes under RLock;
	// refreshes and index feeds take the write lock.
	treeMu   sync.RWMutex
	manifest *manifest.Manifest

	// manifestGen counts absorbed refreshes so streams notice ladder
	// changes without subscribing themselves.
	manifestGen atomic.Int64

	events chan Event

	refreshMu   sync.Mutex
	refreshFull bool
	refreshCh   chan struct{}

	reloadCh chan struct{}

	sinkMu      sync.Mutex
	sinks       map[manifest.MediaType]BufferSink
	segFetchers map[manifest.MediaType]*segment.Fetcher

	abrMu      sync.Mutex
	prefs      map[manifest.MediaType]*abrPrefs
	estimators map[manifest.MediaType]*abr.Estimator

	rateMu     sync.Mutex
	wantedRate float64
	rateFrozen bool

	statusMu      sync.Mutex
	position      float64
	currentPeriod string
	selected      map[manifest.MediaType]SelectedTrack
	endOfStream   bool

	activeMu   sync.Mutex
	activeKeys map[string]struct{}
}

// New builds a Core. It performs no I/O; the load starts with Run.
func New(args Args) (*Core, error) {
	if args.URL == "" {
		return nil, errors.New("core: a manifest URL is required")
	}
	if args.Element == nil {
		return nil, errors.New("core: a media element is required")
	}
	if args.OpenSink == nil {
		return nil, errors.New("core: a sink opener is required")
	}
	cfg := args.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	log := args.Logger
	if log == nil {
		log = logger.Nop()
	}
	met := args.Metrics
	if met == nil {
		met = metrics.New()
	}
	rf := args.Request
	if rf == nil {
		rf = fetchers.NewRequestFunc(cfg.UserAgent, log)
	}
	transport := args.Transport
	if transport == "" {
		transport = manifest.TransportDASH
	}

	c := &Core{
		id:           uuid.NewString(),
		cfg:          cfg,
		log:          log,
		met:          met,
		rf:           rf,
		url:          args.URL,
		transport:    transport,
		lowLatency:   args.LowLatency,
		startAt:      args.StartAt,
		customLoader: args.CustomLoader,
		element:      args.Element,
		openSink:     args.OpenSink,
		tracks:       tracks.NewManager(log),
		events:       make(chan Event, eventBuffer),
		refreshCh:    make(chan struct{}, 1),
		reloadCh:     make(chan struct{}, 1),
		sinks:        make(map[manifest.MediaType]BufferSink),
		segFetchers:  make(map[manifest.MediaType]*segment.Fetcher),
		prefs:        make(map[manifest.MediaType]*abrPrefs),
		estimators:   make(map[manifest.MediaType]*abr.Estimator),
		wantedRate:   1,
		selected:     make(map[manifest.MediaType]SelectedTrack),
		activeKeys:   make(map[string]struct{}),
	}
	c.loader = &manifestLoader{
		rf:        rf,
		cfg:       cfg,
		log:       log,
		transport: transport,
		codecs:    args.CodecSupport,
		onWarning: c.emitWarning,
	}
	c.observer = playback.NewObserver(playback.ObserverArgs{
		Element: args.Element,
		Mode:    observerMode(args.LowLatency),
		Config:  cfg,
		Logger:  log,
	})
	c.initCache = segment.NewInitCache(log, c.activeInitKeys)
	return c, nil
}

func observerMode(lowLatency bool) playback.Mode {
	if lowLatency {
		return playback.ModeLowLatency
	}
	return playback.ModeMediaSource
}

// ID returns the identifier of this load, present in every log line it
// produces.
func (c *Core) ID() string {
	return c.id
}

// Run performs the load and blocks until the given context is cancelled
// or a pipeline fails terminally. Reaching the end of the presentation
// does not return: the engine keeps observing playback so the consumer
// can still seek within what was buffered. The event channel is closed
// when Run returns.
func (c *Core) Run(ctx context.Context) error {
	defer close(c.events)

	c.log.Infof("load %s: fetching %s manifest from %s", c.id, c.transport, c.url)
	m, err := c.loader.load(ctx, []string{c.url})
	if err != nil {
		return err
	}
	c.treeMu.Lock()
	c.manifest = m
	c.tracks.UpdatePeriodList(m.Periods())
	c.updateElementDuration()
	c.treeMu.Unlock()
	c.log.Infof("load %s: manifest has %d periods, dynamic=%v", c.id, len(m.Periods()), m.IsDynamic)

	unsubscribe := m.OnUpdate(c.onManifestUpdated)
	defer unsubscribe()
	stopTracks := c.tracks.OnChange(c.onTrackChange)
	defer stopTracks()

	c.initCache.Start()
	defer c.initCache.Stop()

	c.seekToStartPosition()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.observer.Run(gctx) })
	g.Go(func() error { return c.runRefreshLoop(gctx) })
	g.Go(func() error { return c.runStallAvoider(gctx) })
	g.Go(func() error { return c.runStreams(gctx) })
	return g.Wait()
}

// seekToStartPosition places the playhead before the streams start: at
// StartAt when given, else at the live edge for dynamic content or the
// minimum position for static content.
func (c *Core) seekToStartPosition() {
	c.treeMu.RLock()
	m := c.manifest
	pos := m.MinimumPosition()
	if m.IsLive {
		if live, ok := m.LivePosition(); ok && live > pos {
			pos = live
		}
	}
	if c.startAt != nil {
		pos = clamp(*c.startAt, m.MinimumPosition(), m.MaximumPosition())
	}
	c.treeMu.RUnlock()
	c.log.Infof("load %s: starting playback at %.3fs", c.id, pos)
	c.observer.SeekTo(pos)
}

// onManifestUpdated runs after a refreshed manifest was absorbed, while
// the caller still holds the tree write lock.
func (c *Core) onManifestUpdated() {
	c.tracks.UpdatePeriodList(c.manifest.Periods())
	c.updateElementDuration()
	c.manifestGen.Add(1)
	c.met.IncManifestRefreshes()
	c.emit(Event{Kind: EventManifestRefreshed})
}

// updateElementDuration forwards the presentation length to elements that
// let the engine set it, like the simulated element of the probe binary.
// The caller holds the tree lock.
func (c *Core) updateElementDuration() {
	el, ok := c.element.(interface{ SetDuration(float64) })
	if !ok {
		return
	}
	if max := c.manifest.MaximumPosition(); max > 0 && !math.IsInf(max, 1) {
		el.SetDuration(max)
	}
}

// onTrackChange reloads the streams when the playing period's audio,
// video or text selection changed. Changes in other periods take effect
// when their streams are built.
func (c *Core) onTrackChange(change tracks.Change) {
	c.statusMu.Lock()
	current := c.currentPeriod
	pos := c.position
	c.statusMu.Unlock()
	if change.PeriodID != current {
		return
	}
	c.log.Infof("load %s: %s track changed in period %s (%s), reloading streams",
		c.id, change.Type, change.PeriodID, change.Reason)
	c.emit(Event{Kind: EventReload, PeriodID: change.PeriodID, MediaType: change.Type, Position: pos})
	c.requestReload()
}

// emit delivers an event without ever blocking the engine: when the
// consumer lags, the oldest buffered event is dropped to make room.
func (c *Core) emit(ev Event) {
	select {
	case c.events <- ev:
		return
	default:
	}
	select {
	case <-c.events:
	default:
	}
	select {
	case c.events <- ev:
	default:
	}
}

func (c *Core) emitWarning(err error) {
	if err == nil {
		return
	}
	c.emit(Event{Kind: EventWarning, Err: err})
}

// requestRefresh schedules a manifest refresh. full asks for the next
// refresh to replace the segment indexes wholesale instead of merging.
func (c *Core) requestRefresh(full bool) {
	c.refreshMu.Lock()
	c.refreshFull = c.refreshFull || full
	c.refreshMu.Unlock()
	select {
	case c.refreshCh <- struct{}{}:
	default:
	}
}

// requestReload asks the stream coordinator to rebuild the streams at the
// current position.
func (c *Core) requestReload() {
	select {
	case c.reloadCh <- struct{}{}:
	default:
	}
}

// activeInitKeys lists the cache keys of every representation the running
// streams could still switch to. The init cache evicts the rest.
func (c *Core) activeInitKeys() map[string]struct{} {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	out := make(map[string]struct{}, len(c.activeKeys))
	for k := range c.activeKeys {
		out[k] = struct{}{}
	}
	return out
}

func (c *Core) setActiveKeys(keys map[string]struct{}) {
	c.activeMu.Lock()
	c.activeKeys = keys
	c.activeMu.Unlock()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if hi > lo && v > hi {
		return hi
	}
	return v
}
