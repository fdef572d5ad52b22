package playback

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/lfaureyt/rx-player/internal/config"
	"github.com/lfaureyt/rx-player/internal/logger"
)

// Mode selects the sampling cadence and which stall heuristics apply.
type Mode int

const (
	// ModeMediaSource observes an element fed through a media-source
	// pipeline, where buffer levels are authoritative.
	ModeMediaSource Mode = iota
	// ModeLowLatency is ModeMediaSource with tighter gaps and a faster
	// sampling clock.
	ModeLowLatency
	// ModeDirectFile observes an element playing a URL natively, where
	// buffer ranges are unreliable and stalls show as a stuck position.
	ModeDirectFile
)

// subscriberBuffer bounds how far a slow subscriber can lag before old
// observations are coalesced away under it.
const subscriberBuffer = 8

// ObserverArgs configures an Observer.
type ObserverArgs struct {
	Element MediaElement
	Mode    Mode
	Config  *config.Config
	Logger  logger.Logger

	// Now is the sampling clock, injectable in tests. Defaults to
	// time.Now.
	Now func() time.Time
}

// Observer samples a MediaElement on a timer and on its events, derives
// the rebuffering and freezing states, and broadcasts Observations to its
// subscribers. The latest observation is replayed to new subscribers so
// everyone wired during the same startup step sees the same first sample.
type Observer struct {
	el   MediaElement
	mode Mode
	cfg  *config.Config
	log  logger.Logger
	now  func() time.Time

	mu            sync.Mutex
	subs          map[chan Observation]struct{}
	last          *Observation
	lastTimer     *Observation
	seq           uint64
	internalSeeks int
	rebuffering   *RebufferingStatus
	freezing      *FreezingStatus
}

func NewObserver(args ObserverArgs) *Observer {
	now := args.Now
	if now == nil {
		now = time.Now
	}
	log := args.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Observer{
		el:   args.Element,
		mode: args.Mode,
		cfg:  args.Config,
		log:  log,
		now:  now,
		subs: make(map[chan Observation]struct{}),
	}
}

func (o *Observer) samplingInterval() time.Duration {
	switch o.mode {
	case ModeLowLatency:
		return o.cfg.SamplingIntervalLowLatency
	case ModeDirectFile:
		return o.cfg.SamplingIntervalNoMediaSource
	default:
		return o.cfg.SamplingIntervalMediaSource
	}
}

// Run samples until the context ends or the element closes its event
// channel. The initial sample is taken before the first tick so early
// subscribers have something to replay.
func (o *Observer) Run(ctx context.Context) error {
	o.Poll(EventInit)
	ticker := time.NewTicker(o.samplingInterval())
	defer ticker.Stop()
	events := o.el.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.Poll(EventTimer)
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			o.Poll(observationEventFor(ev))
		}
	}
}

func observationEventFor(ev ElementEvent) ObservationEvent {
	switch ev {
	case ElementEventCanPlay:
		return EventCanPlay
	case ElementEventPlay:
		return EventPlay
	case ElementEventPause:
		return EventPause
	case ElementEventSeeking:
		return EventSeeking
	case ElementEventSeeked:
		return EventSeeked
	case ElementEventLoadedMetadata:
		return EventLoadedMetadata
	case ElementEventRateChange:
		return EventRateChange
	case ElementEventTimeUpdate:
		return EventTimeUpdate
	case ElementEventEnded:
		return EventEnded
	default:
		return EventManual
	}
}

// Poll takes one sample immediately and broadcasts it.
func (o *Observer) Poll(event ObservationEvent) Observation {
	o.mu.Lock()
	obs := o.sampleLocked(event)
	subs := make([]chan Observation, 0, len(o.subs))
	for ch := range o.subs {
		subs = append(subs, ch)
	}
	o.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- obs:
		default:
			// Slow subscriber: supersede its oldest pending sample.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- obs:
			default:
			}
		}
	}
	return obs
}

func (o *Observer) sampleLocked(event ObservationEvent) Observation {
	pos := o.el.CurrentTime()
	buffered := o.el.Buffered()
	obs := Observation{
		Event:        event,
		Position:     pos,
		Duration:     o.el.Duration(),
		BufferGap:    math.Inf(1),
		Buffered:     buffered,
		Paused:       o.el.Paused(),
		Ended:        o.el.Ended(),
		Seeking:      o.el.Seeking(),
		ReadyState:   o.el.ReadyState(),
		PlaybackRate: o.el.PlaybackRate(),
		Seq:          o.seq,
		SampledAt:    o.now(),
	}
	o.seq++
	if r, ok := buffered.RangeFor(pos); ok {
		obs.CurrentRange = &r
		obs.BufferGap = r.End - pos
	}

	if event == EventSeeking && o.internalSeeks > 0 {
		o.internalSeeks--
		obs.Event = EventInternalSeeking
	}

	o.updateFreezingLocked(&obs)
	o.updateRebufferingLocked(&obs)
	if o.rebuffering != nil {
		st := *o.rebuffering
		obs.Rebuffering = &st
	}
	if o.freezing != nil {
		st := *o.freezing
		obs.Freezing = &st
	}

	o.last = &obs
	if obs.Event == EventTimer || obs.Event == EventTimeUpdate {
		o.lastTimer = &obs
	}
	return obs
}

// updateFreezingLocked runs the freezing state machine against the
// previous sample. Once set, freezing survives everything except a
// position change, a pause, an end, a zero rate, or a dead element.
func (o *Observer) updateFreezingLocked(obs *Observation) {
	if o.freezing != nil {
		if obs.Position != o.freezing.Position || obs.Paused || obs.Ended ||
			obs.ReadyState == HaveNothing || obs.PlaybackRate == 0 {
			o.freezing = nil
		}
		return
	}
	prev := o.last
	if prev == nil {
		return
	}
	if obs.Position == prev.Position &&
		!math.IsInf(obs.BufferGap, 1) &&
		obs.BufferGap > o.cfg.MinimumBufferBeforeFreezing &&
		!obs.Paused && !obs.Ended &&
		obs.ReadyState >= HaveMetadata && obs.PlaybackRate != 0 {
		o.freezing = &FreezingStatus{Since: obs.SampledAt, Position: obs.Position}
		o.log.Debugf("playback frozen at %.3fs with %.2fs buffered", obs.Position, obs.BufferGap)
	}
}

func (o *Observer) updateRebufferingLocked(obs *Observation) {
	if o.mode == ModeDirectFile {
		o.updateStagnationLocked(obs)
		return
	}
	lowLatency := o.mode == ModeLowLatency

	if o.rebuffering == nil {
		if obs.ReadyState < HaveMetadata || obs.FullyLoaded() {
			return
		}
		if obs.BufferGap <= o.cfg.RebufferingGap.For(lowLatency) || math.IsInf(obs.BufferGap, 1) {
			o.rebuffering = &RebufferingStatus{
				Reason:   rebufferingReasonFor(obs),
				Since:    obs.SampledAt,
				Position: obs.Position,
			}
			o.log.Infof("rebuffering started at %.3fs (%s)", obs.Position, o.rebuffering.Reason)
		}
		return
	}

	// A seek while already rebuffering restarts the episode there, under
	// the seek's resume threshold.
	switch obs.Event {
	case EventSeeking:
		o.rebuffering.Reason = RebufferingReasonSeeking
		o.rebuffering.Position = obs.Position
	case EventInternalSeeking:
		o.rebuffering.Reason = RebufferingReasonInternalSeek
		o.rebuffering.Position = obs.Position
	}

	resume := o.resumeGap(o.rebuffering.Reason, lowLatency)
	if obs.Ended || obs.FullyLoaded() ||
		(!math.IsInf(obs.BufferGap, 1) && obs.BufferGap >= resume) {
		o.log.Infof("rebuffering ended at %.3fs after %v", obs.Position, obs.SampledAt.Sub(o.rebuffering.Since))
		o.rebuffering = nil
	}
}

// updateStagnationLocked detects stalls for direct-file playback, where
// buffered ranges cannot be trusted: a position frozen across two
// consecutive flow samples while the element claims to play is a stall.
func (o *Observer) updateStagnationLocked(obs *Observation) {
	if obs.Paused || obs.Ended || obs.ReadyState < HaveMetadata || obs.PlaybackRate == 0 {
		o.rebuffering = nil
		return
	}
	if o.rebuffering != nil {
		if obs.Position != o.rebuffering.Position {
			o.log.Infof("rebuffering ended at %.3fs after %v", obs.Position, obs.SampledAt.Sub(o.rebuffering.Since))
			o.rebuffering = nil
		}
		return
	}
	if obs.Event != EventTimer && obs.Event != EventTimeUpdate {
		return
	}
	prev := o.lastTimer
	if prev == nil || obs.Position != prev.Position {
		return
	}
	reason := RebufferingReasonBuffering
	if obs.Seeking {
		reason = RebufferingReasonSeeking
	}
	o.rebuffering = &RebufferingStatus{Reason: reason, Since: obs.SampledAt, Position: obs.Position}
	o.log.Infof("rebuffering started at %.3fs (%s)", obs.Position, reason)
}

func rebufferingReasonFor(obs *Observation) RebufferingReason {
	switch {
	case obs.Event == EventInternalSeeking:
		return RebufferingReasonInternalSeek
	case obs.Event == EventSeeking || obs.Seeking:
		return RebufferingReasonSeeking
	case obs.ReadyState == HaveMetadata:
		return RebufferingReasonNotReady
	default:
		return RebufferingReasonBuffering
	}
}

func (o *Observer) resumeGap(reason RebufferingReason, lowLatency bool) float64 {
	switch reason {
	case RebufferingReasonSeeking, RebufferingReasonInternalSeek:
		return o.cfg.ResumeGapAfterSeeking.For(lowLatency)
	case RebufferingReasonNotReady:
		return o.cfg.ResumeGapAfterNotEnoughData.For(lowLatency)
	default:
		return o.cfg.ResumeGapAfterBuffering.For(lowLatency)
	}
}

// Subscribe registers a new observation consumer. The latest sample, if
// any, is already queued on the returned channel. The returned function
// unsubscribes and closes the channel.
func (o *Observer) Subscribe() (<-chan Observation, func()) {
	ch := make(chan Observation, subscriberBuffer)
	o.mu.Lock()
	if o.last != nil {
		ch <- *o.last
	}
	o.subs[ch] = struct{}{}
	o.mu.Unlock()
	return ch, func() {
		o.mu.Lock()
		if _, ok := o.subs[ch]; ok {
			delete(o.subs, ch)
			close(ch)
		}
		o.mu.Unlock()
	}
}

// LastObservation returns the most recent sample.
func (o *Observer) LastObservation() (Observation, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return Observation{}, false
	}
	return *o.last, true
}

// SeekTo moves the playhead on the engine's own behalf. The next seeking
// event is relabeled internal-seeking so it is not mistaken for a user
// action.
func (o *Observer) SeekTo(position float64) {
	o.mu.Lock()
	o.internalSeeks++
	o.mu.Unlock()
	o.el.SetCurrentTime(position)
}
