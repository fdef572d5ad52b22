package core

import (
	"context"
	"math"
	"time"

	"github.com/lfaureyt/rx-player/internal/errs"
	"github.com/lfaureyt/rx-player/internal/manifest"
	"github.com/lfaureyt/rx-player/internal/playback"
)

const (
	// freezingNudgeDelay is how long a freeze may last before the engine
	// tries to unstick the playhead with a micro seek.
	freezingNudgeDelay = 600 * time.Millisecond
	// freezingNudge is the size of that seek.
	freezingNudge = 0.001
)

// runStallAvoider watches the observation stream and intervenes on stalls:
// the playback rate is zeroed while rebuffering so the position stops
// drifting, index-declared gaps are jumped with an internal seek, and a
// playhead frozen despite available buffer gets nudged loose.
func (c *Core) runStallAvoider(ctx context.Context) error {
	obsCh, stop := c.observer.Subscribe()
	defer stop()

	var (
		loaded   bool
		stalled  bool
		nudgedAt = math.NaN()
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case obs, ok := <-obsCh:
			if !ok {
				return nil
			}
			c.noteObservation(obs)

			if !loaded && obs.ReadyState >= playback.HaveCurrentData {
				loaded = true
				c.log.Infof("load %s: enough data to start playing", c.id)
				c.emit(Event{Kind: EventLoaded})
			}

			switch {
			case obs.Rebuffering != nil && !stalled:
				stalled = true
				c.met.IncRebufferingEvents()
				status := *obs.Rebuffering
				c.emit(Event{Kind: EventStalled, Rebuffering: &status})
				c.freezeRate()
			case obs.Rebuffering == nil && stalled:
				stalled = false
				c.emit(Event{Kind: EventStalled})
				c.unfreezeRate()
			}

			if obs.Rebuffering != nil {
				c.maybeSkipGap(obs)
			}

			if obs.Freezing == nil {
				nudgedAt = math.NaN()
			} else if obs.Freezing.Position != nudgedAt &&
				obs.SampledAt.Sub(obs.Freezing.Since) >= freezingNudgeDelay {
				nudgedAt = obs.Freezing.Position
				c.log.Warnf("load %s: playback frozen at %.3fs, nudging", c.id, obs.Position)
				c.observer.SeekTo(obs.Position + freezingNudge)
			}
		}
	}
}

// noteObservation keeps the status snapshot and gauges current.
func (c *Core) noteObservation(obs playback.Observation) {
	c.statusMu.Lock()
	c.position = obs.Position
	c.statusMu.Unlock()
	gap := obs.BufferGap
	if math.IsInf(gap, 1) {
		gap = 0
	}
	c.met.SetBufferGap(gap)
}

// maybeSkipGap seeks over an index-declared discontinuity the playhead
// fell into. The observer labels the seek internal, so it is not blamed
// on the user.
func (c *Core) maybeSkipGap(obs playback.Observation) {
	target := obs.Position
	c.treeMu.RLock()
	if period := c.manifest.PeriodForTime(obs.Position); period != nil {
		for _, t := range []manifest.MediaType{manifest.MediaTypeVideo, manifest.MediaTypeAudio} {
			ad := c.tracks.ChosenAdaptation(period.ID, t)
			if ad == nil {
				continue
			}
			reps := ad.PlayableRepresentations()
			if len(reps) == 0 {
				continue
			}
			if end, ok := reps[0].Index.CheckDiscontinuity(obs.Position); ok && end > target {
				target = end
			}
		}
	}
	c.treeMu.RUnlock()
	if target <= obs.Position {
		return
	}
	c.log.Infof("load %s: skipping discontinuity %.3fs -> %.3fs", c.id, obs.Position, target)
	c.emitWarning(&errs.IndexError{Kind: errs.IndexDiscontinuityEncountered})
	c.observer.SeekTo(target)
}

// freezeRate stops the playback clock during a stall. The wanted rate is
// restored once rebuffering ends.
func (c *Core) freezeRate() {
	c.rateMu.Lock()
	c.rateFrozen = true
	c.rateMu.Unlock()
	c.element.SetPlaybackRate(0)
}

func (c *Core) unfreezeRate() {
	c.rateMu.Lock()
	c.rateFrozen = false
	rate := c.wantedRate
	c.rateMu.Unlock()
	c.element.SetPlaybackRate(rate)
}
