package core

import (
	"math"

	"github.com/lfaureyt/rx-player/internal/abr"
	"github.com/lfaureyt/rx-player/internal/manifest"
	"github.com/lfaureyt/rx-player/internal/playback"
	"github.com/lfaureyt/rx-player/internal/tracks"
)

// Events returns the engine's notification stream. It is closed when Run
// returns. A consumer that falls behind loses the oldest events first.
func (c *Core) Events() <-chan Event {
	return c.events
}

// SetPlaybackRate sets the wanted playback speed. It is applied to the
// element immediately unless a stall temporarily forced the rate to zero,
// in which case it is restored when the stall ends.
func (c *Core) SetPlaybackRate(rate float64) {
	c.rateMu.Lock()
	c.wantedRate = rate
	frozen := c.rateFrozen
	c.rateMu.Unlock()
	if !frozen {
		c.element.SetPlaybackRate(rate)
	}
}

// SeekTo moves the playhead. Streams follow through their observations.
func (c *Core) SeekTo(position float64) {
	c.element.SetCurrentTime(position)
}

// SetTrack selects a track by id for one media type in one period.
func (c *Core) SetTrack(periodID string, t manifest.MediaType, trackID string) error {
	c.treeMu.RLock()
	defer c.treeMu.RUnlock()
	return c.tracks.SetTrackByID(periodID, t, trackID)
}

// DisableTrack turns a media type off in one period.
func (c *Core) DisableTrack(periodID string, t manifest.MediaType) {
	c.treeMu.RLock()
	defer c.treeMu.RUnlock()
	c.tracks.DisableTrack(periodID, t)
}

// ChosenTrack describes the current selection for one media type, nil
// when the type is disabled or the period unknown.
func (c *Core) ChosenTrack(periodID string, t manifest.MediaType) *tracks.Track {
	c.treeMu.RLock()
	defer c.treeMu.RUnlock()
	return c.tracks.ChosenTrack(periodID, t)
}

// AvailableTracks lists what can be selected for one media type in one
// period.
func (c *Core) AvailableTracks(periodID string, t manifest.MediaType) []tracks.Track {
	c.treeMu.RLock()
	defer c.treeMu.RUnlock()
	return c.tracks.AvailableTracks(periodID, t)
}

// PeriodIDs lists the periods the engine currently knows about.
func (c *Core) PeriodIDs() []string {
	c.treeMu.RLock()
	defer c.treeMu.RUnlock()
	return c.tracks.Periods()
}

// SetTrickModeEnabled switches video selection to trick mode tracks and
// back.
func (c *Core) SetTrickModeEnabled(enabled bool) {
	c.treeMu.RLock()
	defer c.treeMu.RUnlock()
	c.tracks.SetTrickModeEnabled(enabled)
}

// UpdateDecipherability applies a DRM verdict to every representation and
// reloads the streams when any changed, so undecipherable qualities stop
// being chosen.
func (c *Core) UpdateDecipherability(verdict func(*manifest.Representation) *bool) {
	c.treeMu.Lock()
	var changed []*manifest.Representation
	if c.manifest != nil {
		changed = c.manifest.UpdateDecipherability(verdict)
	}
	c.treeMu.Unlock()
	if len(changed) == 0 {
		return
	}
	c.log.Infof("load %s: decipherability changed for %d representations, reloading",
		c.id, len(changed))
	c.manifestGen.Add(1)
	c.requestReload()
}

// abrPrefs stores the per-type adaptive settings so they survive stream
// rebuilds.
type abrPrefs struct {
	manual  int64
	min     int64
	max     int64
	ceiling int64
	width   int
}

func defaultABRPrefs() *abrPrefs {
	return &abrPrefs{manual: -1, min: 0, max: math.MaxInt64, ceiling: -1}
}

// prefsFor returns the stored preferences of one media type. The caller
// holds abrMu.
func (c *Core) prefsFor(t manifest.MediaType) *abrPrefs {
	p, ok := c.prefs[t]
	if !ok {
		p = defaultABRPrefs()
		c.prefs[t] = p
	}
	return p
}

// newEstimator builds the estimator of one stream and applies the stored
// preferences, so settings given before or between periods stick.
func (c *Core) newEstimator(t manifest.MediaType, reps []*manifest.Representation) *abr.Estimator {
	est := abr.NewEstimator(c.cfg, reps, c.log)
	c.abrMu.Lock()
	p := c.prefsFor(t)
	est.SetManualBitrate(p.manual)
	est.SetBounds(p.min, p.max)
	est.SetBitrateCeiling(p.ceiling)
	est.SetWidthCeiling(p.width)
	c.estimators[t] = est
	c.abrMu.Unlock()
	return est
}

// SetManualBitrate forces the representation choice for one media type.
// A negative value returns to automatic selection.
func (c *Core) SetManualBitrate(t manifest.MediaType, bitrate int64) {
	c.abrMu.Lock()
	c.prefsFor(t).manual = bitrate
	est := c.estimators[t]
	c.abrMu.Unlock()
	if est != nil {
		est.SetManualBitrate(bitrate)
	}
}

// SetBitrateBounds clamps automatic choices for one media type to
// [min, max] bits per second.
func (c *Core) SetBitrateBounds(t manifest.MediaType, min, max int64) {
	c.abrMu.Lock()
	p := c.prefsFor(t)
	p.min, p.max = min, max
	est := c.estimators[t]
	c.abrMu.Unlock()
	if est != nil {
		est.SetBounds(min, max)
	}
}

// SetBitrateCeiling filters out representations above bitrate for one
// media type. A negative value removes the filter.
func (c *Core) SetBitrateCeiling(t manifest.MediaType, bitrate int64) {
	c.abrMu.Lock()
	c.prefsFor(t).ceiling = bitrate
	est := c.estimators[t]
	c.abrMu.Unlock()
	if est != nil {
		est.SetBitrateCeiling(bitrate)
	}
}

// SetWidthCeiling filters out video representations wider than needed for
// the given display width. Zero removes the filter.
func (c *Core) SetWidthCeiling(width int) {
	c.abrMu.Lock()
	c.prefsFor(manifest.MediaTypeVideo).width = width
	est := c.estimators[manifest.MediaTypeVideo]
	c.abrMu.Unlock()
	if est != nil {
		est.SetWidthCeiling(width)
	}
}

func (c *Core) setSelected(t manifest.MediaType, adaptationID, repID string, bitrate int64) {
	c.statusMu.Lock()
	c.selected[t] = SelectedTrack{AdaptationID: adaptationID, RepresentationID: repID, Bitrate: bitrate}
	c.statusMu.Unlock()
}

// SelectedTrack describes what one media type currently plays.
type SelectedTrack struct {
	AdaptationID     string
	RepresentationID string
	Bitrate          int64
}

// Status is a point-in-time snapshot of the load, for diagnostics.
type Status struct {
	LoadID    string             `json:"loadId"`
	Transport manifest.Transport `json:"transport"`
	IsLive    bool               `json:"isLive"`

	Position  float64 `json:"position"`
	BufferGap float64 `json:"bufferGap"`
	Rate      float64 `json:"rate"`

	Rebuffering *playback.RebufferingStatus `json:"rebuffering,omitempty"`
	Freezing    *playback.FreezingStatus    `json:"freezing,omitempty"`

	MinimumPosition float64 `json:"minimumPosition"`
	MaximumPosition float64 `json:"maximumPosition"`

	CurrentPeriod string                                `json:"currentPeriod"`
	Selected      map[manifest.MediaType]SelectedTrack `json:"selected"`

	BandwidthEstimate float64 `json:"bandwidthEstimate"`
	EndOfStream       bool    `json:"endOfStream"`
}

// Status assembles the current snapshot. Safe to call at any time,
// including before Run.
func (c *Core) Status() Status {
	st := Status{LoadID: c.id, Transport: c.transport}

	c.treeMu.RLock()
	if c.manifest != nil {
		st.IsLive = c.manifest.IsLive
		st.MinimumPosition = c.manifest.MinimumPosition()
		st.MaximumPosition = c.manifest.MaximumPosition()
	}
	c.treeMu.RUnlock()

	if obs, ok := c.observer.LastObservation(); ok {
		st.Position = obs.Position
		st.Rate = obs.PlaybackRate
		st.Rebuffering = obs.Rebuffering
		st.Freezing = obs.Freezing
		if !math.IsInf(obs.BufferGap, 1) {
			st.BufferGap = obs.BufferGap
		}
	}

	c.statusMu.Lock()
	st.CurrentPeriod = c.currentPeriod
	st.EndOfStream = c.endOfStream
	st.Selected = make(map[manifest.MediaType]SelectedTrack, len(c.selected))
	for t, sel := range c.selected {
		st.Selected[t] = sel
	}
	c.statusMu.Unlock()

	c.abrMu.Lock()
	for _, est := range c.estimators {
		if bw, ok := est.LastBandwidth(); ok && bw > st.BandwidthEstimate {
			st.BandwidthEstimate = bw
		}
	}
	c.abrMu.Unlock()
	if st.BandwidthEstimate > 0 {
		c.met.SetBandwidthEstimate(st.BandwidthEstimate)
	}
	return st
}
