// Package tracks keeps the user's track choices for every Period and
// reconciles them against manifest refreshes: a wanted track that
// disappears falls back to the first supported one, with a notification,
// instead of silently playing nothing.
package tracks

import (
	"fmt"
	"sort"
	"sync"

	"github.com/lfaureyt/rx-player/internal/logger"
	"github.com/lfaureyt/rx-player/internal/manifest"
)

// Track is the outward description of one selectable Adaptation.
type Track struct {
	ID                 string
	PeriodID           string
	Type               manifest.MediaType
	Language           string
	NormalizedLanguage string
	IsAudioDescription bool
	IsClosedCaption    bool
	IsDub              bool
	IsSignInterpreted  bool
	IsTrickModeTrack   bool
	// Active marks the track currently chosen for its type.
	Active bool
	// Representations lists the track's qualities in ascending bitrate.
	Representations []*manifest.Representation
}

// ChangeReason tells why a chosen track changed.
type ChangeReason string

const (
	// ReasonSet is a direct selection through the track APIs.
	ReasonSet ChangeReason = "set"
	// ReasonDisabled means the type was turned off for the period.
	ReasonDisabled ChangeReason = "disabled"
	// ReasonFallback means a refresh removed the wanted track and the
	// manager substituted the first supported one.
	ReasonFallback ChangeReason = "fallback"
	// ReasonTrickMode means the trick-mode toggle re-derived the video
	// track from the wanted base.
	ReasonTrickMode ChangeReason = "trick-mode"
)

// Change describes one chosen-track transition.
type Change struct {
	PeriodID string
	Type     manifest.MediaType
	// Adaptation is the newly effective track, nil when the type is now
	// disabled or nothing supported remains.
	Adaptation *manifest.Adaptation
	// Previous is the adaptation id that was chosen before, when any.
	Previous string
	Reason   ChangeReason
}

type wantedMode int

const (
	// wantedDefault derives the choice from the manifest: first supported
	// adaptation of the type.
	wantedDefault wantedMode = iota
	wantedSet
	wantedDisabled
)

// wantedTrack is the per-type preference of one period.
type wantedTrack struct {
	mode         wantedMode
	adaptationID string
	// baseID keeps the normal video adaptation while a trick-mode
	// companion is effectively selected, so toggling trick-mode never
	// loses the underlying choice.
	baseID string
}

type periodRecord struct {
	period   *manifest.Period
	watchers int
	wanted   map[manifest.MediaType]*wantedTrack
}

func (r *periodRecord) wantedFor(t manifest.MediaType) *wantedTrack {
	w, ok := r.wanted[t]
	if !ok {
		w = &wantedTrack{}
		r.wanted[t] = w
	}
	return w
}

// Manager owns the period-info list and the per-period track choices. It
// is safe for concurrent use; notification sinks run outside its lock.
type Manager struct {
	mu        sync.Mutex
	log       logger.Logger
	records   []*periodRecord
	sinks     map[int]func(Change)
	nextSink  int
	trickMode bool
}

func NewManager(log logger.Logger) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{
		log:   log,
		sinks: make(map[int]func(Change)),
	}
}

// OnChange registers a notification sink. The returned function removes
// it. Sinks are invoked synchronously, outside the manager's lock, on the
// goroutine that caused the change.
func (m *Manager) OnChange(fn func(Change)) func() {
	m.mu.Lock()
	id := m.nextSink
	m.nextSink++
	m.sinks[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.sinks, id)
		m.mu.Unlock()
	}
}

func (m *Manager) notify(changes []Change) {
	if len(changes) == 0 {
		return
	}
	m.mu.Lock()
	sinks := make([]func(Change), 0, len(m.sinks))
	for _, fn := range m.sinks {
		sinks = append(sinks, fn)
	}
	m.mu.Unlock()
	for _, c := range changes {
		for _, fn := range sinks {
			fn(c)
		}
	}
}

// Watch pins the period's record so it survives removal from the
// manifest. Every Watch needs a matching Unwatch.
func (m *Manager) Watch(periodID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec := m.recordLocked(periodID); rec != nil {
		rec.watchers++
	}
}

// Unwatch releases a Watch. The record of a period no longer in the
// manifest is dropped once its last watcher is gone.
func (m *Manager) Unwatch(periodID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.recordLocked(periodID)
	if rec == nil {
		return
	}
	if rec.watchers > 0 {
		rec.watchers--
	}
	if rec.watchers == 0 && !rec.period.InManifest {
		m.dropLocked(rec)
	}
}

func (m *Manager) dropLocked(rec *periodRecord) {
	for i, r := range m.records {
		if r == rec {
			m.records = append(m.records[:i], m.records[i+1:]...)
			return
		}
	}
}

func (m *Manager) recordLocked(periodID string) *periodRecord {
	for _, r := range m.records {
		if r.period.ID == periodID {
			return r
		}
	}
	return nil
}

// UpdatePeriodList merges a refreshed period list into the records.
// Records are matched by period id; records of removed periods are kept
// while watched. Explicit choices whose adaptation disappeared fall back
// to the first supported one, with a notification.
func (m *Manager) UpdatePeriodList(periods []*manifest.Period) {
	m.mu.Lock()
	known := make(map[string]*periodRecord, len(m.records))
	for _, r := range m.records {
		known[r.period.ID] = r
	}
	listed := make(map[string]bool, len(periods))

	var changes []Change
	next := make([]*periodRecord, 0, len(periods))
	for _, p := range periods {
		listed[p.ID] = true
		if rec, ok := known[p.ID]; ok {
			rec.period = p
			changes = append(changes, m.reconcileLocked(rec)...)
			next = append(next, rec)
			continue
		}
		next = append(next, &periodRecord{
			period: p,
			wanted: make(map[manifest.MediaType]*wantedTrack),
		})
	}
	for _, r := range m.records {
		if !listed[r.period.ID] && r.watchers > 0 {
			next = append(next, r)
		}
	}
	sort.SliceStable(next, func(i, j int) bool {
		return next[i].period.Start < next[j].period.Start
	})
	m.records = next
	m.mu.Unlock()

	m.notify(changes)
}

// reconcileLocked repairs explicit choices broken by a refresh.
func (m *Manager) reconcileLocked(rec *periodRecord) []Change {
	var changes []Change
	for t, w := range rec.wanted {
		if w.mode != wantedSet {
			continue
		}
		ad := rec.period.Adaptation(w.adaptationID)
		if ad != nil && ad.IsSupported() {
			if w.baseID != "" && rec.period.Adaptation(w.baseID) == nil {
				w.baseID = w.adaptationID
			}
			continue
		}
		prev := w.adaptationID
		fallback := firstSupported(rec.period, t)
		if fallback == nil {
			w.mode = wantedDefault
			w.adaptationID = ""
			w.baseID = ""
			m.log.Warnf("tracks: no supported %s track left in period %q", t, rec.period.ID)
			changes = append(changes, Change{
				PeriodID: rec.period.ID, Type: t, Previous: prev, Reason: ReasonFallback,
			})
			continue
		}
		w.adaptationID = fallback.ID
		w.baseID = fallback.ID
		m.log.Infof("tracks: %s track %q disappeared from period %q, falling back to %q",
			t, prev, rec.period.ID, fallback.ID)
		changes = append(changes, Change{
			PeriodID: rec.period.ID, Type: t, Adaptation: fallback,
			Previous: prev, Reason: ReasonFallback,
		})
	}
	return changes
}

func firstSupported(p *manifest.Period, t manifest.MediaType) *manifest.Adaptation {
	for _, a := range p.SupportedAdaptationsForType(t) {
		if !a.IsTrickModeTrack {
			return a
		}
	}
	return nil
}

// ChosenAdaptation resolves the effective adaptation for one type of one
// period: the explicit choice if any, otherwise the first supported
// adaptation, with video re-derived through trick-mode when enabled. nil
// means disabled, unknown period, or nothing supported.
func (m *Manager) ChosenAdaptation(periodID string, t manifest.MediaType) *manifest.Adaptation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chosenLocked(periodID, t)
}

func (m *Manager) chosenLocked(periodID string, t manifest.MediaType) *manifest.Adaptation {
	rec := m.recordLocked(periodID)
	if rec == nil {
		return nil
	}
	w := rec.wantedFor(t)
	var ad *manifest.Adaptation
	switch w.mode {
	case wantedDisabled:
		return nil
	case wantedSet:
		ad = rec.period.Adaptation(w.adaptationID)
	default:
		ad = firstSupported(rec.period, t)
	}
	if ad == nil {
		return nil
	}
	if t == manifest.MediaTypeVideo && m.trickMode && !ad.IsTrickModeTrack {
		if tms := rec.period.TrickModeTracks(ad); len(tms) > 0 {
			return tms[0]
		}
	}
	return ad
}

// SetTrackByID makes the given adaptation the wanted one for its type. An
// unknown period logs a warning and does nothing; an unknown track id is
// an error.
func (m *Manager) SetTrackByID(periodID string, t manifest.MediaType, trackID string) error {
	m.mu.Lock()
	rec := m.recordLocked(periodID)
	if rec == nil {
		m.mu.Unlock()
		m.log.Warnf("tracks: cannot set %s track, period %q is not known", t, periodID)
		return nil
	}
	ad := rec.period.Adaptation(trackID)
	if ad == nil || ad.Type != t {
		m.mu.Unlock()
		return fmt.Errorf("period %q has no %s track %q", periodID, t, trackID)
	}
	prevAd := m.chosenLocked(periodID, t)
	prev := ""
	if prevAd != nil {
		prev = prevAd.ID
	}
	w := rec.wantedFor(t)
	w.mode = wantedSet
	w.adaptationID = trackID
	w.baseID = baseOf(rec.period, ad).ID
	effective := m.chosenLocked(periodID, t)
	m.mu.Unlock()

	if effective != nil && effective.ID != prev {
		m.notify([]Change{{
			PeriodID: periodID, Type: t, Adaptation: effective,
			Previous: prev, Reason: ReasonSet,
		}})
	}
	return nil
}

// baseOf resolves the normal adaptation behind a trick-mode track.
func baseOf(p *manifest.Period, ad *manifest.Adaptation) *manifest.Adaptation {
	if !ad.IsTrickModeTrack {
		return ad
	}
	for _, cand := range p.AdaptationsForType(ad.Type) {
		for _, id := range cand.TrickModeIDs {
			if id == ad.ID {
				return cand
			}
		}
	}
	return ad
}

// DisableTrack turns the type off for the period. An unknown period logs
// a warning and does nothing.
func (m *Manager) DisableTrack(periodID string, t manifest.MediaType) {
	m.mu.Lock()
	rec := m.recordLocked(periodID)
	if rec == nil {
		m.mu.Unlock()
		m.log.Warnf("tracks: cannot disable %s track, period %q is not known", t, periodID)
		return
	}
	prevAd := m.chosenLocked(periodID, t)
	prev := ""
	if prevAd != nil {
		prev = prevAd.ID
	}
	w := rec.wantedFor(t)
	w.mode = wantedDisabled
	w.adaptationID = ""
	w.baseID = ""
	m.mu.Unlock()

	if prev != "" {
		m.notify([]Change{{PeriodID: periodID, Type: t, Previous: prev, Reason: ReasonDisabled}})
	}
}

// SetTrickModeEnabled re-derives every period's effective video track from
// its wanted base, notifying where the derivation changed.
func (m *Manager) SetTrickModeEnabled(enabled bool) {
	m.mu.Lock()
	if m.trickMode == enabled {
		m.mu.Unlock()
		return
	}
	before := make(map[string]*manifest.Adaptation, len(m.records))
	for _, rec := range m.records {
		before[rec.period.ID] = m.chosenLocked(rec.period.ID, manifest.MediaTypeVideo)
	}
	m.trickMode = enabled
	var changes []Change
	for _, rec := range m.records {
		w := rec.wantedFor(manifest.MediaTypeVideo)
		if w.mode == wantedSet && w.baseID != "" {
			// The stored choice follows the toggle; the base endures.
			target := w.baseID
			if enabled {
				if base := rec.period.Adaptation(w.baseID); base != nil {
					if tms := rec.period.TrickModeTracks(base); len(tms) > 0 {
						target = tms[0].ID
					}
				}
			}
			w.adaptationID = target
		}
		after := m.chosenLocked(rec.period.ID, manifest.MediaTypeVideo)
		prev := before[rec.period.ID]
		if sameAdaptation(prev, after) {
			continue
		}
		c := Change{PeriodID: rec.period.ID, Type: manifest.MediaTypeVideo,
			Adaptation: after, Reason: ReasonTrickMode}
		if prev != nil {
			c.Previous = prev.ID
		}
		changes = append(changes, c)
	}
	m.mu.Unlock()

	m.notify(changes)
}

func sameAdaptation(a, b *manifest.Adaptation) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID
}

// ChosenTrack returns the effective track of the type, or nil when the
// type is disabled, unknown, or unsupported.
func (m *Manager) ChosenTrack(periodID string, t manifest.MediaType) *Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	ad := m.chosenLocked(periodID, t)
	if ad == nil {
		return nil
	}
	tr := trackFor(periodID, ad, true)
	return &tr
}

// AvailableTracks lists every adaptation of the type in the period, the
// active one flagged. An unknown period yields nil.
func (m *Manager) AvailableTracks(periodID string, t manifest.MediaType) []Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.recordLocked(periodID)
	if rec == nil {
		return nil
	}
	chosen := m.chosenLocked(periodID, t)
	ads := rec.period.AdaptationsForType(t)
	out := make([]Track, 0, len(ads))
	for _, ad := range ads {
		out = append(out, trackFor(periodID, ad, chosen != nil && chosen.ID == ad.ID))
	}
	return out
}

func trackFor(periodID string, ad *manifest.Adaptation, active bool) Track {
	return Track{
		ID:                 ad.ID,
		PeriodID:           periodID,
		Type:               ad.Type,
		Language:           ad.Language,
		NormalizedLanguage: ad.NormalizedLanguage,
		IsAudioDescription: ad.IsAudioDescription,
		IsClosedCaption:    ad.IsClosedCaption,
		IsDub:              ad.IsDub,
		IsSignInterpreted:  ad.IsSignInterpreted,
		IsTrickModeTrack:   ad.IsTrickModeTrack,
		Active:             active,
		Representations:    ad.Representations,
	}
}

// Periods returns the ids of every period the manager tracks, in start
// order, removed-but-watched ones included.
func (m *Manager) Periods() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.period.ID)
	}
	return out
}
