// Package manifest models a streaming presentation: Periods holding the
// selectable Adaptations, each carrying its encoded Representations and
// their segment indexes. A refreshed manifest is absorbed into the current
// one rather than swapped, so components that hold Period or Adaptation
// ids keep resolving across refreshes.
//
// A Manifest and everything under it belong to the goroutine that loaded
// it; none of the types here synchronize internally.
package manifest

import (
	"math"
	"sort"
	"time"

	"github.com/lfaureyt/rx-player/internal/errs"
	"github.com/lfaureyt/rx-player/internal/manifest/index"
)

// Transport identifies the manifest format the presentation was loaded
// from.
type Transport string

const (
	TransportDASH   Transport = "dash"
	TransportSmooth Transport = "smooth"
)

// Manifest is the root of the presentation model. Periods are kept in
// ascending start order and do not overlap.
type Manifest struct {
	Transport Transport
	IsDynamic bool
	IsLive    bool

	// IsLastPeriodKnown reports whether the current last period is the
	// definitive one, so reaching its end means the end of the stream
	// rather than a pending refresh.
	IsLastPeriodKnown bool

	// URIs are the locations the manifest can be refreshed from, in
	// preference order.
	URIs []string

	// Lifetime is the suggested refresh interval in seconds, when the
	// manifest declares one.
	Lifetime *float64

	AvailabilityStartTime      float64
	TimeshiftDepth             *float64
	SuggestedPresentationDelay *float64

	// ClockOffset is the server clock minus the local epoch in seconds,
	// when a time synchronization mechanism provided one.
	ClockOffset *float64

	periods   []*Period
	supports  CodecSupportChecker
	now       func() time.Time
	listeners map[int]func()
	nextSub   int
}

type ManifestArgs struct {
	Transport                  Transport
	IsDynamic                  bool
	IsLive                     bool
	IsLastPeriodKnown          bool
	URIs                       []string
	Lifetime                   *float64
	AvailabilityStartTime      float64
	TimeshiftDepth             *float64
	SuggestedPresentationDelay *float64
	ClockOffset                *float64
	Periods                    []PeriodArgs

	// CodecSupport decides per representation whether its codec can be
	// decoded. nil treats every codec as supported.
	CodecSupport CodecSupportChecker

	// Now is the wall clock, injectable in tests. Defaults to time.Now.
	Now func() time.Time
}

func New(args ManifestArgs) (*Manifest, error) {
	now := args.Now
	if now == nil {
		now = time.Now
	}
	m := &Manifest{
		Transport:                  args.Transport,
		IsDynamic:                  args.IsDynamic || args.IsLive,
		IsLive:                     args.IsLive,
		IsLastPeriodKnown:          args.IsLastPeriodKnown,
		URIs:                       args.URIs,
		Lifetime:                   args.Lifetime,
		AvailabilityStartTime:      args.AvailabilityStartTime,
		TimeshiftDepth:             args.TimeshiftDepth,
		SuggestedPresentationDelay: args.SuggestedPresentationDelay,
		ClockOffset:                args.ClockOffset,
		supports:                   args.CodecSupport,
		now:                        now,
	}
	for _, pa := range args.Periods {
		p, err := newPeriod(pa, args.CodecSupport)
		if err != nil {
			return nil, &errs.ManifestError{Kind: errs.ManifestParse, Err: err}
		}
		m.periods = append(m.periods, p)
	}
	sortPeriods(m.periods)
	if err := checkPeriodOverlap(m.periods); err != nil {
		return nil, err
	}
	return m, nil
}

func sortPeriods(periods []*Period) {
	sort.SliceStable(periods, func(i, j int) bool {
		return periods[i].Start < periods[j].Start
	})
}

func checkPeriodOverlap(periods []*Period) error {
	var prev *Period
	for _, p := range periods {
		if !p.InManifest {
			continue
		}
		if prev != nil {
			if p.Start <= prev.Start || (prev.End != nil && p.Start < *prev.End) {
				return &errs.ManifestError{Kind: errs.ManifestParse,
					Err: periodOverlapError{prev.ID, p.ID}}
			}
		}
		prev = p
	}
	return nil
}

type periodOverlapError struct{ a, b string }

func (e periodOverlapError) Error() string {
	return "periods " + e.a + " and " + e.b + " overlap"
}

// Periods returns the periods currently listed by the manifest, in
// ascending start order.
func (m *Manifest) Periods() []*Period {
	out := make([]*Period, 0, len(m.periods))
	for _, p := range m.periods {
		if p.InManifest {
			out = append(out, p)
		}
	}
	return out
}

// AllPeriods additionally includes periods retained after a refresh
// removed them.
func (m *Manifest) AllPeriods() []*Period {
	return m.periods
}

// Period returns the period with the given id, removed ones included, or
// nil.
func (m *Manifest) Period(id string) *Period {
	for _, p := range m.periods {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// PeriodForTime returns the listed period containing the given time, or
// nil.
func (m *Manifest) PeriodForTime(t float64) *Period {
	for _, p := range m.periods {
		if p.InManifest && p.ContainsTime(t) {
			return p
		}
	}
	return nil
}

// PeriodAfter returns the first listed period starting at or after the
// given one's end. A period whose end is not known yet has no successor.
func (m *Manifest) PeriodAfter(p *Period) *Period {
	if p.End == nil {
		return nil
	}
	for _, q := range m.periods {
		if q.InManifest && q.ID != p.ID && q.Start >= *p.End {
			return q
		}
	}
	return nil
}

// Adaptation resolves an adaptation by period and adaptation id, the
// indirection used instead of cross references between model objects.
func (m *Manifest) Adaptation(periodID, adaptationID string) *Adaptation {
	p := m.Period(periodID)
	if p == nil {
		return nil
	}
	return p.Adaptation(adaptationID)
}

// MinimumPosition returns the earliest position that can be requested.
func (m *Manifest) MinimumPosition() float64 {
	if m.IsDynamic {
		if min, ok := m.clockBounds(); ok {
			return min
		}
	}
	for _, p := range m.periods {
		if !p.InManifest {
			continue
		}
		if pos := p.minimumPosition(); pos.Kind == index.PositionKnown {
			return math.Max(pos.Time, p.Start)
		}
		return p.Start
	}
	return 0
}

// MaximumPosition returns the latest position that can be requested. For
// dynamic presentations with a synchronized clock this follows the live
// edge; otherwise it falls back on what the segment indexes report.
func (m *Manifest) MaximumPosition() float64 {
	if m.IsDynamic {
		if _, ok := m.clockBounds(); ok {
			return m.liveEdge()
		}
	}
	for i := len(m.periods) - 1; i >= 0; i-- {
		p := m.periods[i]
		if !p.InManifest {
			continue
		}
		if pos := p.maximumPosition(); pos.Kind == index.PositionKnown {
			return pos.Time
		}
		if p.End != nil {
			return *p.End
		}
	}
	return 0
}

// LivePosition returns the position a player joining now should start at,
// the live edge backed off by the suggested presentation delay.
func (m *Manifest) LivePosition() (float64, bool) {
	if !m.IsLive {
		return 0, false
	}
	edge := m.MaximumPosition()
	if m.SuggestedPresentationDelay != nil {
		return edge - *m.SuggestedPresentationDelay, true
	}
	return edge, true
}

func (m *Manifest) liveEdge() float64 {
	return float64(m.now().UnixMilli())/1000 + *m.ClockOffset - m.AvailabilityStartTime
}

func (m *Manifest) clockBounds() (minimum float64, ok bool) {
	if m.ClockOffset == nil {
		return 0, false
	}
	edge := m.liveEdge()
	if m.TimeshiftDepth == nil {
		return 0, true
	}
	minimum = edge - *m.TimeshiftDepth
	if minimum < 0 {
		minimum = 0
	}
	return minimum, true
}

// Replace absorbs a refreshed manifest, substituting segment indexes
// wholesale. Periods are matched by id, with start time as a fallback;
// disappeared ones are retained but no longer listed.
func (m *Manifest) Replace(n *Manifest) error {
	return m.absorb(n, true)
}

// Update absorbs a refreshed manifest, merging segment timelines so
// segments only the old manifest knew are kept.
func (m *Manifest) Update(n *Manifest) error {
	return m.absorb(n, false)
}

func (m *Manifest) absorb(n *Manifest, fullReplace bool) error {
	m.IsDynamic = n.IsDynamic
	m.IsLive = n.IsLive
	m.IsLastPeriodKnown = n.IsLastPeriodKnown
	m.Lifetime = n.Lifetime
	m.AvailabilityStartTime = n.AvailabilityStartTime
	m.TimeshiftDepth = n.TimeshiftDepth
	m.SuggestedPresentationDelay = n.SuggestedPresentationDelay
	if n.ClockOffset != nil {
		m.ClockOffset = n.ClockOffset
	}
	if len(n.URIs) > 0 {
		m.URIs = n.URIs
	}

	var firstErr error
	matched := make(map[*Period]bool, len(n.periods))
	for _, old := range m.periods {
		np := n.Period(old.ID)
		if np == nil {
			np = n.periodAtStart(old.Start)
		}
		if np == nil || matched[np] {
			old.InManifest = false
			continue
		}
		matched[np] = true
		if err := old.absorb(np, fullReplace); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, np := range n.periods {
		if !matched[np] {
			m.periods = append(m.periods, np)
		}
	}
	sortPeriods(m.periods)
	for _, fn := range m.listeners {
		fn()
	}
	return firstErr
}

// OnUpdate registers a callback invoked after each Replace or Update, on
// the goroutine performing the refresh. The returned function removes it.
func (m *Manifest) OnUpdate(fn func()) func() {
	if m.listeners == nil {
		m.listeners = make(map[int]func())
	}
	id := m.nextSub
	m.nextSub++
	m.listeners[id] = fn
	return func() { delete(m.listeners, id) }
}

func (m *Manifest) periodAtStart(start float64) *Period {
	for _, p := range m.periods {
		if math.Abs(p.Start-start) < 1e-3 {
			return p
		}
	}
	return nil
}

// UpdateDecipherability applies a DRM verdict to every representation and
// returns those whose status changed.
func (m *Manifest) UpdateDecipherability(verdict func(*Representation) *bool) []*Representation {
	var changed []*Representation
	for _, p := range m.periods {
		for _, a := range p.Adaptations() {
			for _, r := range a.Representations {
				v := verdict(r)
				if sameVerdict(r.Decipherable, v) {
					continue
				}
				r.Decipherable = v
				changed = append(changed, r)
			}
		}
	}
	return changed
}

func sameVerdict(a, b *bool) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
