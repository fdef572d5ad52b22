package manifest

import (
	"errors"

	"github.com/lfaureyt/rx-player/internal/manifest/index"
)

// Period is a non-overlapping time window of the presentation. Its id is
// stable across manifest refreshes.
type Period struct {
	ID    string
	Start float64
	// End is nil while the period is still growing.
	End *float64

	// InManifest turns false when a refresh no longer lists the period.
	// The period object is retained so components holding its id keep
	// resolving.
	InManifest bool

	adaptations map[MediaType][]*Adaptation
}

type PeriodArgs struct {
	ID    string
	Start float64
	End   *float64
	// Duration is an alternative to End, resolved against Start.
	Duration    *float64
	Adaptations []AdaptationArgs
}

func newPeriod(args PeriodArgs, supports CodecSupportChecker) (*Period, error) {
	if args.ID == "" {
		return nil, errors.New("period needs an id")
	}
	end := args.End
	if end == nil && args.Duration != nil {
		e := args.Start + *args.Duration
		end = &e
	}
	if end != nil && *end < args.Start {
		return nil, errors.New("period " + args.ID + " ends before it starts")
	}
	p := &Period{
		ID:          args.ID,
		Start:       args.Start,
		End:         end,
		InManifest:  true,
		adaptations: make(map[MediaType][]*Adaptation),
	}
	for _, aa := range args.Adaptations {
		a, err := newAdaptation(aa, supports)
		if err != nil {
			return nil, err
		}
		p.adaptations[a.Type] = append(p.adaptations[a.Type], a)
	}
	return p, nil
}

// Duration returns the period length in seconds, or nil when its end is
// unknown.
func (p *Period) Duration() *float64 {
	if p.End == nil {
		return nil
	}
	d := *p.End - p.Start
	return &d
}

// ContainsTime reports whether the time falls within the period.
func (p *Period) ContainsTime(t float64) bool {
	if t < p.Start {
		return false
	}
	return p.End == nil || t < *p.End
}

// AdaptationsForType returns the period's adaptations of one media type.
func (p *Period) AdaptationsForType(t MediaType) []*Adaptation {
	return p.adaptations[t]
}

// Adaptations returns every adaptation of the period, video first.
func (p *Period) Adaptations() []*Adaptation {
	var out []*Adaptation
	for _, t := range mediaTypes {
		out = append(out, p.adaptations[t]...)
	}
	return out
}

// Adaptation returns the adaptation with the given id, or nil.
func (p *Period) Adaptation(id string) *Adaptation {
	for _, t := range mediaTypes {
		for _, a := range p.adaptations[t] {
			if a.ID == id {
				return a
			}
		}
	}
	return nil
}

// SupportedAdaptationsForType returns the adaptations of one media type
// with at least one supported representation.
func (p *Period) SupportedAdaptationsForType(t MediaType) []*Adaptation {
	in := p.adaptations[t]
	out := make([]*Adaptation, 0, len(in))
	for _, a := range in {
		if a.IsSupported() {
			out = append(out, a)
		}
	}
	return out
}

// TrickModeTracks resolves an adaptation's trick-mode companions within
// the period.
func (p *Period) TrickModeTracks(a *Adaptation) []*Adaptation {
	if len(a.TrickModeIDs) == 0 {
		return nil
	}
	out := make([]*Adaptation, 0, len(a.TrickModeIDs))
	for _, id := range a.TrickModeIDs {
		if tm := p.Adaptation(id); tm != nil {
			out = append(out, tm)
		}
	}
	return out
}

// minimumPosition is the earliest position with data for every played
// media type, so playback can start without an immediate stall.
func (p *Period) minimumPosition() index.Position {
	overall := index.NoPosition()
	for _, t := range [...]MediaType{MediaTypeVideo, MediaTypeAudio} {
		typeMin := index.NoPosition()
		for _, a := range p.adaptations[t] {
			for _, r := range a.Representations {
				pos := r.Index.FirstPosition()
				if pos.Kind != index.PositionKnown {
					continue
				}
				if typeMin.Kind != index.PositionKnown || pos.Time < typeMin.Time {
					typeMin = pos
				}
			}
		}
		if typeMin.Kind != index.PositionKnown {
			continue
		}
		if overall.Kind != index.PositionKnown || typeMin.Time > overall.Time {
			overall = typeMin
		}
	}
	return overall
}

// maximumPosition is the latest position with data for every played media
// type.
func (p *Period) maximumPosition() index.Position {
	overall := index.NoPosition()
	for _, t := range [...]MediaType{MediaTypeVideo, MediaTypeAudio} {
		typeMax := index.NoPosition()
		for _, a := range p.adaptations[t] {
			for _, r := range a.Representations {
				pos := r.Index.LastPosition()
				if pos.Kind != index.PositionKnown {
					continue
				}
				if typeMax.Kind != index.PositionKnown || pos.Time > typeMax.Time {
					typeMax = pos
				}
			}
		}
		if typeMax.Kind != index.PositionKnown {
			continue
		}
		if overall.Kind != index.PositionKnown || typeMax.Time < overall.Time {
			overall = typeMax
		}
	}
	return overall
}

// absorb merges the refreshed period. Adaptations are matched by id within
// each media type.
func (p *Period) absorb(n *Period, fullReplace bool) error {
	p.Start = n.Start
	p.End = n.End
	p.InManifest = true

	var firstErr error
	merged := make(map[MediaType][]*Adaptation, len(n.adaptations))
	for _, t := range mediaTypes {
		for _, na := range n.adaptations[t] {
			if old := p.Adaptation(na.ID); old != nil && old.Type == na.Type {
				if err := old.absorb(na, fullReplace); err != nil && firstErr == nil {
					firstErr = err
				}
				merged[t] = append(merged[t], old)
				continue
			}
			merged[t] = append(merged[t], na)
		}
	}
	p.adaptations = merged
	return firstErr
}
