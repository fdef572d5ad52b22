package abr

import "github.com/lfaureyt/rx-player/internal/manifest"

// ScoreConfidence qualifies a maintainability score.
type ScoreConfidence int

const (
	// ScoreConfidenceLow marks a score built on too few samples to act
	// boldly on.
	ScoreConfidenceLow ScoreConfidence = iota
	// ScoreConfidenceHigh marks a score backed by enough downloaded
	// segments and media time to trust.
	ScoreConfidenceHigh
)

const (
	scoreHighMinSegments = 5
	scoreHighMinDuration = 10 // seconds of media downloaded
)

// ScoreCalculator tracks how sustainable the current Representation is:
// the score is an averaged ratio of segment duration over download
// duration, so a score above 1 means segments arrive faster than they
// play out.
type ScoreCalculator struct {
	halfLife float64
	current  *scoreData
	// lastStable is the last Representation whose score reached at least
	// 1 with high confidence.
	lastStable *manifest.Representation
}

type scoreData struct {
	rep            *manifest.Representation
	ewma           *EWMA
	loadedSegments int
	loadedDuration float64
}

// NewScoreCalculator returns a calculator with the given EWMA half-life
// in seconds.
func NewScoreCalculator(halfLife float64) *ScoreCalculator {
	return &ScoreCalculator{halfLife: halfLife}
}

// AddSample records one downloaded media segment of segmentDuration
// seconds fetched in requestDuration seconds for rep. Switching
// Representation starts a fresh score.
func (s *ScoreCalculator) AddSample(rep *manifest.Representation, requestDuration, segmentDuration float64) {
	if requestDuration <= 0 || segmentDuration <= 0 {
		return
	}
	ratio := segmentDuration / requestDuration
	cur := s.current
	if cur == nil || cur.rep.ID != rep.ID {
		cur = &scoreData{rep: rep, ewma: NewEWMA(s.halfLife)}
		s.current = cur
	}
	cur.ewma.AddSample(requestDuration, ratio)
	cur.loadedSegments++
	cur.loadedDuration += segmentDuration

	if score, conf, ok := s.Estimate(rep); ok && conf == ScoreConfidenceHigh && score >= 1 {
		s.lastStable = rep
	}
}

// Estimate returns the score for rep and its confidence. ok is false when
// rep is not the Representation currently being scored.
func (s *ScoreCalculator) Estimate(rep *manifest.Representation) (score float64, conf ScoreConfidence, ok bool) {
	cur := s.current
	if cur == nil || rep == nil || cur.rep.ID != rep.ID {
		return 0, ScoreConfidenceLow, false
	}
	conf = ScoreConfidenceLow
	if cur.loadedSegments >= scoreHighMinSegments && cur.loadedDuration >= scoreHighMinDuration {
		conf = ScoreConfidenceHigh
	}
	return cur.ewma.Estimate(), conf, true
}

// LastStableRepresentation returns the last Representation that proved
// sustainable, or nil when none did yet.
func (s *ScoreCalculator) LastStableRepresentation() *manifest.Representation {
	return s.lastStable
}
