package abr

import (
	"math"
	"sync"
	"time"

	"github.com/lfaureyt/rx-player/internal/config"
	"github.com/lfaureyt/rx-player/internal/logger"
	"github.com/lfaureyt/rx-player/internal/manifest"
)

const (
	// Responses implying a bandwidth this high come from a cache, not the
	// network, and would poison the estimator.
	cacheBandwidthFloor = 1e9

	// Guess mode preconditions.
	guessMaxLiveGap     = 50.0
	guessMinBufferGap   = 6.0
	guessScoreSpeedGate = 1.4

	// An init request in flight longer than this aborts a running guess.
	guessInitAbortSeconds = 1.0
)

// Observation is the playback sample the estimator decides against.
type Observation struct {
	BufferGap float64
	Position  float64
	Speed     float64
	Duration  float64
	// LiveGap is the distance to the live edge in seconds; zero or
	// negative means the content is not live.
	LiveGap float64
}

// Metrics describes one completed download for intake.
type Metrics struct {
	Size     int64
	Duration time.Duration
	// SegmentDuration is the media duration of the fetched segment in
	// seconds, zero for init segments.
	SegmentDuration float64
	IsInit          bool
	Representation  *manifest.Representation
}

// Estimate is the estimator's output.
type Estimate struct {
	Bitrate        int64
	Representation *manifest.Representation
	// Urgent asks the stream to switch without waiting for already
	// buffered data of the previous quality to play out.
	Urgent bool
	Manual bool
	// KnownStableBitrate is the bitrate of the last Representation that
	// proved sustainable, scaled by the playback speed. Zero when unknown.
	KnownStableBitrate float64
}

// Estimator picks the Representation to load for one media type of one
// Period. Feed it the stream events of the segment fetcher and the
// playback observations, then ask for an Estimate whenever a decision is
// needed.
type Estimator struct {
	mu     sync.Mutex
	cfg    *config.Config
	logger logger.Logger

	// reps is the ladder, sorted by ascending bitrate.
	reps []*manifest.Representation

	bandwidth *BandwidthEstimator
	score     *ScoreCalculator
	buffer    *BufferBasedChooser
	pending   *pendingStore

	manualBitrate  int64
	minAutoBitrate int64
	maxAutoBitrate int64
	bitrateCeiling int64
	widthCeiling   int

	currentRep        *manifest.Representation
	lastObservation   Observation
	bufferBasedActive bool

	guessRep     *manifest.Representation
	wrongGuesses int
	blockedUntil time.Time

	now func() time.Time
}

// NewEstimator builds an estimator for the given ascending Representation
// ladder.
func NewEstimator(cfg *config.Config, reps []*manifest.Representation, log logger.Logger) *Estimator {
	return &Estimator{
		cfg:            cfg,
		logger:         log,
		reps:           reps,
		bandwidth:      NewBandwidthEstimator(cfg.FastEWMAHalfLife, cfg.SlowEWMAHalfLife, cfg.MinimumSampledBytes),
		score:          NewScoreCalculator(cfg.ScoreEWMAHalfLife),
		buffer:         NewBufferBasedChooser(bitrateLadder(reps)),
		pending:        newPendingStore(),
		manualBitrate:  -1,
		minAutoBitrate: 0,
		maxAutoBitrate: math.MaxInt64,
		bitrateCeiling: -1,
		now:            time.Now,
	}
}

// SetManualBitrate forces the choice to the highest Representation at or
// under bitrate. A negative value returns to automatic selection.
func (e *Estimator) SetManualBitrate(bitrate int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.manualBitrate = bitrate
}

// SetBounds clamps automatic choices to [min, max] bits per second.
func (e *Estimator) SetBounds(min, max int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.minAutoBitrate = min
	e.maxAutoBitrate = max
}

// SetBitrateCeiling filters out Representations above bitrate. A negative
// value removes the filter.
func (e *Estimator) SetBitrateCeiling(bitrate int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bitrateCeiling = bitrate
}

// SetWidthCeiling filters out Representations wider than needed for the
// given display width. Zero removes the filter.
func (e *Estimator) SetWidthCeiling(width int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.widthCeiling = width
}

// OnObservation records the latest playback sample and drives the
// buffer-based activation hysteresis.
func (e *Estimator) OnObservation(obs Observation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastObservation = obs
	if obs.BufferGap > e.cfg.BufferBasedEnterGap {
		e.bufferBasedActive = true
	} else if obs.BufferGap < e.cfg.BufferBasedLeaveGap {
		e.bufferBasedActive = false
	}
}

// OnRequestBegin registers a request entering flight.
func (e *Estimator) OnRequestBegin(b RequestBegin) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending.add(b)
}

// OnProgress records a progress snapshot of an in-flight request.
func (e *Estimator) OnProgress(p RequestProgress) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending.addProgress(p)
}

// OnRequestEnd removes a request from flight, whatever its outcome.
func (e *Estimator) OnRequestEnd(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending.remove(id)
}

// OnMetrics ingests one completed download. Responses that look served
// from a cache are discarded so the bandwidth estimate keeps describing
// the network.
func (e *Estimator) OnMetrics(m Metrics) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m.Size <= 0 || m.Duration <= 0 {
		return
	}
	if float64(m.Size)*8/m.Duration.Seconds() >= cacheBandwidthFloor {
		e.logger.Debugf("Ignoring bandwidth sample likely served from cache (%d bytes in %v)", m.Size, m.Duration)
		return
	}
	e.bandwidth.AddSample(m.Duration, m.Size)
	if !m.IsInit && m.Representation != nil && m.SegmentDuration > 0 {
		e.score.AddSample(m.Representation, m.Duration.Seconds(), m.SegmentDuration)
	}
}

// OnRepresentationChange tells the estimator which Representation the
// stream actually plays now.
func (e *Estimator) OnRepresentationChange(rep *manifest.Representation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.currentRep = rep
}

// OnAddedSegment feeds the buffer-based chooser after a segment was pushed
// to the buffer.
func (e *Estimator) OnAddedSegment(obs Observation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sample := BufferBasedSample{
		BufferGap:      obs.BufferGap,
		CurrentBitrate: -1,
		Speed:          obs.Speed,
	}
	if e.currentRep != nil {
		sample.CurrentBitrate = e.currentRep.Bitrate
		if score, _, ok := e.score.Estimate(e.currentRep); ok {
			sample.Score = score
			sample.ScoreKnown = true
		}
	}
	e.buffer.OnAddedSegment(sample)
}

// LastBandwidth returns the current bandwidth estimate in bits per second,
// false while too little was downloaded to know.
func (e *Estimator) LastBandwidth() (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bandwidth.Estimate()
}

// UpdateRepresentations swaps the ladder after a manifest refresh changed
// it. Any running guess is dropped.
func (e *Estimator) UpdateRepresentations(reps []*manifest.Representation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reps = reps
	e.buffer = NewBufferBasedChooser(bitrateLadder(reps))
	e.guessRep = nil
}

// Estimate computes the Representation to load right now.
func (e *Estimator) Estimate() Estimate {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.reps) == 0 {
		return Estimate{}
	}
	now := e.now()
	obs := e.lastObservation
	speed := normSpeed(obs.Speed)
	stable := e.knownStableBitrate(speed)

	if len(e.reps) == 1 {
		only := e.reps[0]
		return Estimate{Bitrate: only.Bitrate, Representation: only, KnownStableBitrate: stable}
	}

	if e.manualBitrate >= 0 {
		rep := selectOptimal(e.reps, e.manualBitrate)
		return Estimate{
			Bitrate:            rep.Bitrate,
			Representation:     rep,
			Urgent:             true,
			Manual:             true,
			KnownStableBitrate: stable,
		}
	}

	cands := e.candidates()

	var chosen *manifest.Representation
	if bw, ok := e.pessimisticBandwidth(now); ok {
		chosen = selectOptimal(cands, int64(bw/speed))
	} else {
		chosen = cands[0]
	}

	if e.bufferBasedActive {
		if bb := e.buffer.LastEstimate(); bb > chosen.Bitrate {
			if rep := selectOptimal(cands, bb); rep.Bitrate > chosen.Bitrate {
				chosen = rep
			}
		}
	}

	chosen, guessing := e.applyGuess(now, obs, speed, chosen, cands)

	urgent := false
	if !guessing {
		urgent = e.isUrgent(now, chosen.Bitrate, obs, speed)
	}

	return Estimate{
		Bitrate:            chosen.Bitrate,
		Representation:     chosen,
		Urgent:             urgent,
		KnownStableBitrate: stable,
	}
}

// pessimisticBandwidth lowers the averaged estimate with evidence from
// requests currently in flight, so a collapsing link is acted on before
// the slow averages catch up.
func (e *Estimator) pessimisticBandwidth(now time.Time) (float64, bool) {
	bw, ok := e.bandwidth.Estimate()
	if !ok {
		return 0, false
	}
	for _, req := range e.pending.list() {
		if inflight, ok := req.BandwidthEstimate(now); ok && inflight < bw {
			bw = inflight
		}
	}
	return bw, true
}

// applyGuess runs the guess-mode state machine on top of the choice the
// other algorithms made, returning the effective choice and whether it is
// a guess.
func (e *Estimator) applyGuess(now time.Time, obs Observation, speed float64, base *manifest.Representation, cands []*manifest.Representation) (*manifest.Representation, bool) {
	if e.guessRep != nil && !containsRep(cands, e.guessRep) {
		e.guessRep = nil
	}
	if e.guessRep != nil {
		if base.Bitrate >= e.guessRep.Bitrate {
			// The regular algorithms caught up: the guess was right.
			e.wrongGuesses = 0
			e.guessRep = nil
			return base, false
		}
		if e.shouldAbortGuess(now) {
			e.wrongGuesses++
			cooldown := time.Duration(e.wrongGuesses) * e.cfg.GuessCooldownStep
			if cooldown > e.cfg.GuessCooldownMax {
				cooldown = e.cfg.GuessCooldownMax
			}
			e.blockedUntil = now.Add(cooldown)
			e.logger.Infof("Aborting quality guess at %d bps, next attempt in %v", e.guessRep.Bitrate, cooldown)
			e.guessRep = nil
			return base, false
		}
		return e.guessRep, true
	}

	if now.Before(e.blockedUntil) {
		return base, false
	}
	if obs.LiveGap <= 0 || obs.LiveGap > guessMaxLiveGap {
		return base, false
	}
	if obs.BufferGap < guessMinBufferGap {
		return base, false
	}
	cur := e.currentRep
	if cur == nil || base.Bitrate != cur.Bitrate {
		return base, false
	}
	score, conf, ok := e.score.Estimate(cur)
	if !ok || conf != ScoreConfidenceHigh || score/speed < guessScoreSpeedGate {
		return base, false
	}
	next := nextAbove(cands, cur.Bitrate)
	if next == nil {
		return base, false
	}
	e.guessRep = next
	e.logger.Infof("Guessing a higher quality than measured: %d bps", next.Bitrate)
	return next, true
}

// shouldAbortGuess checks the in-flight requests for signs the guessed
// quality does not hold: a request older than its segment duration (or
// one second for init segments), or an extrapolated bandwidth under the
// guessed bitrate.
func (e *Estimator) shouldAbortGuess(now time.Time) bool {
	for _, req := range e.pending.list() {
		limit := req.Duration
		if req.IsInit {
			limit = guessInitAbortSeconds
		}
		if limit > 0 && now.Sub(req.Begin).Seconds() > limit {
			return true
		}
		if inflight, ok := req.BandwidthEstimate(now); ok && inflight < float64(e.guessRep.Bitrate) {
			return true
		}
	}
	return false
}

// isUrgent reports whether a downward switch should interrupt the request
// in flight instead of letting it finish.
func (e *Estimator) isUrgent(now time.Time, chosenBitrate int64, obs Observation, speed float64) bool {
	cur := e.currentRep
	if cur == nil || chosenBitrate >= cur.Bitrate {
		return false
	}
	for _, req := range e.pending.list() {
		if req.IsInit {
			continue
		}
		inflight, ok := req.BandwidthEstimate(now)
		if !ok {
			continue
		}
		last, _ := req.lastProgress()
		totalBytes := float64(last.Total)
		if totalBytes <= 0 {
			totalBytes = req.Duration * float64(cur.Bitrate) / 8
		}
		remaining := totalBytes - float64(last.Bytes)
		if remaining <= 0 {
			return false
		}
		remainingTime := remaining * 8 / inflight
		if remainingTime < obs.BufferGap/speed {
			return false
		}
		return true
	}
	return true
}

func (e *Estimator) knownStableBitrate(speed float64) float64 {
	rep := e.score.LastStableRepresentation()
	if rep == nil {
		return 0
	}
	return float64(rep.Bitrate) / speed
}

// candidates applies the ceiling filters and the automatic bounds. When
// nothing fits the bounds, the lowest filtered Representation remains so
// there is always something to play.
func (e *Estimator) candidates() []*manifest.Representation {
	reps := e.reps
	if e.widthCeiling > 0 {
		reps = filterByWidth(reps, e.widthCeiling)
	}
	if e.bitrateCeiling >= 0 {
		filtered := make([]*manifest.Representation, 0, len(reps))
		for _, r := range reps {
			if r.Bitrate <= e.bitrateCeiling {
				filtered = append(filtered, r)
			}
		}
		if len(filtered) == 0 {
			filtered = reps[:1]
		}
		reps = filtered
	}
	bounded := make([]*manifest.Representation, 0, len(reps))
	for _, r := range reps {
		if r.Bitrate >= e.minAutoBitrate && r.Bitrate <= e.maxAutoBitrate {
			bounded = append(bounded, r)
		}
	}
	if len(bounded) == 0 {
		bounded = reps[:1]
	}
	return bounded
}

// filterByWidth drops Representations wider than necessary: the smallest
// width covering the display stays the ceiling, so a slightly larger
// rendition is preferred over an upscaled smaller one.
func filterByWidth(reps []*manifest.Representation, width int) []*manifest.Representation {
	maxWidth := -1
	for _, r := range reps {
		if r.Width >= width && (maxWidth < 0 || r.Width < maxWidth) {
			maxWidth = r.Width
		}
	}
	if maxWidth < 0 {
		return reps
	}
	out := make([]*manifest.Representation, 0, len(reps))
	for _, r := range reps {
		if r.Width == 0 || r.Width <= maxWidth {
			out = append(out, r)
		}
	}
	return out
}

// selectOptimal returns the highest Representation whose bitrate does not
// exceed target, or the lowest one when none qualifies.
func selectOptimal(reps []*manifest.Representation, target int64) *manifest.Representation {
	var best *manifest.Representation
	for _, r := range reps {
		if r.Bitrate <= target {
			best = r
		}
	}
	if best == nil {
		return reps[0]
	}
	return best
}

func nextAbove(reps []*manifest.Representation, bitrate int64) *manifest.Representation {
	for _, r := range reps {
		if r.Bitrate > bitrate {
			return r
		}
	}
	return nil
}

func containsRep(reps []*manifest.Representation, rep *manifest.Representation) bool {
	for _, r := range reps {
		if r.ID == rep.ID {
			return true
		}
	}
	return false
}

func bitrateLadder(reps []*manifest.Representation) []int64 {
	out := make([]int64, len(reps))
	for i, r := range reps {
		out[i] = r.Bitrate
	}
	return out
}

func normSpeed(speed float64) float64 {
	if speed == 0 {
		return 1
	}
	return math.Abs(speed)
}
