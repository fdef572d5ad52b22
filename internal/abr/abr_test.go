package abr_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfaureyt/rx-player/internal/abr"
	"github.com/lfaureyt/rx-player/internal/config"
	"github.com/lfaureyt/rx-player/internal/logger"
	"github.com/lfaureyt/rx-player/internal/manifest"
)

func TestEWMA(t *testing.T) {
	e := abr.NewEWMA(2)
	e.AddSample(1, 100)
	assert.InDelta(t, 100, e.Estimate(), 1e-9, "a single sample is returned as is")

	e.AddSample(1, 50)
	assert.InDelta(t, 70.71, e.Estimate(), 0.01, "newer samples weigh more")
}

func TestBandwidthEstimator(t *testing.T) {
	b := abr.NewBandwidthEstimator(2, 10, 150_000)

	b.AddSample(time.Second, 100_000)
	_, ok := b.Estimate()
	assert.False(t, ok, "no estimate before enough bytes were sampled")

	b.AddSample(time.Second, 100_000)
	est, ok := b.Estimate()
	require.True(t, ok)
	assert.InDelta(t, 800_000, est, 1, "both averages agree on a steady link")

	before, _ := b.Estimate()
	b.AddSample(time.Second, 12_000) // under the minimum chunk size
	after, _ := b.Estimate()
	assert.Equal(t, before, after, "tiny responses are not ingested")

	for i := 0; i < 10; i++ {
		b.AddSample(time.Second, 1_000_000)
	}
	steady, _ := b.Estimate()
	b.AddSample(time.Second, 100_000)
	dropped, ok := b.Estimate()
	require.True(t, ok)
	assert.Less(t, dropped, steady, "the fast average reacts to a drop")
	assert.Greater(t, dropped, 800_000.0*0.9)

	b.Reset()
	_, ok = b.Estimate()
	assert.False(t, ok, "reset forgets every sample")
}

func TestScoreCalculator(t *testing.T) {
	repA := &manifest.Representation{ID: "a", Bitrate: 700_000}
	repB := &manifest.Representation{ID: "b", Bitrate: 1_500_000}
	s := abr.NewScoreCalculator(5)

	_, _, ok := s.Estimate(repA)
	assert.False(t, ok, "no score before any sample")

	for i := 0; i < 4; i++ {
		s.AddSample(repA, 1, 2)
	}
	score, conf, ok := s.Estimate(repA)
	require.True(t, ok)
	assert.InDelta(t, 2, score, 1e-9)
	assert.Equal(t, abr.ScoreConfidenceLow, conf, "four segments are not enough to trust")

	s.AddSample(repA, 1, 2)
	score, conf, ok = s.Estimate(repA)
	require.True(t, ok)
	assert.InDelta(t, 2, score, 1e-9)
	assert.Equal(t, abr.ScoreConfidenceHigh, conf)
	assert.Same(t, repA, s.LastStableRepresentation())

	s.AddSample(repB, 1, 2)
	_, _, ok = s.Estimate(repA)
	assert.False(t, ok, "switching representation starts a fresh score")
	_, conf, ok = s.Estimate(repB)
	require.True(t, ok)
	assert.Equal(t, abr.ScoreConfidenceLow, conf)
	assert.Same(t, repA, s.LastStableRepresentation(), "the stable representation survives a switch")

	// A representation that downloads slower than it plays never becomes
	// the stable one, however much evidence accumulates.
	slow := &manifest.Representation{ID: "slow", Bitrate: 3_000_000}
	for i := 0; i < 12; i++ {
		s.AddSample(slow, 2, 1)
	}
	assert.Same(t, repA, s.LastStableRepresentation())
}

func TestBufferBasedChooser(t *testing.T) {
	ladder := []int64{300_000, 700_000, 1_500_000, 3_000_000}

	t.Run("undecided before any sample", func(t *testing.T) {
		c := abr.NewBufferBasedChooser(ladder)
		assert.Equal(t, int64(-1), c.LastEstimate())
	})

	t.Run("starts at the bottom without a current bitrate", func(t *testing.T) {
		c := abr.NewBufferBasedChooser(ladder)
		c.OnAddedSegment(abr.BufferBasedSample{BufferGap: 20, CurrentBitrate: -1, Speed: 1})
		assert.Equal(t, int64(300_000), c.LastEstimate())
	})

	t.Run("climbs when the score and the buffer allow it", func(t *testing.T) {
		c := abr.NewBufferBasedChooser(ladder)
		c.OnAddedSegment(abr.BufferBasedSample{
			BufferGap: 60, CurrentBitrate: 300_000, Score: 2, ScoreKnown: true, Speed: 1,
		})
		assert.Equal(t, int64(700_000), c.LastEstimate(), "one rung at a time")
	})

	t.Run("steps down on a draining buffer", func(t *testing.T) {
		c := abr.NewBufferBasedChooser(ladder)
		c.OnAddedSegment(abr.BufferBasedSample{
			BufferGap: 1, CurrentBitrate: 3_000_000, Speed: 1,
		})
		assert.Equal(t, int64(300_000), c.LastEstimate(), "without a score the dip is taken at face value")
	})

	t.Run("a sustainable score defends the current level", func(t *testing.T) {
		c := abr.NewBufferBasedChooser(ladder)
		c.OnAddedSegment(abr.BufferBasedSample{
			BufferGap: 1, CurrentBitrate: 3_000_000, Score: 2, ScoreKnown: true, Speed: 1,
		})
		assert.Equal(t, int64(3_000_000), c.LastEstimate())
	})

	t.Run("speed scales the score", func(t *testing.T) {
		c := abr.NewBufferBasedChooser(ladder)
		c.OnAddedSegment(abr.BufferBasedSample{
			BufferGap: 60, CurrentBitrate: 700_000, Score: 2, ScoreKnown: true, Speed: 2,
		})
		assert.Equal(t, int64(700_000), c.LastEstimate(), "a score of 1 at 2x speed does not justify climbing")
	})
}

func ladder() []*manifest.Representation {
	return []*manifest.Representation{
		{ID: "low", Bitrate: 300_000, Width: 640},
		{ID: "mid", Bitrate: 700_000, Width: 960},
		{ID: "high", Bitrate: 1_500_000, Width: 1280},
		{ID: "top", Bitrate: 3_000_000, Width: 1920},
	}
}

func newEstimator(reps []*manifest.Representation) *abr.Estimator {
	return abr.NewEstimator(config.DefaultConfig(), reps, logger.Nop())
}

// feedBandwidth ingests count one-second downloads sized for the given
// bitrate in bits per second.
func feedBandwidth(e *abr.Estimator, bitrate int64, count int) {
	for i := 0; i < count; i++ {
		e.OnMetrics(abr.Metrics{Size: bitrate / 8, Duration: time.Second})
	}
}

func TestEstimatorSingleRepresentation(t *testing.T) {
	reps := ladder()[:1]
	e := newEstimator(reps)
	est := e.Estimate()
	assert.Same(t, reps[0], est.Representation)
	assert.False(t, est.Urgent)
	assert.False(t, est.Manual)
}

func TestEstimatorManualBitrate(t *testing.T) {
	e := newEstimator(ladder())
	e.SetManualBitrate(800_000)
	est := e.Estimate()
	assert.Equal(t, int64(700_000), est.Bitrate)
	assert.True(t, est.Manual)
	assert.True(t, est.Urgent)

	e.SetManualBitrate(100_000)
	est = e.Estimate()
	assert.Equal(t, int64(300_000), est.Bitrate, "the lowest when nothing qualifies")

	e.SetBitrateCeiling(500_000)
	e.SetManualBitrate(2_000_000)
	est = e.Estimate()
	assert.Equal(t, int64(1_500_000), est.Bitrate, "manual mode ignores the automatic filters")

	e.SetManualBitrate(-1)
	e.SetBitrateCeiling(-1)
	est = e.Estimate()
	assert.False(t, est.Manual)
}

func TestEstimatorBandwidthChoice(t *testing.T) {
	e := newEstimator(ladder())

	est := e.Estimate()
	assert.Equal(t, int64(300_000), est.Bitrate, "starts at the bottom without samples")

	feedBandwidth(e, 2_000_000, 4)
	est = e.Estimate()
	assert.Equal(t, int64(1_500_000), est.Bitrate)
	assert.False(t, est.Urgent)
}

func TestEstimatorBoundsAndFilters(t *testing.T) {
	e := newEstimator(ladder())
	feedBandwidth(e, 10_000_000, 4)

	e.SetBounds(600_000, 800_000)
	assert.Equal(t, int64(700_000), e.Estimate().Bitrate)

	e.SetBounds(5_000_000, 6_000_000)
	assert.Equal(t, int64(300_000), e.Estimate().Bitrate, "impossible bounds fall back to the lowest")

	e.SetBounds(0, 1<<62)
	e.SetWidthCeiling(1000)
	assert.Equal(t, int64(1_500_000), e.Estimate().Bitrate, "the smallest width covering the display stays allowed")

	e.SetWidthCeiling(0)
	e.SetBitrateCeiling(800_000)
	assert.Equal(t, int64(700_000), e.Estimate().Bitrate)
}

func TestEstimatorPessimisticInflightCorrection(t *testing.T) {
	e := newEstimator(ladder())
	feedBandwidth(e, 2_000_000, 4)
	require.Equal(t, int64(1_500_000), e.Estimate().Bitrate)

	now := time.Now()
	e.OnRequestBegin(abr.RequestBegin{ID: "r1", Time: 8, Duration: 4, At: now.Add(-3 * time.Second)})
	e.OnProgress(abr.RequestProgress{ID: "r1", Bytes: 150_000, At: now.Add(-1 * time.Second)})

	est := e.Estimate()
	assert.Equal(t, int64(300_000), est.Bitrate, "a struggling download caps the estimate")

	e.OnRequestEnd("r1")
	assert.Equal(t, int64(1_500_000), e.Estimate().Bitrate, "the correction leaves with the request")
}

func TestEstimatorBufferBasedPrecedence(t *testing.T) {
	e := newEstimator(ladder())
	reps := ladder()
	low := reps[0]

	// A steady 300 kbps link playing the 300 kbps rendition.
	for i := 0; i < 6; i++ {
		e.OnMetrics(abr.Metrics{Size: 37_500, Duration: time.Second, SegmentDuration: 4, Representation: low})
	}
	e.OnRepresentationChange(low)
	require.Equal(t, int64(300_000), e.Estimate().Bitrate)

	obs := abr.Observation{BufferGap: 30, Speed: 1}
	e.OnObservation(obs)
	e.OnAddedSegment(obs)
	est := e.Estimate()
	assert.Equal(t, int64(700_000), est.Bitrate, "a comfortable buffer overrides the bandwidth pick")

	e.OnObservation(abr.Observation{BufferGap: 3, Speed: 1})
	assert.Equal(t, int64(300_000), e.Estimate().Bitrate, "the chooser deactivates under the leave threshold")
}

func TestEstimatorGuessMode(t *testing.T) {
	setup := func() *abr.Estimator {
		e := newEstimator(ladder())
		mid := ladder()[1]
		e.OnRepresentationChange(mid)
		// 700 kbps measured exactly, with a comfortable score.
		for i := 0; i < 6; i++ {
			e.OnMetrics(abr.Metrics{Size: 87_500, Duration: time.Second, SegmentDuration: 2, Representation: mid})
		}
		e.OnObservation(abr.Observation{BufferGap: 10, Speed: 1, LiveGap: 20})
		return e
	}

	t.Run("guesses one rung above a healthy live playback", func(t *testing.T) {
		e := setup()
		est := e.Estimate()
		assert.Equal(t, int64(1_500_000), est.Bitrate)
		assert.False(t, est.Urgent)
		assert.InDelta(t, 700_000, est.KnownStableBitrate, 1e-9)

		assert.Equal(t, int64(1_500_000), e.Estimate().Bitrate, "the guess holds while nothing contradicts it")
	})

	t.Run("far from the live edge no guess happens", func(t *testing.T) {
		e := setup()
		e.OnObservation(abr.Observation{BufferGap: 10, Speed: 1, LiveGap: 120})
		assert.Equal(t, int64(700_000), e.Estimate().Bitrate)
	})

	t.Run("not live means no guess", func(t *testing.T) {
		e := setup()
		e.OnObservation(abr.Observation{BufferGap: 10, Speed: 1})
		assert.Equal(t, int64(700_000), e.Estimate().Bitrate)
	})

	t.Run("a thin buffer means no guess", func(t *testing.T) {
		e := setup()
		e.OnObservation(abr.Observation{BufferGap: 4, Speed: 1, LiveGap: 20})
		assert.Equal(t, int64(700_000), e.Estimate().Bitrate)
	})

	t.Run("an overdue request aborts the guess and starts a cooldown", func(t *testing.T) {
		e := setup()
		require.Equal(t, int64(1_500_000), e.Estimate().Bitrate)

		e.OnRequestBegin(abr.RequestBegin{ID: "g1", Time: 12, Duration: 2, At: time.Now().Add(-3 * time.Second)})
		assert.Equal(t, int64(700_000), e.Estimate().Bitrate, "the guess is rolled back")

		e.OnRequestEnd("g1")
		assert.Equal(t, int64(700_000), e.Estimate().Bitrate, "the cooldown blocks another attempt")
	})

	t.Run("a slow in-flight download aborts the guess", func(t *testing.T) {
		e := setup()
		require.Equal(t, int64(1_500_000), e.Estimate().Bitrate)

		now := time.Now()
		e.OnRequestBegin(abr.RequestBegin{ID: "g2", Time: 12, Duration: 60, At: now.Add(-2 * time.Second)})
		e.OnProgress(abr.RequestProgress{ID: "g2", Bytes: 100_000, At: now})
		// 100 kB over two seconds extrapolates to 400 kbps, well under the guess.
		assert.Equal(t, int64(700_000), e.Estimate().Bitrate)
	})

	t.Run("the regular algorithms validate the guess by catching up", func(t *testing.T) {
		e := setup()
		require.Equal(t, int64(1_500_000), e.Estimate().Bitrate)

		mid := ladder()[1]
		for i := 0; i < 10; i++ {
			e.OnMetrics(abr.Metrics{Size: 375_000, Duration: time.Second, SegmentDuration: 2, Representation: mid})
		}
		est := e.Estimate()
		assert.GreaterOrEqual(t, est.Bitrate, int64(1_500_000), "the guess resolved into a measured choice")
	})
}

func TestEstimatorUrgency(t *testing.T) {
	e := newEstimator(ladder())
	top := ladder()[3]
	e.OnRepresentationChange(top)
	e.OnObservation(abr.Observation{BufferGap: 5, Speed: 1})
	feedBandwidth(e, 400_000, 4)

	est := e.Estimate()
	require.Equal(t, int64(300_000), est.Bitrate)
	assert.True(t, est.Urgent, "a downswitch with nothing in flight to save us is urgent")

	now := time.Now()
	e.OnRequestBegin(abr.RequestBegin{ID: "r1", Time: 20, Duration: 4, At: now.Add(-3 * time.Second)})
	e.OnProgress(abr.RequestProgress{ID: "r1", Bytes: 900_000, Total: 1_000_000, At: now.Add(-time.Second)})

	est = e.Estimate()
	require.Equal(t, int64(300_000), est.Bitrate)
	assert.False(t, est.Urgent, "a nearly finished request is allowed to land")
}

func TestEstimatorIgnoresCachedResponses(t *testing.T) {
	e := newEstimator(ladder())
	e.OnMetrics(abr.Metrics{Size: 10_000_000, Duration: 50 * time.Millisecond})
	assert.Equal(t, int64(300_000), e.Estimate().Bitrate, "a cache-fast response leaves the estimator blank")

	feedBandwidth(e, 2_000_000, 4)
	assert.Equal(t, int64(1_500_000), e.Estimate().Bitrate)
}

func TestEstimatorUpdateRepresentations(t *testing.T) {
	e := newEstimator(ladder())
	feedBandwidth(e, 2_000_000, 4)
	require.Equal(t, int64(1_500_000), e.Estimate().Bitrate)

	e.UpdateRepresentations(ladder()[:2])
	assert.Equal(t, int64(700_000), e.Estimate().Bitrate, "the new ladder caps the choice")
}
