package abr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfaureyt/rx-player/internal/config"
	"github.com/lfaureyt/rx-player/internal/logger"
	"github.com/lfaureyt/rx-player/internal/manifest"
)

func TestWrongGuessCooldownIsCapped(t *testing.T) {
	cfg := config.DefaultConfig()
	require.Equal(t, 120*time.Second, cfg.GuessCooldownStep)
	require.Equal(t, 360*time.Second, cfg.GuessCooldownMax)

	reps := []*manifest.Representation{
		{ID: "low", Bitrate: 500_000},
		{ID: "mid", Bitrate: 1_500_000},
		{ID: "high", Bitrate: 4_000_000},
	}
	e := NewEstimator(cfg, reps, logger.Nop())

	clock := time.Unix(1_700_000_000, 0)
	e.now = func() time.Time { return clock }

	e.OnObservation(Observation{BufferGap: 8, Position: 100, Speed: 1, LiveGap: 20})

	for i, want := range []time.Duration{
		120 * time.Second,
		240 * time.Second,
		360 * time.Second, // capped from the third wrong guess on
		360 * time.Second,
	} {
		clock = clock.Add(10 * time.Minute)

		// A guess in progress with a request in flight far past its
		// segment duration is judged wrong on the next estimate.
		e.mu.Lock()
		e.guessRep = reps[2]
		e.mu.Unlock()
		e.OnRequestBegin(RequestBegin{
			ID:       "seg-" + string(rune('a'+i)),
			Time:     float64(100 + i*4),
			Duration: 4,
			At:       clock.Add(-10 * time.Second),
		})

		est := e.Estimate()
		assert.Equal(t, reps[0].Bitrate, est.Bitrate, "an aborted guess falls back to the regular choice")

		e.mu.Lock()
		assert.Nil(t, e.guessRep)
		assert.Equal(t, i+1, e.wrongGuesses)
		assert.Equal(t, want, e.blockedUntil.Sub(clock), "wrong guess %d", i+1)
		e.mu.Unlock()

		e.OnRequestEnd("seg-" + string(rune('a'+i)))
	}
}
