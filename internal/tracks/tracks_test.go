package tracks_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfaureyt/rx-player/internal/logger"
	"github.com/lfaureyt/rx-player/internal/manifest"
	"github.com/lfaureyt/rx-player/internal/manifest/index"
	"github.com/lfaureyt/rx-player/internal/tracks"
)

func rep(t *testing.T, id string, bitrate int64) manifest.RepresentationArgs {
	t.Helper()
	idx, err := index.NewTimelineIndex(index.TimelineIndexArgs{
		Timescale:        1,
		MediaURLs:        []string{"seg-$Time$.m4s"},
		Timeline:         []index.TimelineEntry{{Start: 0, Duration: 10}},
		RepresentationID: id,
	})
	require.NoError(t, err)
	return manifest.RepresentationArgs{ID: id, Bitrate: bitrate, Codec: "mp4a.40.2", Index: idx}
}

func audio(t *testing.T, id, lang string) manifest.AdaptationArgs {
	t.Helper()
	return manifest.AdaptationArgs{
		ID:       id,
		Type:     manifest.MediaTypeAudio,
		Language: lang,
		Representations: []manifest.RepresentationArgs{
			rep(t, id+"-rep", 128_000),
		},
	}
}

func makeManifest(t *testing.T, periods ...manifest.PeriodArgs) *manifest.Manifest {
	t.Helper()
	m, err := manifest.New(manifest.ManifestArgs{
		Transport: manifest.TransportDASH,
		Periods:   periods,
	})
	require.NoError(t, err)
	return m
}

func f64(v float64) *float64 { return &v }

func TestWantedTrackFallsBackAcrossRefresh(t *testing.T) {
	m := makeManifest(t, manifest.PeriodArgs{
		ID: "p1", Start: 0, End: f64(30),
		Adaptations: []manifest.AdaptationArgs{
			audio(t, "de-a", "de"),
			audio(t, "fr-a", "fr"),
		},
	})

	mgr := tracks.NewManager(logger.Nop())
	var changes []tracks.Change
	stop := mgr.OnChange(func(c tracks.Change) { changes = append(changes, c) })
	defer stop()

	mgr.UpdatePeriodList(m.Periods())
	require.NoError(t, mgr.SetTrackByID("p1", manifest.MediaTypeAudio, "fr-a"))
	require.Len(t, changes, 1)
	assert.Equal(t, tracks.ReasonSet, changes[0].Reason)
	assert.Equal(t, "fr-a", changes[0].Adaptation.ID)
	assert.Equal(t, "de-a", changes[0].Previous)
	changes = nil

	// The refreshed manifest only carries the German audio.
	refreshed := makeManifest(t, manifest.PeriodArgs{
		ID: "p1", Start: 0, End: f64(30),
		Adaptations: []manifest.AdaptationArgs{
			audio(t, "de-a", "de"),
		},
	})
	require.NoError(t, m.Update(refreshed))
	mgr.UpdatePeriodList(m.Periods())

	require.Len(t, changes, 1, "losing the wanted track must notify")
	assert.Equal(t, tracks.ReasonFallback, changes[0].Reason)
	assert.Equal(t, "fr-a", changes[0].Previous)
	require.NotNil(t, changes[0].Adaptation)
	assert.Equal(t, "de-a", changes[0].Adaptation.ID)

	chosen := mgr.ChosenTrack("p1", manifest.MediaTypeAudio)
	require.NotNil(t, chosen)
	assert.Equal(t, "de-a", chosen.ID)
	assert.Equal(t, "de", chosen.Language)
}

func TestSetTrackValidation(t *testing.T) {
	m := makeManifest(t, manifest.PeriodArgs{
		ID: "p1", Start: 0, End: f64(30),
		Adaptations: []manifest.AdaptationArgs{audio(t, "fr-a", "fr")},
	})
	mgr := tracks.NewManager(logger.Nop())
	mgr.UpdatePeriodList(m.Periods())

	assert.NoError(t, mgr.SetTrackByID("missing", manifest.MediaTypeAudio, "fr-a"),
		"an unknown period is a warning, not an error")
	assert.Error(t, mgr.SetTrackByID("p1", manifest.MediaTypeAudio, "no-such-track"),
		"an unknown track id is a hard error")
	assert.Error(t, mgr.SetTrackByID("p1", manifest.MediaTypeVideo, "fr-a"),
		"a track of the wrong type is a hard error")
}

func TestDisableTrack(t *testing.T) {
	m := makeManifest(t, manifest.PeriodArgs{
		ID: "p1", Start: 0, End: f64(30),
		Adaptations: []manifest.AdaptationArgs{audio(t, "fr-a", "fr")},
	})
	mgr := tracks.NewManager(logger.Nop())
	mgr.UpdatePeriodList(m.Periods())

	require.NotNil(t, mgr.ChosenAdaptation("p1", manifest.MediaTypeAudio),
		"without a preference the first supported track plays")

	var changes []tracks.Change
	stop := mgr.OnChange(func(c tracks.Change) { changes = append(changes, c) })
	defer stop()

	mgr.DisableTrack("p1", manifest.MediaTypeAudio)
	assert.Nil(t, mgr.ChosenAdaptation("p1", manifest.MediaTypeAudio))
	assert.Nil(t, mgr.ChosenTrack("p1", manifest.MediaTypeAudio))
	require.Len(t, changes, 1)
	assert.Equal(t, tracks.ReasonDisabled, changes[0].Reason)
	assert.Nil(t, changes[0].Adaptation)
	assert.Equal(t, "fr-a", changes[0].Previous)

	mgr.DisableTrack("missing", manifest.MediaTypeAudio) // warning only
	assert.Len(t, changes, 1)
}

func TestTrickModeDerivation(t *testing.T) {
	m := makeManifest(t, manifest.PeriodArgs{
		ID: "p1", Start: 0, End: f64(30),
		Adaptations: []manifest.AdaptationArgs{
			{
				ID:           "v-main",
				Type:         manifest.MediaTypeVideo,
				TrickModeIDs: []string{"v-trick"},
				Representations: []manifest.RepresentationArgs{
					rep(t, "v-main-rep", 800_000),
				},
			},
			{
				ID:               "v-trick",
				Type:             manifest.MediaTypeVideo,
				IsTrickModeTrack: true,
				Representations: []manifest.RepresentationArgs{
					rep(t, "v-trick-rep", 200_000),
				},
			},
		},
	})
	mgr := tracks.NewManager(logger.Nop())
	mgr.UpdatePeriodList(m.Periods())

	require.NoError(t, mgr.SetTrackByID("p1", manifest.MediaTypeVideo, "v-main"))

	var changes []tracks.Change
	stop := mgr.OnChange(func(c tracks.Change) { changes = append(changes, c) })
	defer stop()

	mgr.SetTrickModeEnabled(true)
	chosen := mgr.ChosenAdaptation("p1", manifest.MediaTypeVideo)
	require.NotNil(t, chosen)
	assert.Equal(t, "v-trick", chosen.ID)
	require.Len(t, changes, 1)
	assert.Equal(t, tracks.ReasonTrickMode, changes[0].Reason)
	assert.Equal(t, "v-main", changes[0].Previous)

	// Toggling back lands on the remembered base, not on a default.
	mgr.SetTrickModeEnabled(false)
	chosen = mgr.ChosenAdaptation("p1", manifest.MediaTypeVideo)
	require.NotNil(t, chosen)
	assert.Equal(t, "v-main", chosen.ID)

	mgr.SetTrickModeEnabled(false) // no-op, no extra notification
	assert.Len(t, changes, 2)
}

func TestDefaultVideoChoiceSkipsTrickTracks(t *testing.T) {
	m := makeManifest(t, manifest.PeriodArgs{
		ID: "p1", Start: 0, End: f64(30),
		Adaptations: []manifest.AdaptationArgs{
			{
				ID:               "v-trick",
				Type:             manifest.MediaTypeVideo,
				IsTrickModeTrack: true,
				Representations:  []manifest.RepresentationArgs{rep(t, "t-rep", 200_000)},
			},
			{
				ID:              "v-main",
				Type:            manifest.MediaTypeVideo,
				TrickModeIDs:    []string{"v-trick"},
				Representations: []manifest.RepresentationArgs{rep(t, "m-rep", 800_000)},
			},
		},
	})
	mgr := tracks.NewManager(logger.Nop())
	mgr.UpdatePeriodList(m.Periods())

	chosen := mgr.ChosenAdaptation("p1", manifest.MediaTypeVideo)
	require.NotNil(t, chosen)
	assert.Equal(t, "v-main", chosen.ID, "trick tracks are never a default choice")

	mgr.SetTrickModeEnabled(true)
	chosen = mgr.ChosenAdaptation("p1", manifest.MediaTypeVideo)
	require.NotNil(t, chosen)
	assert.Equal(t, "v-trick", chosen.ID, "trick mode re-derives the default too")
}

func TestWatchKeepsRemovedPeriods(t *testing.T) {
	m := makeManifest(t,
		manifest.PeriodArgs{ID: "p1", Start: 0, End: f64(30),
			Adaptations: []manifest.AdaptationArgs{audio(t, "a1", "en")}},
		manifest.PeriodArgs{ID: "p2", Start: 30, End: f64(60),
			Adaptations: []manifest.AdaptationArgs{audio(t, "a2", "en")}},
	)
	mgr := tracks.NewManager(logger.Nop())
	mgr.UpdatePeriodList(m.Periods())
	mgr.Watch("p1")

	// A refresh that only lists p2 anymore.
	refreshed := makeManifest(t, manifest.PeriodArgs{ID: "p2", Start: 30, End: f64(60),
		Adaptations: []manifest.AdaptationArgs{audio(t, "a2", "en")}})
	require.NoError(t, m.Update(refreshed))
	mgr.UpdatePeriodList(m.Periods())

	assert.Equal(t, []string{"p1", "p2"}, mgr.Periods(), "a watched period survives its removal")
	assert.NotNil(t, mgr.ChosenAdaptation("p1", manifest.MediaTypeAudio))

	mgr.Unwatch("p1")
	assert.Equal(t, []string{"p2"}, mgr.Periods(), "the last unwatch drops the removed period")
	assert.Nil(t, mgr.ChosenAdaptation("p1", manifest.MediaTypeAudio))
}

func TestAvailableTracksFlagsTheActiveOne(t *testing.T) {
	m := makeManifest(t, manifest.PeriodArgs{
		ID: "p1", Start: 0, End: f64(30),
		Adaptations: []manifest.AdaptationArgs{
			audio(t, "fr-a", "fr"),
			audio(t, "de-a", "de"),
		},
	})
	mgr := tracks.NewManager(logger.Nop())
	mgr.UpdatePeriodList(m.Periods())
	require.NoError(t, mgr.SetTrackByID("p1", manifest.MediaTypeAudio, "de-a"))

	got := mgr.AvailableTracks("p1", manifest.MediaTypeAudio)
	require.Len(t, got, 2)
	byID := map[string]tracks.Track{}
	for _, tr := range got {
		byID[tr.ID] = tr
	}
	assert.False(t, byID["fr-a"].Active)
	assert.True(t, byID["de-a"].Active)
	assert.Equal(t, "fr", byID["fr-a"].Language)
	assert.NotEmpty(t, byID["de-a"].Representations)

	assert.Nil(t, mgr.AvailableTracks("missing", manifest.MediaTypeAudio))
}
