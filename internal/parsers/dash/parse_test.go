package dash_test

import (
	"encoding/hex"
	"testing"
	"time"
	"unicode/utf16"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfaureyt/rx-player/internal/errs"
	"github.com/lfaureyt/rx-player/internal/manifest"
	"github.com/lfaureyt/rx-player/internal/manifest/index"
	"github.com/lfaureyt/rx-player/internal/parsers/dash"
)

func fixedNow(sec int64) func() time.Time {
	return func() time.Time { return time.Unix(sec, 0) }
}

func parseManifest(t *testing.T, document string, opts dash.Options) *manifest.Manifest {
	t.Helper()
	outcome, err := dash.Parse([]byte(document), opts)
	require.NoError(t, err)
	require.NotNil(t, outcome.Manifest, "expected a completed parse")
	return outcome.Manifest
}

const staticMPD = `<?xml version="1.0" encoding="utf-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static" mediaPresentationDuration="PT40S">
  <BaseURL>http://cdn.example.com/content/</BaseURL>
  <Period id="p1" start="PT0S" duration="PT40S">
    <AdaptationSet id="video" contentType="video" mimeType="video/mp4" codecs="avc1.64001f" width="1280" height="720">
      <SegmentTemplate timescale="90000" duration="360000" startNumber="1" media="video/$RepresentationID$/$Number$.m4s" initialization="video/$RepresentationID$/init.mp4"/>
      <Representation id="v720" bandwidth="2000000"/>
      <Representation id="v360" bandwidth="500000" width="640" height="360"/>
    </AdaptationSet>
    <AdaptationSet id="audio-fr" contentType="audio" lang="fr" mimeType="audio/mp4" codecs="mp4a.40.2">
      <SegmentTemplate timescale="44100" media="audio/$Time$.m4s" initialization="audio/init.mp4">
        <SegmentTimeline>
          <S t="0" d="177341"/>
          <S d="176128"/>
          <S d="177152"/>
        </SegmentTimeline>
      </SegmentTemplate>
      <Representation id="a1" bandwidth="96000"/>
    </AdaptationSet>
  </Period>
</MPD>`

func TestParseStaticMPD(t *testing.T) {
	m := parseManifest(t, staticMPD, dash.Options{URL: "http://cdn.example.com/live/manifest.mpd"})

	assert.Equal(t, manifest.TransportDASH, m.Transport)
	assert.False(t, m.IsDynamic)
	assert.False(t, m.IsLive)
	assert.Equal(t, []string{"http://cdn.example.com/live/manifest.mpd"}, m.URIs)
	assert.Nil(t, m.Lifetime)

	periods := m.Periods()
	require.Len(t, periods, 1)
	p := periods[0]
	assert.Equal(t, "p1", p.ID)
	assert.Equal(t, 0.0, p.Start)
	require.NotNil(t, p.End)
	assert.Equal(t, 40.0, *p.End)

	t.Run("video adaptation", func(t *testing.T) {
		video := p.Adaptation("video")
		require.NotNil(t, video)
		assert.Equal(t, manifest.MediaTypeVideo, video.Type)
		require.Len(t, video.Representations, 2)

		v360, v720 := video.Representations[0], video.Representations[1]
		assert.Equal(t, "v360", v360.ID, "representations sort ascending by bitrate")
		assert.Equal(t, 640, v360.Width)
		assert.Equal(t, 360, v360.Height)
		assert.Equal(t, "v720", v720.ID)
		assert.Equal(t, 1280, v720.Width, "dimensions inherit from the adaptation set")
		assert.Equal(t, 720, v720.Height)
		assert.Equal(t, "avc1.64001f", v720.Codec)
		assert.Equal(t, `video/mp4;codecs="avc1.64001f"`, v720.MimeTypeString())

		segs := v720.Index.Segments(0, 12)
		require.Len(t, segs, 3)
		assert.Equal(t, "http://cdn.example.com/content/video/v720/1.m4s", segs[0].MediaURLs[0])
		assert.InDelta(t, 4.0, segs[1].Time, 1e-9)
		assert.Equal(t, uint64(2), segs[1].Number)

		init := v720.Index.InitSegment()
		require.NotNil(t, init)
		assert.Equal(t, "http://cdn.example.com/content/video/v720/init.mp4", init.MediaURLs[0])
	})

	t.Run("audio adaptation", func(t *testing.T) {
		audio := p.Adaptation("audio-fr")
		require.NotNil(t, audio)
		assert.Equal(t, "fr", audio.Language)
		assert.Equal(t, "fra", audio.NormalizedLanguage)

		a1 := audio.Representations[0]
		segs := a1.Index.Segments(4.0, 1.0)
		require.Len(t, segs, 1)
		assert.Equal(t, uint64(2), segs[0].Number)
		assert.InDelta(t, 4.0213, segs[0].Time, 0.001)
		assert.Equal(t, "http://cdn.example.com/content/audio/177341.m4s", segs[0].MediaURLs[0])
	})

	t.Run("bounds", func(t *testing.T) {
		assert.InDelta(t, 0.0, m.MinimumPosition(), 1e-9)
		// the audio timeline stops at its last segment's start, well
		// before the video grid does
		assert.InDelta(t, 353469.0/44100, m.MaximumPosition(), 0.01)
	})
}

const dynamicMPDDirectClock = `<?xml version="1.0" encoding="utf-8"?>
<MPD type="dynamic" availabilityStartTime="1970-01-01T00:00:00Z" minimumUpdatePeriod="PT5S" timeShiftBufferDepth="PT20S" suggestedPresentationDelay="PT10S">
  <UTCTiming schemeIdUri="urn:mpeg:dash:utc:direct:2014" value="1970-01-01T00:01:40Z"/>
  <Period id="p1" start="PT0S">
    <AdaptationSet contentType="video" mimeType="video/mp4" codecs="avc1.42c01e">
      <SegmentTemplate timescale="1000" duration="4000" startNumber="1" media="seg-$Number$.m4s"/>
      <Representation id="v1" bandwidth="1000000"/>
    </AdaptationSet>
  </Period>
</MPD>`

func TestParseDynamicMPDWithDirectClock(t *testing.T) {
	m := parseManifest(t, dynamicMPDDirectClock, dash.Options{
		URL: "https://live.example.com/manifest.mpd",
		Now: fixedNow(0),
	})

	assert.True(t, m.IsDynamic)
	assert.True(t, m.IsLive)
	require.NotNil(t, m.ClockOffset)
	assert.InDelta(t, 100.0, *m.ClockOffset, 1e-9)
	require.NotNil(t, m.Lifetime)
	assert.Equal(t, 5.0, *m.Lifetime)

	assert.InDelta(t, 100.0, m.MaximumPosition(), 1e-9)
	assert.InDelta(t, 80.0, m.MinimumPosition(), 1e-9)
	live, ok := m.LivePosition()
	require.True(t, ok)
	assert.InDelta(t, 90.0, live, 1e-9)

	rep := m.Periods()[0].Adaptations()[0].Representations[0]
	first := rep.Index.FirstPosition()
	require.True(t, first.IsKnown())
	assert.InDelta(t, 80.0, first.Time, 1e-9, "aligned down to a segment boundary")
	last := rep.Index.LastPosition()
	require.True(t, last.IsKnown())
	assert.InDelta(t, 96.0, last.Time, 1e-9, "start of the last fully available segment")
}

const dynamicMPDHTTPClock = `<?xml version="1.0" encoding="utf-8"?>
<MPD type="dynamic" availabilityStartTime="1970-01-01T00:00:00Z" timeShiftBufferDepth="PT20S">
  <UTCTiming schemeIdUri="urn:mpeg:dash:utc:http-iso:2014" value="https://time.example.com/iso"/>
  <Period id="p1" start="PT0S">
    <AdaptationSet contentType="video" mimeType="video/mp4" codecs="avc1.42c01e">
      <SegmentTemplate timescale="1000" duration="4000" startNumber="1" media="seg-$Number$.m4s"/>
      <Representation id="v1" bandwidth="1000000"/>
    </AdaptationSet>
  </Period>
</MPD>`

func TestParseSuspendsForHTTPClock(t *testing.T) {
	opts := dash.Options{URL: "https://live.example.com/manifest.mpd", Now: fixedNow(0)}

	t.Run("resume with server time", func(t *testing.T) {
		outcome, err := dash.Parse([]byte(dynamicMPDHTTPClock), opts)
		require.NoError(t, err)
		require.NotNil(t, outcome.NeedsClock)
		assert.Equal(t, "https://time.example.com/iso", outcome.NeedsClock.URL)

		resumed, err := outcome.NeedsClock.Resume([]byte("1970-01-01T00:01:40Z\n"))
		require.NoError(t, err)
		require.NotNil(t, resumed.Manifest)
		require.NotNil(t, resumed.Manifest.ClockOffset)
		assert.InDelta(t, 100.0, *resumed.Manifest.ClockOffset, 1e-9)
	})

	t.Run("resume without body continues unsynchronized", func(t *testing.T) {
		outcome, err := dash.Parse([]byte(dynamicMPDHTTPClock), opts)
		require.NoError(t, err)
		require.NotNil(t, outcome.NeedsClock)

		resumed, err := outcome.NeedsClock.Resume(nil)
		require.NoError(t, err)
		require.NotNil(t, resumed.Manifest)
		assert.Nil(t, resumed.Manifest.ClockOffset)
	})
}

const xlinkHostMPD = `<?xml version="1.0" encoding="utf-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" xmlns:xlink="http://www.w3.org/1999/xlink" type="static" mediaPresentationDuration="PT60S">
  <BaseURL>http://cdn.example.com/content/</BaseURL>
  <Period id="p1" start="PT0S" duration="PT30S">
    <AdaptationSet contentType="audio" lang="en" mimeType="audio/mp4" codecs="mp4a.40.2">
      <SegmentTemplate timescale="1000" duration="2000" media="p1-$Number$.m4s"/>
      <Representation id="a1" bandwidth="96000"/>
    </AdaptationSet>
  </Period>
  <Period xlink:href="https://cdn.example.com/period2.xml" xlink:actuate="onLoad"/>
</MPD>`

const xlinkPeriodDocument = `<Period id="p2" start="PT30S" duration="PT30S">
  <AdaptationSet contentType="audio" lang="en" mimeType="audio/mp4" codecs="mp4a.40.2">
    <SegmentTemplate timescale="1000" duration="2000" media="p2-$Number$.m4s"/>
    <Representation id="a1" bandwidth="96000"/>
  </AdaptationSet>
</Period>`

func TestParseResolvesXLinkPeriods(t *testing.T) {
	opts := dash.Options{URL: "https://live.example.com/manifest.mpd"}

	t.Run("remote period spliced in document order", func(t *testing.T) {
		outcome, err := dash.Parse([]byte(xlinkHostMPD), opts)
		require.NoError(t, err)
		require.NotNil(t, outcome.NeedsXLinks)
		assert.Equal(t, []string{"https://cdn.example.com/period2.xml"}, outcome.NeedsXLinks.URLs)

		resumed, err := outcome.NeedsXLinks.Resume([][]byte{[]byte(xlinkPeriodDocument)})
		require.NoError(t, err)
		require.NotNil(t, resumed.Manifest)

		periods := resumed.Manifest.Periods()
		require.Len(t, periods, 2)
		assert.Equal(t, "p1", periods[0].ID)
		assert.Equal(t, "p2", periods[1].ID)
		assert.Equal(t, 30.0, periods[1].Start)
		require.NotNil(t, periods[1].End)
		assert.Equal(t, 60.0, *periods[1].End)

		segs := periods[1].Adaptations()[0].Representations[0].Index.Segments(30, 2)
		require.NotEmpty(t, segs)
		assert.Equal(t, "http://cdn.example.com/content/p2-1.m4s", segs[0].MediaURLs[0])
	})

	t.Run("unfetched remote period is dropped", func(t *testing.T) {
		outcome, err := dash.Parse([]byte(xlinkHostMPD), opts)
		require.NoError(t, err)
		require.NotNil(t, outcome.NeedsXLinks)

		resumed, err := outcome.NeedsXLinks.Resume([][]byte{nil})
		require.NoError(t, err)
		require.NotNil(t, resumed.Manifest)
		require.Len(t, resumed.Manifest.Periods(), 1)
		assert.Equal(t, "p1", resumed.Manifest.Periods()[0].ID)
	})
}

const segmentBaseMPD = `<?xml version="1.0" encoding="utf-8"?>
<MPD type="static" mediaPresentationDuration="PT30S">
  <BaseURL>http://cdn.example.com/content/</BaseURL>
  <Period id="p1" start="PT0S" duration="PT30S">
    <AdaptationSet contentType="audio" lang="en" mimeType="audio/mp4" codecs="mp4a.40.2">
      <Representation id="a1" bandwidth="128000">
        <BaseURL>audio-en.mp4</BaseURL>
        <SegmentBase timescale="44100" indexRange="901-1500">
          <Initialization range="0-900"/>
        </SegmentBase>
      </Representation>
    </AdaptationSet>
    <AdaptationSet contentType="text" lang="en" mimeType="application/ttml+xml">
      <Representation id="t1" bandwidth="2000">
        <BaseURL>subs-en.ttml</BaseURL>
      </Representation>
    </AdaptationSet>
  </Period>
</MPD>`

func TestParseSegmentBase(t *testing.T) {
	m := parseManifest(t, segmentBaseMPD, dash.Options{URL: "http://cdn.example.com/live/manifest.mpd"})
	p := m.Periods()[0]

	t.Run("sidx-indexed representation", func(t *testing.T) {
		a1 := p.AdaptationsForType(manifest.MediaTypeAudio)[0].Representations[0]
		assert.False(t, a1.Index.IsInitialized())
		assert.Empty(t, a1.Index.Segments(0, 30), "no media segments before the sidx is parsed")

		init := a1.Index.InitSegment()
		require.NotNil(t, init)
		assert.Equal(t, "http://cdn.example.com/content/audio-en.mp4", init.MediaURLs[0])
		assert.Equal(t, &index.ByteRange{Start: 0, End: 900}, init.Range)
		assert.Equal(t, &index.ByteRange{Start: 901, End: 1500}, init.IndexRange)
	})

	t.Run("bare BaseURL spans the whole period", func(t *testing.T) {
		t1 := p.AdaptationsForType(manifest.MediaTypeText)[0].Representations[0]
		segs := t1.Index.Segments(0, 30)
		require.Len(t, segs, 1)
		assert.Equal(t, "http://cdn.example.com/content/subs-en.ttml", segs[0].MediaURLs[0])
		assert.InDelta(t, 0.0, segs[0].Time, 1e-9)
		assert.InDelta(t, 30.0, segs[0].Duration, 1e-9)
	})
}

const segmentListMPD = `<?xml version="1.0" encoding="utf-8"?>
<MPD type="static" mediaPresentationDuration="PT30S">
  <BaseURL>http://cdn.example.com/content/</BaseURL>
  <Period id="p1" start="PT0S" duration="PT30S">
    <AdaptationSet contentType="video" mimeType="video/mp4" codecs="avc1.4d401f">
      <SegmentList timescale="1000" duration="10000">
        <Initialization sourceURL="init.mp4"/>
        <SegmentURL media="seg-1.m4s"/>
        <SegmentURL media="seg-2.m4s"/>
        <SegmentURL media="seg-3.m4s" mediaRange="0-499"/>
      </SegmentList>
      <Representation id="v1" bandwidth="800000"/>
    </AdaptationSet>
  </Period>
</MPD>`

func TestParseSegmentList(t *testing.T) {
	m := parseManifest(t, segmentListMPD, dash.Options{URL: "http://cdn.example.com/live/manifest.mpd"})
	rep := m.Periods()[0].Adaptations()[0].Representations[0]

	segs := rep.Index.Segments(0, 30)
	require.Len(t, segs, 3)
	assert.Equal(t, "http://cdn.example.com/content/seg-1.m4s", segs[0].MediaURLs[0])
	assert.InDelta(t, 10.0, segs[1].Time, 1e-9)
	assert.Equal(t, &index.ByteRange{Start: 0, End: 499}, segs[2].Range)

	init := rep.Index.InitSegment()
	require.NotNil(t, init)
	assert.Equal(t, "http://cdn.example.com/content/init.mp4", init.MediaURLs[0])
}

const annotatedMPD = `<?xml version="1.0" encoding="utf-8"?>
<MPD xmlns:cenc="urn:mpeg:cenc:2013" type="static" mediaPresentationDuration="PT30S">
  <BaseURL>http://cdn.example.com/content/</BaseURL>
  <Period id="p1" start="PT0S" duration="PT30S">
    <AdaptationSet id="video-main" contentType="video" mimeType="video/mp4" codecs="avc1.64001f">
      <ContentProtection schemeIdUri="urn:mpeg:dash:mp4protection:2011" value="cenc" cenc:default_KID="11223344-5566-7788-99aa-bbccddeeff00"/>
      <SegmentTemplate timescale="1000" duration="2000" media="v-$Number$.m4s"/>
      <Representation id="v1" bandwidth="2000000"/>
    </AdaptationSet>
    <AdaptationSet id="video-trick" contentType="video" mimeType="video/mp4" codecs="avc1.42c01e">
      <EssentialProperty schemeIdUri="http://dashif.org/guidelines/trickmode" value="video-main"/>
      <SegmentTemplate timescale="1000" duration="2000" media="trick-$Number$.m4s"/>
      <Representation id="tk1" bandwidth="200000"/>
    </AdaptationSet>
    <AdaptationSet id="audio-ad" contentType="audio" lang="en" mimeType="audio/mp4" codecs="mp4a.40.2">
      <Accessibility schemeIdUri="urn:tva:metadata:cs:AudioPurposeCS:2007" value="1"/>
      <Role schemeIdUri="urn:mpeg:dash:role:2011" value="dub"/>
      <SegmentTemplate timescale="1000" duration="2000" media="a-$Number$.m4s"/>
      <Representation id="a1" bandwidth="96000"/>
    </AdaptationSet>
  </Period>
</MPD>`

func TestParseTrackAnnotations(t *testing.T) {
	m := parseManifest(t, annotatedMPD, dash.Options{URL: "http://cdn.example.com/live/manifest.mpd"})
	p := m.Periods()[0]

	t.Run("trick mode link", func(t *testing.T) {
		main := p.Adaptation("video-main")
		require.NotNil(t, main)
		assert.Equal(t, []string{"video-trick"}, main.TrickModeIDs)
		assert.False(t, main.IsTrickModeTrack)

		trick := p.Adaptation("video-trick")
		require.NotNil(t, trick)
		assert.True(t, trick.IsTrickModeTrack)

		tracks := p.TrickModeTracks(main)
		require.Len(t, tracks, 1)
		assert.Same(t, trick, tracks[0])
	})

	t.Run("key id", func(t *testing.T) {
		wantKID, err := hex.DecodeString("112233445566778899aabbccddeeff00")
		require.NoError(t, err)
		assert.Equal(t, wantKID, p.Adaptation("video-main").Representations[0].KeyID)
	})

	t.Run("accessibility and role flags", func(t *testing.T) {
		audio := p.Adaptation("audio-ad")
		require.NotNil(t, audio)
		assert.True(t, audio.IsAudioDescription)
		assert.True(t, audio.IsDub)
		assert.False(t, audio.IsClosedCaption)
	})
}

const chainedPeriodsMPD = `<?xml version="1.0" encoding="utf-8"?>
<MPD type="static" mediaPresentationDuration="PT70S">
  <BaseURL>http://cdn.example.com/content/</BaseURL>
  <Period id="p0" duration="PT30S">
    <AdaptationSet contentType="audio" mimeType="audio/mp4" codecs="mp4a.40.2">
      <SegmentTemplate timescale="1000" duration="2000" media="p0-$Number$.m4s"/>
      <Representation id="a1" bandwidth="96000"/>
    </AdaptationSet>
  </Period>
  <Period id="p1">
    <AdaptationSet contentType="audio" mimeType="audio/mp4" codecs="mp4a.40.2">
      <SegmentTemplate timescale="1000" duration="2000" media="p1-$Number$.m4s"/>
      <Representation id="a1" bandwidth="96000"/>
    </AdaptationSet>
  </Period>
  <Period id="p2" start="PT50S">
    <AdaptationSet contentType="audio" mimeType="audio/mp4" codecs="mp4a.40.2">
      <SegmentTemplate timescale="1000" duration="2000" media="p2-$Number$.m4s"/>
      <Representation id="a1" bandwidth="96000"/>
    </AdaptationSet>
  </Period>
</MPD>`

func TestParseResolvesPeriodChain(t *testing.T) {
	m := parseManifest(t, chainedPeriodsMPD, dash.Options{URL: "http://cdn.example.com/live/manifest.mpd"})

	periods := m.Periods()
	require.Len(t, periods, 3)

	assert.Equal(t, 0.0, periods[0].Start, "first period without a start begins at zero")
	require.NotNil(t, periods[0].End)
	assert.Equal(t, 30.0, *periods[0].End)

	assert.Equal(t, 30.0, periods[1].Start, "start continues from the previous period's end")
	require.NotNil(t, periods[1].End)
	assert.Equal(t, 50.0, *periods[1].End, "end taken from the next period's start")

	assert.Equal(t, 50.0, periods[2].Start)
	require.NotNil(t, periods[2].End)
	assert.Equal(t, 70.0, *periods[2].End, "last period ends with the presentation")
}

func TestParseRejectsMalformedDocument(t *testing.T) {
	_, err := dash.Parse([]byte("<MPD><Period></MPD>"), dash.Options{})
	require.Error(t, err)

	var mErr *errs.ManifestError
	require.ErrorAs(t, err, &mErr)
	assert.Equal(t, errs.ManifestParse, mErr.Kind)
}

func utf16LEBytes(s string) []byte {
	units := utf16.Encode([]rune(s))
	buf := make([]byte, 2, 2+len(units)*2)
	buf[0], buf[1] = 0xFF, 0xFE
	for _, u := range units {
		buf = append(buf, byte(u), byte(u>>8))
	}
	return buf
}

func TestParseAcceptsUTF16Document(t *testing.T) {
	document := `<?xml version="1.0" encoding="utf-16"?>
<MPD type="static" mediaPresentationDuration="PT10S">
  <Period id="p1" start="PT0S" duration="PT10S">
    <AdaptationSet contentType="audio" mimeType="audio/mp4" codecs="mp4a.40.2">
      <SegmentTemplate timescale="1000" duration="2000" media="a-$Number$.m4s"/>
      <Representation id="a1" bandwidth="96000"/>
    </AdaptationSet>
  </Period>
</MPD>`

	outcome, err := dash.Parse(utf16LEBytes(document), dash.Options{URL: "http://x.example.com/m.mpd"})
	require.NoError(t, err)
	require.NotNil(t, outcome.Manifest)
	require.Len(t, outcome.Manifest.Periods(), 1)
	assert.Equal(t, "p1", outcome.Manifest.Periods()[0].ID)
}
