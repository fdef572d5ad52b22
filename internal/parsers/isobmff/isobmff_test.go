package isobmff_test

import (
	"bytes"
	"testing"

	"github.com/Eyevinn/mp4ff/aac"
	"github.com/Eyevinn/mp4ff/bits"
	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfaureyt/rx-player/internal/errs"
	"github.com/lfaureyt/rx-player/internal/manifest/index"
	"github.com/lfaureyt/rx-player/internal/parsers/isobmff"
)

// a 640x368 main-profile SPS and the classic minimal PPS
const testCodecPrivateData = "00000001674D401FDA0280BC400000000168CE3880"

func encodeSidx(t *testing.T, sidx *mp4.SidxBox) []byte {
	t.Helper()
	sw := bits.NewFixedSliceWriter(int(sidx.Size()))
	require.NoError(t, sidx.EncodeSW(sw))
	return sw.Bytes()
}

func TestParseSidx(t *testing.T) {
	sidx := &mp4.SidxBox{
		ReferenceID:              1,
		Timescale:                44100,
		EarliestPresentationTime: 88200,
		FirstOffset:              0,
		SidxRefs: []mp4.SidxRef{
			{ReferencedSize: 1000, SubSegmentDuration: 88200, StartsWithSAP: 1, SAPType: 1},
			{ReferencedSize: 2000, SubSegmentDuration: 44100, StartsWithSAP: 1, SAPType: 1},
		},
	}
	data := encodeSidx(t, sidx)

	segs, err := isobmff.ParseSidx(data, 901)
	require.NoError(t, err)
	require.Len(t, segs, 2)

	anchor := 901 + int64(sidx.Size())
	assert.Equal(t, int64(88200), segs[0].Time)
	assert.Equal(t, int64(88200), segs[0].Duration)
	assert.Equal(t, uint64(44100), segs[0].Timescale)
	assert.Equal(t, &index.ByteRange{Start: anchor, End: anchor + 999}, segs[0].Range)

	assert.Equal(t, int64(176400), segs[1].Time, "times accumulate from the earliest presentation time")
	assert.Equal(t, &index.ByteRange{Start: anchor + 1000, End: anchor + 2999}, segs[1].Range)
}

func TestParseSidxFirstOffsetShiftsAnchor(t *testing.T) {
	sidx := &mp4.SidxBox{
		ReferenceID: 1,
		Timescale:   90000,
		FirstOffset: 52,
		SidxRefs: []mp4.SidxRef{
			{ReferencedSize: 500, SubSegmentDuration: 180000, StartsWithSAP: 1, SAPType: 1},
		},
	}
	data := encodeSidx(t, sidx)

	segs, err := isobmff.ParseSidx(data, 0)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	anchor := int64(sidx.Size()) + 52
	assert.Equal(t, &index.ByteRange{Start: anchor, End: anchor + 499}, segs[0].Range)
}

func TestParseSidxRejectsHierarchicalReferences(t *testing.T) {
	sidx := &mp4.SidxBox{
		ReferenceID: 1,
		Timescale:   90000,
		SidxRefs: []mp4.SidxRef{
			{ReferencedSize: 500, SubSegmentDuration: 180000, ReferenceType: 1},
		},
	}
	_, err := isobmff.ParseSidx(encodeSidx(t, sidx), 0)
	require.Error(t, err)
}

func TestParseSidxWithoutSidxBox(t *testing.T) {
	segs, err := isobmff.ParseSidx(buildInit(t), 0)
	require.NoError(t, err)
	assert.Empty(t, segs)
}

func buildInit(t *testing.T) []byte {
	t.Helper()
	init := mp4.CreateEmptyInit()
	init.AddEmptyTrack(48000, "audio", "und")
	require.NoError(t, init.Moov.Trak.SetAACDescriptor(aac.AAClc, 48000))
	var buf bytes.Buffer
	require.NoError(t, init.Encode(&buf))
	return buf.Bytes()
}

func buildFragment(t *testing.T, withTiming bool) []byte {
	t.Helper()
	frag, err := mp4.CreateFragment(1, 1)
	require.NoError(t, err)
	if withTiming {
		tfxd := &mp4.UUIDBox{}
		require.NoError(t, tfxd.SetUUID("6d1d9b05-42d5-44e6-80e2-141daff757b2"))
		tfxd.Tfxd = &mp4.TfxdData{
			FragmentAbsoluteTime:     200000000,
			FragmentAbsoluteDuration: 20000000,
		}
		frag.Moof.Traf.AddChild(tfxd)
		tfrf := &mp4.UUIDBox{}
		require.NoError(t, tfrf.SetUUID("d4807ef2-ca39-4695-8e54-26cb9e46a79f"))
		tfrf.Tfrf = &mp4.TfrfData{
			FragmentCount:             2,
			FragmentAbsoluteTimes:     []uint64{220000000, 240000000},
			FragmentAbsoluteDurations: []uint64{20000000, 20000000},
		}
		frag.Moof.Traf.AddChild(tfrf)
	}
	frag.AddFullSample(mp4.FullSample{
		Sample:     mp4.Sample{Dur: 20000000, Size: 4},
		DecodeTime: 200000000,
		Data:       []byte{0, 0, 0, 1},
	})
	var buf bytes.Buffer
	require.NoError(t, frag.Encode(&buf))
	return buf.Bytes()
}

func TestParseSmoothTiming(t *testing.T) {
	st, err := isobmff.ParseSmoothTiming(buildFragment(t, true), 10000000)
	require.NoError(t, err)

	require.True(t, st.HasTime)
	assert.Equal(t, uint64(200000000), st.Time)
	assert.Equal(t, uint64(20000000), st.Duration)

	require.Len(t, st.NextSegments, 2)
	assert.Equal(t, index.AddedSegment{Time: 220000000, Duration: 20000000, Timescale: 10000000}, st.NextSegments[0])
	assert.Equal(t, index.AddedSegment{Time: 240000000, Duration: 20000000, Timescale: 10000000}, st.NextSegments[1])
}

func TestParseSmoothTimingWithoutBoxes(t *testing.T) {
	st, err := isobmff.ParseSmoothTiming(buildFragment(t, false), 10000000)
	require.NoError(t, err)
	assert.False(t, st.HasTime)
	assert.Empty(t, st.NextSegments)
}

func TestCheckIntegrity(t *testing.T) {
	initBytes := buildInit(t)
	mediaBytes := buildFragment(t, false)

	t.Run("complete segments pass", func(t *testing.T) {
		assert.NoError(t, isobmff.CheckIntegrity(initBytes, true))
		assert.NoError(t, isobmff.CheckIntegrity(mediaBytes, false))
	})

	t.Run("truncated bytes fail", func(t *testing.T) {
		err := isobmff.CheckIntegrity(initBytes[:len(initBytes)-9], true)
		var iErr *errs.IntegrityError
		require.ErrorAs(t, err, &iErr)

		err = isobmff.CheckIntegrity(mediaBytes[:len(mediaBytes)-3], false)
		require.ErrorAs(t, err, &iErr)
	})

	t.Run("init bytes are not a media segment", func(t *testing.T) {
		err := isobmff.CheckIntegrity(initBytes, false)
		var iErr *errs.IntegrityError
		require.ErrorAs(t, err, &iErr)
	})
}

func TestBuildSmoothInit(t *testing.T) {
	t.Run("video", func(t *testing.T) {
		data, err := isobmff.BuildSmoothInit(&index.SmoothInitInfo{
			Timescale:        10000000,
			CodecPrivateData: testCodecPrivateData,
			MimeType:         "video/mp4",
			Codec:            "avc1.4D401F",
			Width:            640,
			Height:           368,
		})
		require.NoError(t, err)
		require.NoError(t, isobmff.CheckIntegrity(data, true))

		f, err := mp4.DecodeFileSR(bits.NewFixedSliceReader(data))
		require.NoError(t, err)
		require.NotNil(t, f.Moov)
		assert.Equal(t, uint32(10000000), f.Moov.Trak.Mdia.Mdhd.Timescale)
		avcx := f.Moov.Trak.Mdia.Minf.Stbl.Stsd.AvcX
		require.NotNil(t, avcx)
		assert.Equal(t, uint16(640), avcx.Width, "dimensions come from the SPS")
		assert.Equal(t, uint16(368), avcx.Height)
	})

	t.Run("audio", func(t *testing.T) {
		data, err := isobmff.BuildSmoothInit(&index.SmoothInitInfo{
			Timescale:    10000000,
			MimeType:     "audio/mp4",
			Codec:        "mp4a.40.2",
			Channels:     2,
			SamplingRate: 48000,
		})
		require.NoError(t, err)

		f, err := mp4.DecodeFileSR(bits.NewFixedSliceReader(data))
		require.NoError(t, err)
		assert.NotNil(t, f.Moov.Trak.Mdia.Minf.Stbl.Stsd.Mp4a)
	})

	t.Run("text", func(t *testing.T) {
		data, err := isobmff.BuildSmoothInit(&index.SmoothInitInfo{
			Timescale: 10000000,
			MimeType:  "application/ttml+xml+mp4",
		})
		require.NoError(t, err)

		f, err := mp4.DecodeFileSR(bits.NewFixedSliceReader(data))
		require.NoError(t, err)
		assert.NotNil(t, f.Moov.Trak.Mdia.Minf.Stbl.Stsd.Stpp)
	})

	t.Run("bad codec private data", func(t *testing.T) {
		_, err := isobmff.BuildSmoothInit(&index.SmoothInitInfo{
			Timescale:        10000000,
			CodecPrivateData: "not-hex",
			MimeType:         "video/mp4",
		})
		require.Error(t, err)
	})
}
