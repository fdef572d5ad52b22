package isobmff

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/Eyevinn/mp4ff/aac"
	"github.com/Eyevinn/mp4ff/bits"
	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/lfaureyt/rx-player/internal/errs"
	"github.com/lfaureyt/rx-player/internal/manifest/index"
)

// SmoothTiming carries the timing information a Smooth media fragment
// embeds in its traf-level uuid boxes.
type SmoothTiming struct {
	// Time and Duration locate the fragment on the track timeline, taken
	// from the tfxd box. HasTime reports whether one was present.
	Time     uint64
	Duration uint64
	HasTime  bool

	// NextSegments lists the upcoming fragments announced by the tfrf
	// box, ready to be merged into the segment index.
	NextSegments []index.AddedSegment
}

// ParseSmoothTiming scans a fetched Smooth fragment for tfxd and tfrf
// boxes. timescale is the track timescale the absolute times are
// expressed in.
func ParseSmoothTiming(data []byte, timescale uint64) (SmoothTiming, error) {
	var st SmoothTiming
	f, err := mp4.DecodeFileSR(bits.NewFixedSliceReader(data))
	if err != nil {
		return st, &errs.IntegrityError{Err: err}
	}
	for _, seg := range f.Segments {
		for _, frag := range seg.Fragments {
			if frag.Moof == nil {
				continue
			}
			for _, traf := range frag.Moof.Trafs {
				st.collect(traf, timescale)
			}
		}
	}
	return st, nil
}

func (st *SmoothTiming) collect(traf *mp4.TrafBox, timescale uint64) {
	for _, c := range traf.Children {
		u, ok := c.(*mp4.UUIDBox)
		if !ok {
			continue
		}
		switch u.SubType() {
		case "tfxd":
			if u.Tfxd != nil && !st.HasTime {
				st.Time = u.Tfxd.FragmentAbsoluteTime
				st.Duration = u.Tfxd.FragmentAbsoluteDuration
				st.HasTime = true
			}
		case "tfrf":
			if u.Tfrf == nil {
				continue
			}
			for i, t := range u.Tfrf.FragmentAbsoluteTimes {
				if i >= len(u.Tfrf.FragmentAbsoluteDurations) {
					break
				}
				st.NextSegments = append(st.NextSegments, index.AddedSegment{
					Time:      int64(t),
					Duration:  int64(u.Tfrf.FragmentAbsoluteDurations[i]),
					Timescale: timescale,
				})
			}
		}
	}
}

// BuildSmoothInit synthesizes the initialization segment for a Smooth
// track from the parameters the manifest declared.
func BuildSmoothInit(info *index.SmoothInitInfo) ([]byte, error) {
	if info == nil {
		return nil, errors.New("no init parameters")
	}
	init := mp4.CreateEmptyInit()
	switch {
	case strings.HasPrefix(info.MimeType, "video/"):
		init.AddEmptyTrack(uint32(info.Timescale), "video", "und")
		sps, pps, err := avcParameterSets(info.CodecPrivateData)
		if err != nil {
			return nil, err
		}
		if err := init.Moov.Trak.SetAVCDescriptor("avc1", sps, pps, true); err != nil {
			return nil, fmt.Errorf("avc descriptor: %w", err)
		}
	case strings.HasPrefix(info.MimeType, "audio/"):
		init.AddEmptyTrack(uint32(info.Timescale), "audio", "und")
		objType := byte(aac.AAClc)
		if info.Codec == "mp4a.40.5" {
			objType = aac.HEAACv1
		}
		if err := init.Moov.Trak.SetAACDescriptor(objType, info.SamplingRate); err != nil {
			return nil, fmt.Errorf("aac descriptor: %w", err)
		}
	default:
		init.AddEmptyTrack(uint32(info.Timescale), "subtitle", "und")
		if err := init.Moov.Trak.SetStppDescriptor("http://www.w3.org/ns/ttml", "", ""); err != nil {
			return nil, fmt.Errorf("stpp descriptor: %w", err)
		}
	}
	sw := bits.NewFixedSliceWriter(int(init.Size()))
	if err := init.EncodeSW(sw); err != nil {
		return nil, fmt.Errorf("encode init segment: %w", err)
	}
	return sw.Bytes(), nil
}

// avcParameterSets splits a Smooth CodecPrivateData hex string on annex-B
// start codes and sorts the NAL units into parameter sets.
func avcParameterSets(codecPrivateData string) (sps, pps [][]byte, err error) {
	for _, part := range strings.Split(codecPrivateData, "00000001") {
		if part == "" {
			continue
		}
		nalu, err := hex.DecodeString(part)
		if err != nil {
			return nil, nil, fmt.Errorf("codec private data is not hex: %w", err)
		}
		if len(nalu) == 0 {
			continue
		}
		switch nalu[0] & 0x1F {
		case 7:
			sps = append(sps, nalu)
		case 8:
			pps = append(pps, nalu)
		}
	}
	if len(sps) == 0 {
		return nil, nil, errors.New("no sps nal unit in codec private data")
	}
	return sps, pps, nil
}
