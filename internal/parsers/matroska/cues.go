// Package matroska reads the Cues element of a Matroska or WebM document,
// which plays the same indexing role for those containers as the ISOBMFF
// sidx box: each cue point maps a presentation time to the byte position
// of a cluster within the resource.
package matroska

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/at-wat/ebml-go"

	"github.com/lfaureyt/rx-player/internal/errs"
	"github.com/lfaureyt/rx-player/internal/manifest/index"
)

// nanoseconds per timecode tick when the info element does not say
const defaultTimecodeScale = 1000000

const segmentID = 0x18538067

type document struct {
	Header  ebmlHeader     `ebml:"EBML"`
	Segment segmentElement `ebml:",size=unknown"`
}

type ebmlHeader struct {
	EBMLDocType string
}

type segmentElement struct {
	Info info
	Cues cues
}

type info struct {
	TimecodeScale uint64
	Duration      float64 `ebml:",omitempty"`
}

type cues struct {
	CuePoint []cuePoint
}

type cuePoint struct {
	CueTime           uint64
	CueTrackPositions []cueTrackPositions
}

type cueTrackPositions struct {
	CueTrack           uint64
	CueClusterPosition uint64
}

// ParseCues extracts the segment list declared by the cues of a Matroska or
// WebM document. dataOffset is the byte position of data within the indexed
// resource, so the returned ranges locate each cluster absolutely. A document
// without cues yields no segments and no error.
func ParseCues(data []byte, dataOffset int64) ([]index.AddedSegment, error) {
	segStart, err := segmentDataStart(data)
	if err != nil {
		return nil, &errs.IntegrityError{Err: err}
	}

	var doc document
	if err := ebml.Unmarshal(bytes.NewReader(data), &doc, ebml.WithIgnoreUnknown(true)); err != nil {
		// Index fetches usually stop at the end of the cues, well short
		// of the extent the segment element declares.
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &errs.IntegrityError{Err: err}
		}
	}
	points := doc.Segment.Cues.CuePoint
	if len(points) == 0 {
		return nil, nil
	}

	base := dataOffset + segStart
	type cueInfo struct {
		time int64
		pos  int64
	}
	infos := make([]cueInfo, 0, len(points))
	for _, p := range points {
		if len(p.CueTrackPositions) == 0 {
			return nil, &errs.IntegrityError{Err: errors.New("cue point carries no track positions")}
		}
		infos = append(infos, cueInfo{
			time: int64(p.CueTime),
			pos:  base + int64(p.CueTrackPositions[0].CueClusterPosition),
		})
	}

	ts := doc.Segment.Info.TimecodeScale
	if ts == 0 {
		ts = defaultTimecodeScale
	}
	timescale := uint64(1e9) / ts

	segs := make([]index.AddedSegment, 0, len(infos))
	for i, cue := range infos {
		seg := index.AddedSegment{
			Time:      cue.time,
			Timescale: timescale,
			Range:     &index.ByteRange{Start: cue.pos, End: math.MaxInt64},
		}
		switch {
		case i+1 < len(infos):
			seg.Duration = infos[i+1].time - cue.time
			seg.Range.End = infos[i+1].pos - 1
		case doc.Segment.Info.Duration > 0:
			seg.Duration = int64(doc.Segment.Info.Duration) - cue.time
		case i > 0:
			// No declared total duration, so assume the final cluster
			// matches the previous one to keep it requestable.
			seg.Duration = segs[i-1].Duration
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

// segmentDataStart walks the top-level elements until the segment element
// and returns the offset of its first data byte, the point cue cluster
// positions are relative to. ebml-go reports decoded values without their
// stream offsets, so the two framing elements are measured by hand.
func segmentDataStart(data []byte) (int64, error) {
	pos := 0
	for pos < len(data) {
		id, n, err := readElementID(data[pos:])
		if err != nil {
			return 0, err
		}
		pos += n
		size, n, err := readElementSize(data[pos:])
		if err != nil {
			return 0, err
		}
		pos += n
		if id == segmentID {
			return int64(pos), nil
		}
		if size < 0 {
			return 0, fmt.Errorf("element 0x%X before the segment has no declared size", id)
		}
		pos += int(size)
	}
	return 0, errors.New("no segment element in document")
}

// readElementID decodes an EBML element id, marker bit included.
func readElementID(data []byte) (uint32, int, error) {
	if len(data) == 0 {
		return 0, 0, io.ErrUnexpectedEOF
	}
	width := vintWidth(data[0])
	if width == 0 || width > 4 || len(data) < width {
		return 0, 0, errors.New("malformed element id")
	}
	var id uint32
	for _, b := range data[:width] {
		id = id<<8 | uint32(b)
	}
	return id, width, nil
}

// readElementSize decodes an EBML size field. Unknown sizes come back as -1.
func readElementSize(data []byte) (int64, int, error) {
	if len(data) == 0 {
		return 0, 0, io.ErrUnexpectedEOF
	}
	width := vintWidth(data[0])
	if width == 0 || width > 8 || len(data) < width {
		return 0, 0, errors.New("malformed element size")
	}
	value := uint64(data[0]) & (0xFF >> width)
	allOnes := value == 0xFF>>width
	for _, b := range data[1:width] {
		value = value<<8 | uint64(b)
		if b != 0xFF {
			allOnes = false
		}
	}
	if allOnes {
		return -1, width, nil
	}
	return int64(value), width, nil
}

func vintWidth(b byte) int {
	for i := 0; i < 8; i++ {
		if b&(0x80>>i) != 0 {
			return i + 1
		}
	}
	return 0
}
