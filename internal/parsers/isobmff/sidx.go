// Package isobmff reads the ISOBMFF structures the engine cares about:
// sidx-declared subsegments, the Smooth timing boxes carried by fetched
// fragments, and structural integrity of media bytes. It also synthesizes
// Smooth initialization segments, which the servers never serve.
package isobmff

import (
	"errors"

	"github.com/Eyevinn/mp4ff/bits"
	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/lfaureyt/rx-player/internal/errs"
	"github.com/lfaureyt/rx-player/internal/manifest/index"
)

// ParseSidx extracts the subsegments declared by the first sidx box found
// in data. sidxOffset is the byte position of that box within the indexed
// resource, so the returned ranges locate each subsegment absolutely.
// A document without a sidx box yields no segments and no error.
func ParseSidx(data []byte, sidxOffset int64) ([]index.AddedSegment, error) {
	f, err := mp4.DecodeFileSR(bits.NewFixedSliceReader(data))
	if err != nil {
		return nil, &errs.IntegrityError{Err: err}
	}
	sidx := f.Sidx
	if sidx == nil {
		for _, seg := range f.Segments {
			if seg.Sidx != nil {
				sidx = seg.Sidx
				break
			}
		}
	}
	if sidx == nil {
		return nil, nil
	}

	// references are anchored at the first byte after the sidx box
	offset := sidxOffset + int64(sidx.Size()) + int64(sidx.FirstOffset)
	time := int64(sidx.EarliestPresentationTime)
	segs := make([]index.AddedSegment, 0, len(sidx.SidxRefs))
	for _, ref := range sidx.SidxRefs {
		if ref.ReferenceType == 1 {
			return nil, errors.New("hierarchical sidx references are not supported")
		}
		size := int64(ref.ReferencedSize)
		dur := int64(ref.SubSegmentDuration)
		segs = append(segs, index.AddedSegment{
			Time:      time,
			Duration:  dur,
			Timescale: uint64(sidx.Timescale),
			Range:     &index.ByteRange{Start: offset, End: offset + size - 1},
		})
		time += dur
		offset += size
	}
	return segs, nil
}
