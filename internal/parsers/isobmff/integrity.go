package isobmff

import (
	"errors"

	"github.com/Eyevinn/mp4ff/bits"
	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/lfaureyt/rx-player/internal/errs"
)

// CheckIntegrity verifies that data holds a structurally complete segment:
// ftyp and moov for an initialization segment, at least one complete
// moof/mdat pair otherwise. Failures are retryable by the fetch path.
func CheckIntegrity(data []byte, isInit bool) error {
	f, err := mp4.DecodeFileSR(bits.NewFixedSliceReader(data))
	if err != nil {
		return &errs.IntegrityError{Err: err}
	}
	if isInit {
		if f.Ftyp == nil {
			return &errs.IntegrityError{Err: errors.New("incomplete ftyp box")}
		}
		if f.Moov == nil {
			return &errs.IntegrityError{Err: errors.New("incomplete moov box")}
		}
		return nil
	}
	if len(f.Segments) == 0 {
		return &errs.IntegrityError{Err: errors.New("incomplete moof box")}
	}
	for _, seg := range f.Segments {
		if len(seg.Fragments) == 0 {
			return &errs.IntegrityError{Err: errors.New("incomplete moof box")}
		}
		for _, frag := range seg.Fragments {
			if frag.Moof == nil {
				return &errs.IntegrityError{Err: errors.New("incomplete moof box")}
			}
			if frag.Mdat == nil {
				return &errs.IntegrityError{Err: errors.New("incomplete mdat box")}
			}
		}
	}
	return nil
}
