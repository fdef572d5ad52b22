package manifest

import (
	"errors"

	"github.com/lfaureyt/rx-player/internal/manifest/index"
)

// CodecSupportChecker reports whether the embedding player can decode the
// given mime type and codec string. A nil checker treats everything as
// supported.
type CodecSupportChecker func(mimeType, codec string) bool

// Representation is one encoded quality variant of an Adaptation.
type Representation struct {
	ID        string
	Bitrate   int64
	Codec     string
	MimeType  string
	Width     int
	Height    int
	FrameRate string
	HDR       *HDRInfo

	// KeyID identifies the content key protecting the representation, when
	// the manifest declares one.
	KeyID []byte

	// Decipherable is nil until the DRM layer has reported on the
	// representation's keys.
	Decipherable *bool

	IsSupported bool

	Index index.SegmentIndex
}

// HDRInfo describes the dynamic-range characteristics of a representation.
type HDRInfo struct {
	ColorDepth int
	EOTF       string
	ColorSpace string
}

type RepresentationArgs struct {
	ID        string
	Bitrate   int64
	Codec     string
	MimeType  string
	Width     int
	Height    int
	FrameRate string
	HDR       *HDRInfo
	KeyID     []byte
	Index     index.SegmentIndex
}

func newRepresentation(args RepresentationArgs, supports CodecSupportChecker) (*Representation, error) {
	if args.ID == "" {
		return nil, errors.New("representation needs an id")
	}
	if args.Index == nil {
		return nil, errors.New("representation " + args.ID + " has no segment index")
	}
	supported := true
	if supports != nil {
		supported = supports(args.MimeType, args.Codec)
	}
	return &Representation{
		ID:          args.ID,
		Bitrate:     args.Bitrate,
		Codec:       args.Codec,
		MimeType:    args.MimeType,
		Width:       args.Width,
		Height:      args.Height,
		FrameRate:   args.FrameRate,
		HDR:         args.HDR,
		KeyID:       args.KeyID,
		IsSupported: supported,
		Index:       args.Index,
	}, nil
}

// MimeTypeString returns the full type used for codec support queries,
// e.g. `video/mp4;codecs="avc1.640028"`.
func (r *Representation) MimeTypeString() string {
	return r.MimeType + `;codecs="` + r.Codec + `"`
}

// IsPlayable reports whether the representation is supported and not known
// to be undecipherable.
func (r *Representation) IsPlayable() bool {
	return r.IsSupported && (r.Decipherable == nil || *r.Decipherable)
}

// absorb takes the refreshed representation's manifest-provided fields.
// Local state, the decipherability verdict, is kept. fullReplace switches
// the index between wholesale replacement and timeline merging.
func (r *Representation) absorb(n *Representation, fullReplace bool) error {
	r.Bitrate = n.Bitrate
	r.Codec = n.Codec
	r.MimeType = n.MimeType
	r.Width = n.Width
	r.Height = n.Height
	r.FrameRate = n.FrameRate
	r.HDR = n.HDR
	r.KeyID = n.KeyID
	r.IsSupported = n.IsSupported
	if fullReplace {
		return r.Index.Replace(n.Index)
	}
	return r.Index.Update(n.Index)
}
