package manifest

import (
	"errors"
	"sort"
)

// MediaType is the kind of media an Adaptation carries.
type MediaType string

const (
	MediaTypeAudio MediaType = "audio"
	MediaTypeVideo MediaType = "video"
	MediaTypeText  MediaType = "text"
	MediaTypeImage MediaType = "image"
)

// mediaTypes lists every type in the order adaptations are walked.
var mediaTypes = [...]MediaType{MediaTypeVideo, MediaTypeAudio, MediaTypeText, MediaTypeImage}

// Adaptation is a single selectable track within a Period: one language of
// audio, one camera angle of video. Trick-mode companions are referenced by
// id and resolved through the owning Period.
type Adaptation struct {
	ID                 string
	Type               MediaType
	Language           string
	NormalizedLanguage string

	IsAudioDescription bool
	IsClosedCaption    bool
	IsDub              bool
	IsSignInterpreted  bool
	IsTrickModeTrack   bool
	ManuallyAdded      bool

	TrickModeIDs []string

	// Representations are sorted by ascending bitrate.
	Representations []*Representation
}

type AdaptationArgs struct {
	ID                 string
	Type               MediaType
	Language           string
	IsAudioDescription bool
	IsClosedCaption    bool
	IsDub              bool
	IsSignInterpreted  bool
	IsTrickModeTrack   bool
	ManuallyAdded      bool
	TrickModeIDs       []string
	Representations    []RepresentationArgs
}

func newAdaptation(args AdaptationArgs, supports CodecSupportChecker) (*Adaptation, error) {
	if args.ID == "" {
		return nil, errors.New("adaptation needs an id")
	}
	switch args.Type {
	case MediaTypeAudio, MediaTypeVideo, MediaTypeText, MediaTypeImage:
	default:
		return nil, errors.New("adaptation " + args.ID + " has an unknown media type")
	}
	if len(args.Representations) == 0 {
		return nil, errors.New("adaptation " + args.ID + " has no representation")
	}
	reps := make([]*Representation, 0, len(args.Representations))
	for _, ra := range args.Representations {
		r, err := newRepresentation(ra, supports)
		if err != nil {
			return nil, err
		}
		reps = append(reps, r)
	}
	sortRepresentations(reps)
	return &Adaptation{
		ID:                 args.ID,
		Type:               args.Type,
		Language:           args.Language,
		NormalizedLanguage: NormalizeLanguage(args.Language),
		IsAudioDescription: args.IsAudioDescription,
		IsClosedCaption:    args.IsClosedCaption,
		IsDub:              args.IsDub,
		IsSignInterpreted:  args.IsSignInterpreted,
		IsTrickModeTrack:   args.IsTrickModeTrack,
		ManuallyAdded:      args.ManuallyAdded,
		TrickModeIDs:       args.TrickModeIDs,
		Representations:    reps,
	}, nil
}

func sortRepresentations(reps []*Representation) {
	sort.SliceStable(reps, func(i, j int) bool {
		return reps[i].Bitrate < reps[j].Bitrate
	})
}

// Representation returns the representation with the given id, or nil.
func (a *Adaptation) Representation(id string) *Representation {
	for _, r := range a.Representations {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// IsSupported reports whether at least one representation has a supported
// codec.
func (a *Adaptation) IsSupported() bool {
	for _, r := range a.Representations {
		if r.IsSupported {
			return true
		}
	}
	return false
}

// PlayableRepresentations returns the representations that are supported
// and not known to be undecipherable, in ascending bitrate order.
func (a *Adaptation) PlayableRepresentations() []*Representation {
	out := make([]*Representation, 0, len(a.Representations))
	for _, r := range a.Representations {
		if r.IsPlayable() {
			out = append(out, r)
		}
	}
	return out
}

// absorb merges the refreshed adaptation. Representations are matched by
// id: survivors absorb their counterpart, newcomers are inserted and
// disappeared ones dropped.
func (a *Adaptation) absorb(n *Adaptation, fullReplace bool) error {
	a.Language = n.Language
	a.NormalizedLanguage = n.NormalizedLanguage
	a.IsAudioDescription = n.IsAudioDescription
	a.IsClosedCaption = n.IsClosedCaption
	a.IsDub = n.IsDub
	a.IsSignInterpreted = n.IsSignInterpreted
	a.IsTrickModeTrack = n.IsTrickModeTrack
	a.TrickModeIDs = n.TrickModeIDs

	var firstErr error
	merged := make([]*Representation, 0, len(n.Representations))
	for _, nr := range n.Representations {
		if old := a.Representation(nr.ID); old != nil {
			if err := old.absorb(nr, fullReplace); err != nil && firstErr == nil {
				firstErr = err
			}
			merged = append(merged, old)
			continue
		}
		merged = append(merged, nr)
	}
	sortRepresentations(merged)
	a.Representations = merged
	return firstErr
}
