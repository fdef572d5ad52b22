package dash

import "encoding/xml"

// MPD is the root element of a Media Presentation Description. Duration
// and date attributes are kept as strings and interpreted while building
// the manifest model.
type MPD struct {
	XMLName                    xml.Name     `xml:"MPD"`
	ID                         string       `xml:"id,attr"`
	Type                       string       `xml:"type,attr"`
	Profiles                   string       `xml:"profiles,attr"`
	AvailabilityStartTime      string       `xml:"availabilityStartTime,attr"`
	PublishTime                string       `xml:"publishTime,attr"`
	MediaPresentationDuration  string       `xml:"mediaPresentationDuration,attr"`
	MinimumUpdatePeriod        string       `xml:"minimumUpdatePeriod,attr"`
	TimeShiftBufferDepth       string       `xml:"timeShiftBufferDepth,attr"`
	SuggestedPresentationDelay string       `xml:"suggestedPresentationDelay,attr"`
	MaxSegmentDuration         string       `xml:"maxSegmentDuration,attr"`
	MinBufferTime              string       `xml:"minBufferTime,attr"`
	BaseURLs                   []string     `xml:"BaseURL"`
	Locations                  []string     `xml:"Location"`
	UTCTimings                 []Descriptor `xml:"UTCTiming"`
	Periods                    []Period     `xml:"Period"`
}

// Descriptor is the generic scheme/value pair used by UTCTiming, Role,
// Accessibility and the property elements.
type Descriptor struct {
	SchemeIDURI string `xml:"schemeIdUri,attr"`
	Value       string `xml:"value,attr"`
}

// ContentProtection declares a protection scheme on an adaptation set or
// representation.
type ContentProtection struct {
	SchemeIDURI string `xml:"schemeIdUri,attr"`
	Value       string `xml:"value,attr"`
	DefaultKID  string `xml:"urn:mpeg:cenc:2013 default_KID,attr"`
}

// Period represents a media content period. Remote periods carry an
// xlink reference instead of inline content.
type Period struct {
	ID              string           `xml:"id,attr"`
	Start           string           `xml:"start,attr"`
	Duration        string           `xml:"duration,attr"`
	XLinkHref       string           `xml:"http://www.w3.org/1999/xlink href,attr"`
	XLinkActuate    string           `xml:"http://www.w3.org/1999/xlink actuate,attr"`
	BaseURLs        []string         `xml:"BaseURL"`
	SegmentTemplate *SegmentTemplate `xml:"SegmentTemplate"`
	AdaptationSets  []AdaptationSet  `xml:"AdaptationSet"`
}

// AdaptationSet represents a set of interchangeable representations.
type AdaptationSet struct {
	ID                     string              `xml:"id,attr"`
	ContentType            string              `xml:"contentType,attr"`
	MimeType               string              `xml:"mimeType,attr"`
	Codecs                 string              `xml:"codecs,attr"`
	Lang                   string              `xml:"lang,attr"`
	Width                  int                 `xml:"width,attr"`
	Height                 int                 `xml:"height,attr"`
	FrameRate              string              `xml:"frameRate,attr"`
	AudioSamplingRate      int                 `xml:"audioSamplingRate,attr"`
	SegmentAlignment       bool                `xml:"segmentAlignment,attr"`
	BaseURLs               []string            `xml:"BaseURL"`
	Roles                  []Descriptor        `xml:"Role"`
	Accessibilities        []Descriptor        `xml:"Accessibility"`
	EssentialProperties    []Descriptor        `xml:"EssentialProperty"`
	SupplementalProperties []Descriptor        `xml:"SupplementalProperty"`
	ContentProtections     []ContentProtection `xml:"ContentProtection"`
	SegmentTemplate        *SegmentTemplate    `xml:"SegmentTemplate"`
	SegmentList            *SegmentList        `xml:"SegmentList"`
	SegmentBase            *SegmentBase        `xml:"SegmentBase"`
	Representations        []Representation    `xml:"Representation"`
}

// Representation represents a specific media stream.
type Representation struct {
	ID                 string              `xml:"id,attr"`
	Bandwidth          int64               `xml:"bandwidth,attr"`
	Codecs             string              `xml:"codecs,attr"`
	MimeType           string              `xml:"mimeType,attr"`
	Width              int                 `xml:"width,attr"`
	Height             int                 `xml:"height,attr"`
	FrameRate          string              `xml:"frameRate,attr"`
	AudioSamplingRate  int                 `xml:"audioSamplingRate,attr"`
	BaseURLs           []string            `xml:"BaseURL"`
	ContentProtections []ContentProtection `xml:"ContentProtection"`
	SegmentTemplate    *SegmentTemplate    `xml:"SegmentTemplate"`
	SegmentList        *SegmentList        `xml:"SegmentList"`
	SegmentBase        *SegmentBase        `xml:"SegmentBase"`
}

// SegmentTemplate defines the URL structure for segments. Pointer
// attributes distinguish absent from zero so inheritance across the
// period, adaptation set and representation levels stays faithful.
type SegmentTemplate struct {
	Timescale              *uint64          `xml:"timescale,attr"`
	PresentationTimeOffset *uint64          `xml:"presentationTimeOffset,attr"`
	Initialization         string           `xml:"initialization,attr"`
	Media                  string           `xml:"media,attr"`
	Duration               *uint64          `xml:"duration,attr"`
	StartNumber            *uint64          `xml:"startNumber,attr"`
	AvailabilityTimeOffset string           `xml:"availabilityTimeOffset,attr"`
	Timeline               *SegmentTimeline `xml:"SegmentTimeline"`
}

// SegmentTimeline defines the timeline of segments.
type SegmentTimeline struct {
	Segments []S `xml:"S"`
}

// S represents a single segment or a run of repeated segments. A missing
// t continues from the previous entry's end; r = -1 repeats until the
// next entry or the period end.
type S struct {
	T *uint64 `xml:"t,attr"`
	D uint64  `xml:"d,attr"`
	R *int64  `xml:"r,attr"`
}

// SegmentBase addresses segments as byte ranges within one resource,
// indexed by a sidx box.
type SegmentBase struct {
	IndexRange             string    `xml:"indexRange,attr"`
	Timescale              *uint64   `xml:"timescale,attr"`
	PresentationTimeOffset *uint64   `xml:"presentationTimeOffset,attr"`
	Initialization         *URLRange `xml:"Initialization"`
}

// SegmentList enumerates segment URLs sharing one duration.
type SegmentList struct {
	Timescale              *uint64      `xml:"timescale,attr"`
	Duration               *uint64      `xml:"duration,attr"`
	PresentationTimeOffset *uint64      `xml:"presentationTimeOffset,attr"`
	Initialization         *URLRange    `xml:"Initialization"`
	SegmentURLs            []SegmentURL `xml:"SegmentURL"`
}

// URLRange points at an optional resource restricted to a byte range.
type URLRange struct {
	SourceURL string `xml:"sourceURL,attr"`
	Range     string `xml:"range,attr"`
}

// SegmentURL is one entry of a SegmentList.
type SegmentURL struct {
	Media      string `xml:"media,attr"`
	MediaRange string `xml:"mediaRange,attr"`
}
