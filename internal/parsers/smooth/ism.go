package smooth

import "encoding/xml"

// SmoothStreamingMedia is the root element of an IIS Smooth Streaming
// client manifest.
type SmoothStreamingMedia struct {
	XMLName         xml.Name      `xml:"SmoothStreamingMedia"`
	MajorVersion    string        `xml:"MajorVersion,attr"`
	MinorVersion    string        `xml:"MinorVersion,attr"`
	TimeScale       uint64        `xml:"TimeScale,attr"`
	Duration        uint64        `xml:"Duration,attr"`
	DVRWindowLength uint64        `xml:"DVRWindowLength,attr"`
	IsLive          bool          `xml:"IsLive,attr"`
	LookaheadCount  int           `xml:"LookaheadCount,attr"`
	Protection      *Protection   `xml:"Protection"`
	StreamIndexes   []StreamIndex `xml:"StreamIndex"`
}

// Protection wraps the DRM headers of a protected presentation.
type Protection struct {
	Headers []ProtectionHeader `xml:"ProtectionHeader"`
}

// ProtectionHeader carries one DRM system's initialization blob, base64
// encoded.
type ProtectionHeader struct {
	SystemID string `xml:"SystemID,attr"`
	Value    string `xml:",chardata"`
}

// StreamIndex is one track of the presentation: a URL pattern, a chunk
// timeline shared by every quality level, and the levels themselves.
type StreamIndex struct {
	Type          string         `xml:"Type,attr"`
	Name          string         `xml:"Name,attr"`
	Subtype       string         `xml:"Subtype,attr"`
	Language      string         `xml:"Language,attr"`
	TimeScale     uint64         `xml:"TimeScale,attr"`
	URL           string         `xml:"Url,attr"`
	Chunks        []Chunk        `xml:"c"`
	QualityLevels []QualityLevel `xml:"QualityLevel"`
}

// Chunk is one <c> timeline element. A missing t continues from the
// previous chunk's end; r counts contiguous same-duration fragments, not
// extra repeats as in DASH.
type Chunk struct {
	T *uint64 `xml:"t,attr"`
	D *uint64 `xml:"d,attr"`
	R *int64  `xml:"r,attr"`
}

// QualityLevel describes one bitrate variant of a stream.
type QualityLevel struct {
	Index              int    `xml:"Index,attr"`
	Bitrate            int64  `xml:"Bitrate,attr"`
	FourCC             string `xml:"FourCC,attr"`
	CodecPrivateData   string `xml:"CodecPrivateData,attr"`
	MaxWidth           int    `xml:"MaxWidth,attr"`
	MaxHeight          int    `xml:"MaxHeight,attr"`
	SamplingRate       int    `xml:"SamplingRate,attr"`
	Channels           int    `xml:"Channels,attr"`
	BitsPerSample      int    `xml:"BitsPerSample,attr"`
	PacketSize         int    `xml:"PacketSize,attr"`
	AudioTag           int    `xml:"AudioTag,attr"`
	NALUnitLengthField int    `xml:"NALUnitLengthField,attr"`
}
