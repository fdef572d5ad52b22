package index

// ByteRange is an inclusive byte range for HTTP Range requests. An End of
// math.MaxInt64 leaves the range open-ended.
type ByteRange struct {
	Start int64
	End   int64
}

// SmoothInitInfo carries what is needed to synthesize a Smooth Streaming
// initialization segment locally, since Smooth servers do not serve one.
type SmoothInitInfo struct {
	Timescale        uint64
	CodecPrivateData string
	MimeType         string
	Codec            string
	// Audio parameters, zero for video tracks.
	Channels         int
	SamplingRate     int
	BitsPerSample    int
	PacketSize       int
	// Video parameters, zero for audio tracks.
	Width  int
	Height int
}

// SmoothMediaInfo flags a media segment whose response may carry a tfrf box
// announcing upcoming segments.
type SmoothMediaInfo struct {
	Timescale uint64
}

// PrivateInfos carries transport-specific hints attached to a segment.
type PrivateInfos struct {
	SmoothInit  *SmoothInitInfo
	SmoothMedia *SmoothMediaInfo
}

// Segment describes one downloadable media unit. It is a pure value: safe
// to copy and to hand across goroutines.
type Segment struct {
	// ID uniquely identifies the segment within its Representation. For
	// media segments it doubles as the cache key.
	ID string

	// IsInit indicates an initialization segment.
	IsInit bool

	// Time and End are presentation times in seconds; Duration = End - Time.
	// All three are zero for init segments.
	Time     float64
	End      float64
	Duration float64

	// Timescale in which the transport expressed this segment's times,
	// kept for transport-specific post-processing of the response.
	Timescale uint64

	// Number is the $Number$ token value, when the index is number-based.
	Number uint64

	// MediaURLs lists the URLs to try in order. nil means the segment's
	// bytes are not fetched over HTTP (locally synthesized init segments).
	MediaURLs []string

	// Range restricts the request to a byte range of the resource.
	Range *ByteRange

	// IndexRange is the byte range of the sidx box, set on the init
	// segment of a BaseIndex so both can be fetched in one request.
	IndexRange *ByteRange

	// TimestampOffset is added to the segment's media timestamps to obtain
	// presentation time.
	TimestampOffset float64

	// CompleteInit indicates the init segment also embeds the index
	// information: no further initialization request is needed.
	CompleteInit bool

	PrivateInfos PrivateInfos
}

// AddedSegment describes a segment learned outside the manifest, expressed
// in ticks of its own timescale.
type AddedSegment struct {
	Time      int64
	Duration  int64
	Timescale uint64
	// Range locates the segment within the indexed resource, for segments
	// coming from a sidx box.
	Range *ByteRange
}
