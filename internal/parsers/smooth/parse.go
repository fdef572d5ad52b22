// Package smooth parses IIS Smooth Streaming client manifests into the
// manifest model. A Smooth presentation maps to a single period, and since
// Smooth servers serve no initialization segments, each representation
// carries what is needed to synthesize one locally.
package smooth

import (
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/lfaureyt/rx-player/internal/errs"
	"github.com/lfaureyt/rx-player/internal/logger"
	"github.com/lfaureyt/rx-player/internal/manifest"
	"github.com/lfaureyt/rx-player/internal/manifest/index"
	"github.com/lfaureyt/rx-player/internal/parsers/xmldoc"
)

const (
	// defaultTimescale is the 10 MHz clock Smooth manifests default to.
	defaultTimescale = 10000000

	// defaultPresentationDelay backs a live join off the edge; client
	// manifests carry no equivalent attribute.
	defaultPresentationDelay = 20.0
)

// Options configure a parse run.
type Options struct {
	// URL the document was fetched from. Stream paths resolve against it.
	URL string

	CodecSupport manifest.CodecSupportChecker

	// Now is the wall clock, injectable in tests. Defaults to time.Now.
	Now func() time.Time

	// Log receives diagnostics about skipped elements. Defaults to a
	// no-op logger.
	Log logger.Logger
}

// Parse reads a Smooth Streaming client manifest.
func Parse(document []byte, opts Options) (*manifest.Manifest, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}
	root := new(SmoothStreamingMedia)
	if err := xml.Unmarshal(xmldoc.Decode(document), root); err != nil {
		return nil, &errs.ManifestError{Kind: errs.ManifestParse, Err: err}
	}
	return buildManifest(root, opts)
}

func buildManifest(root *SmoothStreamingMedia, opts Options) (*manifest.Manifest, error) {
	rootTS := root.TimeScale
	if rootTS == 0 {
		rootTS = defaultTimescale
	}
	var timeshiftDepth *float64
	if root.IsLive && root.DVRWindowLength > 0 {
		d := float64(root.DVRWindowLength) / float64(rootTS)
		timeshiftDepth = &d
	}
	var periodEnd *float64
	if !root.IsLive && root.Duration > 0 {
		e := float64(root.Duration) / float64(rootTS)
		periodEnd = &e
	}
	keyID := protectionKeyID(root.Protection)

	var adaptations []manifest.AdaptationArgs
	for i := range root.StreamIndexes {
		aa, ok := buildAdaptation(&root.StreamIndexes[i], i, rootTS, periodEnd, timeshiftDepth, keyID, root.IsLive, opts)
		if !ok {
			continue
		}
		adaptations = append(adaptations, aa)
	}
	if len(adaptations) == 0 {
		return nil, &errs.ManifestError{Kind: errs.ManifestParse, Err: errors.New("no usable stream index")}
	}

	var delay *float64
	if root.IsLive {
		d := defaultPresentationDelay
		delay = &d
	}
	var uris []string
	if opts.URL != "" {
		uris = []string{opts.URL}
	}
	return manifest.New(manifest.ManifestArgs{
		Transport:                  manifest.TransportSmooth,
		IsDynamic:                  root.IsLive,
		IsLive:                     root.IsLive,
		IsLastPeriodKnown:          !root.IsLive,
		URIs:                       uris,
		TimeshiftDepth:             timeshiftDepth,
		SuggestedPresentationDelay: delay,
		Periods: []manifest.PeriodArgs{{
			ID:          "period-0",
			Start:       0,
			End:         periodEnd,
			Adaptations: adaptations,
		}},
		CodecSupport: opts.CodecSupport,
		Now:          opts.Now,
	})
}

func buildAdaptation(si *StreamIndex, idx int, rootTS uint64, periodEnd, timeshiftDepth *float64, keyID []byte, isLive bool, opts Options) (manifest.AdaptationArgs, bool) {
	var mediaType manifest.MediaType
	switch strings.ToLower(si.Type) {
	case "video":
		mediaType = manifest.MediaTypeVideo
	case "audio":
		mediaType = manifest.MediaTypeAudio
	case "text":
		mediaType = manifest.MediaTypeText
	default:
		opts.Log.Warnf("smooth: stream index %d has unhandled type %q, skipping", idx, si.Type)
		return manifest.AdaptationArgs{}, false
	}
	id := si.Name
	if id == "" {
		id = string(mediaType) + "-" + strconv.Itoa(idx)
	}
	ts := si.TimeScale
	if ts == 0 {
		ts = rootTS
	}
	media := resolveURL(opts.URL, normalizeURLTokens(si.URL))
	timeline := timelineEntries(si.Chunks)

	args := manifest.AdaptationArgs{
		ID:                 id,
		Type:               mediaType,
		Language:           si.Language,
		IsClosedCaption:    si.Subtype == "CAPT",
		IsAudioDescription: si.Subtype == "DESC",
	}
	seen := make(map[string]bool)
	for k := range si.QualityLevels {
		ql := &si.QualityLevels[k]
		ra, err := buildRepresentation(ql, mediaType, id, ts, media, timeline, periodEnd, timeshiftDepth, isLive, opts)
		if err != nil {
			opts.Log.Warnf("smooth: skipping quality level %d of %q: %v", k, id, err)
			continue
		}
		if seen[ra.ID] {
			ra.ID += "-" + strconv.Itoa(k)
		}
		seen[ra.ID] = true
		ra.KeyID = keyID
		args.Representations = append(args.Representations, ra)
	}
	if len(args.Representations) == 0 {
		opts.Log.Warnf("smooth: stream index %q has no usable quality level, skipping", id)
		return manifest.AdaptationArgs{}, false
	}
	return args, true
}

func buildRepresentation(ql *QualityLevel, mediaType manifest.MediaType, asID string, ts uint64, media string, timeline []index.TimelineEntry, periodEnd, timeshiftDepth *float64, isLive bool, opts Options) (manifest.RepresentationArgs, error) {
	repID := fmt.Sprintf("%s-%d", asID, ql.Bitrate)
	mime, codec := mimeAndCodec(mediaType, ql)
	segIndex, err := index.NewSmoothIndex(index.SmoothIndexArgs{
		Timescale:        ts,
		PeriodStart:      0,
		PeriodEnd:        periodEnd,
		RepresentationID: repID,
		Bitrate:          ql.Bitrate,
		MediaURLs:        []string{media},
		Timeline:         timeline,
		IsLive:           isLive,
		TimeshiftDepth:   timeshiftDepth,
		InitInfo: &index.SmoothInitInfo{
			Timescale:        ts,
			CodecPrivateData: ql.CodecPrivateData,
			MimeType:         mime,
			Codec:            codec,
			Channels:         ql.Channels,
			SamplingRate:     ql.SamplingRate,
			BitsPerSample:    ql.BitsPerSample,
			PacketSize:       ql.PacketSize,
			Width:            ql.MaxWidth,
			Height:           ql.MaxHeight,
		},
		Now: opts.Now,
	})
	if err != nil {
		return manifest.RepresentationArgs{}, err
	}
	return manifest.RepresentationArgs{
		ID:       repID,
		Bitrate:  ql.Bitrate,
		Codec:    codec,
		MimeType: mime,
		Width:    ql.MaxWidth,
		Height:   ql.MaxHeight,
		Index:    segIndex,
	}, nil
}

// timelineEntries flattens <c> chunks, continuing a missing t from the
// previous chunk's end and inferring a missing d from the next chunk's
// start. The r attribute counts contiguous same-duration fragments, so an
// entry repeats r-1 times.
func timelineEntries(chunks []Chunk) []index.TimelineEntry {
	entries := make([]index.TimelineEntry, 0, len(chunks))
	var next uint64
	for i, c := range chunks {
		start := next
		if c.T != nil {
			start = *c.T
		}
		var d uint64
		switch {
		case c.D != nil:
			d = *c.D
		case i+1 < len(chunks) && chunks[i+1].T != nil && *chunks[i+1].T > start:
			d = *chunks[i+1].T - start
		}
		var repeat int64
		if c.R != nil && *c.R > 1 {
			repeat = *c.R - 1
		}
		entries = append(entries, index.TimelineEntry{
			Start:    int64(start),
			Duration: int64(d),
			Repeat:   repeat,
		})
		next = start + d*uint64(repeat+1)
	}
	return entries
}

// normalizeURLTokens rewrites the Smooth URL placeholders into the $-token
// form the segment indexes expand.
func normalizeURLTokens(u string) string {
	u = strings.ReplaceAll(u, "{bitrate}", "$Bitrate$")
	u = strings.ReplaceAll(u, "{Bitrate}", "$Bitrate$")
	u = strings.ReplaceAll(u, "{start time}", "$Time$")
	u = strings.ReplaceAll(u, "{start_time}", "$Time$")
	return u
}

func mimeAndCodec(mediaType manifest.MediaType, ql *QualityLevel) (mime, codec string) {
	switch mediaType {
	case manifest.MediaTypeVideo:
		return "video/mp4", videoCodec(ql.CodecPrivateData)
	case manifest.MediaTypeAudio:
		return "audio/mp4", audioCodec(ql.FourCC)
	default:
		return "application/ttml+xml+mp4", ""
	}
}

// videoCodec derives the RFC 6381 AVC codec string from the SPS embedded
// in the codec private data.
func videoCodec(codecPrivateData string) string {
	parts := strings.Split(codecPrivateData, "00000001")
	if len(parts) < 2 || len(parts[1]) < 8 {
		return ""
	}
	// one byte of NAL header, then profile, flags and level
	return "avc1." + parts[1][2:8]
}

func audioCodec(fourCC string) string {
	if strings.EqualFold(fourCC, "AACH") {
		return "mp4a.40.5"
	}
	return "mp4a.40.2"
}

var playReadyKIDRe = regexp.MustCompile(`<KID>([A-Za-z0-9+/=]+)</KID>`)

// protectionKeyID extracts the content key id from a PlayReady header.
// The record is UTF-16 XML and stores the first three GUID fields
// little-endian.
func protectionKeyID(p *Protection) []byte {
	if p == nil {
		return nil
	}
	for _, h := range p.Headers {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(h.Value))
		if err != nil {
			continue
		}
		m := playReadyKIDRe.FindStringSubmatch(utf16leString(raw))
		if m == nil {
			continue
		}
		kid, err := base64.StdEncoding.DecodeString(m[1])
		if err != nil || len(kid) != 16 {
			continue
		}
		out := []byte{kid[3], kid[2], kid[1], kid[0], kid[5], kid[4], kid[7], kid[6]}
		return append(out, kid[8:]...)
	}
	return nil
}

func utf16leString(raw []byte) string {
	units := make([]uint16, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		units = append(units, uint16(raw[i])|uint16(raw[i+1])<<8)
	}
	return string(utf16.Decode(units))
}

// resolveURL resolves a stream path against the manifest location.
func resolveURL(base, ref string) string {
	if ref == "" {
		return base
	}
	if base == "" {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
