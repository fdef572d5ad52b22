package dash

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/lfaureyt/rx-player/internal/errs"
	"github.com/lfaureyt/rx-player/internal/manifest"
	"github.com/lfaureyt/rx-player/internal/manifest/index"
)

// Descriptor schemes interpreted while building the model.
const (
	schemeRole2011     = "urn:mpeg:dash:role:2011"
	schemeAudioPurpose = "urn:tva:metadata:cs:AudioPurposeCS:2007"
	schemeTrickMode    = "http://dashif.org/guidelines/trickmode"
	schemeCICPTransfer = "urn:mpeg:mpegB:cicp:TransferCharacteristics"
)

var hevcMain10Re = regexp.MustCompile(`^hev1\.2\.4\.L\d+\.B0$`)

func parseError(format string, args ...any) error {
	return &errs.ManifestError{Kind: errs.ManifestParse, Err: fmt.Errorf(format, args...)}
}

// buildContext carries what every level of the tree transformation needs.
type buildContext struct {
	opts      Options
	isDynamic bool
	// bounds is shared by every number-addressed index of a dynamic
	// presentation so they agree on the live edge.
	bounds *index.BoundsCalculator
}

// periodWindow is a period's resolved time range on the presentation
// timeline. A nil end means the period is still open.
type periodWindow struct {
	start float64
	end   *float64
}

func buildManifest(root *MPD, opts Options, clockOffset *float64) (*manifest.Manifest, error) {
	isDynamic := root.Type == "dynamic"

	var ast float64
	if root.AvailabilityStartTime != "" {
		at, err := parseDateTime(root.AvailabilityStartTime)
		if err != nil {
			return nil, parseError("availabilityStartTime: %w", err)
		}
		ast = at
	}
	mpdDuration, err := optionalDuration(root.MediaPresentationDuration)
	if err != nil {
		return nil, parseError("mediaPresentationDuration: %w", err)
	}
	lifetime, err := optionalDuration(root.MinimumUpdatePeriod)
	if err != nil {
		return nil, parseError("minimumUpdatePeriod: %w", err)
	}
	timeshiftDepth, err := optionalDuration(root.TimeShiftBufferDepth)
	if err != nil {
		return nil, parseError("timeShiftBufferDepth: %w", err)
	}
	delay, err := optionalDuration(root.SuggestedPresentationDelay)
	if err != nil {
		return nil, parseError("suggestedPresentationDelay: %w", err)
	}

	baseURL := opts.URL
	if len(root.BaseURLs) > 0 {
		baseURL = resolveReference(opts.URL, strings.TrimSpace(root.BaseURLs[0]))
	}
	var uris []string
	for _, loc := range root.Locations {
		if loc = strings.TrimSpace(loc); loc != "" {
			uris = append(uris, resolveReference(opts.URL, loc))
		}
	}
	if len(uris) == 0 && opts.URL != "" {
		uris = []string{opts.URL}
	}

	bctx := buildContext{opts: opts, isDynamic: isDynamic}
	if isDynamic {
		bctx.bounds = index.NewBoundsCalculator(index.BoundsCalculatorArgs{
			IsDynamic:             true,
			AvailabilityStartTime: ast,
			TimeshiftDepth:        timeshiftDepth,
			ClockOffset:           clockOffset,
			Now:                   opts.Now,
		})
	}

	windows, err := resolvePeriodWindows(root.Periods, isDynamic, mpdDuration)
	if err != nil {
		return nil, err
	}
	periodArgs := make([]manifest.PeriodArgs, 0, len(root.Periods))
	for i := range root.Periods {
		pa := buildPeriod(&root.Periods[i], i, windows[i], baseURL, bctx)
		if len(pa.Adaptations) == 0 {
			opts.Log.Warnf("dash: period %q has no usable adaptation set, skipping", pa.ID)
			continue
		}
		periodArgs = append(periodArgs, pa)
	}
	if bctx.bounds != nil {
		primeBounds(bctx.bounds, periodArgs)
	}

	return manifest.New(manifest.ManifestArgs{
		Transport:                  manifest.TransportDASH,
		IsDynamic:                  isDynamic,
		IsLive:                     isDynamic,
		IsLastPeriodKnown:          !isDynamic || mpdDuration != nil,
		URIs:                       uris,
		Lifetime:                   lifetime,
		AvailabilityStartTime:      ast,
		TimeshiftDepth:             timeshiftDepth,
		SuggestedPresentationDelay: delay,
		ClockOffset:                clockOffset,
		Periods:                    periodArgs,
		CodecSupport:               opts.CodecSupport,
		Now:                        opts.Now,
	})
}

// resolvePeriodWindows places each period on the presentation timeline.
// A missing start continues from the previous period's end; a missing end
// is taken from the next period's start, or from the presentation duration
// for the last period of a static document.
func resolvePeriodWindows(periods []Period, isDynamic bool, mpdDuration *float64) ([]periodWindow, error) {
	windows := make([]periodWindow, len(periods))
	zero := 0.0
	prevEnd := &zero
	for i, p := range periods {
		switch {
		case p.Start != "":
			s, err := parseISODuration(p.Start)
			if err != nil {
				return nil, parseError("period %q start: %w", p.ID, err)
			}
			windows[i].start = s
		case prevEnd != nil:
			windows[i].start = *prevEnd
		default:
			return nil, parseError("period %q has no resolvable start", p.ID)
		}
		if p.Duration != "" {
			d, err := parseISODuration(p.Duration)
			if err != nil {
				return nil, parseError("period %q duration: %w", p.ID, err)
			}
			end := windows[i].start + d
			windows[i].end = &end
		}
		prevEnd = windows[i].end
	}
	for i := range windows {
		if windows[i].end != nil {
			continue
		}
		if i+1 < len(windows) {
			end := windows[i+1].start
			windows[i].end = &end
		} else if !isDynamic && mpdDuration != nil {
			windows[i].end = mpdDuration
		}
	}
	return windows, nil
}

func buildPeriod(p *Period, idx int, w periodWindow, baseURL string, bctx buildContext) manifest.PeriodArgs {
	id := p.ID
	if id == "" {
		id = "period-" + strconv.Itoa(idx)
	}
	if len(p.BaseURLs) > 0 {
		baseURL = resolveReference(baseURL, strings.TrimSpace(p.BaseURLs[0]))
	}
	args := manifest.PeriodArgs{ID: id, Start: w.start, End: w.end}

	type builtAdaptation struct {
		args manifest.AdaptationArgs
		// trickModeOf names the adaptation this one is a trick mode
		// track for, when it is one.
		trickModeOf string
	}
	var built []builtAdaptation
	for j := range p.AdaptationSets {
		aa, trickModeOf, ok := buildAdaptation(&p.AdaptationSets[j], j, p.SegmentTemplate, w, baseURL, bctx)
		if !ok {
			continue
		}
		built = append(built, builtAdaptation{args: aa, trickModeOf: trickModeOf})
	}
	for i := range built {
		if built[i].trickModeOf == "" {
			continue
		}
		for k := range built {
			if built[k].args.ID == built[i].trickModeOf {
				built[k].args.TrickModeIDs = append(built[k].args.TrickModeIDs, built[i].args.ID)
			}
		}
	}
	for _, b := range built {
		args.Adaptations = append(args.Adaptations, b.args)
	}
	return args
}

func buildAdaptation(as *AdaptationSet, idx int, periodTpl *SegmentTemplate, w periodWindow, baseURL string, bctx buildContext) (manifest.AdaptationArgs, string, bool) {
	mediaType, ok := inferMediaType(as)
	if !ok {
		bctx.opts.Log.Warnf("dash: cannot infer the media type of adaptation set %q, skipping", as.ID)
		return manifest.AdaptationArgs{}, "", false
	}
	id := as.ID
	if id == "" {
		id = string(mediaType) + "-" + strconv.Itoa(idx)
	}
	args := manifest.AdaptationArgs{
		ID:       id,
		Type:     mediaType,
		Language: as.Lang,
	}
	for _, a := range as.Accessibilities {
		switch a.SchemeIDURI {
		case schemeRole2011:
			switch a.Value {
			case "description":
				args.IsAudioDescription = true
			case "caption":
				args.IsClosedCaption = true
			case "sign":
				args.IsSignInterpreted = true
			}
		case schemeAudioPurpose:
			switch a.Value {
			case "1":
				args.IsAudioDescription = true
			case "2":
				args.IsClosedCaption = true
			}
		}
	}
	for _, r := range as.Roles {
		if r.SchemeIDURI == schemeRole2011 && r.Value == "dub" {
			args.IsDub = true
		}
	}
	var trickModeOf string
	for _, e := range as.EssentialProperties {
		if e.SchemeIDURI == schemeTrickMode && e.Value != "" {
			trickModeOf = e.Value
			args.IsTrickModeTrack = true
		}
	}

	if len(as.BaseURLs) > 0 {
		baseURL = resolveReference(baseURL, strings.TrimSpace(as.BaseURLs[0]))
	}
	asKeyID := extractKeyID(as.ContentProtections)
	for k := range as.Representations {
		rep := &as.Representations[k]
		ra, err := buildRepresentation(rep, as, periodTpl, w, baseURL, bctx)
		if err != nil {
			bctx.opts.Log.Warnf("dash: skipping representation %q: %v", rep.ID, err)
			continue
		}
		if ra.KeyID == nil {
			ra.KeyID = asKeyID
		}
		args.Representations = append(args.Representations, ra)
	}
	if len(args.Representations) == 0 {
		bctx.opts.Log.Warnf("dash: adaptation set %q has no usable representation, skipping", id)
		return manifest.AdaptationArgs{}, "", false
	}
	return args, trickModeOf, true
}

func buildRepresentation(rep *Representation, as *AdaptationSet, periodTpl *SegmentTemplate, w periodWindow, baseURL string, bctx buildContext) (manifest.RepresentationArgs, error) {
	if rep.ID == "" {
		return manifest.RepresentationArgs{}, errors.New("representation without an id")
	}
	if len(rep.BaseURLs) > 0 {
		baseURL = resolveReference(baseURL, strings.TrimSpace(rep.BaseURLs[0]))
	}
	codec := rep.Codecs
	if codec == "" {
		codec = as.Codecs
	}
	mime := rep.MimeType
	if mime == "" {
		mime = as.MimeType
	}
	width := rep.Width
	if width == 0 {
		width = as.Width
	}
	height := rep.Height
	if height == 0 {
		height = as.Height
	}
	frameRate := rep.FrameRate
	if frameRate == "" {
		frameRate = as.FrameRate
	}
	segIndex, err := buildIndex(rep, as, periodTpl, w, baseURL, rep.ID, rep.Bandwidth, bctx)
	if err != nil {
		return manifest.RepresentationArgs{}, err
	}
	return manifest.RepresentationArgs{
		ID:        rep.ID,
		Bitrate:   rep.Bandwidth,
		Codec:     codec,
		MimeType:  mime,
		Width:     width,
		Height:    height,
		FrameRate: frameRate,
		HDR:       hdrInfo(codec, as.SupplementalProperties, as.EssentialProperties),
		KeyID:     extractKeyID(rep.ContentProtections),
		Index:     segIndex,
	}, nil
}

// buildIndex picks the segment addressing scheme for one representation.
// Explicit SegmentBase and SegmentList elements win over templates; a
// representation with none of them is served as a single resource.
func buildIndex(rep *Representation, as *AdaptationSet, periodTpl *SegmentTemplate, w periodWindow, baseURL, repID string, bitrate int64, bctx buildContext) (index.SegmentIndex, error) {
	if sb := rep.SegmentBase; sb != nil {
		return buildBaseIndex(sb, w, baseURL, repID, bitrate, bctx)
	}
	if sb := as.SegmentBase; sb != nil {
		return buildBaseIndex(sb, w, baseURL, repID, bitrate, bctx)
	}
	if sl := rep.SegmentList; sl != nil {
		return buildListIndex(sl, w, baseURL, repID, bitrate)
	}
	if sl := as.SegmentList; sl != nil {
		return buildListIndex(sl, w, baseURL, repID, bitrate)
	}
	tpl := mergeTemplates(periodTpl, as.SegmentTemplate, rep.SegmentTemplate)
	if tpl.Media != "" {
		if tpl.Timeline != nil {
			return buildTimelineIndex(tpl, w, baseURL, repID, bitrate, bctx)
		}
		if tpl.Duration != nil {
			return buildTemplateIndex(tpl, w, baseURL, repID, bitrate, bctx)
		}
		return nil, errors.New("segment template carries neither a timeline nor a duration")
	}
	return buildSingleSegmentIndex(w, baseURL, repID, bitrate)
}

// mergeTemplates flattens the period, adaptation set and representation
// level templates, innermost last.
func mergeTemplates(tpls ...*SegmentTemplate) *SegmentTemplate {
	merged := &SegmentTemplate{}
	for _, t := range tpls {
		if t == nil {
			continue
		}
		if t.Timescale != nil {
			merged.Timescale = t.Timescale
		}
		if t.PresentationTimeOffset != nil {
			merged.PresentationTimeOffset = t.PresentationTimeOffset
		}
		if t.Initialization != "" {
			merged.Initialization = t.Initialization
		}
		if t.Media != "" {
			merged.Media = t.Media
		}
		if t.Duration != nil {
			merged.Duration = t.Duration
		}
		if t.StartNumber != nil {
			merged.StartNumber = t.StartNumber
		}
		if t.AvailabilityTimeOffset != "" {
			merged.AvailabilityTimeOffset = t.AvailabilityTimeOffset
		}
		if t.Timeline != nil {
			merged.Timeline = t.Timeline
		}
	}
	return merged
}

func buildBaseIndex(sb *SegmentBase, w periodWindow, baseURL, repID string, bitrate int64, bctx buildContext) (index.SegmentIndex, error) {
	var initRange *index.ByteRange
	if sb.Initialization != nil {
		initRange = byteRangePtr(sb.Initialization.Range)
	}
	return index.NewBaseIndex(index.BaseIndexArgs{
		Timescale:              templateTimescale(sb.Timescale),
		PresentationTimeOffset: templatePTO(sb.PresentationTimeOffset),
		PeriodStart:            w.start,
		PeriodEnd:              w.end,
		RepresentationID:       repID,
		Bitrate:                bitrate,
		MediaURLs:              []string{baseURL},
		InitializationRange:    initRange,
		IndexRange:             byteRangePtr(sb.IndexRange),
		PatchLastSegment:       bctx.opts.PatchLastSegmentInSidx,
	})
}

func buildListIndex(sl *SegmentList, w periodWindow, baseURL, repID string, bitrate int64) (index.SegmentIndex, error) {
	if sl.Duration == nil || *sl.Duration == 0 {
		return nil, errors.New("segment list without a duration")
	}
	items := make([]index.ListItem, 0, len(sl.SegmentURLs))
	for _, su := range sl.SegmentURLs {
		media := baseURL
		if su.Media != "" {
			media = resolveReference(baseURL, su.Media)
		}
		items = append(items, index.ListItem{
			MediaURLs: []string{media},
			Range:     byteRangePtr(su.MediaRange),
		})
	}
	var initURLs []string
	var initRange *index.ByteRange
	if sl.Initialization != nil {
		if sl.Initialization.SourceURL != "" {
			initURLs = []string{resolveReference(baseURL, sl.Initialization.SourceURL)}
		}
		initRange = byteRangePtr(sl.Initialization.Range)
	}
	return index.NewListIndex(index.ListIndexArgs{
		Timescale:              templateTimescale(sl.Timescale),
		PresentationTimeOffset: templatePTO(sl.PresentationTimeOffset),
		PeriodStart:            w.start,
		PeriodEnd:              w.end,
		Duration:               int64(*sl.Duration),
		Items:                  items,
		InitializationURLs:     initURLs,
		InitializationRange:    initRange,
		RepresentationID:       repID,
		Bitrate:                bitrate,
	})
}

func buildTimelineIndex(tpl *SegmentTemplate, w periodWindow, baseURL, repID string, bitrate int64, bctx buildContext) (index.SegmentIndex, error) {
	args := index.TimelineIndexArgs{
		Timescale:              templateTimescale(tpl.Timescale),
		PresentationTimeOffset: templatePTO(tpl.PresentationTimeOffset),
		PeriodStart:            w.start,
		PeriodEnd:              w.end,
		StartNumber:            tpl.StartNumber,
		RepresentationID:       repID,
		Bitrate:                bitrate,
		MediaURLs:              []string{resolveReference(baseURL, tpl.Media)},
		Timeline:               timelineEntries(tpl.Timeline),
		IsDynamic:              bctx.isDynamic,
	}
	if tpl.Initialization != "" {
		args.InitializationURLs = []string{resolveReference(baseURL, tpl.Initialization)}
	}
	return index.NewTimelineIndex(args)
}

// timelineEntries flattens S elements, continuing a missing t from the
// previous entry's end.
func timelineEntries(tl *SegmentTimeline) []index.TimelineEntry {
	entries := make([]index.TimelineEntry, 0, len(tl.Segments))
	var next uint64
	for _, s := range tl.Segments {
		start := next
		if s.T != nil {
			start = *s.T
		}
		var repeat int64
		if s.R != nil {
			repeat = *s.R
		}
		entries = append(entries, index.TimelineEntry{
			Start:    int64(start),
			Duration: int64(s.D),
			Repeat:   repeat,
		})
		if repeat >= 0 {
			next = start + s.D*uint64(repeat+1)
		}
	}
	return entries
}

func buildTemplateIndex(tpl *SegmentTemplate, w periodWindow, baseURL, repID string, bitrate int64, bctx buildContext) (index.SegmentIndex, error) {
	ato, err := availabilityTimeOffset(tpl.AvailabilityTimeOffset)
	if err != nil {
		return nil, err
	}
	args := index.TemplateIndexArgs{
		Timescale:              templateTimescale(tpl.Timescale),
		PresentationTimeOffset: templatePTO(tpl.PresentationTimeOffset),
		PeriodStart:            w.start,
		PeriodEnd:              w.end,
		Duration:               int64(*tpl.Duration),
		StartNumber:            tpl.StartNumber,
		RepresentationID:       repID,
		Bitrate:                bitrate,
		MediaURLs:              []string{resolveReference(baseURL, tpl.Media)},
		IsDynamic:              bctx.isDynamic,
		AvailabilityTimeOffset: ato,
		AggressiveMode:         bctx.opts.AggressiveMode,
		Bounds:                 bctx.bounds,
		MinimumSegmentSize:     bctx.opts.MinimumSegmentSize,
	}
	if tpl.Initialization != "" {
		args.InitializationURLs = []string{resolveReference(baseURL, tpl.Initialization)}
	}
	return index.NewTemplateIndex(args)
}

// buildSingleSegmentIndex addresses a representation served as one
// resource spanning its whole period.
func buildSingleSegmentIndex(w periodWindow, baseURL, repID string, bitrate int64) (index.SegmentIndex, error) {
	if w.end == nil {
		return nil, errors.New("representation addressed by a bare BaseURL needs a bounded period")
	}
	durationTicks := int64(math.Round((*w.end - w.start) * 1000))
	if durationTicks <= 0 {
		return nil, errors.New("representation addressed by a bare BaseURL spans an empty period")
	}
	return index.NewListIndex(index.ListIndexArgs{
		Timescale:        1000,
		PeriodStart:      w.start,
		PeriodEnd:        w.end,
		Duration:         durationTicks,
		Items:            []index.ListItem{{MediaURLs: []string{baseURL}}},
		RepresentationID: repID,
		Bitrate:          bitrate,
	})
}

// primeBounds seeds the live edge estimate from explicitly indexed
// representations so number-addressed ones can resolve their availability
// window before any clock synchronization.
func primeBounds(bounds *index.BoundsCalculator, periods []manifest.PeriodArgs) {
	var last float64
	found := false
	for _, pa := range periods {
		for _, aa := range pa.Adaptations {
			for _, ra := range aa.Representations {
				if ra.Index == nil {
					continue
				}
				if p := ra.Index.LastPosition(); p.IsKnown() && (!found || p.Time > last) {
					last = p.Time
					found = true
				}
			}
		}
	}
	if found {
		bounds.SetLastPosition(last)
	}
}

func inferMediaType(as *AdaptationSet) (manifest.MediaType, bool) {
	switch as.ContentType {
	case "audio":
		return manifest.MediaTypeAudio, true
	case "video":
		return manifest.MediaTypeVideo, true
	case "text":
		return manifest.MediaTypeText, true
	case "image":
		return manifest.MediaTypeImage, true
	}
	mime := as.MimeType
	codecs := as.Codecs
	for i := range as.Representations {
		if mime == "" {
			mime = as.Representations[i].MimeType
		}
		if codecs == "" {
			codecs = as.Representations[i].Codecs
		}
	}
	switch {
	case strings.HasPrefix(mime, "audio/"):
		return manifest.MediaTypeAudio, true
	case strings.HasPrefix(mime, "video/"):
		return manifest.MediaTypeVideo, true
	case strings.HasPrefix(mime, "text/"),
		mime == "application/ttml+xml",
		mime == "application/x-sami",
		mime == "application/smil":
		return manifest.MediaTypeText, true
	case strings.HasPrefix(mime, "image/"):
		return manifest.MediaTypeImage, true
	}
	switch {
	case hasAnyPrefix(codecs, "avc", "hev", "hvc", "vp8", "vp9", "av1", "av01"):
		return manifest.MediaTypeVideo, true
	case hasAnyPrefix(codecs, "mp4a", "ac-3", "ec-3", "opus", "vorbis", "flac"):
		return manifest.MediaTypeAudio, true
	case hasAnyPrefix(codecs, "stpp", "wvtt"):
		return manifest.MediaTypeText, true
	}
	return "", false
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// extractKeyID pulls the cenc default key id off protection descriptors.
func extractKeyID(protections []ContentProtection) []byte {
	for _, cp := range protections {
		kid := strings.ReplaceAll(cp.DefaultKID, "-", "")
		if kid == "" {
			continue
		}
		b, err := hex.DecodeString(kid)
		if err != nil {
			continue
		}
		return b
	}
	return nil
}

// hdrInfo derives HDR metadata from CICP transfer characteristics
// descriptors, falling back to HEVC Main10 profile signaling.
func hdrInfo(codec string, propertyLists ...[]Descriptor) *manifest.HDRInfo {
	for _, props := range propertyLists {
		for _, p := range props {
			if p.SchemeIDURI != schemeCICPTransfer {
				continue
			}
			switch p.Value {
			case "16":
				return &manifest.HDRInfo{ColorDepth: 10, EOTF: "pq"}
			case "18":
				return &manifest.HDRInfo{ColorDepth: 10, EOTF: "hlg"}
			}
		}
	}
	if hevcMain10Re.MatchString(codec) {
		return &manifest.HDRInfo{ColorDepth: 10, EOTF: "pq"}
	}
	return nil
}

func templateTimescale(ts *uint64) uint64 {
	if ts != nil && *ts > 0 {
		return *ts
	}
	return 1
}

func templatePTO(pto *uint64) int64 {
	if pto != nil {
		return int64(*pto)
	}
	return 0
}

func byteRangePtr(attr string) *index.ByteRange {
	if attr == "" {
		return nil
	}
	start, end, ok := parseByteRange(attr)
	if !ok {
		return nil
	}
	if end < 0 {
		end = math.MaxInt64
	}
	return &index.ByteRange{Start: start, End: end}
}

// availabilityTimeOffset parses the attribute, where "INF" means segments
// are available as soon as they start.
func availabilityTimeOffset(attr string) (float64, error) {
	if attr == "" {
		return 0, nil
	}
	if attr == "INF" {
		return math.Inf(1), nil
	}
	v, err := strconv.ParseFloat(attr, 64)
	if err != nil {
		return 0, fmt.Errorf("availabilityTimeOffset: %w", err)
	}
	return v, nil
}

// resolveReference resolves ref against base. Segment templates may carry
// format specifiers that url.Parse rejects, so those fall back to a plain
// textual join.
func resolveReference(base, ref string) string {
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
		return joinURL(base, ref)
	}
	return b.ResolveReference(r).String()
}

func joinURL(base, ref string) string {
	if strings.Contains(ref, "://") {
		return ref
	}
	i := strings.LastIndexByte(base, '/')
	if i < 0 {
		return ref
	}
	return base[:i+1] + ref
}
