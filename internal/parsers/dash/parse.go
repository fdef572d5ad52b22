// Package dash parses Media Presentation Descriptions into the manifest
// model. Parsing is resumable: documents referencing remote periods or a
// time server yield an intermediate outcome naming what must be fetched,
// and continue once the caller provides it.
package dash

import (
	"encoding/xml"
	"strings"
	"time"

	"github.com/lfaureyt/rx-player/internal/errs"
	"github.com/lfaureyt/rx-player/internal/logger"
	"github.com/lfaureyt/rx-player/internal/manifest"
	"github.com/lfaureyt/rx-player/internal/parsers/xmldoc"
)

// UTCTiming schemes the parser understands.
const (
	schemeUTCDirect     = "urn:mpeg:dash:utc:direct:2014"
	schemeUTCHTTPISO    = "urn:mpeg:dash:utc:http-iso:2014"
	schemeUTCHTTPXSDate = "urn:mpeg:dash:utc:http-xsdate:2014"
)

// Options configure a parse run.
type Options struct {
	// URL the document was fetched from. Relative references resolve
	// against it and it doubles as the default refresh location.
	URL string

	// ClockOffset, when already known from a previous parse, skips
	// UTCTiming resolution.
	ClockOffset *float64

	CodecSupport manifest.CodecSupportChecker

	// Now is the wall clock, injectable in tests. Defaults to time.Now.
	Now func() time.Time

	// Log receives diagnostics about skipped elements. Defaults to a
	// no-op logger.
	Log logger.Logger

	// MinimumSegmentSize drops segments shorter than this many seconds,
	// which duration rounding can otherwise produce.
	MinimumSegmentSize float64

	// AggressiveMode requests number-addressed live segments slightly
	// before their computed availability time.
	AggressiveMode bool

	// PatchLastSegmentInSidx widens the last sidx entry to the end of
	// the resource for packagings that understate it.
	PatchLastSegmentInSidx bool
}

// Outcome is one step of parsing. Exactly one field is set.
type Outcome struct {
	Manifest    *manifest.Manifest
	NeedsClock  *ClockRequest
	NeedsXLinks *XLinkRequest
}

// ClockRequest asks the caller to fetch a time server document.
type ClockRequest struct {
	URL string

	// Resume continues parsing with the fetched body. A nil body
	// continues without clock synchronization.
	Resume func(body []byte) (Outcome, error)
}

// XLinkRequest asks the caller to fetch remote period documents.
type XLinkRequest struct {
	URLs []string

	// Resume continues with one fetched document per URL, in order. A nil
	// entry drops the corresponding period.
	Resume func(documents [][]byte) (Outcome, error)
}

// Parse reads an MPD document. It returns an intermediate outcome when
// external resources are needed before the model can be built.
func Parse(document []byte, opts Options) (Outcome, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}
	root := new(MPD)
	if err := xml.Unmarshal(xmldoc.Decode(document), root); err != nil {
		return Outcome{}, &errs.ManifestError{Kind: errs.ManifestParse, Err: err}
	}
	return resolveXLinks(root, opts)
}

func resolveXLinks(root *MPD, opts Options) (Outcome, error) {
	var urls []string
	var slots []int
	for i := range root.Periods {
		p := &root.Periods[i]
		if p.XLinkHref != "" && p.XLinkActuate == "onLoad" {
			urls = append(urls, resolveReference(opts.URL, p.XLinkHref))
			slots = append(slots, i)
		}
	}
	if len(urls) == 0 {
		return resolveClock(root, opts)
	}
	resume := func(documents [][]byte) (Outcome, error) {
		resolved := make([][]Period, len(slots))
		for j := range slots {
			if j >= len(documents) || documents[j] == nil {
				continue
			}
			periods, err := parseXLinkPeriods(documents[j])
			if err != nil {
				return Outcome{}, err
			}
			resolved[j] = periods
		}
		merged := make([]Period, 0, len(root.Periods))
		next := 0
		for i, p := range root.Periods {
			if next < len(slots) && slots[next] == i {
				merged = append(merged, resolved[next]...)
				next++
				continue
			}
			merged = append(merged, p)
		}
		root.Periods = merged
		return resolveClock(root, opts)
	}
	return Outcome{NeedsXLinks: &XLinkRequest{URLs: urls, Resume: resume}}, nil
}

// parseXLinkPeriods reads the period elements of an xlink document, which
// has no single root element of its own.
func parseXLinkPeriods(document []byte) ([]Period, error) {
	var wrapped struct {
		Periods []Period `xml:"Period"`
	}
	doc := append([]byte("<XLinkDocument>"), xmldoc.Decode(document)...)
	doc = append(doc, []byte("</XLinkDocument>")...)
	if err := xml.Unmarshal(doc, &wrapped); err != nil {
		return nil, &errs.ManifestError{Kind: errs.ManifestParse, Err: err}
	}
	return wrapped.Periods, nil
}

func resolveClock(root *MPD, opts Options) (Outcome, error) {
	if root.Type != "dynamic" || opts.ClockOffset != nil {
		return buildOutcome(root, opts, opts.ClockOffset)
	}
	for _, t := range root.UTCTimings {
		switch t.SchemeIDURI {
		case schemeUTCDirect:
			at, err := parseDateTime(t.Value)
			if err != nil {
				continue
			}
			offset := at - nowSeconds(opts)
			return buildOutcome(root, opts, &offset)
		case schemeUTCHTTPISO, schemeUTCHTTPXSDate:
			url := resolveReference(opts.URL, t.Value)
			resume := func(body []byte) (Outcome, error) {
				if len(body) > 0 {
					if at, err := parseDateTime(strings.TrimSpace(string(body))); err == nil {
						offset := at - nowSeconds(opts)
						return buildOutcome(root, opts, &offset)
					}
				}
				return buildOutcome(root, opts, nil)
			}
			return Outcome{NeedsClock: &ClockRequest{URL: url, Resume: resume}}, nil
		}
	}
	return buildOutcome(root, opts, nil)
}

func nowSeconds(opts Options) float64 {
	return float64(opts.Now().UnixMilli()) / 1000
}

func buildOutcome(root *MPD, opts Options, clockOffset *float64) (Outcome, error) {
	m, err := buildManifest(root, opts, clockOffset)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Manifest: m}, nil
}
