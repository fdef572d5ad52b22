package core

import (
	"context"
	"fmt"

	"github.com/lfaureyt/rx-player/internal/config"
	"github.com/lfaureyt/rx-player/internal/errs"
	"github.com/lfaureyt/rx-player/internal/fetchers"
	"github.com/lfaureyt/rx-player/internal/logger"
	"github.com/lfaureyt/rx-player/internal/manifest"
	"github.com/lfaureyt/rx-player/internal/parsers/dash"
	"github.com/lfaureyt/rx-player/internal/parsers/smooth"
)

// manifestLoader fetches and parses manifests. It drives the DASH parser's
// continuations, fetching clock documents and xlinked periods through the
// same request function as everything else.
type manifestLoader struct {
	rf        fetchers.RequestFunc
	cfg       *config.Config
	log       logger.Logger
	transport manifest.Transport
	codecs    manifest.CodecSupportChecker
	onWarning func(error)

	// clockOffset survives across refreshes so UTCTiming is resolved once
	// per load, not once per refresh.
	clockOffset *float64
}

// load fetches one of urls and parses it into a manifest.
func (l *manifestLoader) load(ctx context.Context, urls []string) (*manifest.Manifest, error) {
	res, err := l.fetch(ctx, urls)
	if err != nil {
		return nil, err
	}
	switch l.transport {
	case manifest.TransportSmooth:
		return smooth.Parse(res.Data, smooth.Options{
			URL:          res.URL,
			CodecSupport: l.codecs,
			Log:          l.log,
		})
	case manifest.TransportDASH:
		return l.parseDash(ctx, res.Data, res.URL)
	default:
		return nil, &errs.ManifestError{
			Kind: errs.ManifestUnsupported,
			Err:  fmt.Errorf("unknown transport %q", l.transport),
		}
	}
}

func (l *manifestLoader) fetch(ctx context.Context, urls []string) (*fetchers.Response, error) {
	req := fetchers.Request{Timeout: l.cfg.RequestTimeout}
	return fetchers.FetchWithBackoff(ctx, l.rf, req, urls,
		fetchers.BackoffFromConfig(l.cfg, false), l.log)
}

// parseDash runs the parser until it yields a manifest, resolving the
// intermediate outcomes. A failed clock or xlink fetch degrades to a
// warning and parsing continues without the side resource.
func (l *manifestLoader) parseDash(ctx context.Context, document []byte, url string) (*manifest.Manifest, error) {
	outcome, err := dash.Parse(document, l.dashOptions(url))
	for {
		if err != nil {
			return nil, err
		}
		switch {
		case outcome.Manifest != nil:
			m := outcome.Manifest
			if m.ClockOffset != nil {
				l.clockOffset = m.ClockOffset
			}
			return m, nil

		case outcome.NeedsClock != nil:
			var body []byte
			res, ferr := l.fetch(ctx, []string{outcome.NeedsClock.URL})
			switch {
			case ferr == nil:
				body = res.Data
			case errs.IsCancellation(ferr) || ctx.Err() != nil:
				return nil, ferr
			default:
				l.log.Warnf("Clock synchronization fetch failed, continuing without it: %v", ferr)
				l.warn(ferr)
			}
			outcome, err = outcome.NeedsClock.Resume(body)

		case outcome.NeedsXLinks != nil:
			docs := make([][]byte, len(outcome.NeedsXLinks.URLs))
			for i, u := range outcome.NeedsXLinks.URLs {
				res, ferr := l.fetch(ctx, []string{u})
				if ferr != nil {
					if errs.IsCancellation(ferr) || ctx.Err() != nil {
						return nil, ferr
					}
					l.log.Warnf("XLink fetch failed, dropping the linked period: %v", ferr)
					l.warn(ferr)
					continue
				}
				docs[i] = res.Data
			}
			outcome, err = outcome.NeedsXLinks.Resume(docs)

		default:
			return nil, &errs.ManifestError{
				Kind: errs.ManifestParse,
				Err:  fmt.Errorf("parser yielded an empty outcome"),
			}
		}
	}
}

func (l *manifestLoader) dashOptions(url string) dash.Options {
	return dash.Options{
		URL:                    url,
		ClockOffset:            l.clockOffset,
		CodecSupport:           l.codecs,
		Log:                    l.log,
		MinimumSegmentSize:     l.cfg.MinimumSegmentSize,
		PatchLastSegmentInSidx: l.cfg.PatchLastSegmentInSidx,
	}
}

func (l *manifestLoader) warn(err error) {
	if l.onWarning != nil {
		l.onWarning(err)
	}
}
