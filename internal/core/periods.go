package core

import (
	"context"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lfaureyt/rx-player/internal/errs"
	"github.com/lfaureyt/rx-player/internal/fetchers"
	"github.com/lfaureyt/rx-player/internal/fetchers/segment"
	"github.com/lfaureyt/rx-player/internal/manifest"
)

type periodOutcome int

const (
	periodDone periodOutcome = iota
	periodReload
)

// runStreams drives the period lifecycle: the streams of the current
// period run until every one of them finished, then playback moves to the
// next period. A reload request tears the streams down and rebuilds them
// at the current position.
func (c *Core) runStreams(ctx context.Context) error {
	period := c.periodForTime(c.element.CurrentTime())
	if period == nil {
		return &errs.MediaError{Kind: errs.MediaStartingTimeNotFound}
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		c.setCurrentPeriod(period.ID)
		c.emit(Event{Kind: EventPeriodChanged, PeriodID: period.ID})
		c.log.Infof("load %s: entering period %s", c.id, period.ID)

		outcome, err := c.runPeriod(ctx, period)
		if err != nil {
			return err
		}
		switch outcome {
		case periodReload:
			period = c.reloadPeriod()
		case periodDone:
			period, err = c.awaitNextPeriod(ctx, period)
			if err != nil {
				return err
			}
			if period == nil {
				return nil
			}
		}
		if period == nil {
			return &errs.MediaError{Kind: errs.MediaStartingTimeNotFound}
		}
	}
}

// runPeriod supervises the streams of one period until they all finish, a
// reload is requested, or one of them fails terminally.
func (c *Core) runPeriod(ctx context.Context, period *manifest.Period) (periodOutcome, error) {
	streams, err := c.buildStreams(period)
	if err != nil {
		return periodDone, err
	}
	if len(streams) == 0 {
		return periodDone, &errs.MediaError{Kind: errs.MediaCodecNotSupported}
	}
	c.markActiveKeys(streams)

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(pctx)
	for _, s := range streams {
		s := s
		g.Go(func() error { return s.run(gctx) })
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil && ctx.Err() == nil {
			return periodDone, err
		}
		return periodDone, nil
	case <-c.reloadCh:
		cancel()
		<-done
		return periodReload, nil
	}
}

// awaitNextPeriod resolves the period to play after prev finished. When
// none is known yet it waits: a dynamic refresh may append periods, and a
// reload can move the position anywhere. Returns nil once the context is
// done.
func (c *Core) awaitNextPeriod(ctx context.Context, prev *manifest.Period) (*manifest.Period, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		c.treeMu.RLock()
		next := c.manifest.PeriodAfter(prev)
		lastKnown := c.manifest.IsLastPeriodKnown
		c.treeMu.RUnlock()
		if next != nil {
			return next, nil
		}
		if lastKnown {
			c.signalEndOfStream()
		}
		select {
		case <-ctx.Done():
			return nil, nil
		case <-c.reloadCh:
			if p := c.reloadPeriod(); p != nil {
				return p, nil
			}
			return nil, &errs.MediaError{Kind: errs.MediaStartingTimeNotFound}
		case <-ticker.C:
		}
	}
}

// reloadPeriod restarts stream construction at the current position. The
// sinks are flushed so content of the previous track selection does not
// linger in the buffers.
func (c *Core) reloadPeriod() *manifest.Period {
	pos := c.element.CurrentTime()
	c.flushSinks()
	c.statusMu.Lock()
	c.endOfStream = false
	c.statusMu.Unlock()
	return c.periodForTime(pos)
}

func (c *Core) periodForTime(pos float64) *manifest.Period {
	c.treeMu.RLock()
	defer c.treeMu.RUnlock()
	if p := c.manifest.PeriodForTime(pos); p != nil {
		return p
	}
	if periods := c.manifest.Periods(); len(periods) > 0 {
		return periods[0]
	}
	return nil
}

// signalEndOfStream marks the presentation complete, once. A reload or a
// refresh that appends a period takes it back.
func (c *Core) signalEndOfStream() {
	c.statusMu.Lock()
	already := c.endOfStream
	c.endOfStream = true
	c.statusMu.Unlock()
	if already {
		return
	}
	c.endSinks()
	c.log.Infof("load %s: end of stream", c.id)
	c.emit(Event{Kind: EventEndOfStream})
}

// buildStreams creates the stream of every media type with a chosen
// adaptation in the period.
func (c *Core) buildStreams(period *manifest.Period) ([]*stream, error) {
	c.treeMu.RLock()
	defer c.treeMu.RUnlock()
	var out []*stream
	for _, t := range []manifest.MediaType{manifest.MediaTypeVideo, manifest.MediaTypeAudio, manifest.MediaTypeText} {
		ad := c.tracks.ChosenAdaptation(period.ID, t)
		if ad == nil {
			continue
		}
		reps := ad.PlayableRepresentations()
		if len(reps) == 0 {
			c.log.Warnf("load %s: %s adaptation %s has no playable representation", c.id, t, ad.ID)
			continue
		}
		sink, err := c.sinkFor(t, reps[len(reps)-1].MimeTypeString())
		if err != nil {
			return nil, err
		}
		out = append(out, &stream{
			eng:        c,
			typ:        t,
			period:     period,
			adaptation: ad,
			est:        c.newEstimator(t, reps),
			fetcher:    c.fetcherFor(t),
			sink:       sink,
			gen:        c.manifestGen.Load(),
			initPushed: make(map[string]bool),
			pushed:     make(map[string]bool),
		})
	}
	return out, nil
}

// sinkFor opens the sink of a media type on first use and reuses it
// afterwards.
func (c *Core) sinkFor(t manifest.MediaType, codec string) (BufferSink, error) {
	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()
	if s, ok := c.sinks[t]; ok {
		return s, nil
	}
	s, err := c.openSink(t, codec)
	if err != nil {
		return nil, err
	}
	c.sinks[t] = s
	return s, nil
}

func (c *Core) fetcherFor(t manifest.MediaType) *segment.Fetcher {
	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()
	if f, ok := c.segFetchers[t]; ok {
		return f
	}
	opts := segment.Options{
		Prefix:         string(t),
		RequestTimeout: c.cfg.RequestTimeout,
		CheckIntegrity: true,
		LowLatency:     c.lowLatency,
		Backoff:        fetchers.BackoffFromConfig(c.cfg, c.lowLatency),
		CustomLoader:   c.customLoader,
	}
	if t == manifest.MediaTypeAudio || t == manifest.MediaTypeVideo {
		opts.Cache = c.initCache
	}
	f := segment.NewFetcher(c.rf, opts, c.log)
	c.segFetchers[t] = f
	return f
}

// flushSinks drops everything buffered, used when a reload restarts the
// streams with a different track selection.
func (c *Core) flushSinks() {
	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()
	for t, s := range c.sinks {
		if err := s.Flush(0, math.Inf(1)); err != nil {
			c.log.Warnf("load %s: flushing the %s sink failed: %v", c.id, t, err)
		}
	}
}

func (c *Core) endSinks() {
	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()
	for _, s := range c.sinks {
		s.EndOfStream()
	}
}

// markActiveKeys records which representations the running streams could
// still switch to, keeping their cached init segments alive.
func (c *Core) markActiveKeys(streams []*stream) {
	keys := make(map[string]struct{})
	c.treeMu.RLock()
	for _, s := range streams {
		for _, rep := range s.adaptation.Representations {
			content := segment.Content{Period: s.period, Adaptation: s.adaptation, Representation: rep}
			keys[content.CacheKey()] = struct{}{}
		}
	}
	c.treeMu.RUnlock()
	c.setActiveKeys(keys)
}

func (c *Core) setCurrentPeriod(id string) {
	c.statusMu.Lock()
	c.currentPeriod = id
	c.statusMu.Unlock()
}
