package core

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/lfaureyt/rx-player/internal/abr"
	"github.com/lfaureyt/rx-player/internal/errs"
	"github.com/lfaureyt/rx-player/internal/fetchers/segment"
	"github.com/lfaureyt/rx-player/internal/manifest"
	"github.com/lfaureyt/rx-player/internal/manifest/index"
	"github.com/lfaureyt/rx-player/internal/parsers/isobmff"
	"github.com/lfaureyt/rx-player/internal/parsers/matroska"
	"github.com/lfaureyt/rx-player/internal/playback"
)

// errAwaitRefresh interrupts a fill pass that cannot continue before the
// manifest was refreshed.
var errAwaitRefresh = errors.New("waiting for a manifest refresh")

// errBufferFull interrupts a fill pass because the sink pushed back.
var errBufferFull = errors.New("buffer is full")

// stream fills the buffer of one media type within one period: it follows
// the playback position, asks the estimator which representation to load,
// and fetches segments in order into the sink.
type stream struct {
	eng        *Core
	typ        manifest.MediaType
	period     *manifest.Period
	adaptation *manifest.Adaptation
	est        *abr.Estimator
	fetcher    *segment.Fetcher
	sink       BufferSink

	gen        int64
	currentRep *manifest.Representation
	initPushed map[string]bool
	pushed     map[string]bool
	finished   bool
}

// run consumes playback observations until the period's buffer is
// complete. Observations arriving while a fetch is in flight coalesce in
// the subscription, so every pass starts from fresh playback state.
func (s *stream) run(ctx context.Context) error {
	obsCh, stop := s.eng.observer.Subscribe()
	defer stop()
	s.eng.tracks.Watch(s.period.ID)
	defer s.eng.tracks.Unwatch(s.period.ID)

	for {
		select {
		case <-ctx.Done():
			return nil
		case obs, ok := <-obsCh:
			if !ok {
				return nil
			}
			if err := s.step(ctx, obs); err != nil {
				s.eng.log.Errorf("load %s: %s stream failed: %v", s.eng.id, s.typ, err)
				return err
			}
			if s.finished {
				s.eng.log.Debugf("load %s: %s stream of period %s is complete", s.eng.id, s.typ, s.period.ID)
				return nil
			}
		}
	}
}

// step runs one scheduling pass: feed the estimator, then fetch and push
// segments until the buffer is satisfied or something told us to wait.
func (s *stream) step(ctx context.Context, obs playback.Observation) error {
	if gen := s.eng.manifestGen.Load(); gen != s.gen {
		s.gen = gen
		s.refreshLadder()
	}
	s.est.OnObservation(s.abrObservation(obs))

	for {
		if ctx.Err() != nil {
			return nil
		}
		est := s.est.Estimate()
		if est.Representation == nil {
			return &errs.MediaError{Kind: errs.MediaCodecNotSupported}
		}
		s.applyEstimate(est)

		seg, ok, err := s.nextSegment(obs)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := s.fetchAndPush(ctx, seg, obs); err != nil {
			switch {
			case errors.Is(err, errAwaitRefresh), errors.Is(err, errBufferFull):
				return nil
			case errs.IsCancellation(err), ctx.Err() != nil:
				return nil
			default:
				return err
			}
		}
	}
}

// refreshLadder re-reads the playable representations after a manifest
// refresh, so estimates follow ladder changes.
func (s *stream) refreshLadder() {
	c := s.eng
	c.treeMu.RLock()
	reps := s.adaptation.PlayableRepresentations()
	c.treeMu.RUnlock()
	if len(reps) == 0 {
		c.log.Warnf("load %s: %s adaptation %s lost all playable representations",
			c.id, s.typ, s.adaptation.ID)
		return
	}
	s.est.UpdateRepresentations(reps)
}

// applyEstimate makes the estimator's choice current and reports it.
func (s *stream) applyEstimate(est abr.Estimate) {
	rep := est.Representation
	if s.currentRep != nil && s.currentRep.ID == rep.ID {
		return
	}
	prev := s.currentRep
	s.currentRep = rep
	s.est.OnRepresentationChange(rep)

	c := s.eng
	c.setSelected(s.typ, s.adaptation.ID, rep.ID, rep.Bitrate)
	if s.typ == manifest.MediaTypeVideo {
		c.met.SetCurrentBitrate(float64(rep.Bitrate))
	}
	if prev != nil {
		c.met.IncRepresentationSwitches()
		c.log.Infof("load %s: %s switched %s -> %s (%d bps, urgent=%v)",
			c.id, s.typ, prev.ID, rep.ID, rep.Bitrate, est.Urgent)
	} else {
		c.log.Infof("load %s: %s starts with %s (%d bps)", c.id, s.typ, rep.ID, rep.Bitrate)
	}
	c.emit(Event{
		Kind:           EventRepresentationChanged,
		PeriodID:       s.period.ID,
		MediaType:      s.typ,
		Representation: rep,
	})
}

// nextSegment picks what to load next: the representation's init segment
// first, then media in ascending time from the buffered edge, up to the
// wanted buffer ahead.
func (s *stream) nextSegment(obs playback.Observation) (index.Segment, bool, error) {
	c := s.eng
	c.treeMu.RLock()
	defer c.treeMu.RUnlock()

	rep := s.currentRep
	idx := rep.Index

	if !s.initPushed[rep.ID] {
		if init := idx.InitSegment(); init != nil {
			return *init, true, nil
		}
		s.initPushed[rep.ID] = true
	}
	if !idx.IsInitialized() {
		// The init was delivered and carried no index. Without segment
		// boundaries this representation cannot be streamed.
		return index.Segment{}, false, &errs.IndexError{Kind: errs.IndexNotInitialized}
	}

	pos := obs.Position
	if pos < s.period.Start {
		pos = s.period.Start
	}
	from := pos
	if r, ok := s.sink.Buffered().RangeFor(from); ok {
		from = r.End
	}
	horizon := pos + c.cfg.WantedBufferAhead
	if from >= horizon {
		return index.Segment{}, false, nil
	}

	for _, sg := range idx.Segments(from, horizon-from) {
		if s.pushed[sg.ID] {
			continue
		}
		return *sg, true, nil
	}
	s.idleLocked(idx, from, horizon)
	return index.Segment{}, false, nil
}

// idleLocked runs when a fill pass found nothing left to load in its
// window: it emits refresh hints and decides whether the stream is done
// with its period. The caller holds the tree read lock.
func (s *stream) idleLocked(idx index.SegmentIndex, from, horizon float64) {
	if s.eng.manifest.IsDynamic && idx.ShouldRefresh(from, horizon) {
		s.eng.requestRefresh(false)
		return
	}
	if !idx.IsFinished() {
		return
	}
	last := idx.LastPosition()
	switch last.Kind {
	case index.PositionNone:
		s.finished = true
	case index.PositionKnown:
		if last.Time < horizon {
			s.finished = true
		}
	}
}

// fetchAndPush retrieves one segment and delivers it to the sink, feeding
// the estimator and whatever index information rides along.
func (s *stream) fetchAndPush(ctx context.Context, seg index.Segment, obs playback.Observation) error {
	rep := s.currentRep
	content := segment.Content{
		Period:         s.period,
		Adaptation:     s.adaptation,
		Representation: rep,
		Segment:        seg,
	}
	codec := rep.MimeTypeString()
	winStart, winEnd := s.appendWindow()

	var res fetchResult
	ev := s.fetchEvents(&res)
	if !seg.IsInit && s.chunkedDelivery(seg) {
		ev.OnChunk = func(chunk []byte) {
			if res.pushErr != nil {
				return
			}
			err := s.push(ctx, PushPayload{
				Chunk:             chunk,
				Codec:             codec,
				TimestampOffset:   seg.TimestampOffset,
				AppendWindowStart: winStart,
				AppendWindowEnd:   winEnd,
			})
			if err != nil {
				res.pushErr = err
			} else {
				res.chunks++
			}
		}
	}

	if err := s.fetcher.Fetch(ctx, content, ev); err != nil {
		return s.handleFetchError(err, seg)
	}
	if res.pushErr != nil {
		return res.pushErr
	}

	if seg.IsInit {
		if err := s.absorbInit(seg, res.payload); err != nil {
			return err
		}
		if len(res.payload) > 0 {
			if err := s.push(ctx, PushPayload{Init: res.payload, Codec: codec}); err != nil {
				return err
			}
		}
		s.initPushed[rep.ID] = true
		s.noteMetrics(seg, res)
		return nil
	}

	s.absorbSmoothTiming(seg, res.payload)

	if len(res.payload) > 0 || res.chunks > 0 {
		err := s.push(ctx, PushPayload{
			Chunk:             res.payload,
			Codec:             codec,
			TimestampOffset:   seg.TimestampOffset,
			AppendWindowStart: winStart,
			AppendWindowEnd:   winEnd,
			Start:             seg.Time,
			End:               seg.End,
		})
		if err != nil {
			return err
		}
	}
	s.pushed[seg.ID] = true
	s.est.OnAddedSegment(s.abrObservation(obs))
	s.noteMetrics(seg, res)
	return nil
}

// fetchResult accumulates what the fetcher reports about one segment.
type fetchResult struct {
	payload   []byte
	fromCache bool
	size      int64
	duration  time.Duration
	chunks    int
	pushErr   error
}

func (s *stream) fetchEvents(res *fetchResult) segment.Events {
	c := s.eng
	return segment.Events{
		OnRequestBegin: func(info segment.RequestInfo) {
			c.met.IncSegmentRequests()
			s.est.OnRequestBegin(abr.RequestBegin{
				ID:       info.ID,
				Time:     info.Time,
				Duration: info.Duration,
				IsInit:   info.IsInit,
				At:       time.Now(),
			})
		},
		OnProgress: func(info segment.ProgressInfo) {
			s.est.OnProgress(abr.RequestProgress{
				ID:    info.ID,
				Bytes: info.Bytes,
				Total: info.Total,
				At:    time.Now(),
			})
		},
		OnRequestEnd: func(info segment.EndInfo) {
			s.est.OnRequestEnd(info.ID)
			res.size, res.duration = info.Size, info.Duration
			if info.Size > 0 {
				c.met.AddSegmentBytes(info.Size)
			}
		},
		OnData: func(info segment.DataInfo) {
			res.payload, res.fromCache = info.Data, info.FromCache
		},
		OnWarning: func(err error) {
			c.met.IncSegmentRetries()
			c.emitWarning(err)
		},
	}
}

// chunkedDelivery reports whether this segment may be pushed chunk by
// chunk. Smooth fragments are excluded: their timing boxes need the whole
// payload.
func (s *stream) chunkedDelivery(seg index.Segment) bool {
	return s.eng.lowLatency && seg.PrivateInfos.SmoothMedia == nil
}

// handleFetchError maps a failed fetch to what the scheduler should do. A
// 404 on an index that admits being out of sync triggers a full refresh
// instead of failing the stream.
func (s *stream) handleFetchError(err error, seg index.Segment) error {
	c := s.eng
	if errs.IsCancellation(err) {
		return err
	}
	var ne *errs.NetworkError
	if errors.As(err, &ne) && ne.Status == 404 {
		c.treeMu.RLock()
		outOfSync := c.manifest.IsDynamic && s.currentRep.Index.CanBeOutOfSync()
		c.treeMu.RUnlock()
		if outOfSync {
			c.log.Warnf("load %s: %s segment %s missing, index may be out of sync",
				c.id, s.typ, seg.ID)
			c.emitWarning(&errs.IndexError{Kind: errs.IndexOutOfSync})
			c.requestRefresh(true)
			return errAwaitRefresh
		}
	}
	return err
}

// absorbInit feeds the representation's index with whatever indexing
// information the init payload carries: the sidx box of ISOBMFF content,
// the cues of WebM content.
func (s *stream) absorbInit(seg index.Segment, payload []byte) error {
	c := s.eng
	rep := s.currentRep

	c.treeMu.RLock()
	initialized := rep.Index.IsInitialized()
	c.treeMu.RUnlock()
	if initialized && seg.IndexRange == nil {
		return nil
	}
	if len(payload) == 0 {
		return nil
	}

	var (
		added []index.AddedSegment
		err   error
	)
	switch {
	case strings.Contains(rep.MimeType, "mp4") && seg.IndexRange != nil:
		added, err = isobmff.ParseSidx(payload, seg.IndexRange.Start)
	case strings.Contains(rep.MimeType, "webm") || strings.Contains(rep.MimeType, "matroska"):
		offset := int64(0)
		if seg.Range != nil {
			offset = seg.Range.Start
		}
		added, err = matroska.ParseCues(payload, offset)
	default:
		return nil
	}
	if err != nil {
		return &errs.PipelineParseError{Err: err}
	}
	if len(added) == 0 {
		return nil
	}
	c.treeMu.Lock()
	defer c.treeMu.Unlock()
	return rep.Index.AddSegments(added, nil)
}

// absorbSmoothTiming extends the index with the upcoming fragments a
// Smooth server announces inside fetched media.
func (s *stream) absorbSmoothTiming(seg index.Segment, payload []byte) {
	sm := seg.PrivateInfos.SmoothMedia
	if sm == nil || len(payload) == 0 {
		return
	}
	c := s.eng
	timing, err := isobmff.ParseSmoothTiming(payload, sm.Timescale)
	if err != nil {
		c.log.Debugf("load %s: no timing information in %s fragment: %v", c.id, s.typ, err)
		return
	}
	if len(timing.NextSegments) == 0 {
		return
	}
	current := seg
	c.treeMu.Lock()
	defer c.treeMu.Unlock()
	if err := s.currentRep.Index.AddSegments(timing.NextSegments, &current); err != nil {
		c.log.Warnf("load %s: could not extend the %s index: %v", c.id, s.typ, err)
	}
}

// push delivers one payload to the sink. A full buffer is not an error,
// only a reason to wait for playback to drain it.
func (s *stream) push(ctx context.Context, p PushPayload) error {
	_, err := s.sink.Push(ctx, p)
	if err == nil {
		return nil
	}
	var merr *errs.MediaError
	if errors.As(err, &merr) && merr.Kind == errs.MediaBufferFull {
		s.eng.log.Warnf("load %s: %s buffer is full around %.3fs", s.eng.id, s.typ, p.Start)
		s.eng.emitWarning(err)
		return errBufferFull
	}
	return err
}

// noteMetrics feeds the estimator with the completed download, skipping
// cache hits so bandwidth keeps describing the network.
func (s *stream) noteMetrics(seg index.Segment, res fetchResult) {
	if res.fromCache || res.size <= 0 {
		return
	}
	s.est.OnMetrics(abr.Metrics{
		Size:            res.size,
		Duration:        res.duration,
		SegmentDuration: seg.Duration,
		IsInit:          seg.IsInit,
		Representation:  s.currentRep,
	})
}

func (s *stream) appendWindow() (float64, float64) {
	c := s.eng
	c.treeMu.RLock()
	defer c.treeMu.RUnlock()
	start := s.period.Start
	end := math.Inf(1)
	if s.period.End != nil {
		end = *s.period.End
	}
	return start, end
}

// abrObservation translates a playback sample for the estimator.
func (s *stream) abrObservation(obs playback.Observation) abr.Observation {
	out := abr.Observation{
		BufferGap: obs.BufferGap,
		Position:  obs.Position,
		Speed:     obs.PlaybackRate,
		Duration:  obs.Duration,
	}
	if math.IsInf(out.BufferGap, 1) {
		out.BufferGap = 0
	}
	c := s.eng
	c.treeMu.RLock()
	if c.manifest.IsLive {
		if live, ok := c.manifest.LivePosition(); ok {
			out.LiveGap = live - obs.Position
		}
	}
	c.treeMu.RUnlock()
	return out
}
