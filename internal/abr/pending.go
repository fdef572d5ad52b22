package abr

import (
	"sort"
	"time"
)

// In-flight bandwidth is not extrapolated before a request has run this
// long; earlier ratios are dominated by connection setup.
const minInflightAge = time.Second

// RequestBegin describes a request entering flight.
type RequestBegin struct {
	ID       string
	Time     float64 // segment presentation time, seconds
	Duration float64 // segment duration, seconds
	IsInit   bool
	At       time.Time
}

// RequestProgress is a progress snapshot of an in-flight request.
type RequestProgress struct {
	ID    string
	Bytes int64
	Total int64 // 0 when the server did not announce a size
	At    time.Time
}

// PendingRequest is the live state of one request, used to correct the
// bandwidth estimate downward when a download visibly struggles.
type PendingRequest struct {
	ID       string
	Begin    time.Time
	Time     float64
	Duration float64
	IsInit   bool
	progress []RequestProgress
}

func (p *PendingRequest) addProgress(pr RequestProgress) {
	p.progress = append(p.progress, pr)
}

func (p *PendingRequest) lastProgress() (RequestProgress, bool) {
	if len(p.progress) == 0 {
		return RequestProgress{}, false
	}
	return p.progress[len(p.progress)-1], true
}

// BandwidthEstimate extrapolates the request's final bandwidth in bits per
// second from the bytes received so far. ok is false while the request is
// too young or has shown no progress.
func (p *PendingRequest) BandwidthEstimate(now time.Time) (float64, bool) {
	last, ok := p.lastProgress()
	if !ok || last.Bytes <= 0 {
		return 0, false
	}
	elapsed := last.At.Sub(p.Begin)
	if elapsed < minInflightAge {
		return 0, false
	}
	return float64(last.Bytes) * 8 / elapsed.Seconds(), true
}

// pendingStore indexes in-flight requests by id.
type pendingStore struct {
	requests map[string]*PendingRequest
}

func newPendingStore() *pendingStore {
	return &pendingStore{requests: make(map[string]*PendingRequest)}
}

func (s *pendingStore) add(b RequestBegin) {
	s.requests[b.ID] = &PendingRequest{
		ID:       b.ID,
		Begin:    b.At,
		Time:     b.Time,
		Duration: b.Duration,
		IsInit:   b.IsInit,
	}
}

func (s *pendingStore) addProgress(pr RequestProgress) {
	if req, ok := s.requests[pr.ID]; ok {
		req.addProgress(pr)
	}
}

func (s *pendingStore) remove(id string) {
	delete(s.requests, id)
}

// list returns the in-flight requests ordered by segment time.
func (s *pendingStore) list() []*PendingRequest {
	out := make([]*PendingRequest, 0, len(s.requests))
	for _, r := range s.requests {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out
}
