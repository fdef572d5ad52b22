package abr

import "time"

// Responses smaller than this teach us close to nothing about the link.
const minimumChunkSize = 16_000

// BandwidthEstimator tracks the observed network bandwidth in bits per
// second. Two half-lives run side by side: the fast one reacts to drops,
// the slow one resists noise, and the estimate is the minimum of the two
// so degradations are taken seriously immediately.
type BandwidthEstimator struct {
	fastHalfLife float64
	slowHalfLife float64
	fast         *EWMA
	slow         *EWMA
	bytesSampled int64
	minimumBytes int64
}

// NewBandwidthEstimator returns an estimator with the given half-lives in
// seconds. No estimate is produced before minimumBytes have been sampled.
func NewBandwidthEstimator(fastHalfLife, slowHalfLife float64, minimumBytes int64) *BandwidthEstimator {
	return &BandwidthEstimator{
		fastHalfLife: fastHalfLife,
		slowHalfLife: slowHalfLife,
		fast:         NewEWMA(fastHalfLife),
		slow:         NewEWMA(slowHalfLife),
		minimumBytes: minimumBytes,
	}
}

// AddSample ingests one completed download of size bytes over duration.
func (b *BandwidthEstimator) AddSample(duration time.Duration, size int64) {
	if size < minimumChunkSize || duration <= 0 {
		return
	}
	bandwidth := float64(size) * 8 / duration.Seconds()
	weight := duration.Seconds()
	b.fast.AddSample(weight, bandwidth)
	b.slow.AddSample(weight, bandwidth)
	b.bytesSampled += size
}

// Estimate returns the current bandwidth estimate in bits per second. The
// boolean is false while too little data has been sampled to trust it.
func (b *BandwidthEstimator) Estimate() (float64, bool) {
	if b.bytesSampled < b.minimumBytes {
		return 0, false
	}
	fast := b.fast.Estimate()
	slow := b.slow.Estimate()
	if fast < slow {
		return fast, true
	}
	return slow, true
}

// Reset forgets every sample, typically after a long pause during which
// the network conditions may have changed completely.
func (b *BandwidthEstimator) Reset() {
	b.fast = NewEWMA(b.fastHalfLife)
	b.slow = NewEWMA(b.slowHalfLife)
	b.bytesSampled = 0
}
