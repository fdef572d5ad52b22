// Package abr chooses the Representation to load. It combines a bandwidth
// estimator fed by completed requests, a maintainability score per
// Representation, a buffer-based chooser that can raise the quality when
// the buffer is comfortable, and an optimistic guess mode for healthy live
// playback. All of it is driven by the request lifecycle events the
// segment fetcher emits and by playback observations.
package abr

import "math"

// EWMA is an exponentially weighted moving average whose sample weight is
// expressed in seconds: a sample covering more time moves the average
// further. halfLife is the time, in seconds, after which a sample's
// influence has decayed by half.
type EWMA struct {
	alpha        float64
	lastEstimate float64
	totalWeight  float64
}

// NewEWMA returns an EWMA with the given half-life in seconds.
func NewEWMA(halfLife float64) *EWMA {
	return &EWMA{alpha: math.Exp(math.Log(0.5) / halfLife)}
}

// AddSample folds value into the average with the given weight in seconds.
func (e *EWMA) AddSample(weight, value float64) {
	adjAlpha := math.Pow(e.alpha, weight)
	e.lastEstimate = value*(1-adjAlpha) + adjAlpha*e.lastEstimate
	e.totalWeight += weight
}

// Estimate returns the current average, corrected for the startup bias a
// zero-initialized accumulator would otherwise carry.
func (e *EWMA) Estimate() float64 {
	zeroFactor := 1 - math.Pow(e.alpha, e.totalWeight)
	return e.lastEstimate / zeroFactor
}
