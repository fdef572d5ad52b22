package fetchers

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/lfaureyt/rx-player/internal/config"
	"github.com/lfaureyt/rx-player/internal/errs"
	"github.com/lfaureyt/rx-player/internal/logger"
)

// BackoffOptions bound the retry loop of a fetch.
type BackoffOptions struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int

	// OnRetry observes each retryable failure before the wait, so callers
	// can surface it as a warning.
	OnRetry func(error)
}

// BackoffFromConfig picks the regular or low-latency retry tuning.
func BackoffFromConfig(cfg *config.Config, lowLatency bool) BackoffOptions {
	if lowLatency {
		return BackoffOptions{
			BaseDelay:  cfg.LowLatencyBaseDelay,
			MaxDelay:   cfg.LowLatencyMaxDelay,
			MaxRetries: cfg.MaxRetries,
		}
	}
	return BackoffOptions{
		BaseDelay:  cfg.BaseDelay,
		MaxDelay:   cfg.MaxDelay,
		MaxRetries: cfg.MaxRetries,
	}
}

// delay computes the wait before retry number retry (1-based): exponential
// growth capped by MaxDelay, fuzzed by up to 30 percent either way so
// synchronized clients do not retry in lockstep.
func (o BackoffOptions) delay(retry int) time.Duration {
	d := o.BaseDelay << (retry - 1)
	if d <= 0 || d > o.MaxDelay {
		d = o.MaxDelay
	}
	fuzz := 0.7 + 0.6*rand.Float64()
	return time.Duration(float64(d) * fuzz)
}

// FetchWithBackoff runs rf against the URL fallback list until an attempt
// succeeds. Retryable failures consume the retry budget and wait out a
// backoff delay; fatal failures drop the URL from rotation without waiting.
// The last error is returned once every URL is dead or the budget is spent.
func FetchWithBackoff(ctx context.Context, rf RequestFunc, req Request, urls []string, opts BackoffOptions, log logger.Logger) (*Response, error) {
	if len(urls) == 0 {
		return nil, errors.New("no url to fetch")
	}
	dead := make([]bool, len(urls))
	alive := len(urls)
	retries := 0
	idx := 0
	var lastErr error

	for {
		for dead[idx] {
			idx = (idx + 1) % len(urls)
		}
		attempt := req
		attempt.URL = urls[idx]

		res, err := rf(ctx, attempt)
		if err == nil {
			return res, nil
		}
		if errs.IsCancellation(err) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err

		if !errs.IsRetryable(err) {
			dead[idx] = true
			alive--
			if alive == 0 {
				return nil, lastErr
			}
			log.Warnf("Dropping %s from rotation: %v", attempt.URL, err)
			idx = (idx + 1) % len(urls)
			continue
		}

		retries++
		if retries > opts.MaxRetries {
			return nil, lastErr
		}
		if opts.OnRetry != nil {
			opts.OnRetry(err)
		}
		wait := opts.delay(retries)
		log.Warnf("Attempt %d/%d for %s failed, retrying in %v: %v", retries, opts.MaxRetries, attempt.URL, wait, err)
		select {
		case <-ctx.Done():
			return nil, errs.ErrCancellation
		case <-time.After(wait):
		}
		idx = (idx + 1) % len(urls)
	}
}
