package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Gap is a buffer-health threshold in seconds, with a tighter value used
// when the content is low-latency.
type Gap struct {
	Default    float64
	LowLatency float64
}

// For returns the threshold matching the content's latency mode.
func (g Gap) For(lowLatency bool) float64 {
	if lowLatency {
		return g.LowLatency
	}
	return g.Default
}

// Config holds the fully processed engine tunables. Every value has a
// stable default from DefaultConfig; zero values are never used directly.
type Config struct {
	UserAgent string

	// Segments shorter than this many seconds are never scheduled.
	MinimumSegmentSize float64

	// Playback observer sampling cadence per mode.
	SamplingIntervalMediaSource   time.Duration
	SamplingIntervalLowLatency    time.Duration
	SamplingIntervalNoMediaSource time.Duration

	// Rebuffering state machine thresholds, in seconds of buffer.
	RebufferingGap              Gap
	ResumeGapAfterSeeking       Gap
	ResumeGapAfterNotEnoughData Gap
	ResumeGapAfterBuffering     Gap

	// Minimum buffer ahead of the position for a stalled position to be
	// classified as freezing rather than rebuffering.
	MinimumBufferBeforeFreezing float64

	// Seconds of media the streams try to keep buffered past the position.
	WantedBufferAhead float64

	// Lifetime given to a dynamic DASH manifest which advertises
	// minimumUpdatePeriod="0", where refresh timing is ours to choose.
	DashFallbackLifetime time.Duration

	// Segment and manifest request retry/backoff.
	BaseDelay           time.Duration
	LowLatencyBaseDelay time.Duration
	MaxDelay            time.Duration
	LowLatencyMaxDelay  time.Duration
	MaxRetries          int
	RequestTimeout      time.Duration

	// Bandwidth estimation.
	FastEWMAHalfLife      float64 // seconds
	SlowEWMAHalfLife      float64 // seconds
	MinimumSampledBytes   int64   // bandwidth estimates below this total are ignored
	ScoreEWMAHalfLife     float64 // representation maintainability score
	GuessCooldownStep     time.Duration
	GuessCooldownMax      time.Duration
	BufferBasedEnterGap   float64 // seconds of buffer to hand control to the buffer-based chooser
	BufferBasedLeaveGap   float64 // seconds of buffer under which bandwidth-based resumes

	// Rewrite the last sidx reference so truncated live MP4s still index.
	PatchLastSegmentInSidx bool
}

// DefaultConfig returns the stable defaults.
func DefaultConfig() *Config {
	return &Config{
		UserAgent:          "rx-player-go/1.0",
		MinimumSegmentSize: 0.005,

		SamplingIntervalMediaSource:   1000 * time.Millisecond,
		SamplingIntervalLowLatency:    200 * time.Millisecond,
		SamplingIntervalNoMediaSource: 500 * time.Millisecond,

		RebufferingGap:              Gap{Default: 0.5, LowLatency: 0.2},
		ResumeGapAfterSeeking:       Gap{Default: 1.5, LowLatency: 0.5},
		ResumeGapAfterNotEnoughData: Gap{Default: 1.5, LowLatency: 0.5},
		ResumeGapAfterBuffering:     Gap{Default: 1.5, LowLatency: 0.5},
		MinimumBufferBeforeFreezing: 0.5,
		WantedBufferAhead:           30,

		DashFallbackLifetime: 3 * time.Second,

		BaseDelay:           200 * time.Millisecond,
		LowLatencyBaseDelay: 50 * time.Millisecond,
		MaxDelay:            3 * time.Second,
		LowLatencyMaxDelay:  1 * time.Second,
		MaxRetries:          4,
		RequestTimeout:      30 * time.Second,

		FastEWMAHalfLife:    2,
		SlowEWMAHalfLife:    10,
		MinimumSampledBytes: 150_000,
		ScoreEWMAHalfLife:   5,
		GuessCooldownStep:   120 * time.Second,
		GuessCooldownMax:    360 * time.Second,
		BufferBasedEnterGap: 10,
		BufferBasedLeaveGap: 5,

		PatchLastSegmentInSidx: false,
	}
}

// Validate rejects configurations that would wedge the engine.
func (c *Config) Validate() error {
	if c.MinimumSegmentSize < 0 {
		return fmt.Errorf("MinimumSegmentSize must be >= 0, got %v", c.MinimumSegmentSize)
	}
	for name, d := range map[string]time.Duration{
		"SamplingIntervalMediaSource":   c.SamplingIntervalMediaSource,
		"SamplingIntervalLowLatency":    c.SamplingIntervalLowLatency,
		"SamplingIntervalNoMediaSource": c.SamplingIntervalNoMediaSource,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MaxRetries must be >= 0, got %d", c.MaxRetries)
	}
	if c.BaseDelay <= 0 || c.LowLatencyBaseDelay <= 0 {
		return fmt.Errorf("retry base delays must be positive")
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("MaxDelay %v is below BaseDelay %v", c.MaxDelay, c.BaseDelay)
	}
	if c.LowLatencyMaxDelay < c.LowLatencyBaseDelay {
		return fmt.Errorf("LowLatencyMaxDelay %v is below LowLatencyBaseDelay %v", c.LowLatencyMaxDelay, c.LowLatencyBaseDelay)
	}
	if c.FastEWMAHalfLife <= 0 || c.SlowEWMAHalfLife <= 0 || c.ScoreEWMAHalfLife <= 0 {
		return fmt.Errorf("EWMA half-lives must be positive")
	}
	if c.BufferBasedLeaveGap > c.BufferBasedEnterGap {
		return fmt.Errorf("BufferBasedLeaveGap %v exceeds BufferBasedEnterGap %v", c.BufferBasedLeaveGap, c.BufferBasedEnterGap)
	}
	if c.WantedBufferAhead <= 0 {
		return fmt.Errorf("WantedBufferAhead must be positive, got %v", c.WantedBufferAhead)
	}
	return nil
}

// rawConfig maps directly to the optional JSON tuning file. Durations are
// given in milliseconds; absent fields keep their defaults.
type rawConfig struct {
	UserAgent *string `json:"UserAgent"`

	MinimumSegmentSize *float64 `json:"MinimumSegmentSize"`

	SamplingIntervalMediaSourceMs   *int64 `json:"SamplingIntervalMediaSourceMs"`
	SamplingIntervalLowLatencyMs    *int64 `json:"SamplingIntervalLowLatencyMs"`
	SamplingIntervalNoMediaSourceMs *int64 `json:"SamplingIntervalNoMediaSourceMs"`

	RebufferingGap              *Gap `json:"RebufferingGap"`
	ResumeGapAfterSeeking       *Gap `json:"ResumeGapAfterSeeking"`
	ResumeGapAfterNotEnoughData *Gap `json:"ResumeGapAfterNotEnoughData"`
	ResumeGapAfterBuffering     *Gap `json:"ResumeGapAfterBuffering"`

	MinimumBufferBeforeFreezing *float64 `json:"MinimumBufferBeforeFreezing"`
	WantedBufferAhead           *float64 `json:"WantedBufferAhead"`

	DashFallbackLifetimeMs *int64 `json:"DashFallbackLifetimeMs"`

	BaseDelayMs           *int64 `json:"BaseDelayMs"`
	LowLatencyBaseDelayMs *int64 `json:"LowLatencyBaseDelayMs"`
	MaxDelayMs            *int64 `json:"MaxDelayMs"`
	LowLatencyMaxDelayMs  *int64 `json:"LowLatencyMaxDelayMs"`
	MaxRetries            *int   `json:"MaxRetries"`
	RequestTimeoutMs      *int64 `json:"RequestTimeoutMs"`

	PatchLastSegmentInSidx *bool `json:"PatchLastSegmentInSidx"`
}

// LoadConfig reads an optional JSON tuning file and overlays it on the
// defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}

	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config JSON: %w", err)
	}

	cfg := DefaultConfig()
	if raw.UserAgent != nil {
		cfg.UserAgent = *raw.UserAgent
	}
	if raw.MinimumSegmentSize != nil {
		cfg.MinimumSegmentSize = *raw.MinimumSegmentSize
	}
	applyMs := func(dst *time.Duration, src *int64) {
		if src != nil {
			*dst = time.Duration(*src) * time.Millisecond
		}
	}
	applyMs(&cfg.SamplingIntervalMediaSource, raw.SamplingIntervalMediaSourceMs)
	applyMs(&cfg.SamplingIntervalLowLatency, raw.SamplingIntervalLowLatencyMs)
	applyMs(&cfg.SamplingIntervalNoMediaSource, raw.SamplingIntervalNoMediaSourceMs)
	if raw.RebufferingGap != nil {
		cfg.RebufferingGap = *raw.RebufferingGap
	}
	if raw.ResumeGapAfterSeeking != nil {
		cfg.ResumeGapAfterSeeking = *raw.ResumeGapAfterSeeking
	}
	if raw.ResumeGapAfterNotEnoughData != nil {
		cfg.ResumeGapAfterNotEnoughData = *raw.ResumeGapAfterNotEnoughData
	}
	if raw.ResumeGapAfterBuffering != nil {
		cfg.ResumeGapAfterBuffering = *raw.ResumeGapAfterBuffering
	}
	if raw.MinimumBufferBeforeFreezing != nil {
		cfg.MinimumBufferBeforeFreezing = *raw.MinimumBufferBeforeFreezing
	}
	if raw.WantedBufferAhead != nil {
		cfg.WantedBufferAhead = *raw.WantedBufferAhead
	}
	applyMs(&cfg.DashFallbackLifetime, raw.DashFallbackLifetimeMs)
	applyMs(&cfg.BaseDelay, raw.BaseDelayMs)
	applyMs(&cfg.LowLatencyBaseDelay, raw.LowLatencyBaseDelayMs)
	applyMs(&cfg.MaxDelay, raw.MaxDelayMs)
	applyMs(&cfg.LowLatencyMaxDelay, raw.LowLatencyMaxDelayMs)
	if raw.MaxRetries != nil {
		cfg.MaxRetries = *raw.MaxRetries
	}
	applyMs(&cfg.RequestTimeout, raw.RequestTimeoutMs)
	if raw.PatchLastSegmentInSidx != nil {
		cfg.PatchLastSegmentInSidx = *raw.PatchLastSegmentInSidx
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
