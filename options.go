package rxplayer

import (
	"github.com/lfaureyt/rx-player/internal/core"
)

// Options collects the construction choices New applies to the engine.
type Options struct {
	args core.Args
}

// Option adjusts how New builds a Player.
type Option func(*Options)

// WithTransport selects the manifest format. The default is DASH.
func WithTransport(t Transport) Option {
	return func(o *Options) { o.args.Transport = t }
}

// WithElement supplies the media element the engine observes and
// steers. Without it the Player runs against a simulated element fed by
// the sinks.
func WithElement(el MediaElement) Option {
	return func(o *Options) { o.args.Element = el }
}

// WithSinkOpener supplies the buffer sinks segments are pushed into.
// Without it every media type gets a memory sink that only accounts for
// what it receives.
func WithSinkOpener(open SinkOpener) Option {
	return func(o *Options) { o.args.OpenSink = open }
}

// WithConfig replaces the default engine configuration.
func WithConfig(cfg *Config) Option {
	return func(o *Options) { o.args.Config = cfg }
}

// WithLogger routes engine logs. The default discards them.
func WithLogger(log Logger) Option {
	return func(o *Options) { o.args.Logger = log }
}

// WithMetrics records engine counters and gauges on m, typically to
// expose them on a Prometheus endpoint.
func WithMetrics(m *Metrics) Option {
	return func(o *Options) { o.args.Metrics = m }
}

// WithRequestFunc replaces the net/http request function every fetch
// goes through.
func WithRequestFunc(rf RequestFunc) Option {
	return func(o *Options) { o.args.Request = rf }
}

// WithCustomLoader gives loader first refusal on segment requests. A
// fallback result hands the request to the regular path.
func WithCustomLoader(loader CustomLoader) Option {
	return func(o *Options) { o.args.CustomLoader = loader }
}

// WithLowLatency tightens gap tolerances and backoff and enables
// chunked segment delivery.
func WithLowLatency() Option {
	return func(o *Options) { o.args.LowLatency = true }
}

// WithStartAt overrides the initial position. By default playback
// starts at the minimum position for static content and at the
// suggested live position for dynamic content.
func WithStartAt(position float64) Option {
	return func(o *Options) { o.args.StartAt = &position }
}

// WithCodecSupport reports which codecs the embedding pipeline decodes.
// The default accepts everything.
func WithCodecSupport(check CodecSupportChecker) Option {
	return func(o *Options) { o.args.CodecSupport = check }
}
