package docstore

import (
	"github.com/hupe1980/docstore/codec"
	"github.com/hupe1980/docstore/resource"
)

// UpdateStrategy controls how the document cache reacts when a cached lid is
// rewritten.
type UpdateStrategy int

const (
	// UpdateStrategyInvalidate drops the cached value; the next read repopulates
	// it from the backing store. The safe default.
	UpdateStrategyInvalidate UpdateStrategy = iota
	// UpdateStrategyUpdate replaces the cached value in place, keeping hot
	// documents hot at the cost of caching documents that may never be read.
	UpdateStrategyUpdate
)

type options struct {
	compression         CompressionType
	maxCacheBytes       int64
	initialCacheEntries int
	updateStrategy      UpdateStrategy
	allowVisitCaching   bool

	codec              codec.Codec
	logger             *Logger
	metricsCollector   MetricsCollector
	resourceController *resource.Controller
	executor           Executor
}

// Option configures Store constructor behavior. Cache- and compression-related
// options may also be passed to Reconfigure.
type Option func(*options)

func defaultOptions() options {
	return options{
		compression:         CompressionLZ4,
		maxCacheBytes:       64 << 20,
		initialCacheEntries: 1024,
		updateStrategy:      UpdateStrategyInvalidate,
		codec:               codec.Default,
		logger:              NoopLogger(),
		metricsCollector:    NoopMetricsCollector{},
	}
}

// WithCompression configures the compression applied to documents before they
// reach the backing store. Stored documents are self-describing, so changing
// the setting never invalidates existing data.
func WithCompression(t CompressionType) Option {
	return func(o *options) {
		o.compression = t
	}
}

// WithMaxCacheBytes configures the document cache byte budget.
// Zero disables document caching.
func WithMaxCacheBytes(n int64) Option {
	return func(o *options) {
		o.maxCacheBytes = n
	}
}

// WithInitialCacheEntries sizes the cache's initial entry-count hint,
// avoiding map growth during warmup.
func WithInitialCacheEntries(n int) Option {
	return func(o *options) {
		o.initialCacheEntries = n
	}
}

// WithUpdateStrategy configures how the document cache reacts to rewrites of
// cached lids.
func WithUpdateStrategy(s UpdateStrategy) Option {
	return func(o *options) {
		o.updateStrategy = s
	}
}

// WithAllowVisitCaching enables caching of bulk-read results keyed by the
// exact requested lid sequence. Worthwhile when the serving layer repeats
// identical visit batches; otherwise it only costs memory.
func WithAllowVisitCaching(allow bool) Option {
	return func(o *options) {
		o.allowVisitCaching = allow
	}
}

// WithCodec configures the codec used by the typed ReadDocument/WriteDocument
// helpers. If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations.
//
// Example with BasicMetricsCollector:
//
//	metrics := &docstore.BasicMetricsCollector{}
//	ds, _ := docstore.New(b, docstore.WithMetricsCollector(metrics))
//	// ... use ds ...
//	fmt.Printf("Reads: %d\n", metrics.ReadCount.Load())
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithResourceController shares a resource controller between the store's
// caches and background work. Cache insertions count against its memory
// budget; background tasks submitted through the default executor take its
// worker slots.
func WithResourceController(rc *resource.Controller) Option {
	return func(o *options) {
		o.resourceController = rc
	}
}

// WithExecutor configures the executor used for background work (InitFlush,
// WarmupCache). If nil, a goroutine-per-task executor gated by the resource
// controller's worker budget is used.
func WithExecutor(e Executor) Option {
	return func(o *options) {
		o.executor = e
	}
}
