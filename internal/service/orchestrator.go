package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/matt-riley/flagedge/internal/core"
	"github.com/matt-riley/flagedge/internal/etag"
	"github.com/matt-riley/flagedge/internal/workpool"
)

const (
	defaultFetchTimeout     = 5 * time.Second
	defaultFetchConcurrency = 32
)

// Orchestrator is the entry point for feature requests.
type Orchestrator struct {
	coalescer   *coalescer
	transformer Transformer
	logger      *slog.Logger

	incInflight func()
	decInflight func()
}

type Option func(*options)

type options struct {
	logger           *slog.Logger
	transformer      Transformer
	fetchTimeout     time.Duration
	fetchConcurrency int
	incInflight      func()
	decInflight      func()
	recordFetch      func(result string)
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithTransformer(transformer Transformer) Option {
	return func(o *options) {
		if transformer != nil {
			o.transformer = transformer
		}
	}
}

// WithFetchTimeout bounds each cache-tier fetch. Every request waiting on a
// fetch that times out receives a failed response for that key.
func WithFetchTimeout(timeout time.Duration) Option {
	return func(o *options) {
		if timeout > 0 {
			o.fetchTimeout = timeout
		}
	}
}

func WithFetchConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.fetchConcurrency = n
		}
	}
}

// WithRequestMetrics installs hooks for the in-flight request gauge and the
// per-fetch result counter.
func WithRequestMetrics(incInflight, decInflight func(), recordFetch func(result string)) Option {
	return func(o *options) {
		if incInflight != nil {
			o.incInflight = incInflight
		}
		if decInflight != nil {
			o.decInflight = decInflight
		}
		if recordFetch != nil {
			o.recordFetch = recordFetch
		}
	}
}

func New(backend CacheTier, opts ...Option) *Orchestrator {
	o := options{
		logger:           slog.Default(),
		transformer:      TransformerFunc(core.TransformFeatures),
		fetchTimeout:     defaultFetchTimeout,
		fetchConcurrency: defaultFetchConcurrency,
		incInflight:      func() {},
		decInflight:      func() {},
		recordFetch:      func(string) {},
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Orchestrator{
		coalescer: &coalescer{
			backend:      backend,
			pool:         workpool.New("fetch", o.fetchConcurrency, workpool.WithLogger(o.logger)),
			fetchTimeout: o.fetchTimeout,
			logger:       o.logger,
			recordFetch:  o.recordFetch,
			inflight:     make(map[core.Key]*requester),
		},
		transformer: o.transformer,
		logger:      o.logger,
		incInflight: o.incInflight,
		decInflight: o.decInflight,
	}
}

// Request resolves keys for evalCtx. Responses are returned in key order. An
// empty key list yields an empty result without touching the cache tier.
// Request returns early with ctx's error if ctx ends first; shared fetches
// keep running for the other requests waiting on them.
func (o *Orchestrator) Request(ctx context.Context, keys []core.Key, evalCtx core.EvaluationContext, tags etag.Holder) ([]Response, error) {
	if len(keys) == 0 {
		return []Response{}, nil
	}

	o.incInflight()
	defer o.decInflight()

	b := newBarrier(keys, evalCtx, tags, o.transformer)
	for i, key := range keys {
		o.coalescer.attach(key, slotListener{barrier: b, index: i})
	}

	select {
	case responses := <-b.done:
		return responses, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close waits for outstanding fetches and rejects new ones.
func (o *Orchestrator) Close() {
	o.coalescer.pool.Stop()
}
