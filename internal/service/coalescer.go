package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/matt-riley/flagedge/internal/core"
	"github.com/matt-riley/flagedge/internal/workpool"
)

const (
	fetchResultSuccess  = "success"
	fetchResultNotFound = "not_found"
	fetchResultError    = "error"
)

var tracer = otel.Tracer("github.com/matt-riley/flagedge/internal/service")

type listener interface {
	complete(r *requester)
}

// requester is the in-flight slot for one key. The first listener to join
// triggers the fetch; everyone who joins before it completes shares it.
type requester struct {
	key core.Key

	mu        sync.Mutex
	listeners []listener
	done      bool
	details   *Details
	err       error
}

// add registers l. It reports whether l is the first listener, and whether
// the slot already completed, in which case l is not retained.
func (r *requester) add(l listener) (first bool, done bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done {
		return false, true
	}
	r.listeners = append(r.listeners, l)
	return len(r.listeners) == 1, false
}

func (r *requester) finish(details *Details, err error) []listener {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.done = true
	r.details = details
	r.err = err
	listeners := r.listeners
	r.listeners = nil
	return listeners
}

func (r *requester) result() (*Details, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.details, r.err
}

type coalescer struct {
	backend      CacheTier
	pool         *workpool.Pool
	fetchTimeout time.Duration
	logger       *slog.Logger
	recordFetch  func(result string)

	mu       sync.Mutex
	inflight map[core.Key]*requester
}

func (c *coalescer) slot(key core.Key) *requester {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.inflight[key]
	if !ok {
		r = &requester{key: key}
		c.inflight[key] = r
	}
	return r
}

func (c *coalescer) attach(key core.Key, l listener) {
	r := c.slot(key)

	first, done := r.add(l)
	if done {
		l.complete(r)
		return
	}
	if !first {
		return
	}

	if err := c.pool.Submit(func() { c.fetch(r) }); err != nil {
		c.complete(r, nil, fmt.Errorf("dispatch fetch for %s: %w", key, err))
	}
}

func (c *coalescer) fetch(r *requester) {
	ctx, cancel := context.WithTimeout(context.Background(), c.fetchTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "cache.get_details")
	span.SetAttributes(
		attribute.String("edge.cache_name", r.key.CacheName),
		attribute.String("edge.environment_id", r.key.EnvironmentID.String()),
	)
	defer span.End()

	var (
		details *Details
		err     error
	)
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("%w: fetch panicked: %v", ErrCacheUnavailable, p)
			}
		}()

		var fetched Details
		fetched, err = c.backend.GetDetails(ctx, r.key)
		if err == nil {
			details = &fetched
		}
	}()

	switch {
	case err == nil:
		c.recordFetch(fetchResultSuccess)
	case isNotFound(err):
		c.recordFetch(fetchResultNotFound)
	default:
		c.recordFetch(fetchResultError)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("cache tier fetch failed", "key", r.key.String(), "error", err)
	}

	c.complete(r, details, err)
}

// complete removes the slot before notifying, so a request arriving after
// this point starts a fresh fetch.
func (c *coalescer) complete(r *requester, details *Details, err error) {
	c.mu.Lock()
	if c.inflight[r.key] == r {
		delete(c.inflight, r.key)
	}
	c.mu.Unlock()

	for _, l := range r.finish(details, err) {
		l.complete(r)
	}
}

func (c *coalescer) inflightKeys() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}
