package service

import (
	"errors"
	"fmt"
	"sync"

	"github.com/matt-riley/flagedge/internal/core"
	"github.com/matt-riley/flagedge/internal/etag"
)

// barrier collects the per-key results of one request and resolves them
// together once every key has reported.
type barrier struct {
	keys        []core.Key
	tags        etag.Holder
	evalCtx     core.EvaluationContext
	transformer Transformer

	mu        sync.Mutex
	completed []*requester
	remaining int
	done      chan []Response
}

func newBarrier(keys []core.Key, evalCtx core.EvaluationContext, tags etag.Holder, transformer Transformer) *barrier {
	return &barrier{
		keys:        keys,
		tags:        tags,
		evalCtx:     evalCtx,
		transformer: transformer,
		completed:   make([]*requester, len(keys)),
		remaining:   len(keys),
		done:        make(chan []Response, 1),
	}
}

// slotListener ties a key position to the barrier so results stay in
// request order regardless of completion order.
type slotListener struct {
	barrier *barrier
	index   int
}

func (l slotListener) complete(r *requester) {
	l.barrier.complete(l.index, r)
}

func (b *barrier) complete(index int, r *requester) {
	b.mu.Lock()
	if b.completed[index] != nil {
		b.mu.Unlock()
		return
	}
	b.completed[index] = r
	b.remaining--
	last := b.remaining == 0
	b.mu.Unlock()

	if last {
		b.done <- b.resolve()
	}
}

// resolve decides once for the whole request: a single stale or failed key
// means every key is sent in full.
func (b *barrier) resolve() []Response {
	type outcome struct {
		details *Details
		err     error
	}

	outcomes := make([]outcome, len(b.completed))
	sendFull := !b.tags.Valid
	for i, r := range b.completed {
		details, err := r.result()
		outcomes[i] = outcome{details: details, err: err}
		if details == nil || b.tags.EnvironmentTags[b.keys[i]] != details.ETag {
			sendFull = true
		}
	}

	responses := make([]Response, len(b.completed))
	for i, o := range outcomes {
		key := b.keys[i]
		switch {
		case o.details == nil:
			err := o.err
			if err == nil {
				err = fmt.Errorf("%w: no details for %s", ErrCacheUnavailable, key)
			}
			responses[i] = Response{Key: key, Outcome: OutcomeFailed, ETag: FailedETag, Err: err}
		case !sendFull:
			responses[i] = Response{Key: key, Outcome: OutcomeNoChange, Metadata: o.details.Metadata}
		default:
			responses[i] = Response{
				Key:      key,
				Outcome:  OutcomeSuccess,
				ETag:     o.details.ETag,
				Features: b.transformer.Transform(o.details.Features, b.evalCtx),
				Metadata: o.details.Metadata,
			}
		}
	}

	return responses
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound)
}
