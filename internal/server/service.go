package server

import (
	"context"

	"github.com/matt-riley/flagedge/internal/core"
	"github.com/matt-riley/flagedge/internal/etag"
	"github.com/matt-riley/flagedge/internal/service"
	"github.com/matt-riley/flagedge/internal/stream"
)

// Requester answers poll requests.
type Requester interface {
	Request(ctx context.Context, keys []core.Key, evalCtx core.EvaluationContext, tags etag.Holder) ([]service.Response, error)
}

// Streamer owns live event-stream subscriptions.
type Streamer interface {
	RequestFeatures(conn stream.Connection)
	ClientRemoved(conn stream.Connection)
	Stats() stream.Stats
}

// Prober reports whether the cache tier is reachable.
type Prober interface {
	Ping(ctx context.Context) error
}

var (
	_ Requester = (*service.Orchestrator)(nil)
	_ Streamer  = (*stream.Fanout)(nil)
)
