package stream

import (
	"github.com/google/uuid"

	"github.com/matt-riley/flagedge/internal/core"
	"github.com/matt-riley/flagedge/internal/etag"
	"github.com/matt-riley/flagedge/internal/service"
)

// Connection is one live SDK subscription.
type Connection interface {
	ID() uuid.UUID
	Key() core.Key
	EvaluationContext() core.EvaluationContext
	CachedETags() etag.Holder

	// InitialResponse hands over the first snapshot. Updates delivered
	// before it must be held and replayed after it.
	InitialResponse(response service.Response)
	NotifyFeature(update core.FeatureUpdate) error
	Failed(reason string)
	Close(sayBye bool)

	// RegisterEjection arranges for handler to run once when the connection
	// closes. A handler registered on an already closed connection runs
	// immediately.
	RegisterEjection(handler func(Connection)) uuid.UUID
	DeregisterEjection(id uuid.UUID)
}

type connectionHolder struct {
	conn     Connection
	ejection uuid.UUID
}
