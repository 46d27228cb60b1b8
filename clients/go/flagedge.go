// Package flagedge provides client interfaces and domain types for reading
// feature flags from a flagedge node.
//
// Use the sub-package to create a transport-specific client:
//
//	import edgehttp "github.com/matt-riley/flagedge/clients/go/http"
package flagedge

import (
	"context"
	"net/url"
	"slices"
	"strings"
)

// Poller fetches the current features of one or more environments.
type Poller interface {
	Poll(ctx context.Context, req PollRequest) (PollResult, error)
}

// Streamer delivers live feature events for a single environment.
// The returned channel is closed when ctx is cancelled or the connection drops.
type Streamer interface {
	Stream(ctx context.Context, req StreamRequest) (<-chan Event, error)
}

// PollRequest names the environments to fetch. APIKeys take the form
// "environmentId/credential" or "cacheName/environmentId/credential".
type PollRequest struct {
	APIKeys []string
	Context Context
	// ETag is the tag returned by a previous poll. When nothing changed the
	// result has NotModified set and no environments.
	ETag string
}

// PollResult is the outcome of a poll.
type PollResult struct {
	Environments []Environment
	ETag         string
	NotModified  bool
}

// StreamRequest opens a stream for one API key.
type StreamRequest struct {
	APIKey  string
	Context Context
	// LastEventID resumes from the id of the last features event seen.
	LastEventID string
}

// Environment holds the features of one environment.
type Environment struct {
	ID       string         `json:"id"`
	Features []FeatureState `json:"features"`
}

// FeatureState is a feature as delivered to an SDK.
type FeatureState struct {
	ID         string            `json:"id"`
	Key        string            `json:"key"`
	Type       string            `json:"type,omitempty"`
	Version    int64             `json:"version"`
	Locked     bool              `json:"l"`
	Value      any               `json:"value,omitempty"`
	Strategies []RolloutStrategy `json:"strategies,omitempty"`
	StrategyID string            `json:"strategyId,omitempty"`
}

// RolloutStrategy is evaluated client side when the key is client evaluated.
type RolloutStrategy struct {
	ID                   string              `json:"id"`
	Percentage           int                 `json:"percentage,omitempty"`
	PercentageAttributes []string            `json:"percentageAttributes,omitempty"`
	Value                any                 `json:"value,omitempty"`
	Attributes           []StrategyAttribute `json:"attributes,omitempty"`
}

type StrategyAttribute struct {
	FieldName   string `json:"fieldName"`
	Conditional string `json:"conditional"`
	Values      []any  `json:"values"`
}

// Event types sent on a feature stream.
const (
	EventAck           = "ack"
	EventBye           = "bye"
	EventFailure       = "failure"
	EventFeatures      = "features"
	EventFeature       = "feature"
	EventDeleteFeature = "delete_feature"
)

// Event is one server-sent event. Features is set for EventFeatures,
// Feature for EventFeature and EventDeleteFeature, Status and Reason for
// the rest.
type Event struct {
	Type     string
	ID       string
	Status   string
	Reason   string
	Features []FeatureState
	Feature  *FeatureState
}

// Context carries the attributes server-side evaluation runs against.
type Context map[string][]string

// Encode renders the context the way the x-featurehub header expects it:
// comma separated name=value pairs with each part URL-encoded.
func (c Context) Encode() string {
	if len(c) == 0 {
		return ""
	}
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	slices.Sort(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		value := url.QueryEscape(strings.Join(c[name], ","))
		parts = append(parts, url.QueryEscape(name)+"="+value)
	}
	return strings.Join(parts, ",")
}
