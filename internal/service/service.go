// Package service answers feature requests for one or more environments.
//
// Concurrent requests for the same Key share a single cache-tier fetch. A
// request that spans several keys waits for all of them and then decides,
// for the request as a whole, whether the caller gets a full payload or a
// no-change answer.
package service

import (
	"context"
	"errors"

	"github.com/matt-riley/flagedge/internal/core"
)

var (
	ErrKeyNotFound      = errors.New("key not found")
	ErrCacheUnavailable = errors.New("cache tier unavailable")
)

// FailedETag marks an environment whose fetch did not produce details.
const FailedETag = "0"

type Outcome string

const (
	OutcomeSuccess  Outcome = "SUCCESS"
	OutcomeNoChange Outcome = "NO_CHANGE"
	OutcomeFailed   Outcome = "FAILED"
)

// Metadata describes who owns the environment a key resolved to.
type Metadata struct {
	OrganisationID   string `json:"organisationId,omitempty"`
	PortfolioID      string `json:"portfolioId,omitempty"`
	ApplicationID    string `json:"applicationId,omitempty"`
	ServiceAccountID string `json:"serviceAccountId,omitempty"`
}

// Details is the cache tier's answer for one key.
type Details struct {
	Features []core.CacheFeature
	ETag     string
	Metadata Metadata
}

// CacheTier fetches environment details. Implementations return errors
// wrapping ErrKeyNotFound when the key does not name a known environment.
type CacheTier interface {
	GetDetails(ctx context.Context, key core.Key) (Details, error)
}

type Transformer interface {
	Transform(features []core.CacheFeature, ctx core.EvaluationContext) []core.FeatureState
}

type TransformerFunc func(features []core.CacheFeature, ctx core.EvaluationContext) []core.FeatureState

func (f TransformerFunc) Transform(features []core.CacheFeature, ctx core.EvaluationContext) []core.FeatureState {
	return f(features, ctx)
}

// Response is the per-key result of a request, in request order.
type Response struct {
	Key      core.Key
	Outcome  Outcome
	ETag     string
	Features []core.FeatureState
	Metadata Metadata
	Err      error
}
