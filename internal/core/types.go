package core

import "github.com/google/uuid"

type Operator string

const (
	OperatorEquals    Operator = "EQUALS"
	OperatorNotEquals Operator = "NOT_EQUALS"
	OperatorIncludes  Operator = "INCLUDES"
	OperatorExcludes  Operator = "EXCLUDES"
)

type ValueType string

const (
	ValueTypeBoolean ValueType = "BOOLEAN"
	ValueTypeString  ValueType = "STRING"
	ValueTypeNumber  ValueType = "NUMBER"
	ValueTypeJSON    ValueType = "JSON"
)

type Action string

const (
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

type StrategyAttribute struct {
	FieldName   string   `json:"fieldName"`
	Conditional Operator `json:"conditional"`
	Values      []any    `json:"values"`
}

type RolloutStrategy struct {
	ID                   string              `json:"id"`
	Percentage           int                 `json:"percentage,omitempty"`
	PercentageAttributes []string            `json:"percentageAttributes,omitempty"`
	Value                any                 `json:"value,omitempty"`
	Attributes           []StrategyAttribute `json:"attributes,omitempty"`
}

// CacheFeature is a feature and its environment value as held by the cache
// tier. It carries every strategy so it can be evaluated for any context.
type CacheFeature struct {
	ID         string            `json:"id"`
	Key        string            `json:"key"`
	Type       ValueType         `json:"type"`
	Version    int64             `json:"version"`
	Locked     bool              `json:"locked"`
	Value      any               `json:"value,omitempty"`
	Strategies []RolloutStrategy `json:"strategies,omitempty"`
	Retired    bool              `json:"retired,omitempty"`
}

// FeatureState is the shape an SDK receives.
type FeatureState struct {
	ID         string            `json:"id"`
	Key        string            `json:"key"`
	Type       ValueType         `json:"type,omitempty"`
	Version    int64             `json:"version"`
	Locked     bool              `json:"l"`
	Value      any               `json:"value,omitempty"`
	Strategies []RolloutStrategy `json:"strategies,omitempty"`
	StrategyID string            `json:"strategyId,omitempty"`
}

type FeatureChange struct {
	Action  Action       `json:"action"`
	Feature CacheFeature `json:"feature"`
}

// FeatureUpdate is a batch of feature changes for a single environment.
type FeatureUpdate struct {
	EnvironmentID uuid.UUID       `json:"environmentId"`
	Changes       []FeatureChange `json:"changes"`
}
