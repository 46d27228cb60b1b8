package core

import (
	"math"
	"reflect"
	"strconv"
	"strings"
)

// TransformFeatures evaluates every feature for ctx.
func TransformFeatures(features []CacheFeature, ctx EvaluationContext) []FeatureState {
	states := make([]FeatureState, 0, len(features))
	for _, feature := range features {
		if feature.Retired {
			continue
		}
		states = append(states, TransformFeature(feature, ctx))
	}
	return states
}

// TransformFeature resolves a feature for ctx. Client-evaluated contexts get
// the strategies verbatim; otherwise the first strategy whose attribute
// conditions all hold supplies the value.
func TransformFeature(feature CacheFeature, ctx EvaluationContext) FeatureState {
	state := FeatureState{
		ID:      feature.ID,
		Key:     feature.Key,
		Type:    feature.Type,
		Version: feature.Version,
		Locked:  feature.Locked,
		Value:   feature.Value,
	}

	if ctx.ClientEvaluation {
		state.Strategies = feature.Strategies
		return state
	}

	for _, strategy := range feature.Strategies {
		// percentage rollouts are evaluated by the SDK
		if len(strategy.Attributes) == 0 {
			continue
		}
		if matchesStrategy(strategy, ctx.Attributes) {
			state.Value = strategy.Value
			state.StrategyID = strategy.ID
			break
		}
	}

	return state
}

func matchesStrategy(strategy RolloutStrategy, attributes map[string][]string) bool {
	for _, attribute := range strategy.Attributes {
		if !evaluateAttribute(attribute, attributes) {
			return false
		}
	}
	return true
}

func evaluateAttribute(attribute StrategyAttribute, attributes map[string][]string) bool {
	supplied, ok := attributes[attribute.FieldName]
	if !ok || len(supplied) == 0 {
		return false
	}

	switch attribute.Conditional {
	case OperatorEquals:
		return anyMatch(supplied, attribute.Values, valuesEqual)
	case OperatorNotEquals:
		return !anyMatch(supplied, attribute.Values, valuesEqual)
	case OperatorIncludes:
		return anyMatch(supplied, attribute.Values, contains)
	case OperatorExcludes:
		return !anyMatch(supplied, attribute.Values, contains)
	default:
		return false
	}
}

func anyMatch(supplied []string, values []any, match func(any, any) bool) bool {
	for _, raw := range supplied {
		for _, value := range values {
			if match(coerce(raw, value), value) {
				return true
			}
		}
	}
	return false
}

func contains(value any, strategyValue any) bool {
	left, ok := value.(string)
	if !ok {
		return valuesEqual(value, strategyValue)
	}
	right, ok := strategyValue.(string)
	if !ok {
		return false
	}
	return strings.Contains(left, right)
}

// coerce converts a header value to the type of the value it is compared with.
func coerce(raw string, like any) any {
	switch like.(type) {
	case bool:
		if parsed, err := strconv.ParseBool(raw); err == nil {
			return parsed
		}
	case float32, float64:
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
			return parsed
		}
	case int, int8, int16, int32, int64:
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return parsed
		}
	case uint, uint8, uint16, uint32, uint64:
		if parsed, err := strconv.ParseUint(raw, 10, 64); err == nil {
			return parsed
		}
	}
	return raw
}

func valuesEqual(left any, right any) bool {
	if leftInt, ok := asInt64(left); ok {
		if rightInt, ok := asInt64(right); ok {
			return leftInt == rightInt
		}

		if rightUint, ok := asUint64(right); ok {
			if leftInt < 0 {
				return false
			}
			return uint64(leftInt) == rightUint
		}

		if rightFloat, ok := asFloat64(right); ok {
			return floatEqualsInt64(rightFloat, leftInt)
		}
	}

	if leftUint, ok := asUint64(left); ok {
		if rightUint, ok := asUint64(right); ok {
			return leftUint == rightUint
		}

		if rightInt, ok := asInt64(right); ok {
			if rightInt < 0 {
				return false
			}
			return leftUint == uint64(rightInt)
		}

		if rightFloat, ok := asFloat64(right); ok {
			return floatEqualsUint64(rightFloat, leftUint)
		}
	}

	if leftFloat, ok := asFloat64(left); ok {
		if rightFloat, ok := asFloat64(right); ok {
			return leftFloat == rightFloat
		}

		if rightInt, ok := asInt64(right); ok {
			return floatEqualsInt64(leftFloat, rightInt)
		}

		if rightUint, ok := asUint64(right); ok {
			return floatEqualsUint64(leftFloat, rightUint)
		}
	}

	return reflect.DeepEqual(left, right)
}

func asInt64(value any) (int64, bool) {
	switch number := value.(type) {
	case int:
		return int64(number), true
	case int8:
		return int64(number), true
	case int16:
		return int64(number), true
	case int32:
		return int64(number), true
	case int64:
		return number, true
	default:
		return 0, false
	}
}

func asUint64(value any) (uint64, bool) {
	switch number := value.(type) {
	case uint:
		return uint64(number), true
	case uint8:
		return uint64(number), true
	case uint16:
		return uint64(number), true
	case uint32:
		return uint64(number), true
	case uint64:
		return number, true
	default:
		return 0, false
	}
}

func asFloat64(value any) (float64, bool) {
	switch number := value.(type) {
	case float32:
		return float64(number), true
	case float64:
		return number, true
	default:
		return 0, false
	}
}

func floatEqualsInt64(left float64, right int64) bool {
	if !isWholeFinite(left) {
		return false
	}

	if left < float64(math.MinInt64) || left > float64(math.MaxInt64) {
		return false
	}

	converted := int64(left)
	return float64(converted) == left && converted == right
}

func floatEqualsUint64(left float64, right uint64) bool {
	if !isWholeFinite(left) {
		return false
	}

	if left < 0 || left > float64(math.MaxUint64) {
		return false
	}

	converted := uint64(left)
	return float64(converted) == left && converted == right
}

func isWholeFinite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0) && math.Trunc(value) == value
}
