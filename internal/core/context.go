package core

import (
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const (
	// NoContextTag is the tag of a context that carries no attributes.
	NoContextTag = "0"

	// MaxContextAttributes bounds how many attributes one request may carry.
	MaxContextAttributes = 30
)

type EvaluationContext struct {
	Attributes       map[string][]string
	ClientEvaluation bool
}

// DecodeContext reads "name=value,name2=value2" header values. Names and
// values are URL-decoded after splitting, so an encoded comma inside a value
// yields a multi-valued attribute.
func DecodeContext(headers []string, keys []Key) EvaluationContext {
	ctx := EvaluationContext{Attributes: map[string][]string{}}

	for _, key := range keys {
		if key.ClientEvaluated() {
			ctx.ClientEvaluation = true
			break
		}
	}

	for _, header := range headers {
		for _, part := range strings.Split(header, ",") {
			if len(ctx.Attributes) >= MaxContextAttributes {
				return ctx
			}

			name, value, ok := strings.Cut(part, "=")
			if !ok {
				continue
			}
			name = strings.TrimSpace(unescape(name))
			if name == "" {
				continue
			}

			ctx.Attributes[name] = strings.Split(unescape(value), ",")
		}
	}

	return ctx
}

func unescape(raw string) string {
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// Tag is a stable fingerprint of the attributes, independent of the order
// they arrived in.
func (c EvaluationContext) Tag() string {
	if len(c.Attributes) == 0 {
		return NoContextTag
	}

	names := make([]string, 0, len(c.Attributes))
	for name := range c.Attributes {
		names = append(names, name)
	}
	slices.Sort(names)

	digest := xxhash.New()
	for _, name := range names {
		_, _ = digest.WriteString(name)
		_, _ = digest.WriteString("=")
		_, _ = digest.WriteString(strings.Join(c.Attributes[name], ","))
		_, _ = digest.WriteString(";")
	}

	return strconv.FormatUint(digest.Sum64(), 16)
}

// Value returns the first value of an attribute, or fallback when unset.
func (c EvaluationContext) Value(name, fallback string) string {
	values := c.Attributes[name]
	if len(values) == 0 {
		return fallback
	}
	return values[0]
}
