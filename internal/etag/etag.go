// Package etag encodes and decodes the composite entity tag an SDK echoes
// back on polling requests.
//
// The wire form is positional: one tag per requested environment in request
// order, joined by ";", optionally followed by "//" and the evaluation
// context tag. The context suffix is omitted when the context is empty.
//
//	"t1;t2//9f3a1c"
//	"t1"
package etag

import (
	"strings"

	"github.com/matt-riley/flagedge/internal/core"
)

const (
	tagSeparator     = ";"
	contextSeparator = "//"
)

// Holder is the decoded view of an inbound tag for one request.
type Holder struct {
	EnvironmentTags map[core.Key]string
	ContextTag      string
	Valid           bool
}

// Split decodes raw against the keys of the current request. The result is
// only Valid when the context tag matches contextTag and there is exactly one
// non-empty tag per key. Anything else forces a full response downstream.
func Split(raw string, keys []core.Key, contextTag string) Holder {
	holder := Holder{
		EnvironmentTags: map[core.Key]string{},
		ContextTag:      contextTag,
	}
	if raw == "" {
		return holder
	}

	parts := strings.Split(raw, contextSeparator)
	if len(parts) > 2 {
		return holder
	}

	receivedContext := core.NoContextTag
	if len(parts) == 2 {
		receivedContext = parts[1]
	}
	if receivedContext != contextTag {
		return holder
	}

	tags := make([]string, 0, len(keys))
	for _, tag := range strings.Split(parts[0], tagSeparator) {
		if tag != "" {
			tags = append(tags, tag)
		}
	}
	if len(tags) != len(keys) {
		return holder
	}

	for i, key := range keys {
		holder.EnvironmentTags[key] = tags[i]
	}
	holder.Valid = true

	return holder
}

// Join encodes the outbound tag from per-key tags given in request order.
func Join(holder Holder, tags []string) string {
	joined := strings.Join(tags, tagSeparator)
	if holder.ContextTag == "" || holder.ContextTag == core.NoContextTag {
		return joined
	}
	return joined + contextSeparator + holder.ContextTag
}

// Unquote strips the surrounding quotes and weak validator prefix from an
// If-None-Match header value.
func Unquote(header string) string {
	header = strings.TrimSpace(header)
	header = strings.TrimPrefix(header, "W/")
	if len(header) >= 2 && strings.HasPrefix(header, `"`) && strings.HasSuffix(header, `"`) {
		return header[1 : len(header)-1]
	}
	return header
}

// Quote renders a tag as an ETag header value.
func Quote(tag string) string {
	return `"` + tag + `"`
}
