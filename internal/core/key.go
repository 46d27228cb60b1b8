package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	// DefaultCacheName is used when a key names only the environment and credential.
	DefaultCacheName = "default"

	clientEvaluationMarker = "*"
)

var ErrInvalidKey = errors.New("invalid api key")

// Key identifies one environment as seen through one service credential.
// Its three fields are its whole identity, so Key is usable as a map key.
type Key struct {
	CacheName         string
	EnvironmentID     uuid.UUID
	ServiceCredential string
}

// ParseKey accepts "cache/environment/credential" or "environment/credential".
func ParseKey(raw string) (Key, error) {
	parts := strings.Split(strings.TrimSpace(raw), "/")

	var cacheName, environment, credential string
	switch len(parts) {
	case 2:
		cacheName, environment, credential = DefaultCacheName, parts[0], parts[1]
	case 3:
		cacheName, environment, credential = parts[0], parts[1], parts[2]
	default:
		return Key{}, fmt.Errorf("%w: expected 2 or 3 segments, got %d", ErrInvalidKey, len(parts))
	}

	if cacheName == "" || credential == "" {
		return Key{}, fmt.Errorf("%w: empty segment", ErrInvalidKey)
	}

	environmentID, err := uuid.Parse(environment)
	if err != nil {
		return Key{}, fmt.Errorf("%w: environment id: %v", ErrInvalidKey, err)
	}

	return Key{CacheName: cacheName, EnvironmentID: environmentID, ServiceCredential: credential}, nil
}

// ParseKeys parses every raw key, dropping invalid ones and duplicates while
// keeping first-seen order.
func ParseKeys(raws []string) []Key {
	keys := make([]Key, 0, len(raws))
	seen := make(map[Key]struct{}, len(raws))

	for _, raw := range raws {
		key, err := ParseKey(raw)
		if err != nil {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}

	return keys
}

// ClientEvaluated reports whether the credential asks for raw strategies
// instead of server-side evaluation.
func (k Key) ClientEvaluated() bool {
	return strings.Contains(k.ServiceCredential, clientEvaluationMarker)
}

func (k Key) String() string {
	return k.CacheName + "/" + k.EnvironmentID.String() + "/" + k.ServiceCredential
}
