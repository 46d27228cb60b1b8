// Package migrations holds the cache tier schema that the Postgres backend
// reads from, including the trigger feeding the feature_updates channel.
package migrations

import "embed"

// FS is applied with goose by cmd/server and the integration tests.
//
//go:embed *.sql
var FS embed.FS
