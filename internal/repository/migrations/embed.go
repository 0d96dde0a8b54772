// Package migrations embeds the PostgreSQL schema of the Durable Store.
//
// Import Path: rbs.io/buffer/internal/repository/migrations
package migrations

import "embed"

// FS holds the numbered up/down migration files.
//
//go:embed *.sql
var FS embed.FS
