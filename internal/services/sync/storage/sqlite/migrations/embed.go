// Package migrations embeds the versioned SQLite schema for the local store.
package migrations

import "embed"

// FS holds the NNN_*.sql migration files.
//
//go:embed *.sql
var FS embed.FS
