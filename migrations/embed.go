// Package migrations embeds the history database schema into the binary.
package migrations

import "embed"

// FS holds the SQL migration files at its root. Pass "." as the directory.
//
//go:embed *.sql
var FS embed.FS
