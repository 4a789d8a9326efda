// Package migrations embeds the SQL schema applied to every shard.
package migrations

import "embed"

// FS holds the goose migration files.
//
//go:embed *.sql
var FS embed.FS
