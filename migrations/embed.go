// Package migrations embeds the SQL schema migrations (applied in 001, 002, ... order).
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
