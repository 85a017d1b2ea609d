// Package migrations embeds the PostgreSQL schema of the segment and
// membership tables. Files are applied in lexical order.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
