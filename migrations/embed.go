// Package migrations embeds the SQL schema of the withdrawal audit journal.
package migrations

import "embed"

// FS holds every NNN_name.sql migration
//
//go:embed *.sql
var FS embed.FS
