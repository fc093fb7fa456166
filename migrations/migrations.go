// Package migrations embeds the Postgres schema for the audit ledger so the
// migrate tool and integration tests apply the same files.
package migrations

import "embed"

// FS holds every *.sql migration, named NNN_description.up.sql.
//
//go:embed *.sql
var FS embed.FS
