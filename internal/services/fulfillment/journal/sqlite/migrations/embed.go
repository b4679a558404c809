// Package migrations embeds the SQLite journal schema.
package migrations

import "embed"

// FS holds the journal migrations under "journal".
//
//go:embed journal/*.sql
var FS embed.FS
