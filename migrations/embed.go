// Package migrations embeds the query ledger schema so the migrator binary
// runs without any files on disk.
package migrations

import "embed"

// FS holds every versioned migration pair.
//
//go:embed *.sql
var FS embed.FS
