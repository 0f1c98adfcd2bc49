package migrations

import "embed"

// FS contains the embedded SQLite migrations for message unit storage.
//
//go:embed *.sql
var FS embed.FS
