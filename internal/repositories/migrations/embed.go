package migrations

import "embed"

// Files contains the schema files, applied in ascending filename order.
//
//go:embed *.sql
var Files embed.FS
