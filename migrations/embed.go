// Package migrations holds the registry's versioned SQL schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
