// Package migrations holds the goose migrations of the trust decision schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
