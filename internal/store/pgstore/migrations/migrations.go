// Package migrations holds the goose migrations for the documents table.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
