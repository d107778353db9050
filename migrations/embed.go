// Package migrations ships the tenant schema as numbered SQL files.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
