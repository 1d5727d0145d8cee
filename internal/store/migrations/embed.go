// Package migrations embeds the simulator schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
