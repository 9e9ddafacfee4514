// Package migrations embeds the SQL migration files so cmd/server can run
// them on startup without shelling out to the filesystem, the same
// embed.FS convention the teacher's database.Migrate expects.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
