package database

import "embed"

// MigrationsFS embeds the schema migrations so deployments need no external
// migration files.
//
//go:embed migrations/*.sql
var MigrationsFS embed.FS
