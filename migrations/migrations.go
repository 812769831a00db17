// Package migrations embeds the SQL migration files for the webhook receiver schema.
//
// The files in this directory are the single source of truth for schema
// migrations: cmd/migrator embeds them via FS for production deployment, and
// internal/config's test helpers apply them directly from disk (file://) for
// integration tests, so both paths run the exact same SQL.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
