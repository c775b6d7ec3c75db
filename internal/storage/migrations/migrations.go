// Package migrations embeds the catalog schema for each SQL driver.
package migrations

import _ "embed"

//go:embed postgres.sql
var Postgres string

//go:embed sqlite.sql
var SQLite string
