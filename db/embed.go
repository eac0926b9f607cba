// Package db provides the embedded goose migrations for the key store.
package db

import "embed"

// Migrations holds the goose SQL migrations, applied in filename order.
//
//go:embed migrations/*.sql
var Migrations embed.FS
