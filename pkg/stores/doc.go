// Package stores keeps a history of convergence cycles in SQLite.
// Schema changes are embedded migrations applied with golang-migrate.
package stores
