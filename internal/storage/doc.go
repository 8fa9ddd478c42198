// Package storage persists guild records as opaque JSON documents keyed by
// guild id.
//
// Drivers:
//   - file: one <guild>.json per guild under a directory (atomic rename)
//   - sqlite: a single database file (modernc.org/sqlite, no cgo)
//   - postgres: a pgx connection pool
//   - memory: process-local, for tests and dry runs
package storage
