// Package storage persists chat and user records plus the admin audit log.
//
// Drivers:
//   - "file":   JSON snapshot + append-only journal (compacted periodically)
//   - "sqlite": SQLite database via modernc.org/sqlite
//   - "memory": process-local, used by tests and dry runs
package storage
