// Package storage provides the reminder.Store backends.
//
// Drivers:
//   - "memory": process-local, for tests and throwaway runs
//   - "file": dependency-free JSON Lines journal plus periodic snapshot
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//   - "postgres": PostgreSQL through a pgx connection pool
package storage
