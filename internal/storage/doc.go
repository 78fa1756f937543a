// Package storage persists notification records and outbound messages.
//
// Drivers:
//   - "memory": process-local maps, used by tests and single-shot runs
//   - "sqlite": SQLite database file with embedded, versioned migrations
//
// Both drivers enforce the record four-tuple uniqueness and refuse to mutate
// records already in a terminal state.
package storage
