// Package storage persists contribution creation timings so startup cost
// can be compared across runs.
//
// Drivers:
//   - "file": JSON Lines, no extra dependencies
//   - "sqlite": SQLite database file (build tag sqlite)
package storage
