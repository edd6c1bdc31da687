// Package storage persists events, subscribers and the delivery ledger.
//
// Supported drivers:
//   - "sqlite": pure-Go SQLite file (modernc.org/sqlite), the default
//   - "postgres": PostgreSQL via lib/pq
//
// Schema changes ship as golang-migrate files under migrations/<dialect>.
// Timestamps are stored as unix milliseconds in both dialects.
package storage
