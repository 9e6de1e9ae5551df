// Package storage persists review requests, vote units, persisting roles,
// applicable roles, notifier dedup keys and the admin audit log.
//
// Both backends share one set of repositories over database/sql:
//   - sqlite (modernc.org/sqlite, pure Go) for single-host deployments
//   - postgres (lib/pq)
//
// Queries are written with "?" placeholders and rebound per dialect.
// Timestamps are stored as Unix milliseconds.
package storage
