// Package storage persists cron jobs, their run history, operator audit
// entries and notifier dedup state.
//
// Two drivers are available:
//   - "file": a JSON snapshot for jobs plus append-only JSON Lines journals
//   - "sqlite": a single SQLite database (modernc.org/sqlite, no cgo)
//
// An empty driver or "none" disables persistence; Open returns a nil Store
// and callers keep their state in memory only.
package storage
