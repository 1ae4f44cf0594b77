// Package storage is the SQLite persistence layer.
//
// It holds:
//   - Proxy inventory and usage logs
//   - Per-account proxy rotation schedules
//   - Tasks, their file/account/slot lists and subtasks
//   - Account, media file and cookie bookkeeping
//   - Alert dedup state (to survive restarts)
//
// Repository functions take a Queryer so callers can run them inside Store.Tx.
package storage
