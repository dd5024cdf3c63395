// Package storage persists what the mirror must remember across restarts:
// source-to-destination message links (so edits and deletes still find
// their copies), stat counters, routes disabled after fatal failures and
// the notifier's dedup windows.
//
// Drivers: "memory", "file" (JSON journal + snapshot), "sqlite" and "redis".
package storage
