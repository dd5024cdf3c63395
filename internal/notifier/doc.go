// Package notifier delivers operator notifications to the log chat.
//
// Notifications are short, high-signal texts: a mapping removed after a
// permission failure, a task that exhausted its retries, a finished
// backfill, a periodic stats report, or a forwarded warn+ log line.
//
// Delivery is asynchronous. Notify enqueues and returns at once; a single
// worker drains the queue under a token-bucket rate limit and retries
// failed sends with jittered exponential backoff. Identical texts inside
// the dedup window are suppressed, optionally across restarts through
// the storage layer.
//
// The service keeps a short in-memory history for the status endpoint.
package notifier
