// Package notifier delivers text to named channels.
//
// Deliver is the synchronous sink used by cron announcements and heartbeat
// replies: it resolves the channel, waits for the rate limiter and retries
// transient failures before reporting success.
//
// Notify is the asynchronous path for operator alerts. Alerts go through a
// bounded queue and a worker pool, and identical alerts are suppressed for a
// dedup window (optionally persisted so the window survives restarts).
//
// # Channels
//
// A channel is one of:
//   - a name configured under channels (a chat id and optional thread)
//   - a literal "telegram:<chat>[:<thread>]"
//   - "log", which only writes the message to the log
//
// A small in-memory history of sent messages is kept for status views.
package notifier
