// Package notifier delivers vote reminders, decision DMs and other
// best-effort messages off the caller's goroutine.
//
// Notifications are queued, rate limited with a token bucket, retried with
// jittered backoff and optionally deduplicated by key. Dedup marks can be
// persisted so a restart does not resend a reminder inside its window.
//
// Delivery goes through transport.Client: a notification with UserID set is
// sent as a DM, otherwise it is posted to ChannelID.
package notifier
