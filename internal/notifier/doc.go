// Package notifier delivers due reminders to chats.
//
// Errors returned by a Notifier are transient unless wrapped with Permanent.
// RetryAfter attaches a server-provided delay hint.
package notifier
