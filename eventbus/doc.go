// Package eventbus is the in-process publish/subscribe channel for task
// lifecycle and progress events.
//
// Each subscriber owns a bounded mailbox. Publishing never blocks: when a
// mailbox is full the event is dropped for that subscriber and counted.
// Notification sinks (webhooks, brokers, audit logs) are fed from a separate
// bounded queue by a single forwarder goroutine and are best-effort.
package eventbus
