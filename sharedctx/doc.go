// Package sharedctx provides the in-memory shared context store: a
// versioned, last-write-wins key/value space scoped per task namespace.
//
// Every write bumps the namespace sequence and stamps the entry with it, so
// a reader holding an entry or snapshot can tell whether it is stale by
// comparing versions. Entries may carry a time-to-live; expired entries are
// invisible to readers and purged lazily.
package sharedctx
