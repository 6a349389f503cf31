// Package store provides in-memory implementations of the persistence
// contracts the orchestrator consumes: the task store, the append-only
// execution-record log and the optional snapshot cache.
//
// They are volatile and best suited for tests, demos and single-process
// deployments. See store/sqlite for a durable task store and record log.
package store
