// Package core provides the foundational domain types and interfaces shared by
// every taskmesh component. It defines:
//
//   - Tasks, task descriptors and the monotonic task status machine
//   - Agent definitions (data records exposing Generate / ParseResponse)
//   - Execution records and predictions (learning feedback loop)
//   - Shared context entries and snapshots
//   - Lifecycle events published on the event bus
//   - The error taxonomy (provider, agent, infrastructure failures)
//   - Small store interfaces consumed from the surrounding platform
//
// The package intentionally keeps implementation concerns (routing, topology
// execution, persistence) out of scope, exposing small interfaces so backends
// can be swapped in tests and deployments.
package core
