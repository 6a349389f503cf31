// Package coordinator executes an ordered agent list under one of four
// collaboration topologies.
//
//   - Sequential: agents run one after another, each seeing the previous
//     agent's output. The first failure stops the chain; later agents are
//     reported as skipped.
//   - Parallel: agents run concurrently on the same input. A failing agent
//     never cancels its siblings.
//   - Hierarchical: the first agent decomposes the task into subtasks, the
//     remaining agents work on them concurrently, then the first agent
//     synthesizes their outputs. A failed decomposition dispatches no worker.
//   - Peer-to-peer: agents run concurrently for N strictly serialized rounds.
//     Every agent of a round reads the same shared context snapshot, taken
//     after the previous round finished, and writes its findings back.
//
// Every model call goes through a Caller (the provider router). Agent-level
// failures are contained in the Outcome; only shared context failures abort
// a run and surface as core.InfrastructureError.
package coordinator
