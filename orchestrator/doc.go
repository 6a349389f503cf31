// Package orchestrator owns the task lifecycle.
//
// Submit validates a descriptor, captures a prediction and stores a pending
// task. Execute resolves the agent list through the registry (the
// prediction's ranking is used as an ordering hint), picks a topology, runs
// it through the coordinator and returns a Handle the caller may wait on,
// poll or cancel. Every finished task, successful or not, is appended to the
// execution-record sink; every K records trigger an asynchronous retrain of
// the predictor.
//
// Status transitions are monotonic: pending -> executing -> completed|failed.
// Cancellation and timeouts end a task as failed with reason "cancelled" or
// "timeout"; agent results that completed before are kept in the result.
package orchestrator
