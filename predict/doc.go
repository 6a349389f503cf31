// Package predict implements the predictive engine: outcome estimates and
// agent rankings learned from historical execution records.
//
// The model is a set of per-task-type statistics (success rate, duration,
// cost, quality) refined by hour-of-day, weekend and parameter-shape
// buckets, plus per-agent success and quality. Task types with too little
// history get a fixed conservative default. Retraining runs in the
// background and the trained model is swapped in atomically, so Predict
// never waits for it.
package predict
