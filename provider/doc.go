// Package provider implements the provider router: a health-aware fallback
// chain over redundant model endpoints.
//
// Endpoints are grouped in priority tiers (lower value = tried first) and,
// within a tier, ordered by the configured Strategy. Before every attempt the
// router skips endpoints whose circuit is open or whose rate-limit cooldown
// has not elapsed. Failures are classified:
//
//   - rate limited (HTTP 429): cooldown, light penalty on the failure streak
//   - transient / permanent: full penalty; crossing the threshold inside the
//     failure window opens the circuit with exponential backoff
//
// After the backoff a single half-open trial call is admitted; success closes
// the circuit, failure reopens it with a doubled backoff. When every endpoint
// fails or is skipped, Call returns a *core.ExhaustedError holding the full
// attempt trace.
package provider
