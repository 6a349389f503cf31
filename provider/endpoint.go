package provider

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/model"
)

// HealthState is the router's view of an endpoint.
type HealthState string

const (
	StateHealthy     HealthState = "healthy"
	StateDegraded    HealthState = "degraded"
	StateCircuitOpen HealthState = "circuit_open"
)

// Endpoint configures one model endpoint.
type Endpoint struct {
	// ID must be unique within a router.
	ID string
	// Priority is the tier; lower values are tried first.
	Priority int
	Model    model.Model
}

// EndpointStatus is a point-in-time health snapshot.
type EndpointStatus struct {
	ID            string        `json:"id"`
	Provider      string        `json:"provider"`
	Model         string        `json:"model"`
	Priority      int           `json:"priority"`
	State         HealthState   `json:"state"`
	ErrorRate     float64       `json:"error_rate"`
	AvgLatency    time.Duration `json:"avg_latency"`
	Calls         int64         `json:"calls"`
	Successes     int64         `json:"successes"`
	Failures      int64         `json:"failures"`
	RateLimited   int64         `json:"rate_limited"`
	Opens         int           `json:"opens"`
	CooldownUntil time.Time     `json:"cooldown_until,omitzero"`
	OpenUntil     time.Time     `json:"open_until,omitzero"`
	LastError     string        `json:"last_error,omitempty"`
}

// endpointState is mutated after every attempt. Counters are atomic; health
// transitions take the per-endpoint mutex only, never a router-wide lock.
type endpointState struct {
	cfg  Endpoint
	info model.Info

	calls       atomic.Int64
	successes   atomic.Int64
	failures    atomic.Int64
	rateLimited atomic.Int64

	mu            sync.Mutex
	state         HealthState
	streakPenalty float64
	streakStart   time.Time
	opens         int
	openUntil     time.Time
	cooldownUntil time.Time
	trialInFlight bool
	errorRate     float64
	latency       float64 // EWMA seconds
	hasLatency    bool
	lastError     string
}

func newEndpointState(ep Endpoint) *endpointState {
	return &endpointState{cfg: ep, info: ep.Model.Info(), state: StateHealthy}
}

// admit decides whether an attempt may be made now. trial reports whether
// the attempt holds the half-open trial slot of an open circuit.
func (e *endpointState) admit(now time.Time) (ok, trial bool, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if now.Before(e.cooldownUntil) {
		return false, false, fmt.Sprintf("rate limited until %s", e.cooldownUntil.Format(time.RFC3339))
	}

	if e.state == StateCircuitOpen {
		if now.Before(e.openUntil) {
			return false, false, fmt.Sprintf("circuit open until %s", e.openUntil.Format(time.RFC3339))
		}

		if e.trialInFlight {
			return false, false, "circuit half-open, trial in flight"
		}

		e.trialInFlight = true

		return true, true, ""
	}

	return true, false, ""
}

// release gives back the half-open trial slot without judging the endpoint
// (the caller went away mid-call). Non-trial attempts hold nothing.
func (e *endpointState) release(trial bool) {
	if !trial {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.trialInFlight = false
}

// recordSuccess returns true when the call closed an open circuit. Only the
// half-open trial closes a circuit; calls admitted before it opened just
// update the statistics.
func (e *endpointState) recordSuccess(latency time.Duration, trial bool, o *Options) bool {
	e.calls.Add(1)
	e.successes.Add(1)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.errorRate = (1 - o.EWMAAlpha) * e.errorRate

	if e.hasLatency {
		e.latency = o.EWMAAlpha*latency.Seconds() + (1-o.EWMAAlpha)*e.latency
	} else {
		e.latency = latency.Seconds()
		e.hasLatency = true
	}

	if e.state == StateCircuitOpen && !trial {
		return false
	}

	closed := e.state == StateCircuitOpen

	e.trialInFlight = false
	e.streakPenalty = 0
	e.streakStart = time.Time{}
	e.opens = 0

	if e.errorRate > o.DegradedErrorRate {
		e.state = StateDegraded
	} else {
		e.state = StateHealthy
	}

	return closed
}

// recordFailure applies a classified failure and reports whether the circuit
// (re)opened. Failures of calls admitted before the circuit opened update the
// statistics only: they neither restart the streak nor reopen the circuit.
func (e *endpointState) recordFailure(now time.Time, kind core.ErrorKind, retryAfter time.Duration, err error, trial bool, o *Options) bool {
	e.calls.Add(1)
	e.failures.Add(1)

	if kind == core.KindRateLimited {
		e.rateLimited.Add(1)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastError = err.Error()

	penalty := 1.0

	if kind == core.KindRateLimited {
		penalty = o.RateLimitPenalty

		cooldown := o.RateLimitCooldown
		if retryAfter > 0 {
			cooldown = retryAfter
		}

		e.cooldownUntil = now.Add(cooldown)
	}

	e.errorRate = o.EWMAAlpha*penalty + (1-o.EWMAAlpha)*e.errorRate

	if trial {
		e.trialInFlight = false

		if kind == core.KindRateLimited {
			return false
		}

		e.open(now, o)

		return true
	}

	if e.state == StateCircuitOpen {
		return false
	}

	if e.streakStart.IsZero() || now.Sub(e.streakStart) > o.FailureWindow {
		e.streakPenalty = 0
		e.streakStart = now
	}

	e.streakPenalty += penalty

	if e.streakPenalty >= float64(o.FailureThreshold) {
		e.open(now, o)
		return true
	}

	e.state = StateDegraded

	return false
}

func (e *endpointState) open(now time.Time, o *Options) {
	e.opens++
	e.state = StateCircuitOpen
	e.openUntil = now.Add(backoff(o.CircuitBaseBackoff, o.CircuitMaxBackoff, e.opens))
	e.streakPenalty = 0
	e.streakStart = time.Time{}
}

// backoff doubles base for every repeated open, capped at limit.
func backoff(base, limit time.Duration, opens int) time.Duration {
	if opens < 1 {
		opens = 1
	}

	d := float64(base) * math.Pow(2, float64(opens-1))
	if limit > 0 && d > float64(limit) {
		return limit
	}

	return time.Duration(d)
}

// weight is the selection weight for the weighted strategy.
func (e *endpointState) weight() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	w := 1 - e.errorRate
	if e.state == StateDegraded {
		w *= 0.5
	}

	return max(w, 0.01)
}

func (e *endpointState) avgLatency() (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.latency, e.hasLatency
}

func (e *endpointState) status() EndpointStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	return EndpointStatus{
		ID:            e.cfg.ID,
		Provider:      e.info.Provider,
		Model:         e.info.Name,
		Priority:      e.cfg.Priority,
		State:         e.state,
		ErrorRate:     e.errorRate,
		AvgLatency:    time.Duration(e.latency * float64(time.Second)),
		Calls:         e.calls.Load(),
		Successes:     e.successes.Load(),
		Failures:      e.failures.Load(),
		RateLimited:   e.rateLimited.Load(),
		Opens:         e.opens,
		CooldownUntil: e.cooldownUntil,
		OpenUntil:     e.openUntil,
		LastError:     e.lastError,
	}
}
