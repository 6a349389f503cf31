package provider

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
)

// Strategy orders healthy endpoints within a priority tier.
type Strategy string

const (
	// StrategyPriority keeps configuration order.
	StrategyPriority Strategy = "priority"
	// StrategyWeighted samples by recent success rate (default).
	StrategyWeighted Strategy = "weighted"
	// StrategyRoundRobin rotates the start endpoint on every call.
	StrategyRoundRobin Strategy = "round_robin"
	// StrategyLowestLatency prefers the lowest observed latency. Endpoints
	// without measurements go first so they get measured.
	StrategyLowestLatency Strategy = "lowest_latency"
)

// ParseStrategy parses a strategy name; empty yields StrategyWeighted.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyWeighted:
		return StrategyWeighted, nil
	case StrategyPriority:
		return StrategyPriority, nil
	case StrategyRoundRobin, "round-robin", "roundrobin":
		return StrategyRoundRobin, nil
	case StrategyLowestLatency, "lowest-latency", "latency":
		return StrategyLowestLatency, nil
	default:
		return "", fmt.Errorf("unknown routing strategy %q", s)
	}
}

// lockedRand guards a *rand.Rand, which is not safe for concurrent use.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Float64() float64 {
	if l == nil || l.r == nil {
		return rand.Float64()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.r.Float64()
}

// orderTier returns the tier's endpoints ordered by strategy. rr is the
// per-call rotation counter for round-robin.
func orderTier(tier []*endpointState, strategy Strategy, rr uint64, rnd *lockedRand) []*endpointState {
	out := make([]*endpointState, len(tier))
	copy(out, tier)

	if len(out) < 2 {
		return out
	}

	switch strategy {
	case StrategyPriority:
		return out
	case StrategyRoundRobin:
		offset := int(rr % uint64(len(out)))
		return append(out[offset:], out[:offset]...)
	case StrategyLowestLatency:
		type keyed struct {
			ep       *endpointState
			latency  float64
			measured bool
		}

		ks := make([]keyed, len(out))
		for i, ep := range out {
			l, ok := ep.avgLatency()
			ks[i] = keyed{ep: ep, latency: l, measured: ok}
		}

		sort.SliceStable(ks, func(i, j int) bool {
			if ks[i].measured != ks[j].measured {
				return !ks[i].measured
			}

			return ks[i].latency < ks[j].latency
		})

		for i, k := range ks {
			out[i] = k.ep
		}

		return out
	default:
		return weightedOrder(out, rnd)
	}
}

// weightedOrder samples without replacement proportionally to weight.
func weightedOrder(eps []*endpointState, rnd *lockedRand) []*endpointState {
	weights := make([]float64, len(eps))

	total := 0.0

	for i, ep := range eps {
		weights[i] = ep.weight()
		total += weights[i]
	}

	out := make([]*endpointState, 0, len(eps))
	remaining := append([]*endpointState(nil), eps...)

	for len(remaining) > 0 {
		pick := rnd.Float64() * total
		idx := len(remaining) - 1

		for i, w := range weights {
			if pick < w {
				idx = i
				break
			}

			pick -= w
		}

		out = append(out, remaining[idx])
		total -= weights[idx]
		remaining = append(remaining[:idx], remaining[idx+1:]...)
		weights = append(weights[:idx], weights[idx+1:]...)
	}

	return out
}
