// Package fakecaller provides a scripted model caller for coordinator and
// orchestrator tests. Calls are attributed to agents by the system prompt
// produced by testutil.Agent ("You are <id>.").
package fakecaller

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/model"
	"github.com/hupe1980/taskmesh/provider"
)

// Handler produces the response content for one call.
type Handler func(ctx context.Context, agentID string, req provider.Request) (string, error)

// Caller records calls per agent and answers them with a Handler.
type Caller struct {
	mu       sync.Mutex
	handler  Handler
	calls    map[string]int
	requests map[string][]provider.Request
	inFlight int
	peak     int
}

// New creates a caller. A nil handler answers "<agent> done".
func New(h Handler) *Caller {
	if h == nil {
		h = func(_ context.Context, agentID string, _ provider.Request) (string, error) {
			return agentID + " done", nil
		}
	}

	return &Caller{handler: h, calls: map[string]int{}, requests: map[string][]provider.Request{}}
}

// Call implements the coordinator's Caller.
func (c *Caller) Call(ctx context.Context, req provider.Request) (*provider.Result, error) {
	id := AgentOf(req.SystemPrompt)

	c.mu.Lock()
	c.calls[id]++
	c.requests[id] = append(c.requests[id], req)
	c.inFlight++
	c.peak = max(c.peak, c.inFlight)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()
	}()

	start := time.Now()

	content, err := c.handler(ctx, id, req)
	if err != nil {
		return nil, err
	}

	words := len(strings.Fields(req.Prompt))

	return &provider.Result{
		Content:  content,
		Endpoint: "fake",
		Provider: "fake",
		Model:    "fake-model",
		Usage:    model.TokenUsage{PromptTokens: words, CompletionTokens: 1, TotalTokens: words + 1},
		Cost:     0.001,
		Latency:  time.Since(start),
		Attempts: []core.Attempt{{Endpoint: "fake", Model: "fake-model", Success: true, At: start}},
	}, nil
}

// Calls returns the number of calls made for agentID.
func (c *Caller) Calls(agentID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.calls[agentID]
}

// Total returns the number of calls across all agents.
func (c *Caller) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, v := range c.calls {
		n += v
	}

	return n
}

// Requests returns the requests made for agentID.
func (c *Caller) Requests(agentID string) []provider.Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]provider.Request(nil), c.requests[agentID]...)
}

// Peak returns the highest number of concurrent calls observed.
func (c *Caller) Peak() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.peak
}

// Exhausted returns an error equivalent to the router giving up.
func Exhausted(agentID string) error {
	return &core.ExhaustedError{Attempts: []core.Attempt{{
		Endpoint: "fake",
		Kind:     core.KindTransient,
		Error:    agentID + ": service unavailable",
		At:       time.Now(),
	}}}
}

// AgentOf extracts the agent ID from a testutil.Agent system prompt.
func AgentOf(system string) string {
	line, _, _ := strings.Cut(system, "\n")
	return strings.TrimSuffix(strings.TrimPrefix(line, "You are "), ".")
}
