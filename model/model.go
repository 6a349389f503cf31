package model

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Request is a single, provider independent generation request.
type Request struct {
	// Model is an optional override of the endpoint's configured model.
	Model        string   `json:"model,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Prompt       string   `json:"prompt"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
}

// TokenUsage captures token accounting for a model response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the complete (non-streamed) model answer.
type Response struct {
	ID           string     `json:"id,omitempty"`
	Model        string     `json:"model"`
	Content      string     `json:"content"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        TokenUsage `json:"usage"`
}

// Info describes a model endpoint.
type Info struct {
	Name     string `json:"name"`
	Provider string `json:"provider"` // "openai", "anthropic", "bedrock", "mock", ...
}

// Model is implemented by every provider adapter. Implementations must
// return a *core.ProviderError (or an error wrapping one) for classified
// HTTP failures so the router can distinguish rate limits from hard faults.
type Model interface {
	Generate(ctx context.Context, req Request) (*Response, error)
	Info() Info
}

// GenerateFunc adapts a function to the Model interface.
type GenerateFunc func(ctx context.Context, req Request) (*Response, error)

type funcModel struct {
	info Info
	fn   GenerateFunc
}

// NewFuncModel wraps fn as a Model.
func NewFuncModel(info Info, fn GenerateFunc) Model {
	return &funcModel{info: info, fn: fn}
}

func (m *funcModel) Generate(ctx context.Context, req Request) (*Response, error) {
	return m.fn(ctx, req)
}

func (m *funcModel) Info() Info { return m.info }

// MockModel is a scriptable Model for tests and offline demos. Responses are
// matched by prompt substring; queued failures are returned first.
type MockModel struct {
	mu        sync.Mutex
	info      Info
	responses []mockResponse
	failures  []error
	always    error
	delay     time.Duration
	calls     int
	requests  []Request
}

type mockResponse struct {
	match    string
	response string
}

// NewMockModel creates a mock model with the given name and provider.
func NewMockModel(name, provider string) *MockModel {
	return &MockModel{info: Info{Name: name, Provider: provider}}
}

// AddResponse registers a canned response for prompts containing match.
func (m *MockModel) AddResponse(match, response string) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.responses = append(m.responses, mockResponse{match: match, response: response})

	return m
}

// FailNext queues errs to be returned by the next calls, in order.
func (m *MockModel) FailNext(errs ...error) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failures = append(m.failures, errs...)

	return m
}

// FailAlways makes every call fail with err (nil restores normal behavior).
func (m *MockModel) FailAlways(err error) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.always = err

	return m
}

// WithDelay makes every call block for d or until the context is done.
func (m *MockModel) WithDelay(d time.Duration) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.delay = d

	return m
}

// Calls returns the number of Generate invocations.
func (m *MockModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.calls
}

// Requests returns a copy of the received requests.
func (m *MockModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Request, len(m.requests))
	copy(out, m.requests)

	return out
}

// Generate implements Model.
func (m *MockModel) Generate(ctx context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	m.calls++
	m.requests = append(m.requests, req)
	delay := m.delay

	var failure error
	if len(m.failures) > 0 {
		failure = m.failures[0]
		m.failures = m.failures[1:]
	} else if m.always != nil {
		failure = m.always
	}

	content := ""

	for _, r := range m.responses {
		if strings.Contains(req.Prompt, r.match) || strings.Contains(req.SystemPrompt, r.match) {
			content = r.response
			break
		}
	}
	m.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if failure != nil {
		return nil, failure
	}

	if content == "" {
		content = fmt.Sprintf("Mock response to: %s", firstLine(req.Prompt))
	}

	prompt := len(strings.Fields(req.SystemPrompt)) + len(strings.Fields(req.Prompt))
	completion := len(strings.Fields(content))

	return &Response{
		Model:        m.info.Name,
		Content:      content,
		FinishReason: "stop",
		Usage:        TokenUsage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion},
	}, nil
}

// Info implements Model.
func (m *MockModel) Info() Info { return m.info }

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}

	return s
}
