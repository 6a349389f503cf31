package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/model"
)

func newTestModel(t *testing.T, handler http.HandlerFunc) *Model {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewModel(func(o *Options) {
		o.APIKey = "test-key"
		o.BaseURL = srv.URL
		o.Name = "anthropic-primary"
	})
}

func TestModel_Generate(t *testing.T) {
	var body map[string]any

	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-20250514",
			"content":[{"type":"text","text":"hello "},{"type":"text","text":"world"}],
			"stop_reason":"end_turn","usage":{"input_tokens":5,"output_tokens":3}}`))
	})

	resp, err := m.Generate(context.Background(), model.Request{SystemPrompt: "be brief", Prompt: "hi", MaxTokens: 100})
	require.NoError(t, err)

	assert.Equal(t, "hello world", resp.Content)
	assert.Equal(t, "end_turn", resp.FinishReason)
	assert.Equal(t, model.TokenUsage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8}, resp.Usage)
	assert.EqualValues(t, 100, body["max_tokens"])
	assert.Equal(t, model.Info{Name: DefaultModel, Provider: "anthropic"}, m.Info())
}

func TestModel_Generate_RateLimited(t *testing.T) {
	m := newTestModel(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	})

	_, err := m.Generate(context.Background(), model.Request{Prompt: "hi"})

	var pe *core.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, core.KindRateLimited, pe.Kind)
	assert.Equal(t, "anthropic-primary", pe.Provider)
	assert.Equal(t, 12*time.Second, pe.RetryAfter)
}

func TestModel_Generate_ServerError(t *testing.T) {
	m := newTestModel(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`))
	})

	_, err := m.Generate(context.Background(), model.Request{Prompt: "hi"})
	assert.ErrorIs(t, err, core.ErrProviderTransient)
}

func TestModel_Generate_ExplicitZeroTemperature(t *testing.T) {
	var body map[string]any

	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		body = nil
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-20250514",
			"content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}}`))
	})

	_, err := m.Generate(context.Background(), model.Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.EqualValues(t, 0.7, body["temperature"])

	_, err = m.Generate(context.Background(), model.Request{Prompt: "hi", Temperature: core.Float(0)})
	require.NoError(t, err)
	assert.Contains(t, body, "temperature")
	assert.EqualValues(t, 0, body["temperature"])
}
