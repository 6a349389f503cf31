// Package anthropic provides a model wrapper for the Anthropic Claude API,
// either direct or hosted on AWS Bedrock.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/hupe1980/taskmesh/model"
)

// DefaultModel is used when Options.Model is empty.
const DefaultModel = "claude-sonnet-4-20250514"

// Options configures the Anthropic model adapter (temperature, model id,
// max tokens, API key).
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int64
	APIKey      string
	BaseURL     string
	// Name identifies the endpoint in router traces; defaults to "anthropic".
	Name string
}

// BedrockOptions selects the AWS region and shared config profile.
type BedrockOptions struct {
	Region  string
	Profile string
}

// Model wraps the Anthropic Messages API behind the generic model.Model interface.
type Model struct {
	client   *anthropic.Client
	opts     Options
	provider string
}

func defaultOptions() Options {
	return Options{
		Model:       DefaultModel,
		Temperature: 0.7,
		MaxTokens:   4096,
		Name:        "anthropic",
	}
}

// NewModel creates a new Anthropic model using the official client. SDK level
// retries are disabled; fallback is the router's job.
func NewModel(optFns ...func(o *Options)) *Model {
	opts := defaultOptions()

	for _, fn := range optFns {
		fn(&opts)
	}

	clientOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}

	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}

	client := anthropic.NewClient(clientOpts...)

	return &Model{client: &client, opts: opts, provider: "anthropic"}
}

// NewBedrockModel creates a Claude model served by AWS Bedrock. Credentials
// come from the default AWS chain, scoped by region and profile.
func NewBedrockModel(ctx context.Context, bopts BedrockOptions, optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	opts.Name = "bedrock"

	for _, fn := range optFns {
		fn(&opts)
	}

	var loadOpts []func(*config.LoadOptions) error
	if bopts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(bopts.Region))
	}

	if bopts.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(bopts.Profile))
	}

	client := anthropic.NewClient(option.WithMaxRetries(0), bedrock.WithLoadDefaultConfig(ctx, loadOpts...))

	return &Model{client: &client, opts: opts, provider: "bedrock"}
}

// NewModelFromClient creates a new Anthropic model from an existing client.
func NewModelFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Model {
	opts := defaultOptions()

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Model{client: client, opts: opts, provider: "anthropic"}
}

// Generate implements model.Model.
func (m *Model) Generate(ctx context.Context, req model.Request) (*model.Response, error) {
	modelName := m.opts.Model
	if req.Model != "" {
		modelName = req.Model
	}

	maxTokens := m.opts.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}

	temperature := m.opts.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(modelName),
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt))},
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(temperature),
	}

	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	resp, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return nil, m.classify(err)
	}

	var b strings.Builder

	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}

	usage := model.TokenUsage{
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	return &model.Response{
		ID:           resp.ID,
		Model:        string(resp.Model),
		Content:      b.String(),
		FinishReason: string(resp.StopReason),
		Usage:        usage,
	}, nil
}

func (m *Model) classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return model.ClassifyHTTP(m.opts.Name, apiErr.StatusCode, apiErr.Response, fmt.Errorf("anthropic api error: %w", err))
	}

	return model.ClassifyHTTP(m.opts.Name, 0, nil, fmt.Errorf("anthropic api error: %w", err))
}

// Info implements model.Model.
func (m *Model) Info() model.Info {
	return model.Info{Name: m.opts.Model, Provider: m.provider}
}
