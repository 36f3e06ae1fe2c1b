// Package genai provides model completions for the AI decision engine. It
// wraps the OpenAI chat completion API and Google's Gemini API behind one
// Provider interface and routes requests to per-tenant cached clients.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/BTreeMap/ConvoPipe/internal/models"
)

// Default OpenAI settings.
const (
	DefaultModel       = "gpt-4o-mini"
	DefaultTemperature = 0.2
	DefaultMaxTokens   = 800
)

var (
	// ErrNoChoicesReturned is returned when the API answers without choices.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrMissingAPIKey is returned when no API key is configured.
	ErrMissingAPIKey = errors.New("OPENAI_API_KEY not set")
)

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsService adapts the SDK's completions service to chatService.
type completionsService struct {
	svc *openai.ChatCompletionService
}

func (s completionsService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat                chatService
	model               string
	temperature         float64
	maxTokens           int
	maxCompletionTokens int
	debugMode           bool
	stateDir            string
}

// Opts holds configuration for the OpenAI client.
type Opts struct {
	APIKey              string
	BaseURL             string
	Model               string
	Temperature         float64
	MaxTokens           int
	MaxCompletionTokens int
	DebugMode           bool
	StateDir            string
}

// Option configures the OpenAI client.
type Option func(*Opts)

// WithAPIKey sets the API key. Without it OPENAI_API_KEY is used.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens caps the response length.
func WithMaxTokens(n int) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithMaxCompletionTokens caps the response length for reasoning models,
// which reject max_tokens.
func WithMaxCompletionTokens(n int) Option {
	return func(o *Opts) { o.MaxCompletionTokens = n }
}

// WithDebugMode writes every request and response as JSON under
// stateDir/debug.
func WithDebugMode(enabled bool, stateDir string) Option {
	return func(o *Opts) {
		o.DebugMode = enabled
		o.StateDir = stateDir
	}
}

// NewClient creates an OpenAI client.
func NewClient(opts ...Option) (*Client, error) {
	o := Opts{Model: DefaultModel, Temperature: DefaultTemperature, MaxTokens: DefaultMaxTokens}
	for _, opt := range opts {
		opt(&o)
	}
	if o.APIKey == "" {
		o.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if o.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(o.APIKey)}
	if o.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(o.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)
	slog.Debug("genai.NewClient: client created", "model", o.Model, "baseURL", o.BaseURL, "debug", o.DebugMode)
	return &Client{
		chat:                completionsService{svc: &cli.Chat.Completions},
		model:               o.Model,
		temperature:         o.Temperature,
		maxTokens:           o.MaxTokens,
		maxCompletionTokens: o.MaxCompletionTokens,
		debugMode:           o.DebugMode,
		stateDir:            o.StateDir,
	}, nil
}

// Name implements Provider.
func (c *Client) Name() string { return ProviderOpenAI }

// Complete implements Provider.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		if m.Role == models.RoleAssistant {
			messages = append(messages, openai.AssistantMessage(m.Content))
		} else {
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	return c.generate(ctx, "Complete", messages, req.JSONOutput)
}

// GeneratePromptWithContext generates a response for one system and one user
// prompt.
func (c *Client) GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPrompt),
		openai.UserMessage(userPrompt),
	}
	return c.generate(ctx, "GeneratePromptWithContext", messages, false)
}

func (c *Client) generate(ctx context.Context, method string, messages []openai.ChatCompletionMessageParamUnion, jsonOutput bool) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    messages,
		Temperature: openai.Float(c.temperature),
	}
	switch {
	case c.maxCompletionTokens > 0:
		params.MaxCompletionTokens = openai.Int(int64(c.maxCompletionTokens))
	case c.maxTokens > 0:
		params.MaxTokens = openai.Int(int64(c.maxTokens))
	}
	if jsonOutput {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	start := time.Now()
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("Client.generate: completion failed", "method", method, "model", c.model, "error", err)
		return "", fmt.Errorf("openai completion: %w", err)
	}
	c.writeDebugLog(method, params, resp)
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	slog.Debug("Client.generate: completion received", "method", method, "model", c.model, "duration", time.Since(start))
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) writeDebugLog(method string, params openai.ChatCompletionNewParams, resp openai.ChatCompletion) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("Client.writeDebugLog: create dir failed", "dir", dir, "error", err)
		return
	}
	entry := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"method":    method,
		"model":     c.model,
		"params":    params,
		"response":  resp,
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("Client.writeDebugLog: marshal failed", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s.json", time.Now().UTC().Format("20060102T150405.000000000"), method)
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		slog.Warn("Client.writeDebugLog: write failed", "error", err)
	}
}
