package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	gemini "github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/BTreeMap/ConvoPipe/internal/models"
	"github.com/BTreeMap/ConvoPipe/internal/util"
)

// DefaultGeminiModel is used when no Gemini model is configured.
const DefaultGeminiModel = "gemini-2.5-flash"

// ErrEmptyGeminiResponse is returned when Gemini answers without text.
var ErrEmptyGeminiResponse = errors.New("empty response from gemini")

// GeminiClient produces completions with Google's Gemini API.
type GeminiClient struct {
	client      *gemini.Client
	model       string
	temperature float32
}

// NewGeminiClient creates a Gemini client for apiKey. An empty model selects
// DefaultGeminiModel.
func NewGeminiClient(ctx context.Context, apiKey, model string, temperature float32) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, errors.New("gemini API key not set")
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	cli, err := gemini.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiClient{client: cli, model: model, temperature: temperature}, nil
}

// GeminiFactory builds Gemini clients from credentials. Extra["model"]
// overrides model.
func GeminiFactory(model string, temperature float32) ProviderFactory {
	return func(creds util.Credentials) (Provider, error) {
		name := model
		if m := creds.Extra["model"]; m != "" {
			name = m
		}
		return NewGeminiClient(context.Background(), creds.APIKey, name, temperature)
	}
}

// Name implements Provider.
func (g *GeminiClient) Name() string { return ProviderGemini }

// Complete implements Provider.
func (g *GeminiClient) Complete(ctx context.Context, req Request) (string, error) {
	history, last, err := geminiContents(req.Messages)
	if err != nil {
		return "", err
	}

	m := g.client.GenerativeModel(g.model)
	m.SetTemperature(g.temperature)
	if req.System != "" {
		m.SystemInstruction = &gemini.Content{Parts: []gemini.Part{gemini.Text(req.System)}}
	}
	if req.JSONOutput {
		m.ResponseMIMEType = "application/json"
	}

	cs := m.StartChat()
	cs.History = history
	resp, err := cs.SendMessage(ctx, last)
	if err != nil {
		slog.Error("GeminiClient.Complete: generation failed", "model", g.model, "error", err)
		return "", fmt.Errorf("gemini generation error: %w", err)
	}
	return geminiText(resp)
}

// Close releases the underlying connection.
func (g *GeminiClient) Close() error {
	return g.client.Close()
}

// geminiContents splits messages into chat history and the message to send.
func geminiContents(msgs []Message) ([]*gemini.Content, gemini.Part, error) {
	if len(msgs) == 0 {
		return nil, nil, errors.New("no messages to send")
	}
	history := make([]*gemini.Content, 0, len(msgs)-1)
	for _, m := range msgs[:len(msgs)-1] {
		role := "user"
		if m.Role == models.RoleAssistant {
			role = "model"
		}
		history = append(history, &gemini.Content{Role: role, Parts: []gemini.Part{gemini.Text(m.Content)}})
	}
	return history, gemini.Text(msgs[len(msgs)-1].Content), nil
}

// geminiText concatenates the text parts of the first candidate.
func geminiText(resp *gemini.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", ErrEmptyGeminiResponse
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(gemini.Text); ok {
			b.WriteString(string(text))
		}
	}
	if b.Len() == 0 {
		return "", ErrEmptyGeminiResponse
	}
	return b.String(), nil
}

var _ Provider = (*GeminiClient)(nil)
