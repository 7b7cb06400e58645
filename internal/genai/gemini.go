package genai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// DefaultGeminiModel is used when no Gemini model is configured.
const DefaultGeminiModel = "gemini-1.5-flash"

// geminiModel is the part of *genai.GenerativeModel the client uses.
type geminiModel interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// GeminiClient generates text with a Google Gemini model.
type GeminiClient struct {
	client   *genai.Client
	model    string
	newModel func(req GenerationRequest) geminiModel
}

var _ Generator = (*GeminiClient)(nil)

// NewGeminiClient creates a Gemini-backed Generator. Close releases its connection.
func NewGeminiClient(ctx context.Context, opts ...Option) (*GeminiClient, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.Model == "" {
		cfg.Model = DefaultGeminiModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	g := &GeminiClient{client: client, model: cfg.Model}
	g.newModel = g.configuredModel
	slog.Debug("genai.NewGeminiClient: Gemini client ready", "model", cfg.Model)
	return g, nil
}

func (g *GeminiClient) configuredModel(req GenerationRequest) geminiModel {
	m := g.client.GenerativeModel(g.model)
	m.SetTemperature(float32(req.Temperature))
	if req.MaxTokens > 0 {
		m.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if req.System != "" {
		m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	return m
}

// Generate runs a single-turn generation and returns the concatenated text parts.
func (g *GeminiClient) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	resp, err := g.newModel(req).GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		slog.Error("GeminiClient.Generate: generation failed", "model", g.model, "error", err)
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	text := responseText(resp)
	if text == "" {
		return "", ErrNoChoicesReturned
	}
	return text, nil
}

// Close releases the underlying client.
func (g *GeminiClient) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var b strings.Builder
	for _, c := range resp.Candidates {
		if c == nil || c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				b.WriteString(string(t))
			}
		}
	}
	return strings.TrimSpace(b.String())
}
