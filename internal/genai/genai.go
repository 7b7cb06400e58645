// Package genai generates the narrative texts of the wealth score report
// with an OpenAI or Gemini chat model.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/ravenloper/score-de-riqueza-bot/internal/util"
)

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = "gpt-4o-mini"

var (
	// ErrMissingAPIKey is returned when a client is created without credentials.
	ErrMissingAPIKey = errors.New("genai: API key not set")
	// ErrNoChoicesReturned is returned when the model answers with no content.
	ErrNoChoicesReturned = errors.New("genai: no choices returned")
)

// GenerationRequest is one single-shot completion.
type GenerationRequest struct {
	System      string
	Prompt      string
	Temperature float64
	// MaxTokens is omitted from the request when zero.
	MaxTokens int
}

// Generator produces text for a prompt. Both Client and GeminiClient implement it.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

// chatService defines the minimal interface for chat completions.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts holds configuration for the AI clients.
type Opts struct {
	APIKey    string
	Model     string
	DebugMode bool
	StateDir  string
}

// Option configures a client.
type Option func(*Opts)

// WithAPIKey sets the provider API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithDebugMode records every request and response under StateDir/debug.
func WithDebugMode(enabled bool) Option {
	return func(o *Opts) { o.DebugMode = enabled }
}

// WithStateDir sets the directory debug logs are written below.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat      chatService
	model     string
	debugMode bool
	stateDir  string
}

var _ Generator = (*Client)(nil)

// NewClient creates an OpenAI-backed Generator.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("genai.NewClient: OpenAI client ready", "model", cfg.Model, "debug", cfg.DebugMode)
	return &Client{chat: &cli.Chat.Completions, model: cfg.Model, debugMode: cfg.DebugMode, stateDir: cfg.StateDir}, nil
}

// Generate sends the system and user prompts and returns the trimmed reply.
func (c *Client) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	start := time.Now()
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		slog.Error("Client.Generate: completion failed", "model", c.model, "error", err)
		return "", fmt.Errorf("openai completion: %w", err)
	}
	c.writeDebugLog("Generate", params, resp)
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrNoChoicesReturned
	}
	slog.Debug("Client.Generate: completion received", "model", c.model, "chars", len(text), "elapsed", time.Since(start))
	return text, nil
}

// writeDebugLog stores the raw exchange as JSON when debug mode is on.
func (c *Client) writeDebugLog(method string, params openai.ChatCompletionNewParams, resp *openai.ChatCompletion) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("Client.writeDebugLog: mkdir failed", "dir", dir, "error", err)
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
	name := fmt.Sprintf("%s_%s.json", time.Now().UTC().Format("20060102T150405"), util.GenerateRandomHex(4))
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		slog.Warn("Client.writeDebugLog: write failed", "error", err)
	}
}
