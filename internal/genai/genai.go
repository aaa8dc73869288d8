// Package genai provides text generation and speech transcription backends for PersonaPipe.
//
// The OpenAI client talks to any OpenAI-compatible endpoint (including proxies
// configured through a base URL); the Gemini client lives in gemini.go.
package genai

import (
	"bytes"
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
)

// Default model settings.
const (
	DefaultModel              = string(openai.ChatModelGPT4oMini)
	DefaultTemperature        = 0.7
	DefaultMaxTokens          = 1000
	DefaultTranscriptionModel = string(openai.AudioModelWhisper1)
	DefaultLanguage           = "ru"
)

// ErrNoChoicesReturned is returned when the backend answers without any choice.
var ErrNoChoicesReturned = errors.New("no choices returned")

// ErrEmptyResponse is returned when the backend answers with blank text.
var ErrEmptyResponse = errors.New("empty response from model")

// ErrEmptyAudio is returned when a transcription is requested for an empty payload.
var ErrEmptyAudio = errors.New("audio payload is empty")

// Completion is a generated reply with the tokens the backend billed for it.
type Completion struct {
	Text       string
	TokensUsed int64
}

// Generator turns a prompt into a reply.
type Generator interface {
	Generate(ctx context.Context, prompt string) (Completion, error)
}

// Transcriber turns a voice payload into plain text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// transcriptionService defines minimal interface for audio transcriptions.
type transcriptionService interface {
	Create(ctx context.Context, params openai.AudioTranscriptionNewParams) (string, error)
}

type openAIChatService struct {
	client openai.Client
}

func (s *openAIChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

type openAITranscriptionService struct {
	client openai.Client
}

func (s *openAITranscriptionService) Create(ctx context.Context, params openai.AudioTranscriptionNewParams) (string, error) {
	resp, err := s.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Client wraps the OpenAI chat and transcription services.
type Client struct {
	chat               chatService
	audio              transcriptionService
	model              string
	temperature        float64
	maxTokens          int
	transcriptionModel string
	language           string
	debugMode          bool
	stateDir           string
}

// Opts holds configuration options for the OpenAI client.
type Opts struct {
	APIKey             string
	BaseURL            string
	Model              string
	Temperature        float64
	MaxTokens          int
	TranscriptionModel string
	Language           string
	DebugMode          bool
	StateDir           string
}

// Option defines a configuration option for the OpenAI client.
type Option func(*Opts)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible proxy.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the chat model name.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens caps the reply length.
func WithMaxTokens(n int) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithTranscriptionModel sets the speech-to-text model.
func WithTranscriptionModel(model string) Option {
	return func(o *Opts) { o.TranscriptionModel = model }
}

// WithLanguage sets the ISO-639-1 language hint for transcription.
func WithLanguage(lang string) Option {
	return func(o *Opts) { o.Language = lang }
}

// WithDebugMode enables dumping every request and response under <stateDir>/debug.
func WithDebugMode(enabled bool) Option {
	return func(o *Opts) { o.DebugMode = enabled }
}

// WithStateDir sets the directory used for debug dumps.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// NewClient initializes a new OpenAI-compatible client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:              DefaultModel,
		Temperature:        DefaultTemperature,
		MaxTokens:          DefaultMaxTokens,
		TranscriptionModel: DefaultTranscriptionModel,
		Language:           DefaultLanguage,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)
	slog.Debug("Client.NewClient: OpenAI client created", "model", cfg.Model, "baseURL_set", cfg.BaseURL != "", "debugMode", cfg.DebugMode)

	return &Client{
		chat:               &openAIChatService{client: cli},
		audio:              &openAITranscriptionService{client: cli},
		model:              cfg.Model,
		temperature:        cfg.Temperature,
		maxTokens:          cfg.MaxTokens,
		transcriptionModel: cfg.TranscriptionModel,
		language:           cfg.Language,
		debugMode:          cfg.DebugMode,
		stateDir:           cfg.StateDir,
	}, nil
}

// Generate sends prompt as a single user message and returns the first choice.
func (c *Client) Generate(ctx context.Context, prompt string) (Completion, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage(prompt)},
	}
	if c.temperature > 0 {
		params.Temperature = openai.Float(c.temperature)
	}
	if c.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.maxTokens))
	}

	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("Client.Generate: chat completion failed", "model", c.model, "error", err)
		return Completion{}, fmt.Errorf("chat completion failed: %w", err)
	}
	c.debugLog("Generate", params, resp)
	if len(resp.Choices) == 0 {
		slog.Warn("Client.Generate: no choices returned", "model", c.model)
		return Completion{}, ErrNoChoicesReturned
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		slog.Warn("Client.Generate: empty content returned", "model", c.model, "finishReason", resp.Choices[0].FinishReason)
		return Completion{}, ErrEmptyResponse
	}
	slog.Debug("Client.Generate: succeeded", "model", c.model, "tokens", resp.Usage.TotalTokens, "length", len(text))
	return Completion{Text: text, TokensUsed: resp.Usage.TotalTokens}, nil
}

// Transcribe converts a voice payload to text with the configured speech model.
func (c *Client) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if len(audio) == 0 {
		return "", ErrEmptyAudio
	}
	params := openai.AudioTranscriptionNewParams{
		File:     openai.File(bytes.NewReader(audio), "voice"+extensionFor(mimeType), mimeType),
		Model:    openai.AudioModel(c.transcriptionModel),
		Language: openai.String(c.language),
	}
	text, err := c.audio.Create(ctx, params)
	if err != nil {
		slog.Error("Client.Transcribe: transcription failed", "model", c.transcriptionModel, "error", err)
		return "", fmt.Errorf("transcription failed: %w", err)
	}
	text = strings.TrimSpace(text)
	slog.Debug("Client.Transcribe: succeeded", "model", c.transcriptionModel, "length", len(text))
	return text, nil
}

// extensionFor maps common voice MIME types to a file extension the API accepts.
func extensionFor(mimeType string) string {
	switch strings.ToLower(strings.TrimSpace(strings.Split(mimeType, ";")[0])) {
	case "audio/ogg", "audio/opus":
		return ".ogg"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/mp4", "audio/m4a", "audio/x-m4a", "audio/aac":
		return ".m4a"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/webm":
		return ".webm"
	}
	return ".ogg"
}

// debugLog writes the request and response to <stateDir>/debug when debug mode is on.
func (c *Client) debugLog(method string, params interface{}, resp interface{}) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Warn("Client.debugLog: failed to create debug directory", "dir", dir, "error", err)
		return
	}
	entry := map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339Nano),
		"method":    method,
		"model":     c.model,
		"params":    params,
		"response":  resp,
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("Client.debugLog: marshal failed", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s.json", time.Now().Format("20060102T150405.000000000"), method)
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		slog.Warn("Client.debugLog: write failed", "error", err)
	}
}

var (
	_ Generator   = (*Client)(nil)
	_ Transcriber = (*Client)(nil)
)
