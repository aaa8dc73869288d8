package genai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	gemini "github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// DefaultGeminiModel is used when no model name is configured for the Gemini backend.
const DefaultGeminiModel = "gemini-1.5-flash-latest"

const transcribeInstruction = "Transcribe this voice message verbatim in its original language. Return only the transcribed text."

// contentGenerator is the subset of *gemini.GenerativeModel used here.
type contentGenerator interface {
	GenerateContent(ctx context.Context, parts ...gemini.Part) (*gemini.GenerateContentResponse, error)
}

// GeminiClient generates replies and transcribes voice with Google Gemini.
type GeminiClient struct {
	client *gemini.Client
	model  contentGenerator
	name   string
}

// NewGeminiClient creates a Gemini-backed Generator and Transcriber.
// Model, temperature and max tokens are read from the same options as NewClient.
func NewGeminiClient(ctx context.Context, opts ...Option) (*GeminiClient, error) {
	cfg := Opts{Model: DefaultGeminiModel, Temperature: DefaultTemperature, MaxTokens: DefaultMaxTokens}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key not set")
	}
	client, err := gemini.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		slog.Error("GeminiClient.NewGeminiClient: failed to create client", "error", err)
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := client.GenerativeModel(cfg.Model)
	temp := float32(cfg.Temperature)
	maxTokens := int32(cfg.MaxTokens)
	model.GenerationConfig = gemini.GenerationConfig{
		MaxOutputTokens: &maxTokens,
		Temperature:     &temp,
	}
	slog.Debug("GeminiClient.NewGeminiClient: client created", "model", cfg.Model)
	return &GeminiClient{client: client, model: model, name: cfg.Model}, nil
}

// Generate sends prompt as a single text part.
func (g *GeminiClient) Generate(ctx context.Context, prompt string) (Completion, error) {
	resp, err := g.model.GenerateContent(ctx, gemini.Text(prompt))
	if err != nil {
		slog.Error("GeminiClient.Generate: request failed", "model", g.name, "error", err)
		return Completion{}, fmt.Errorf("gemini generate failed: %w", err)
	}
	text, tokens, err := geminiText(resp)
	if err != nil {
		slog.Warn("GeminiClient.Generate: unusable response", "model", g.name, "error", err)
		return Completion{}, err
	}
	slog.Debug("GeminiClient.Generate: succeeded", "model", g.name, "tokens", tokens, "length", len(text))
	return Completion{Text: text, TokensUsed: tokens}, nil
}

// Transcribe sends the audio inline with a transcription instruction.
func (g *GeminiClient) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if len(audio) == 0 {
		return "", ErrEmptyAudio
	}
	if mimeType == "" {
		mimeType = "audio/ogg"
	}
	resp, err := g.model.GenerateContent(ctx, gemini.Blob{MIMEType: mimeType, Data: audio}, gemini.Text(transcribeInstruction))
	if err != nil {
		slog.Error("GeminiClient.Transcribe: request failed", "model", g.name, "error", err)
		return "", fmt.Errorf("gemini transcription failed: %w", err)
	}
	text, _, err := geminiText(resp)
	if err != nil {
		return "", err
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

// geminiText joins the text parts of the first candidate.
func geminiText(resp *gemini.GenerateContentResponse) (string, int64, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", 0, ErrEmptyResponse
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(gemini.Text); ok {
			b.WriteString(string(txt))
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", 0, ErrEmptyResponse
	}
	var tokens int64
	if resp.UsageMetadata != nil {
		tokens = int64(resp.UsageMetadata.TotalTokenCount)
	}
	return text, tokens, nil
}

var (
	_ Generator   = (*GeminiClient)(nil)
	_ Transcriber = (*GeminiClient)(nil)
)
