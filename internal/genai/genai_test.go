package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = params
	return m.resp, m.err
}

type mockTranscriptionService struct {
	text   string
	err    error
	called bool
}

func (m *mockTranscriptionService) Create(ctx context.Context, params openai.AudioTranscriptionNewParams) (string, error) {
	m.called = true
	return m.text, m.err
}

func TestGenerate_Success(t *testing.T) {
	mockResp := openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: "  Hello World \n"}},
		},
		Usage: openai.CompletionUsage{TotalTokens: 42},
	}
	chat := &mockChatService{resp: mockResp}
	client := &Client{chat: chat, model: "test-model", temperature: 0.5, maxTokens: 100}
	out, err := client.Generate(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out.Text != "Hello World" {
		t.Errorf("expected 'Hello World', got '%s'", out.Text)
	}
	if out.TokensUsed != 42 {
		t.Errorf("expected 42 tokens, got %d", out.TokensUsed)
	}
	if len(chat.params.Messages) != 1 {
		t.Errorf("expected a single user message, got %d", len(chat.params.Messages))
	}
	if string(chat.params.Model) != "test-model" {
		t.Errorf("expected model test-model, got %s", chat.params.Model)
	}
}

func TestGenerate_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}}
	_, err := client.Generate(context.Background(), "usr")
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestGenerate_NoChoices(t *testing.T) {
	mockResp := openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{}}
	client := &Client{chat: &mockChatService{resp: mockResp}}
	_, err := client.Generate(context.Background(), "usr")
	if err != ErrNoChoicesReturned {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestGenerate_EmptyContent(t *testing.T) {
	mockResp := openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: "  \n"}},
		},
		Usage: openai.CompletionUsage{TotalTokens: 7},
	}
	client := &Client{chat: &mockChatService{resp: mockResp}}
	out, err := client.Generate(context.Background(), "usr")
	if !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("expected ErrEmptyResponse, got %v", err)
	}
	if out.Text != "" || out.TokensUsed != 0 {
		t.Errorf("expected zero completion, got %+v", out)
	}
}

func TestTranscribe(t *testing.T) {
	audio := &mockTranscriptionService{text: " привет "}
	client := &Client{audio: audio, transcriptionModel: "whisper-1", language: "ru"}
	text, err := client.Transcribe(context.Background(), []byte{1, 2, 3}, "audio/ogg")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "привет" {
		t.Errorf("expected trimmed text, got %q", text)
	}
}

func TestTranscribe_EmptyAudio(t *testing.T) {
	audio := &mockTranscriptionService{}
	client := &Client{audio: audio}
	if _, err := client.Transcribe(context.Background(), nil, "audio/ogg"); !errors.Is(err, ErrEmptyAudio) {
		t.Errorf("expected ErrEmptyAudio, got %v", err)
	}
	if audio.called {
		t.Error("service should not be called for empty audio")
	}
}

func TestExtensionFor(t *testing.T) {
	tests := map[string]string{
		"audio/ogg; codecs=opus": ".ogg",
		"audio/mpeg":             ".mp3",
		"audio/x-m4a":            ".m4a",
		"audio/wav":              ".wav",
		"":                       ".ogg",
	}
	for in, want := range tests {
		if got := extensionFor(in); got != want {
			t.Errorf("extensionFor(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewClient_NoKey(t *testing.T) {
	_, err := NewClient()
	if err == nil {
		t.Error("expected error when API key not provided, got nil")
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithBaseURL("http://localhost:1234/v1"), WithModel("m"))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli == nil || cli.model != "m" {
		t.Errorf("unexpected client: %+v", cli)
	}
}
