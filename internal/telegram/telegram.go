// Package telegram is a small Telegram Bot API client: long polling, text
// messages with inline keyboards, callback acknowledgement and file download.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAPIBase is the public Bot API endpoint; the token is appended.
	DefaultAPIBase = "https://api.telegram.org"
	// MaxMessageLength is the Bot API limit for one text message, in characters.
	MaxMessageLength = 4096
	// DefaultRequestTimeout bounds non-polling requests.
	DefaultRequestTimeout = 30 * time.Second
)

// ErrNotOK is returned when the Bot API answers with ok=false.
var ErrNotOK = errors.New("telegram api returned ok=false")

// User is the sender of a message or callback.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// DisplayName prefers the username and falls back to the full name.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	if u.Username != "" {
		return u.Username
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Chat identifies the conversation a message belongs to.
type Chat struct {
	ID int64 `json:"id"`
}

// Voice is an attached voice note.
type Voice struct {
	FileID   string `json:"file_id"`
	MimeType string `json:"mime_type,omitempty"`
	Duration int    `json:"duration"`
}

// Message is the subset of the Bot API message object PersonaPipe reads.
type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from,omitempty"`
	Chat      Chat   `json:"chat"`
	Date      int64  `json:"date"`
	Text      string `json:"text,omitempty"`
	Voice     *Voice `json:"voice,omitempty"`
}

// CallbackQuery is an inline keyboard press.
type CallbackQuery struct {
	ID      string   `json:"id"`
	From    *User    `json:"from,omitempty"`
	Data    string   `json:"data"`
	Message *Message `json:"message,omitempty"`
}

// Update is one entry from getUpdates.
type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

// Button is one inline keyboard button.
type Button struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description,omitempty"`
}

// Client talks to one bot.
type Client struct {
	apiBase    string // <base>/bot<token>
	fileBase   string // <base>/file/bot<token>
	httpClient *http.Client
}

// NewClient creates a client for token against base (DefaultAPIBase when empty).
func NewClient(base, token string, requestTimeout time.Duration) *Client {
	if base == "" {
		base = DefaultAPIBase
	}
	base = strings.TrimRight(base, "/")
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	return &Client{
		apiBase:    base + "/bot" + token,
		fileBase:   base + "/file/bot" + token,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// GetUpdates long-polls for updates after offset. Callback queries are
// acknowledged so the client stops showing the spinner.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	params := url.Values{}
	params.Set("offset", strconv.FormatInt(offset, 10))
	params.Set("timeout", strconv.Itoa(timeout))
	params.Set("allowed_updates", `["message","callback_query"]`)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/getUpdates?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	// The poll itself may outlast the request timeout.
	poll := &http.Client{Timeout: c.httpClient.Timeout + time.Duration(timeout)*time.Second}
	resp, err := poll.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram getUpdates request failed: %w", err)
	}
	defer resp.Body.Close()

	var updates []Update
	if err := decode(resp.Body, &updates); err != nil {
		return nil, fmt.Errorf("telegram getUpdates: %w", err)
	}
	for _, u := range updates {
		if u.CallbackQuery != nil {
			if err := c.AnswerCallbackQuery(ctx, u.CallbackQuery.ID); err != nil {
				slog.Warn("Telegram.GetUpdates: answerCallbackQuery failed", "error", err)
			}
		}
	}
	return updates, nil
}

// SendMessage sends text to chatID, splitting it at MaxMessageLength. Buttons,
// if any, are attached to the last part one per row.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, buttons []Button) error {
	parts := SplitText(text, MaxMessageLength)
	for i, part := range parts {
		payload := map[string]any{"chat_id": chatID, "text": part}
		if i == len(parts)-1 && len(buttons) > 0 {
			rows := make([][]Button, 0, len(buttons))
			for _, b := range buttons {
				rows = append(rows, []Button{b})
			}
			payload["reply_markup"] = map[string]any{"inline_keyboard": rows}
		}
		if err := c.post(ctx, "sendMessage", payload, nil); err != nil {
			return fmt.Errorf("telegram sendMessage: %w", err)
		}
	}
	return nil
}

// AnswerCallbackQuery acknowledges an inline keyboard press.
func (c *Client) AnswerCallbackQuery(ctx context.Context, callbackID string) error {
	callbackID = strings.TrimSpace(callbackID)
	if callbackID == "" {
		return nil
	}
	return c.post(ctx, "answerCallbackQuery", map[string]any{"callback_query_id": callbackID}, nil)
}

// DownloadFile resolves fileID with getFile and returns the file contents.
func (c *Client) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	var file struct {
		FilePath string `json:"file_path"`
	}
	if err := c.post(ctx, "getFile", map[string]any{"file_id": fileID}, &file); err != nil {
		return nil, fmt.Errorf("telegram getFile: %w", err)
	}
	if file.FilePath == "" {
		return nil, fmt.Errorf("telegram getFile: empty file path for %s", fileID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.fileBase+"/"+file.FilePath, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram file download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram file download: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) post(ctx context.Context, method string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/"+method, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decode(resp.Body, out)
}

// decode unwraps the {ok, result} envelope into out (which may be nil).
func decode(r io.Reader, out any) error {
	var env apiResponse
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	if !env.OK {
		if env.Description != "" {
			return fmt.Errorf("%w: %s", ErrNotOK, env.Description)
		}
		return ErrNotOK
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("parse result: %w", err)
	}
	return nil
}

// SplitText cuts s into parts of at most limit runes, preferring to break at
// a newline in the second half of each part.
func SplitText(s string, limit int) []string {
	runes := []rune(s)
	if len(runes) <= limit {
		return []string{s}
	}
	var parts []string
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
